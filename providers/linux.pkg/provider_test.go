package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(seedInventory)
	if err != nil {
		t.Fatalf("NewProvider() returned error: %v", err)
	}
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

type listResult struct {
	Resources []resource  `json:"resources"`
	Error     *guestError `json:"error"`
}

type applyResult struct {
	Result result      `json:"result"`
	Error  *guestError `json:"error"`
}

func list(t *testing.T, p *Provider, fleet, site string) listResult {
	t.Helper()
	var out listResult
	req := mustJSON(t, scope{Provider: "linux", Account: fleet, Region: site})
	if err := json.Unmarshal(p.ListResources(req), &out); err != nil {
		t.Fatalf("unmarshal list response: %v", err)
	}
	return out
}

func apply(t *testing.T, p *Provider, act action) applyResult {
	t.Helper()
	var out applyResult
	if err := json.Unmarshal(p.ApplyAction(mustJSON(t, act)), &out); err != nil {
		t.Fatalf("unmarshal apply response: %v", err)
	}
	return out
}

func pkgIdentity(site, nativeID string) identity {
	return identity{Provider: "linux", Account: "edge", Region: site, ResourceType: "linux.package", NativeID: nativeID}
}

func TestListResources(t *testing.T) {
	p := newTestProvider(t)

	out := list(t, p, "edge", "fra1")
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	if len(out.Resources) != 3 {
		t.Fatalf("Expected 3 resources in edge/fra1, got %d", len(out.Resources))
	}

	want := []string{"db-01/postgresql", "web-01/nginx", "web-01/openssl"}
	for i, r := range out.Resources {
		if r.Identity.NativeID != want[i] {
			t.Errorf("resource %d: expected %s, got %s", i, want[i], r.Identity.NativeID)
		}
		if r.Identity.ResourceType != "linux.package" {
			t.Errorf("unexpected resource type %s", r.Identity.ResourceType)
		}
		if r.ObservedAt.IsZero() {
			t.Errorf("resource %s has no observation time", r.Identity.NativeID)
		}
	}

	if got := out.Resources[1].Attributes["version"]; got != "1.24.0-2" {
		t.Errorf("Expected nginx version 1.24.0-2, got %v", got)
	}
}

func TestListResourcesEmptyScope(t *testing.T) {
	p := newTestProvider(t)

	out := list(t, p, "core", "fra1")
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	if out.Resources == nil || len(out.Resources) != 0 {
		t.Errorf("Expected an empty resource list, got %v", out.Resources)
	}
}

func TestListResourcesWrongProvider(t *testing.T) {
	p := newTestProvider(t)

	var out listResult
	req := mustJSON(t, scope{Provider: "aws", Account: "edge", Region: "fra1"})
	if err := json.Unmarshal(p.ListResources(req), &out); err != nil {
		t.Fatal(err)
	}
	if out.Error == nil || out.Error.Category != "invalid" {
		t.Errorf("Expected invalid error, got %+v", out.Error)
	}
}

func TestApplyConfigure(t *testing.T) {
	p := newTestProvider(t)
	id := pkgIdentity("fra1", "web-01/nginx")

	out := apply(t, p, action{Identity: id, Kind: "configure", Parameters: map[string]any{"version": "1.26.0-1"}})
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	if out.Result.Status != "succeeded" {
		t.Errorf("Expected succeeded, got %s", out.Result.Status)
	}

	// Applying the same change again is a no-op.
	out = apply(t, p, action{Identity: id, Kind: "configure", Parameters: map[string]any{"version": "1.26.0-1"}})
	if out.Result.Status != "noop" {
		t.Errorf("Expected noop on repeat, got %s", out.Result.Status)
	}

	var described struct {
		Resource *resource `json:"resource"`
	}
	if err := json.Unmarshal(p.DescribeResource(mustJSON(t, id)), &described); err != nil {
		t.Fatal(err)
	}
	if described.Resource == nil || described.Resource.Attributes["version"] != "1.26.0-1" {
		t.Errorf("Expected described version 1.26.0-1, got %+v", described.Resource)
	}
}

func TestApplyDeleteRemovesPackage(t *testing.T) {
	p := newTestProvider(t)
	id := pkgIdentity("fra1", "web-01/openssl")

	out := apply(t, p, action{Identity: id, Kind: "delete"})
	if out.Result.Status != "succeeded" {
		t.Fatalf("Expected succeeded, got %+v", out)
	}

	if got := len(list(t, p, "edge", "fra1").Resources); got != 2 {
		t.Errorf("Expected 2 resources after delete, got %d", got)
	}

	var described struct {
		Resource *resource `json:"resource"`
	}
	if err := json.Unmarshal(p.DescribeResource(mustJSON(t, id)), &described); err != nil {
		t.Fatal(err)
	}
	if described.Resource != nil {
		t.Error("Expected deleted package to describe as absent")
	}

	out = apply(t, p, action{Identity: id, Kind: "delete"})
	if out.Error == nil || out.Error.Category != "not_found" {
		t.Errorf("Expected not_found on second delete, got %+v", out.Error)
	}
}

func TestApplyTag(t *testing.T) {
	p := newTestProvider(t)
	id := pkgIdentity("fra1", "db-01/postgresql")

	out := apply(t, p, action{Identity: id, Kind: "tag", Parameters: map[string]any{"tags": map[string]any{"owner": "unassigned"}}})
	if out.Result.Status != "succeeded" {
		t.Fatalf("Expected succeeded, got %+v", out)
	}

	resources := list(t, p, "edge", "fra1").Resources
	tags, _ := resources[0].Attributes["tags"].(map[string]any)
	if tags["owner"] != "unassigned" {
		t.Errorf("Expected owner tag, got %v", tags)
	}

	out = apply(t, p, action{Identity: id, Kind: "tag", Parameters: map[string]any{}})
	if out.Error == nil || out.Error.Category != "invalid" {
		t.Errorf("Expected invalid error for empty tags, got %+v", out.Error)
	}
}

func TestApplyUnsupportedKind(t *testing.T) {
	p := newTestProvider(t)

	out := apply(t, p, action{Identity: pkgIdentity("fra1", "web-01/nginx"), Kind: "resize"})
	if out.Error == nil || !strings.Contains(out.Error.Message, "not supported") {
		t.Errorf("Expected unsupported action error, got %+v", out.Error)
	}
}

func TestValidatePackageConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  PackageConfig
		wantErr bool
	}{
		{"defaults to present", PackageConfig{}, false},
		{"pinned version", PackageConfig{State: "present", Version: "1.0"}, false},
		{"latest", PackageConfig{State: "latest"}, false},
		{"invalid state", PackageConfig{State: "purged"}, true},
		{"invalid manager", PackageConfig{Manager: "pacman"}, true},
		{"absent with version", PackageConfig{State: "absent", Version: "1.0"}, true},
		{"latest with version", PackageConfig{State: "latest", Version: "1.0"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			err := validatePackageConfig(&cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePackageConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg.State == "" {
				t.Error("Expected state default to be filled")
			}
		})
	}
}

func TestNewProviderRejectsBadInventory(t *testing.T) {
	bad := []string{
		`not json`,
		`{"packages":[{"fleet":"edge","site":"fra1","host":"h","package":"","manager":"apt"}]}`,
		`{"packages":[{"fleet":"edge","site":"fra1","host":"h","package":"p","manager":"brew"}]}`,
	}
	for _, doc := range bad {
		if _, err := NewProvider([]byte(doc)); err == nil {
			t.Errorf("Expected error for inventory %s", doc)
		}
	}
}
