package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestStoreSnapshotIsolation(t *testing.T) {
	s := NewStore(Default(), zerolog.Nop())

	snap := s.Snapshot()
	snap.Drift.SeverityMap["public"] = "info"
	snap.Policies.RequiredTags = append(snap.Policies.RequiredTags, "team")

	again := s.Snapshot()
	if again.Drift.SeverityMap["public"] != "critical" {
		t.Error("snapshot mutation leaked into store")
	}
	if len(again.Policies.RequiredTags) != 1 {
		t.Errorf("required tags leaked: %v", again.Policies.RequiredTags)
	}
}

func TestStoreReplace(t *testing.T) {
	s := NewStore(Default(), zerolog.Nop())

	next := s.Snapshot()
	next.Reconcile.PollInterval = Duration(time.Minute)
	if err := s.Replace(next); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if got := s.Settings().PollInterval; got != time.Minute {
		t.Errorf("poll interval = %s, want 1m", got)
	}

	bad := s.Snapshot()
	bad.Remediation.MaxRetries = 0
	if err := s.Replace(bad); err == nil {
		t.Fatal("expected validation error")
	}
	if got := s.Snapshot().Remediation.MaxRetries; got != 5 {
		t.Errorf("invalid config replaced current one: max retries = %d", got)
	}
}

func TestStoreReloadKeepsCurrentOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudops.yaml")
	writeConfig(t, path, "reconcile:\n  pollInterval: 1m\n")

	s, err := OpenStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}

	writeConfig(t, path, "reconcile:\n  pollInterval: 2m\n")
	if _, err := s.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := s.Settings().PollInterval; got != 2*time.Minute {
		t.Errorf("poll interval = %s, want 2m", got)
	}

	writeConfig(t, path, "reconcile:\n  pollInterval: never\n")
	if _, err := s.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := s.Settings().PollInterval; got != 2*time.Minute {
		t.Errorf("poll interval = %s, want 2m after failed reload", got)
	}
}

func TestStoreWithoutFile(t *testing.T) {
	s := NewStore(Default(), zerolog.Nop())
	if _, err := s.Reload(); err == nil {
		t.Error("expected Reload error")
	}
	if err := s.Watch(context.Background(), nil); err == nil {
		t.Error("expected Watch error")
	}
}

func TestStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudops.yaml")
	writeConfig(t, path, "reconcile:\n  maxConcurrentScopes: 2\n")

	s, err := OpenStore(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	if err := s.Watch(ctx, func(c *Config) { changes <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeConfig(t, path, "reconcile:\n  maxConcurrentScopes: 8\n")

	select {
	case cfg := <-changes:
		if cfg.Reconcile.MaxConcurrentScopes != 8 {
			t.Errorf("max concurrent scopes = %d, want 8", cfg.Reconcile.MaxConcurrentScopes)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if got := s.Settings().MaxConcurrentScopes; got != 8 {
		t.Errorf("store not updated: %d", got)
	}
}
