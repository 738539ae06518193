package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	providerName = "linux"
	resourceType = "linux.package"
)

//go:embed inventory.json
var seedInventory []byte

// Wire types mirror the reconciler's JSON documents. The plugin builds as
// its own module, so they are declared here.

type identity struct {
	Provider     string `json:"provider"`
	Account      string `json:"account"`
	Region       string `json:"region"`
	ResourceType string `json:"resource_type"`
	NativeID     string `json:"native_id"`
}

type scope struct {
	Provider string `json:"provider"`
	Account  string `json:"account"`
	Region   string `json:"region"`
}

type resource struct {
	Identity   identity       `json:"identity"`
	Attributes map[string]any `json:"attributes"`
	ObservedAt time.Time      `json:"observed_at"`
}

type action struct {
	Identity       identity       `json:"identity"`
	Kind           string         `json:"kind"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	ExpectedHash   string         `json:"expected_hash,omitempty"`
}

type result struct {
	Status          string `json:"status"`
	ProviderMessage string `json:"provider_message,omitempty"`
	ErrorCategory   string `json:"error_category,omitempty"`
}

type guestError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Error categories understood by the host.
const (
	categoryNotFound = "not_found"
	categoryInvalid  = "invalid"
)

// Package is one installed package on one host.
type Package struct {
	Fleet   string            `json:"fleet"`
	Site    string            `json:"site"`
	Host    string            `json:"host"`
	Package string            `json:"package"`
	Version string            `json:"version"`
	Manager string            `json:"manager"`
	Tags    map[string]string `json:"tags"`
}

func (p *Package) nativeID() string {
	return p.Host + "/" + p.Package
}

func (p *Package) resource(now time.Time) resource {
	tags := make(map[string]any, len(p.Tags))
	for k, v := range p.Tags {
		tags[k] = v
	}
	return resource{
		Identity: identity{
			Provider:     providerName,
			Account:      p.Fleet,
			Region:       p.Site,
			ResourceType: resourceType,
			NativeID:     p.nativeID(),
		},
		Attributes: map[string]any{
			"host":    p.Host,
			"package": p.Package,
			"version": p.Version,
			"manager": p.Manager,
			"tags":    tags,
		},
		ObservedAt: now,
	}
}

// PackageConfig is the parameter set of a configure action.
type PackageConfig struct {
	// State is present, absent or latest. Default present.
	State string `json:"state,omitempty"`

	// Version pins the installed version. Not allowed with absent or latest.
	Version string `json:"version,omitempty"`

	// Manager switches the package manager.
	Manager string `json:"manager,omitempty"`
}

// Provider holds the fleet inventory and answers host requests.
type Provider struct {
	packages map[string]*Package // keyed by fleet/site/host/package
	now      func() time.Time
	log      func(level int32, msg string)
}

// NewProvider creates a provider seeded from an inventory document.
func NewProvider(inventory []byte) (*Provider, error) {
	var doc struct {
		Packages []*Package `json:"packages"`
	}
	if err := json.Unmarshal(inventory, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	p := &Provider{
		packages: make(map[string]*Package, len(doc.Packages)),
		now:      time.Now,
		log:      func(int32, string) {},
	}
	for _, pkg := range doc.Packages {
		if pkg.Fleet == "" || pkg.Site == "" || pkg.Host == "" || pkg.Package == "" {
			return nil, fmt.Errorf("inventory entry %q is incomplete", pkg.nativeID())
		}
		if !isValidPackageManager(pkg.Manager) {
			return nil, fmt.Errorf("inventory entry %q: invalid package manager %q", pkg.nativeID(), pkg.Manager)
		}
		if pkg.Tags == nil {
			pkg.Tags = map[string]string{}
		}
		p.packages[key(pkg.Fleet, pkg.Site, pkg.nativeID())] = pkg
	}
	return p, nil
}

func key(fleet, site, nativeID string) string {
	return fleet + "/" + site + "/" + nativeID
}

// ListResources handles list_resources.
func (p *Provider) ListResources(req []byte) []byte {
	var sc scope
	if err := json.Unmarshal(req, &sc); err != nil {
		return errorResponse(categoryInvalid, "malformed scope: "+err.Error())
	}
	if sc.Provider != providerName {
		return errorResponse(categoryInvalid, fmt.Sprintf("provider %q is not served by this plugin", sc.Provider))
	}

	now := p.now().UTC()
	out := []resource{}
	for _, pkg := range p.packages {
		if pkg.Fleet == sc.Account && pkg.Site == sc.Region {
			out = append(out, pkg.resource(now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.NativeID < out[j].Identity.NativeID })

	return marshal(map[string]any{"resources": out})
}

// DescribeResource handles describe_resource.
func (p *Provider) DescribeResource(req []byte) []byte {
	var id identity
	if err := json.Unmarshal(req, &id); err != nil {
		return errorResponse(categoryInvalid, "malformed identity: "+err.Error())
	}
	pkg, ok := p.lookup(id)
	if !ok {
		return marshal(map[string]any{"resource": nil})
	}
	return marshal(map[string]any{"resource": pkg.resource(p.now().UTC())})
}

// ApplyAction handles apply_action.
func (p *Provider) ApplyAction(req []byte) []byte {
	var act action
	if err := json.Unmarshal(req, &act); err != nil {
		return errorResponse(categoryInvalid, "malformed action: "+err.Error())
	}

	pkg, ok := p.lookup(act.Identity)
	if !ok {
		return errorResponse(categoryNotFound, fmt.Sprintf("package %s not found", act.Identity.NativeID))
	}

	res, err := p.apply(pkg, act)
	if err != nil {
		return errorResponse(categoryInvalid, err.Error())
	}
	p.log(1, fmt.Sprintf("%s %s: %s", act.Kind, pkg.nativeID(), res.Status))
	return marshal(map[string]any{"result": res})
}

func (p *Provider) apply(pkg *Package, act action) (result, error) {
	switch act.Kind {
	case "configure":
		var cfg PackageConfig
		if err := decodeParams(act.Parameters, &cfg); err != nil {
			return result{}, err
		}
		if err := validatePackageConfig(&cfg); err != nil {
			return result{}, err
		}
		return p.configure(pkg, cfg), nil

	case "tag":
		tags, err := stringMap(act.Parameters["tags"])
		if err != nil {
			return result{}, err
		}
		changed := false
		for k, v := range tags {
			if pkg.Tags[k] != v {
				pkg.Tags[k] = v
				changed = true
			}
		}
		if !changed {
			return result{Status: "noop"}, nil
		}
		return result{Status: "succeeded", ProviderMessage: fmt.Sprintf("tagged %d key(s)", len(tags))}, nil

	case "delete":
		return p.configure(pkg, PackageConfig{State: "absent"}), nil

	case "notify":
		return result{Status: "noop", ProviderMessage: "notifications are delivered by the reconciler"}, nil

	default:
		return result{}, fmt.Errorf("action %q is not supported for %s", act.Kind, resourceType)
	}
}

func (p *Provider) configure(pkg *Package, cfg PackageConfig) result {
	if cfg.State == "absent" {
		delete(p.packages, key(pkg.Fleet, pkg.Site, pkg.nativeID()))
		return result{Status: "succeeded", ProviderMessage: "removed " + pkg.Package}
	}

	var changes []string
	if cfg.Manager != "" && cfg.Manager != pkg.Manager {
		pkg.Manager = cfg.Manager
		changes = append(changes, "manager="+cfg.Manager)
	}
	if cfg.Version != "" && cfg.Version != pkg.Version {
		pkg.Version = cfg.Version
		changes = append(changes, "version="+cfg.Version)
	}
	if len(changes) == 0 {
		return result{Status: "noop"}
	}
	return result{Status: "succeeded", ProviderMessage: strings.Join(changes, ", ")}
}

func (p *Provider) lookup(id identity) (*Package, bool) {
	if id.Provider != providerName || id.ResourceType != resourceType {
		return nil, false
	}
	pkg, ok := p.packages[key(id.Account, id.Region, id.NativeID)]
	return pkg, ok
}

// validatePackageConfig validates a configure request and fills defaults.
func validatePackageConfig(config *PackageConfig) error {
	if config.State == "" {
		config.State = "present"
	}

	switch config.State {
	case "present", "absent", "latest":
	default:
		return fmt.Errorf("invalid state: %s (must be present, absent, or latest)", config.State)
	}

	if config.Manager != "" && !isValidPackageManager(config.Manager) {
		return fmt.Errorf("invalid package manager: %s", config.Manager)
	}
	if config.State == "absent" && config.Version != "" {
		return fmt.Errorf("version cannot be specified when state is absent")
	}
	if config.State == "latest" && config.Version != "" {
		return fmt.Errorf("version cannot be specified when state is latest")
	}
	return nil
}

// isValidPackageManager checks if a package manager is supported.
func isValidPackageManager(manager string) bool {
	switch manager {
	case "apt", "dnf", "yum", "zypper":
		return true
	}
	return false
}

func decodeParams(params map[string]any, into any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

func stringMap(v any) (map[string]string, error) {
	raw, ok := v.(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("tag action requires a non-empty tags parameter")
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("tag %q must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

func errorResponse(category, message string) []byte {
	return marshal(map[string]any{"error": guestError{Category: category, Message: message}})
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":{"category":"unknown","message":"failed to encode response"}}`)
	}
	return data
}
