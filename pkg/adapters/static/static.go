// Package static provides a fixture-backed Cloud Adapter. It keeps resources
// in memory, applies actions to them idempotently and supports failure
// injection, which makes it the adapter of choice for offline runs and tests.
package static

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Adapter is an in-memory Cloud Adapter for one provider.
type Adapter struct {
	name  string
	clock engine.Clock

	mu        sync.Mutex
	resources map[engine.ResourceIdentity]map[string]any
	listErrs  []error
	applyErrs []error
	applied   []engine.Action
	calls     int
}

// New creates an adapter serving the given resources. Resources of other
// providers are ignored.
func New(provider string, resources ...engine.ObservedResource) *Adapter {
	a := &Adapter{
		name:      provider,
		clock:     engine.SystemClock,
		resources: make(map[engine.ResourceIdentity]map[string]any),
	}
	for _, r := range resources {
		if r.Identity.Provider == provider {
			a.resources[r.Identity] = copyMap(r.Attributes)
		}
	}
	return a
}

type fixtureFile struct {
	Resources []engine.ObservedResource `yaml:"resources"`
}

// LoadFile reads a YAML fixture file and returns one adapter per provider
// found in it, sorted by provider name.
func LoadFile(path string) ([]*Adapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML fixtures.
func Parse(data []byte) ([]*Adapter, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}

	byProvider := make(map[string][]engine.ObservedResource)
	for i, r := range f.Resources {
		if err := r.Identity.Validate(); err != nil {
			return nil, fmt.Errorf("fixture %d: %w", i, err)
		}
		byProvider[r.Identity.Provider] = append(byProvider[r.Identity.Provider], r)
	}

	providers := make([]string, 0, len(byProvider))
	for p := range byProvider {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	out := make([]*Adapter, 0, len(providers))
	for _, p := range providers {
		out = append(out, New(p, byProvider[p]...))
	}
	return out, nil
}

// WithClock sets the clock used for ObservedAt.
func (a *Adapter) WithClock(c engine.Clock) *Adapter {
	a.clock = c
	return a
}

// Name implements engine.CloudAdapter.
func (a *Adapter) Name() string {
	return a.name
}

// ListResources implements engine.CloudAdapter.
func (a *Adapter) ListResources(ctx context.Context, scope engine.Scope) ([]engine.ObservedResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.listErrs) > 0 {
		err := a.listErrs[0]
		a.listErrs = a.listErrs[1:]
		return nil, err
	}

	now := a.clock.Now()
	var out []engine.ObservedResource
	for id, attrs := range a.resources {
		if scope.Contains(id) {
			out = append(out, a.observe(id, attrs, now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Less(out[j].Identity) })
	return out, nil
}

// DescribeResource implements engine.ResourceDescriber.
func (a *Adapter) DescribeResource(ctx context.Context, id engine.ResourceIdentity) (*engine.ObservedResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	attrs, ok := a.resources[id]
	if !ok {
		return nil, a.adapterErr(engine.ErrorCategoryNotFound, "describe_resource", fmt.Sprintf("resource %s not found", id))
	}
	r := a.observe(id, attrs, a.clock.Now())
	return &r, nil
}

// ApplyAction implements engine.CloudAdapter. Applying the same action twice
// reports noop the second time.
func (a *Adapter) ApplyAction(ctx context.Context, action engine.Action) (engine.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.ActionResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if len(a.applyErrs) > 0 {
		err := a.applyErrs[0]
		a.applyErrs = a.applyErrs[1:]
		return engine.ActionResult{
			Status:          engine.ActionResultFailed,
			ProviderMessage: err.Error(),
			ErrorCategory:   engine.ClassifyError(err),
		}, err
	}

	attrs, exists := a.resources[action.Identity]
	if !exists && action.Kind != engine.ActionDelete && action.Kind != engine.ActionNotify {
		err := a.adapterErr(engine.ErrorCategoryNotFound, "apply_action", fmt.Sprintf("resource %s not found", action.Identity))
		return engine.ActionResult{Status: engine.ActionResultFailed, ErrorCategory: engine.ErrorCategoryNotFound}, err
	}

	var changed bool
	switch action.Kind {
	case engine.ActionTag:
		tags, _ := attrs["tags"].(map[string]any)
		if tags == nil {
			tags = make(map[string]any)
		}
		changed = setAll(tags, action.Parameters)
		attrs["tags"] = tags
	case engine.ActionConfigure, engine.ActionResize:
		changed = setAll(attrs, action.Parameters)
	case engine.ActionStop:
		changed = setAll(attrs, map[string]any{"state": "stopped"})
	case engine.ActionDelete:
		if exists {
			delete(a.resources, action.Identity)
			changed = true
		}
	case engine.ActionNotify:
		a.applied = append(a.applied, action)
		return engine.ActionResult{Status: engine.ActionResultSucceeded, ProviderMessage: "notification recorded"}, nil
	default:
		err := a.adapterErr(engine.ErrorCategoryInvalid, "apply_action", fmt.Sprintf("unsupported action kind %q", action.Kind))
		return engine.ActionResult{Status: engine.ActionResultFailed, ErrorCategory: engine.ErrorCategoryInvalid}, err
	}

	a.applied = append(a.applied, action)
	if !changed {
		return engine.ActionResult{Status: engine.ActionResultNoop, ProviderMessage: "already in requested state"}, nil
	}
	return engine.ActionResult{Status: engine.ActionResultSucceeded, ProviderMessage: fmt.Sprintf("%s applied", action.Kind)}, nil
}

// Put creates or replaces a resource, simulating a change made outside the
// engine.
func (a *Adapter) Put(id engine.ResourceIdentity, attrs map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resources[id] = copyMap(attrs)
}

// Remove deletes a resource outside the engine.
func (a *Adapter) Remove(id engine.ResourceIdentity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.resources, id)
}

// FailList makes the next ListResources calls return errs in order.
func (a *Adapter) FailList(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listErrs = append(a.listErrs, errs...)
}

// FailApply makes the next ApplyAction calls return errs in order.
func (a *Adapter) FailApply(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyErrs = append(a.applyErrs, errs...)
}

// Applied returns the actions that reached the resources, including noops.
func (a *Adapter) Applied() []engine.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]engine.Action(nil), a.applied...)
}

// Calls returns the number of ApplyAction calls, failed ones included.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *Adapter) observe(id engine.ResourceIdentity, attrs map[string]any, now time.Time) engine.ObservedResource {
	r := engine.ObservedResource{
		Identity:   id,
		Attributes: copyMap(attrs),
		ObservedAt: now,
	}
	r.EnsureHash()
	return r
}

func (a *Adapter) adapterErr(category engine.ErrorCategory, op, msg string) error {
	return engine.NewAdapterError(category, msg, nil).WithProvider(a.name).WithOperation(op)
}

// setAll writes every param into dst and reports whether anything changed.
func setAll(dst, params map[string]any) bool {
	changed := false
	for k, v := range params {
		if cur, ok := dst[k]; ok && sameValue(cur, v) {
			continue
		}
		dst[k] = copyValue(v)
		changed = true
	}
	return changed
}

func sameValue(a, b any) bool {
	ca, errA := engine.MarshalCanonical(a)
	cb, errB := engine.MarshalCanonical(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ca, cb)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
