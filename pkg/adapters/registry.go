// Package adapters holds the provider registry the engine resolves Cloud
// Adapters through, plus the bundled adapter implementations.
package adapters

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// ErrUnknownProvider is returned when no adapter is registered for a provider.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps provider names to Cloud Adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]engine.CloudAdapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...engine.CloudAdapter) *Registry {
	r := &Registry{adapters: make(map[string]engine.CloudAdapter)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds an adapter. Registering a second adapter for the same
// provider is an error.
func (r *Registry) Register(adapter engine.CloudAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("adapter has no provider name")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter for provider %s already registered", name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider string) (engine.CloudAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return adapter, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
