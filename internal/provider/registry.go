package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an adapter on first use.
type Factory func() (Adapter, error)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Adapter),
	}
}

// RegisterFactory makes a provider loadable by name.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Register adds an already constructed adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[a.Name()] = a
}

// LoadProvider initializes and registers a provider by name.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	f, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	p, err := f()
	if err != nil {
		return fmt.Errorf("failed to initialize provider %s: %w", name, err)
	}

	r.providers[name] = p
	return nil
}

// Get returns a registered provider, loading it from its factory if needed.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	if err := r.LoadProvider(name); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name], nil
}

// Names lists every loadable or loaded provider.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for n := range r.factories {
		seen[n] = true
	}
	for n := range r.providers {
		seen[n] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
