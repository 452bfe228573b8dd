package provider

import (
	"errors"
	"sync"
)

// ErrAdapterNotFound is returned when no adapter is registered for a
// (tenant, provider) pair.
var ErrAdapterNotFound = errors.New("no adapter registered for tenant/provider")

type registryKey struct {
	tenantID   string
	providerID string
}

// Registry holds the process-wide adapter map. Reads dominate writes, so a
// read-write lock suffices.
type Registry struct {
	mu       sync.RWMutex
	adapters map[registryKey]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[registryKey]Adapter)}
}

// Register binds an adapter to a (tenant, provider) pair, replacing any
// previous binding.
func (r *Registry) Register(tenantID, providerID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[registryKey{tenantID, providerID}] = a
}

// Lookup returns the adapter for a (tenant, provider) pair.
func (r *Registry) Lookup(tenantID, providerID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[registryKey{tenantID, providerID}]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return a, nil
}

// Unregister removes a binding. Removing an absent binding is a no-op.
func (r *Registry) Unregister(tenantID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, registryKey{tenantID, providerID})
}

// Pairs lists the registered (tenantID, providerID) pairs.
func (r *Registry) Pairs() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][2]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, [2]string{k.tenantID, k.providerID})
	}
	return out
}
