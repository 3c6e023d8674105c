// Package adapters wires concrete backend adapters into the engine. The
// registry is the engine's AdapterResolver; each backend kind registers
// exactly one adapter at startup.
package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rackcycle/rackcycle/pkg/engine"
)

// Registry implements the engine.AdapterResolver interface.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// adapters maps backend kind to adapter instance.
	adapters map[engine.AdapterKind]engine.Adapter
}

// NewRegistry creates a new adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[engine.AdapterKind]engine.Adapter),
	}
}

// Register registers an adapter for its kind.
func (r *Registry) Register(adapter engine.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}

	kind := adapter.Kind()
	if err := kind.Validate(); err != nil {
		return fmt.Errorf("invalid adapter kind: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("adapter already registered for kind %s", kind)
	}

	r.adapters[kind] = adapter
	return nil
}

// Resolve returns the adapter for kind, or false when none is registered.
func (r *Registry) Resolve(kind engine.AdapterKind) (engine.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[kind]
	return adapter, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []engine.AdapterKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]engine.AdapterKind, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
