package services

import (
	"sort"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/errors"
)

// PluginRegistry maps accelerator pack names to their factories.
type PluginRegistry struct {
	mu        sync.RWMutex
	factories map[domain.PackageName]ports.PluginFactory
}

func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		factories: make(map[domain.PackageName]ports.PluginFactory),
	}
}

// Register adds or replaces the factory for name.
func (r *PluginRegistry) Register(name domain.PackageName, factory ports.PluginFactory) error {
	if !name.Valid() {
		return errors.NewInvalidParametersError(string(name) + " is not a valid accelerator pack")
	}
	if factory == nil {
		return errors.NewInvalidParametersError("factory is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	return nil
}

// Resolve returns the factory for name or a missing dependency error.
func (r *PluginRegistry) Resolve(name domain.PackageName) (ports.PluginFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.NewMissingDependencyError(string(name))
	}
	return factory, nil
}

func (r *PluginRegistry) Names() []domain.PackageName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]domain.PackageName, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
