package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caredial/caredial/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by [Registry.CreateEngine] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: engine provider not registered")

// EngineFactory constructs a speech engine provider from its config block.
type EngineFactory func(EngineConfig) (speech.Provider, error)

// Registry maps engine provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]EngineFactory)}
}

// RegisterEngine registers factory under name, replacing any previous
// registration.
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// CreateEngine constructs the provider selected by cfg.Provider.
func (r *Registry) CreateEngine(cfg EngineConfig) (speech.Provider, error) {
	r.mu.RLock()
	factory, ok := r.engines[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// EngineNames returns the registered provider names in no particular order.
func (r *Registry) EngineNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}
