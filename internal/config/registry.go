package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/duplex/pkg/transport"
)

// ErrProviderNotRegistered is returned by [Registry.CreateTransport] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TransportFactory builds a transport from its configuration block.
type TransportFactory func(ProviderEntry) (transport.Transport, error)

// Registry maps provider names to transport constructors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]TransportFactory)}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateTransport instantiates a transport using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateTransport(entry ProviderEntry) (transport.Transport, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Name)
	}
	t, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create transport %q: %w", entry.Name, err)
	}
	return t, nil
}

// CreateFailover creates every configured provider in order and combines
// them behind per-provider circuit breakers. onStateChange may be nil.
func (r *Registry) CreateFailover(tc TransportConfig, onStateChange func(name string, from, to transport.BreakerState)) (*transport.Failover, error) {
	if len(tc.Providers) == 0 {
		return nil, errors.New("config: no transport providers configured")
	}
	members := make([]transport.Transport, 0, len(tc.Providers))
	for _, entry := range tc.Providers {
		t, err := r.CreateTransport(entry)
		if err != nil {
			return nil, err
		}
		members = append(members, t)
	}
	bc := transport.BreakerConfig{
		MaxFailures:   tc.Breaker.MaxFailures,
		ResetTimeout:  tc.Breaker.ResetTimeout,
		OnStateChange: onStateChange,
	}
	return transport.NewFailover(bc, members[0], members[1:]...), nil
}
