package adapter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/switchyard/switchyard/internal/models"
)

// ErrUnknownType is returned when an instance's type discriminant has no
// registered implementation.
var ErrUnknownType = errors.New("adapter: unknown adapter type")

// Factory builds an Adapter for one persisted instance.
type Factory func(inst *models.AdapterInstance) (Adapter, error)

// Registry maps type discriminants to adapter factories. It is an explicit
// object handed to the router and the dispatch daemon; there is no
// package-level registry, so tests substitute their own.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a type discriminant, replacing any previous
// registration.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Known reports whether a type discriminant has a registered factory.
func (r *Registry) Known(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// New builds the Adapter for an instance, or ErrUnknownType.
func (r *Registry) New(inst *models.AdapterInstance) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[inst.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, inst.Type)
	}
	a, err := f(inst)
	if err != nil {
		return nil, fmt.Errorf("adapter: build %s instance %d: %w", inst.Type, inst.ID, err)
	}
	return a, nil
}

// Validate checks an instance before persistence: the type must be known,
// the channel columns must decode, and the type-specific config must pass
// the implementation's own structural validation.
func (r *Registry) Validate(inst *models.AdapterInstance) error {
	a, err := r.New(inst)
	if err != nil {
		return err
	}
	if _, err := ParseChannelSet(inst); err != nil {
		return err
	}
	cfg, err := ParseConfig(inst)
	if err != nil {
		return err
	}
	if err := a.Validate(cfg); err != nil {
		return fmt.Errorf("adapter: validate %s instance: %w", inst.Type, err)
	}
	return nil
}
