package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/runway/errors"
)

// Registration holds a factory and its metadata for one module type
type Registration struct {
	Name        string  `json:"name"`        // Factory name (e.g., "pubsub")
	Description string  `json:"description"` // Human-readable description
	Version     string  `json:"version"`     // Module version
	Factory     Factory `json:"-"`           // Factory function (not serializable)
}

// Registry manages module factories. Registration of a duplicate name is a
// configuration error, never a runtime race: registries are populated once
// at process start.
type Registry struct {
	factories map[string]*Registration
	mu        sync.RWMutex
}

// NewRegistry creates a new empty module factory registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]*Registration),
	}
}

// Register registers a module factory under its name
func (r *Registry) Register(reg *Registration) error {
	if reg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "registration validation")
	}
	if reg.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[reg.Name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrDuplicateModule, reg.Name),
			"Registry", "Register", "duplicate factory check")
	}

	r.factories[reg.Name] = reg
	return nil
}

// Lookup returns the registration for a factory name
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.factories[name]
	return reg, ok
}

// List returns all registered factory names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
