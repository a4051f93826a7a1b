// Package module defines the contract between the runway runtime and the
// modules it orchestrates: the lifecycle state machine, the factory and
// hook interfaces, and the resolution context a module sees while it is
// being constructed.
package module

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360/runway/metric"
)

// State represents the lifecycle state of a module entry for one run
type State int

const (
	// StateNotStarted indicates the module is registered but its
	// construction task has not begun (or was skipped by cancellation)
	StateNotStarted State = iota
	// StateConstructing indicates the module's factory is running or queued
	StateConstructing
	// StateReady indicates construction succeeded and the instance is live
	StateReady
	// StateFailed indicates construction failed; a failed entry never
	// becomes ready
	StateFailed
	// StateDestroying indicates teardown has begun
	StateDestroying
	// StateDestroyed indicates teardown completed
	StateDestroyed
)

// String returns a string representation of the module state
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateConstructing:
		return "constructing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the construction phase.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// Module is a constructed module instance. Destroy is invoked exactly once,
// during teardown, strictly after every module that resolved this one has
// itself begun teardown.
type Module interface {
	Destroy() error
}

// AllReadyHook is an optional capability. OnAllModulesReady runs after the
// whole module set reached a terminal state successfully, in ascending
// completion order, one hook at a time. A hook may therefore assume every
// other module is fully constructed.
type AllReadyHook interface {
	OnAllModulesReady() error
}

// ShutdownHook is an optional capability. OnShutdownStart runs immediately
// before the module's Destroy during teardown.
type ShutdownHook interface {
	OnShutdownStart()
}

// Context is what a module's factory sees for the duration of the factory
// call. Resolve suspends the calling task until the named module is ready.
// The context must not be retained past the factory's return.
type Context interface {
	// Resolve returns a ready reference to the named module, suspending
	// the caller while the target is still constructing. References
	// returned by Resolve outlive the resolving module.
	Resolve(name string) (Module, error)

	// ModuleName returns the name of the module being constructed.
	ModuleName() string

	// Deps returns the ambient dependencies shared by all modules in the run.
	Deps() Dependencies
}

// Factory constructs a module instance from its raw JSON configuration.
// Factories run concurrently, one task per module; any returned error is
// treated as a construction failure and cancels the whole run.
type Factory func(cfg json.RawMessage, rctx Context) (Module, error)

// ResolveAs resolves a named module and asserts its concrete type.
func ResolveAs[T Module](rctx Context, name string) (T, error) {
	var zero T
	m, err := rctx.Resolve(name)
	if err != nil {
		return zero, err
	}
	typed, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("module %q is %T, not %T", name, m, zero)
	}
	return typed, nil
}

// AsAllReadyHook safely casts a module to AllReadyHook
func AsAllReadyHook(m Module) (AllReadyHook, bool) {
	h, ok := m.(AllReadyHook)
	return h, ok
}

// AsShutdownHook safely casts a module to ShutdownHook
func AsShutdownHook(m Module) (ShutdownHook, bool) {
	h, ok := m.(ShutdownHook)
	return h, ok
}

// Dependencies provides the ambient collaborators shared by every module in
// a run. Anything a module needs from another module is obtained through
// Context.Resolve instead.
type Dependencies struct {
	Logger  *slog.Logger     // Structured logger (can be nil, defaults to slog.Default())
	Metrics *metric.Registry // Metrics registry for Prometheus (can be nil)
	Health  HealthReporter   // Per-module health sink (can be nil)
	Meta    RunMeta
}

// RunMeta identifies the run a module belongs to.
type RunMeta struct {
	RunID   string
	Service string
}

// HealthReporter receives per-module health transitions from the manager
// and from modules that track their own health.
type HealthReporter interface {
	UpdateHealthy(name, message string)
	UpdateDegraded(name, message string)
	UpdateUnhealthy(name, message string)
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithModule returns a logger configured with module context
func (d Dependencies) GetLoggerWithModule(name string) *slog.Logger {
	return d.GetLogger().With("module", name)
}
