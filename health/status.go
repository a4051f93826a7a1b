// Package health provides health tracking for modules and aggregate
// readiness for the whole run.
package health

import (
	"time"

	"github.com/c360/runway/module"
)

// Status represents the health state of a module or the whole run
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// FromModuleState maps a module lifecycle state onto a health status.
// Ready is healthy; in-flight and teardown states are degraded; Failed is
// unhealthy.
func FromModuleState(name string, state module.State, lastErr error) Status {
	switch state {
	case module.StateReady:
		return NewHealthy(name, "module ready")
	case module.StateFailed:
		msg := "module construction failed"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		return NewUnhealthy(name, msg)
	case module.StateNotStarted, module.StateConstructing:
		return NewDegraded(name, "module "+state.String())
	case module.StateDestroying, module.StateDestroyed:
		return NewDegraded(name, "module "+state.String())
	default:
		return NewUnhealthy(name, "unknown module state")
	}
}

// Aggregate creates a status by aggregating sub-statuses.
// The aggregation rules are:
//   - If all sub-statuses are healthy, the aggregate is healthy
//   - If any sub-status is unhealthy, the aggregate is unhealthy
//   - If no sub-status is unhealthy but at least one is degraded, the
//     aggregate is degraded
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no modules to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false

	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			hasUnhealthy = true
		} else if sub.IsDegraded() {
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "one or more modules are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "one or more modules are degraded")
	default:
		status = NewHealthy(component, "all modules are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)

	return status
}
