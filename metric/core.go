package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator core metrics shared by the manager and
// the resolution context.
type Metrics struct {
	// ModuleState reports the current lifecycle state per module
	// (0=not-started, 1=constructing, 2=ready, 3=failed, 4=destroying,
	// 5=destroyed).
	ModuleState *prometheus.GaugeVec

	// ConstructDuration observes how long each module's factory ran
	ConstructDuration *prometheus.HistogramVec

	// ResolveTotal counts Resolve calls by outcome
	ResolveTotal *prometheus.CounterVec

	// RunFailures counts runs that failed to complete startup
	RunFailures prometheus.Counter

	// TasksSpawned counts construction tasks handed to the task pool
	TasksSpawned prometheus.Counter
}

// NewMetrics creates the orchestrator core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ModuleState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runway_module_state",
				Help: "Current lifecycle state of each module",
			},
			[]string{"module"},
		),
		ConstructDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runway_module_construct_seconds",
				Help:    "Duration of module factory execution",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"module", "result"},
		),
		ResolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runway_resolve_total",
				Help: "Module resolution attempts by outcome",
			},
			[]string{"result"},
		),
		RunFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runway_run_failures_total",
				Help: "Runs that failed to complete startup",
			},
		),
		TasksSpawned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runway_tasks_spawned_total",
				Help: "Construction tasks submitted to the task pool",
			},
		),
	}
}

// RecordModuleState records the lifecycle state of a module
func (m *Metrics) RecordModuleState(name string, state int) {
	m.ModuleState.WithLabelValues(name).Set(float64(state))
}

// RecordConstructDuration records how long a module factory ran
func (m *Metrics) RecordConstructDuration(name, result string, d time.Duration) {
	m.ConstructDuration.WithLabelValues(name, result).Observe(d.Seconds())
}

// RecordResolve records the outcome of a Resolve call
// (ready, suspended, cancelled, unknown, cycle)
func (m *Metrics) RecordResolve(result string) {
	m.ResolveTotal.WithLabelValues(result).Inc()
}
