// Package manager boots a set of modules concurrently, resolving
// dependencies lazily as factories request them, and tears the set down
// in reverse order of completion.
//
// Each module gets its own task; a task suspends inside Resolve until the
// requested dependency is ready. A factory error, a dependency cycle, or
// outside cancellation aborts the whole run: already-constructed modules
// are destroyed, modules whose factory never ran are skipped.
package manager

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/runway/errors"
	"github.com/c360/runway/health"
	"github.com/c360/runway/metric"
	"github.com/c360/runway/module"
	"github.com/c360/runway/taskpool"
)

// ModuleSpec declares one module to boot: its unique name, the factory
// that constructs it, and an opaque config payload for the factory.
type ModuleSpec struct {
	Name    string
	Factory module.Factory
	Config  []byte
}

// RunState describes where the manager is in its lifecycle
type RunState int32

// Possible run states
const (
	RunIdle RunState = iota
	RunStarting
	RunRunning
	RunFailed
	RunStopped
)

// String returns the string representation of RunState
func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunStarting:
		return "starting"
	case RunRunning:
		return "running"
	case RunFailed:
		return "failed"
	case RunStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Manager orchestrates one boot/run/teardown cycle for a module set
type Manager struct {
	logger  *slog.Logger
	metrics *metric.Registry
	health  *health.Monitor
	service string

	runID     string
	runState  atomic.Int32
	startTime time.Time

	reg  *registry
	pool *taskpool.Pool

	started      atomic.Bool
	teardownOnce sync.Once
	mu           sync.Mutex
	destroyErr   error
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics attaches a metric registry; construction timing and module
// state gauges are recorded on it.
func WithMetrics(reg *metric.Registry) Option {
	return func(m *Manager) {
		m.metrics = reg
	}
}

// WithHealth attaches a health monitor that tracks per-module status
func WithHealth(mon *health.Monitor) Option {
	return func(m *Manager) {
		m.health = mon
	}
}

// WithServiceName labels the run for logs and statistics
func WithServiceName(name string) Option {
	return func(m *Manager) {
		m.service = name
	}
}

// New creates a manager. The manager is single-use: one Start, one Stop.
func New(opts ...Option) *Manager {
	m := &Manager{
		logger:  slog.Default(),
		service: "runway",
		runID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reg = newRegistry(m.logger)
	return m
}

// RunID returns the unique identifier of this run
func (m *Manager) RunID() string {
	return m.runID
}

// State returns the current run state
func (m *Manager) State() RunState {
	return RunState(m.runState.Load())
}

func (m *Manager) setState(s RunState) {
	m.runState.Store(int32(s))
}

// Start boots every module in specs. It blocks until all modules are
// Ready and every post-boot hook has run, or until the run fails.
// Cancelling ctx aborts the boot: constructed modules are destroyed and
// Start returns a load-cancelled error.
func (m *Manager) Start(ctx context.Context, specs []ModuleSpec) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", "run state check")
	}
	if len(specs) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no modules to start", errors.ErrInvalidConfig),
			"Manager", "Start", "spec validation")
	}

	m.setState(RunStarting)
	m.startTime = time.Now()

	for _, spec := range specs {
		if spec.Name == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: module name cannot be empty", errors.ErrInvalidConfig),
				"Manager", "Start", "spec validation")
		}
		if spec.Factory == nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: module %q has no factory", errors.ErrInvalidConfig, spec.Name),
				"Manager", "Start", "spec validation")
		}
		if err := m.reg.add(spec.Name, spec.Factory, spec.Config); err != nil {
			return err
		}
	}

	m.logger.Info("starting module set",
		"run_id", m.runID,
		"service", m.service,
		"modules", len(specs))

	// Every entry becomes Constructing before any task runs, so tasks
	// racing ahead of the scheduler still see their peers as in flight.
	m.reg.markAllConstructing()
	if m.health != nil {
		for _, spec := range specs {
			m.health.UpdateDegraded(spec.Name, "module constructing")
		}
	}

	// One worker per module: a task suspended in Resolve must never
	// starve the task it is waiting for. The pool runs on a detached
	// context; run cancellation reaches tasks through the registry, and
	// every task must run so the completion barrier can drain.
	m.pool = taskpool.New(len(specs), len(specs))
	if err := m.pool.Start(context.Background()); err != nil {
		return err
	}

	runDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.logger.Warn("run cancelled from outside", "run_id", m.runID)
			m.reg.cancel()
		case <-runDone:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(len(specs))
	for _, spec := range specs {
		if err := m.pool.Submit(m.constructionTask(spec, &wg)); err != nil {
			// The pool is sized for the spec count, so Submit can
			// only fail on a stopped pool.
			wg.Done()
			m.reg.fail(spec.Name, err)
		}
		if m.metrics != nil {
			m.metrics.Core.TasksSpawned.Inc()
		}
	}

	wg.Wait()
	close(runDone)

	if err := m.checkRunResult(ctx); err != nil {
		m.setState(RunFailed)
		if m.metrics != nil {
			m.metrics.Core.RunFailures.Inc()
		}
		m.teardown()
		m.pool.Stop(5 * time.Second)
		return err
	}

	if err := m.runAllReadyHooks(); err != nil {
		m.setState(RunFailed)
		if m.metrics != nil {
			m.metrics.Core.RunFailures.Inc()
		}
		m.reg.cancel()
		m.teardown()
		m.pool.Stop(5 * time.Second)
		return err
	}

	m.setState(RunRunning)
	m.logger.Info("module set ready",
		"run_id", m.runID,
		"elapsed", time.Since(m.startTime).String())
	return nil
}

// constructionTask wraps one module's factory invocation
func (m *Manager) constructionTask(spec ModuleSpec, wg *sync.WaitGroup) taskpool.Task {
	return func(_ context.Context) {
		defer wg.Done()

		if !m.reg.beginConstruction(spec.Name) {
			m.logger.Debug("module skipped, run already cancelled", "module", spec.Name)
			if m.health != nil {
				m.health.UpdateDegraded(spec.Name, "module skipped")
			}
			return
		}

		start := time.Now()
		inst, err := m.runFactory(spec)
		elapsed := time.Since(start)

		if err != nil {
			m.reg.fail(spec.Name, err)
			if m.metrics != nil {
				m.metrics.Core.RecordConstructDuration(spec.Name, "error", elapsed)
				m.metrics.Core.RecordModuleState(spec.Name, int(module.StateFailed))
			}
			if m.health != nil {
				m.health.Update(spec.Name, health.FromModuleState(spec.Name, module.StateFailed, err))
			}
			if errors.IsLoadCancelled(err) {
				m.logger.Info("module construction cancelled", "module", spec.Name)
			} else {
				m.logger.Error("module construction failed",
					"module", spec.Name,
					"elapsed", elapsed.String(),
					"error", err)
			}
			return
		}

		m.reg.complete(spec.Name, inst)
		if m.metrics != nil {
			m.metrics.Core.RecordConstructDuration(spec.Name, "ok", elapsed)
			m.metrics.Core.RecordModuleState(spec.Name, int(module.StateReady))
		}
		if m.health != nil {
			m.health.UpdateHealthy(spec.Name, "module ready")
		}
		m.logger.Info("module ready",
			"module", spec.Name,
			"elapsed", elapsed.String())
	}
}

// runFactory invokes the factory with panic containment
func (m *Manager) runFactory(spec ModuleSpec) (inst module.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapFatal(
				fmt.Errorf("factory panicked: %v", r),
				"Manager", "runFactory", "module construction")
		}
	}()

	rctx := &resolutionContext{
		moduleName: spec.Name,
		mgr:        m,
	}
	inst, err = spec.Factory(spec.Config, rctx)
	if err == nil && inst == nil {
		err = errors.WrapInvalid(
			fmt.Errorf("factory returned nil module"),
			"Manager", "runFactory", "factory result check")
	}
	return inst, err
}

// checkRunResult inspects the registry after the barrier and builds the
// aggregate boot error, naming the module that failed first.
func (m *Manager) checkRunResult(ctx context.Context) error {
	snaps := m.reg.snapshotAll()

	var failed []snapshot
	for _, s := range snaps {
		if s.State == module.StateFailed {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		if ctx.Err() != nil || m.reg.cancelled() {
			return errors.Wrap(
				fmt.Errorf("%w: run aborted before completion", errors.ErrLoadCancelled),
				"Manager", "Start", "run result check")
		}
		return nil
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].Seq < failed[j].Seq })

	// Cancellation-induced failures are symptoms; prefer the root cause.
	first := failed[0]
	for _, s := range failed {
		if !errors.IsLoadCancelled(s.Err) {
			first = s
			break
		}
	}

	return errors.Wrap(
		fmt.Errorf("module %q failed to start: %w", first.Name, first.Err),
		"Manager", "Start", "module boot")
}

// runAllReadyHooks invokes OnAllModulesReady on every module that
// implements it, sequentially, in completion order.
func (m *Manager) runAllReadyHooks() error {
	snaps := m.reg.snapshotAll()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Seq < snaps[j].Seq })

	for _, s := range snaps {
		hook, ok := module.AsAllReadyHook(s.Instance)
		if !ok {
			continue
		}
		m.logger.Debug("running post-boot hook", "module", s.Name)
		if err := hook.OnAllModulesReady(); err != nil {
			return errors.Wrap(
				fmt.Errorf("module %q post-boot hook failed: %w", s.Name, err),
				"Manager", "Start", "post-boot hook")
		}
	}
	return nil
}

// Stop destroys all constructed modules in reverse order of completion.
// Stop is idempotent and safe to call after a failed Start.
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.started.Load() {
		return nil
	}

	m.teardown()
	if m.pool != nil {
		m.pool.Stop(timeout)
	}
	m.setState(RunStopped)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyErr
}

// teardown notifies every constructed module that shutdown is starting,
// then destroys them in reverse completion order. Factories that never
// produced an instance get neither call.
func (m *Manager) teardown() {
	m.teardownOnce.Do(func() {
		m.reg.cancel()

		snaps := m.reg.snapshotAll()
		constructed := make([]snapshot, 0, len(snaps))
		for _, s := range snaps {
			if s.Instance != nil {
				constructed = append(constructed, s)
			}
		}
		sort.Slice(constructed, func(i, j int) bool {
			return constructed[i].Seq > constructed[j].Seq
		})

		for _, s := range constructed {
			if hook, ok := module.AsShutdownHook(s.Instance); ok {
				m.invokeShutdownHook(s.Name, hook)
			}
		}

		var errs []error
		for _, s := range constructed {
			m.reg.setState(s.Name, module.StateDestroying)
			if m.health != nil {
				m.health.UpdateDegraded(s.Name, "module destroying")
			}
			if err := m.destroyModule(s.Name, s.Instance); err != nil {
				errs = append(errs, err)
				m.logger.Error("module destroy failed", "module", s.Name, "error", err)
			} else {
				m.logger.Info("module destroyed", "module", s.Name)
			}
			m.reg.setState(s.Name, module.StateDestroyed)
			if m.metrics != nil {
				m.metrics.Core.RecordModuleState(s.Name, int(module.StateDestroyed))
			}
		}

		m.mu.Lock()
		m.destroyErr = stderrors.Join(errs...)
		m.mu.Unlock()
	})
}

func (m *Manager) invokeShutdownHook(name string, hook module.ShutdownHook) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("shutdown hook panicked", "module", name, "panic", r)
		}
	}()
	hook.OnShutdownStart()
}

func (m *Manager) destroyModule(name string, inst module.Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapFatal(
				fmt.Errorf("destroy panicked: %v", r),
				"Manager", "destroyModule", "module destroy")
		}
	}()
	if derr := inst.Destroy(); derr != nil {
		return errors.Wrap(derr, "Manager", "destroyModule", "module destroy")
	}
	return nil
}

// Resolve returns a Ready module by name after Start has succeeded.
// Unlike in-factory resolution it never blocks.
func (m *Manager) Resolve(name string) (module.Module, error) {
	snaps := m.reg.snapshotAll()
	for _, s := range snaps {
		if s.Name != name {
			continue
		}
		if s.State != module.StateReady {
			return nil, errors.Wrap(
				fmt.Errorf("module %q is %s, not ready", name, s.State),
				"Manager", "Resolve", "module state check")
		}
		return s.Instance, nil
	}
	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: %q", errors.ErrUnknownModule, name),
		"Manager", "Resolve", "module lookup")
}

// resolutionContext is the per-module view handed to a factory. Resolve
// calls made through it suspend the calling task until the dependency is
// terminal.
type resolutionContext struct {
	moduleName string
	mgr        *Manager
}

// Resolve blocks until the named dependency is Ready and returns it
func (rc *resolutionContext) Resolve(name string) (module.Module, error) {
	if name == rc.moduleName {
		err := errors.WrapFatal(
			fmt.Errorf("%w: %s -> %s", errors.ErrDependencyCycle, name, name),
			"registry", "resolve", "self dependency check")
		if rc.mgr.metrics != nil {
			rc.mgr.metrics.Core.RecordResolve("cycle")
		}
		return nil, err
	}

	inst, err := rc.mgr.reg.resolve(rc.moduleName, name)
	if rc.mgr.metrics != nil {
		switch {
		case err == nil:
			rc.mgr.metrics.Core.RecordResolve("ok")
		case errors.IsDependencyCycle(err):
			rc.mgr.metrics.Core.RecordResolve("cycle")
		case errors.IsLoadCancelled(err):
			rc.mgr.metrics.Core.RecordResolve("cancelled")
		default:
			rc.mgr.metrics.Core.RecordResolve("error")
		}
	}
	return inst, err
}

// ModuleName returns the name of the module being constructed
func (rc *resolutionContext) ModuleName() string {
	return rc.moduleName
}

// Deps returns the ambient dependencies for the module
func (rc *resolutionContext) Deps() module.Dependencies {
	var hr module.HealthReporter
	if rc.mgr.health != nil {
		hr = rc.mgr.health
	}
	return module.Dependencies{
		Logger:  rc.mgr.logger.With("module", rc.moduleName),
		Metrics: rc.mgr.metrics,
		Health:  hr,
		Meta: module.RunMeta{
			RunID:   rc.mgr.runID,
			Service: rc.mgr.service,
		},
	}
}
