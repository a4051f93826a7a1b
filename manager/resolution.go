package manager

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/runway/errors"
	"github.com/c360/runway/module"
)

// entry is the bookkeeping record for one module in a run. All fields
// except done and the immutable spec fields are guarded by registry.mu.
type entry struct {
	name    string
	factory module.Factory
	config  []byte

	state    module.State
	instance module.Module
	err      error

	// seq is the completion order number, assigned when the entry
	// reaches Ready or Failed. Teardown runs in descending seq.
	seq int

	// waitingOn names the dependency this module's task is currently
	// suspended on, empty when runnable. The wait-for edges form the
	// graph walked for cycle detection.
	waitingOn string

	// done is closed exactly once, when the entry reaches Ready or
	// Failed. Waiters select on it together with the run's cancel
	// channel.
	done chan struct{}

	constructStart time.Time
	constructEnd   time.Time
}

// registry tracks every module's lifecycle state for one run. A single
// mutex guards the state table; it is never held while a factory,
// hook, or destructor runs.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	nextSeq int

	cancelCh   chan struct{}
	cancelOnce sync.Once

	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		entries:  make(map[string]*entry),
		cancelCh: make(chan struct{}),
		logger:   logger,
	}
}

// add registers a module slot in NotStarted state
func (r *registry) add(name string, factory module.Factory, config []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrDuplicateModule, name),
			"registry", "add", "module name check")
	}
	r.entries[name] = &entry{
		name:    name,
		factory: factory,
		config:  config,
		state:   module.StateNotStarted,
		done:    make(chan struct{}),
	}
	r.order = append(r.order, name)
	return nil
}

// markAllConstructing transitions every entry to Constructing before any
// task is submitted, so a resolver can never observe a peer that merely
// has not been scheduled yet.
func (r *registry) markAllConstructing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.state = module.StateConstructing
	}
}

// cancel aborts the run. Idempotent; wakes every suspended resolver.
func (r *registry) cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
	})
}

func (r *registry) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// beginConstruction stamps the construction start time. Returns false if
// the run was cancelled before the factory got to run; in that case the
// entry reverts to NotStarted and is excluded from teardown.
func (r *registry) beginConstruction(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[name]
	if r.cancelled() {
		e.state = module.StateNotStarted
		return false
	}
	e.constructStart = time.Now()
	return true
}

// complete transitions an entry to Ready and wakes its waiters
func (r *registry) complete(name string, inst module.Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[name]
	e.state = module.StateReady
	e.instance = inst
	e.constructEnd = time.Now()
	r.nextSeq++
	e.seq = r.nextSeq
	close(e.done)
}

// fail transitions an entry to Failed, wakes its waiters, and cancels
// the rest of the run.
func (r *registry) fail(name string, err error) {
	r.mu.Lock()
	e := r.entries[name]
	e.state = module.StateFailed
	e.err = err
	e.constructEnd = time.Now()
	r.nextSeq++
	e.seq = r.nextSeq
	close(e.done)
	r.mu.Unlock()

	r.cancel()
}

// resolve blocks the calling module's task until the named dependency is
// Ready, then returns its instance. The requester's wait-for edge is
// recorded so a dependency cycle is detected before suspending.
func (r *registry) resolve(from, name string) (module.Module, error) {
	r.mu.Lock()

	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q requested by %q", errors.ErrUnknownModule, name, from),
			"registry", "resolve", "dependency lookup")
	}

	switch e.state {
	case module.StateReady:
		inst := e.instance
		r.mu.Unlock()
		return inst, nil
	case module.StateFailed:
		// The construction error propagates instead of a plain
		// cancellation so the aggregate boot error names the root cause.
		depErr := e.err
		r.mu.Unlock()
		return nil, errors.Wrap(
			fmt.Errorf("dependency %q failed: %w", name, depErr),
			"registry", "resolve", "dependency state check")
	case module.StateNotStarted:
		// Only a cancelled run leaves entries in NotStarted.
		r.mu.Unlock()
		return nil, errors.Wrap(
			fmt.Errorf("%w: dependency %q was skipped", errors.ErrLoadCancelled, name),
			"registry", "resolve", "dependency state check")
	case module.StateDestroying, module.StateDestroyed:
		// Teardown has begun; the run is over for resolvers.
		r.mu.Unlock()
		return nil, errors.Wrap(
			fmt.Errorf("%w: dependency %q is shutting down", errors.ErrLoadCancelled, name),
			"registry", "resolve", "dependency state check")
	}

	// Constructing: suspend until the dependency reaches a terminal
	// state. Record the wait edge first and refuse to wait if doing so
	// would close a cycle.
	requester := r.entries[from]
	if path, cyclic := r.findCycle(from, name); cyclic {
		r.mu.Unlock()
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrDependencyCycle, strings.Join(path, " -> ")),
			"registry", "resolve", "wait-for graph check")
	}
	requester.waitingOn = name
	done := e.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-r.cancelCh:
		r.clearWait(from)
		return nil, errors.Wrap(
			fmt.Errorf("%w: while waiting for %q", errors.ErrLoadCancelled, name),
			"registry", "resolve", "dependency wait")
	}

	r.clearWait(from)

	r.mu.Lock()
	state := e.state
	inst := e.instance
	depErr := e.err
	r.mu.Unlock()

	if state == module.StateReady {
		return inst, nil
	}
	return nil, errors.Wrap(
		fmt.Errorf("dependency %q failed: %w", name, depErr),
		"registry", "resolve", "dependency wait")
}

func (r *registry) clearWait(from string) {
	r.mu.Lock()
	r.entries[from].waitingOn = ""
	r.mu.Unlock()
}

// findCycle walks the wait-for chain starting at target. If the chain
// reaches back to from, adding the edge from -> target would deadlock.
// Called with r.mu held.
func (r *registry) findCycle(from, target string) ([]string, bool) {
	path := []string{from, target}
	cur := target
	for {
		if cur == from {
			return path, true
		}
		e, ok := r.entries[cur]
		if !ok || e.waitingOn == "" {
			return nil, false
		}
		cur = e.waitingOn
		path = append(path, cur)
		if cur == from {
			return path, true
		}
		if len(path) > len(r.entries)+1 {
			// Chain longer than the module count means the graph
			// changed under us; treat as no cycle and let the
			// cancel path sort it out.
			return nil, false
		}
	}
}

// snapshot is a read-only copy of one entry's state
type snapshot struct {
	Name           string
	State          module.State
	Err            error
	Seq            int
	Instance       module.Module
	ConstructStart time.Time
	ConstructEnd   time.Time
}

// snapshotAll returns entry snapshots in declaration order
func (r *registry) snapshotAll() []snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]snapshot, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, snapshot{
			Name:           e.name,
			State:          e.state,
			Err:            e.err,
			Seq:            e.seq,
			Instance:       e.instance,
			ConstructStart: e.constructStart,
			ConstructEnd:   e.constructEnd,
		})
	}
	return out
}

// setState transitions an entry during teardown
func (r *registry) setState(name string, state module.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.state = state
	}
}
