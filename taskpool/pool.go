// Package taskpool provides the execution substrate the manager schedules
// module construction tasks onto. A task occupies a worker while runnable;
// a task blocked in a resolution wait parks its goroutine without consuming
// CPU, so pools are sized with one worker per module to keep a suspended
// task from starving the module it is waiting for.
package taskpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/runway/errors"
)

// Task is one unit of work scheduled onto the pool
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of workers
type Pool struct {
	workers   int
	queue     chan Task
	wg        sync.WaitGroup
	started   atomic.Bool
	stopped   atomic.Bool
	cancelCtx context.CancelFunc

	// Counters for the statistics callback
	spawned   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
}

// New creates a pool with the given worker count and queue capacity.
// Values below 1 are raised to 1.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
	}
}

// Start launches the workers. Calling Start twice is an error.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pool", "Start", "start state check")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancelCtx = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx)
	}

	return nil
}

// Submit enqueues a task. It never blocks: a full queue is reported as an
// error so the caller can size the pool for its module set up front.
func (p *Pool) Submit(t Task) error {
	if !p.started.Load() || p.stopped.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Pool", "Submit", "pool state check")
	}
	if t == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Pool", "Submit", "task validation")
	}

	select {
	case p.queue <- t:
		p.spawned.Add(1)
		return nil
	default:
		return errors.WrapTransient(errors.ErrQueueFull, "Pool", "Submit", "task enqueue")
	}
}

// Stop closes the queue and waits for in-flight tasks to drain, up to the
// timeout. Stop is idempotent.
func (p *Pool) Stop(timeout time.Duration) error {
	if !p.started.Load() {
		return nil
	}
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.cancelCtx()
		<-done
	}

	p.cancelCtx()
	return nil
}

// Stats is a point-in-time snapshot of the pool counters
type Stats struct {
	Workers    int   `json:"workers"`
	Spawned    int64 `json:"spawned"`
	Active     int64 `json:"active"`
	Completed  int64 `json:"completed"`
	QueueDepth int   `json:"queue_depth"`
}

// Stats returns a snapshot of the pool counters. Safe for concurrent use.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		Spawned:    p.spawned.Load(),
		Active:     p.active.Load(),
		Completed:  p.completed.Load(),
		QueueDepth: len(p.queue),
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for task := range p.queue {
		select {
		case <-ctx.Done():
			// Drain without running: the run has been abandoned.
			p.completed.Add(1)
			continue
		default:
		}

		p.active.Add(1)
		task(ctx)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}
