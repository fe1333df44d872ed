// Package batchcluster multiplexes a stream of text-oriented tasks onto
// a pool of long-lived child processes that speak a line-based
// request/response protocol over stdin/stdout. It amortises process
// spawn cost across many tasks, bounds pool size and per-process
// lifetime, and reports per-task failures (timeouts, bad output, child
// crashes) without poisoning the rest of the pool.
package batchcluster

import (
	"context"

	"github.com/procpool/batchcluster/internal/configwatch"
)

// Cluster is the public facade over a Scheduler. Construct with New;
// callers never touch Scheduler directly.
type Cluster struct {
	opts  Options
	sched *Scheduler
}

// New validates opts and starts a Cluster. The returned Cluster owns a
// background goroutine (its scheduler's run loop) until End is called.
func New(opts Options) (*Cluster, error) {
	validated, err := validate(opts)
	if err != nil {
		return nil, err
	}
	sched := newScheduler(validated, newEmitter())
	go sched.run()
	return &Cluster{opts: validated, sched: sched}, nil
}

// EnqueueTask appends t to the pending queue and kicks the scheduler.
// It is a package-level function, not a method, because Go methods
// cannot carry their own type parameters independent of the receiver's.
// The returned Task resolves exactly once, observed via Task.Wait.
func EnqueueTask[T any](c *Cluster, t *Task[T]) *Task[T] {
	c.sched.enqueue(t)
	return t
}

// Pids returns the PIDs of all currently live children, after reaping
// any that have exited.
func (c *Cluster) Pids() []int { return c.sched.pids() }

// End moves the cluster into its ending state and blocks until every
// child has exited and all pending tasks have been rejected or
// completed. graceful=true sends exitCommand and waits out the
// endGracefulWaitTimeMillis escalation; graceful=false kills every
// child immediately. Idempotent and safe to call from multiple
// goroutines.
func (c *Cluster) End(graceful bool) {
	c.sched.end(graceful)
}

// EndContext is End but bails out early if ctx is done before the
// cluster finishes ending (the cluster keeps ending in the background
// regardless).
func (c *Cluster) EndContext(ctx context.Context, graceful bool) error {
	done := make(chan struct{})
	go func() {
		c.sched.end(graceful)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ended reports whether the cluster has fully ended.
func (c *Cluster) Ended() bool { return c.sched.ended() }

// SpawnedProcs is the monotonic count of children ever spawned.
func (c *Cluster) SpawnedProcs() int64 { return c.sched.spawned() }

// MeanTasksPerProc is completedTasks / spawnedProcs, or 0 if no
// process has been spawned yet.
func (c *Cluster) MeanTasksPerProc() float64 {
	spawned := c.sched.spawned()
	if spawned == 0 {
		return 0
	}
	return float64(c.sched.completed()) / float64(spawned)
}

// InternalErrorCount counts conditions the scheduler judged to be its
// own bug rather than a task or child failure.
func (c *Cluster) InternalErrorCount() int64 { return c.sched.internalErrors() }

// MemoryPressure sums the most recent RSS sample across all live
// children (see SPEC_FULL.md §4.5); advisory only, never used by the
// scheduler itself to make decisions.
func (c *Cluster) MemoryPressure() uint64 { return c.sched.memoryPressureQuery() }

// On subscribes handler to name; handlers run synchronously on the
// scheduler's own goroutine, in registration order. The returned
// function unregisters handler.
func (c *Cluster) On(name EventName, handler EventHandler) (unsubscribe func()) {
	return c.sched.events.on(name, handler)
}

// Options returns the validated options this cluster was constructed
// with (after defaults were applied).
func (c *Cluster) Options() Options { return c.opts }

// WatchConfig hot-reloads the live-safe subset of Options from path
// whenever it changes (see SPEC_FULL.md §4.6). Call Close on the
// returned watcher to stop.
func (c *Cluster) WatchConfig(path string) (*configwatch.Watcher, error) {
	return configwatch.New(path, c.sched.applyLiveAsync)
}
