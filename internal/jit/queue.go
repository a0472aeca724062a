package jit

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Queue is the compile-worker pool: requests are posted with Submit
// and drained by a bounded-concurrency pool. Grounded on this corpus's
// only real errgroup-based bounded worker fan-out (a staged-sync stage
// runner) plus semaphore.Weighted: sem caps running jobs at the worker
// count, and the optional perShard semaphore is a second cap, of its
// own size, on running jobs. Submit takes no shard key, so perShard
// limits all jobs together, not the jobs of any one code-cache shard.
// Long-lived by design: internal/tiercontrol calls Submit
// continuously over the VM's life and calls Wait only once, at
// shutdown, to drain in-flight compiles.
type Queue struct {
	g        *errgroup.Group
	ctx      context.Context
	sem      *semaphore.Weighted
	perShard *semaphore.Weighted
}

// NewQueue builds a Queue sized to runtime.NumCPU()/2 workers (at
// least 1), with perShardLimit, when positive, a second bound on how
// many jobs run at once across the whole queue (0 disables it).
func NewQueue(ctx context.Context, perShardLimit int64) *Queue {
	workers := runtime.NumCPU() / 2
	if workers < 1 {
		workers = 1
	}
	// A plain Group: one failed job does not cancel the jobs after it.
	q := &Queue{g: &errgroup.Group{}, ctx: ctx, sem: semaphore.NewWeighted(int64(workers))}
	if perShardLimit > 0 {
		q.perShard = semaphore.NewWeighted(perShardLimit)
	}
	return q
}

// Submit hands fn to the worker pool and returns at once: the goroutine
// it starts waits for a free slot and then runs fn, so fn never runs on
// the caller's goroutine.
func (q *Queue) Submit(fn func() error) {
	q.g.Go(func() error {
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			return err
		}
		defer q.sem.Release(1)
		if q.perShard != nil {
			if err := q.perShard.Acquire(q.ctx, 1); err != nil {
				return err
			}
			defer q.perShard.Release(1)
		}
		return fn()
	})
}

// Wait blocks until every submitted job has completed, returning the
// first error encountered (if any) — mirrors errgroup.Group.Wait.
func (q *Queue) Wait() error {
	return q.g.Wait()
}
