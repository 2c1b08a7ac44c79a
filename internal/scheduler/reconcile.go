package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reconciliation defaults.
const (
	// DefaultReconcileWorkers bounds the pool that re-establishes
	// persisted jobs at startup, so the job store is not saturated.
	DefaultReconcileWorkers = 20
	// DefaultSettleDelay is waited before draining the pool; schedule
	// writes may still be propagating in the store.
	DefaultSettleDelay = 500 * time.Millisecond
)

// ReconcileOpts holds parameters for Reconcile. Zero values fall back to
// the package defaults.
type ReconcileOpts struct {
	Workers     int
	SettleDelay time.Duration
}

// Reconcile re-runs a set of schedule-restoring tasks through a fixed-width
// worker pool, typically once at process startup for every persisted active
// agent. Task errors are logged via the scheduler's writer and do not stop
// the sweep.
func (s *Scheduler) Reconcile(ctx context.Context, tasks []func(ctx context.Context) error, opts ReconcileOpts) {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultReconcileWorkers
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, task := range tasks {
		select {
		case <-ctx.Done():
			fmt.Fprintf(s.out, "scheduler: reconcile aborted after %d/%d tasks: %v\n", i, len(tasks), ctx.Err())
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(task func(ctx context.Context) error) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := task(ctx); err != nil {
				fmt.Fprintf(s.out, "scheduler: reconcile task: %v\n", err)
			}
		}(task)
	}

	time.Sleep(settle)
	wg.Wait()
	fmt.Fprintf(s.out, "scheduler: reconciled %d jobs\n", len(tasks))
}
