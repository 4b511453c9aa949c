// Package scheduler implements the bounded-concurrency FIFO task
// executor described in spec.md §4.6 TransferScheduler: a fixed worker
// pool, a bounded admission queue that blocks the submitter once full
// (backpressure, not rejection), submission-ordered start, and
// first-error cancellation propagation to every in-flight task.
//
// Grounded on backend/pikpak/multipart.go's pacer.NewTokenDispenser(w.con)
// token-bucket concurrency gate combined with errgroup.WithContext's
// fail-fast cancellation, generalized from one multipart upload's
// part-concurrency gate into a general-purpose scheduler TransferManager
// uses for whole-object bulk operations (spec.md §4.7).
package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work submitted to a Scheduler.
type Task func(ctx context.Context) error

// Scheduler runs submitted Tasks with at most Concurrency in flight at
// once, in submission order, cancelling all outstanding work as soon as
// one task fails (spec.md §5 "Resource model", §4.6).
type Scheduler struct {
	concurrency  int
	maxQueueSize int
}

// Config configures a Scheduler.
type Config struct {
	// Concurrency bounds simultaneously running tasks. Must be >= 1.
	Concurrency int
	// MaxQueueSize bounds how many tasks may be admitted and not yet
	// finished (queued plus running) before Run stops admitting more
	// until one finishes (spec.md §4.6 "maxQueueSize-bounded admission,
	// producer-blocking backpressure").
	// Zero means unbounded (limited only by Concurrency plus whatever
	// the caller has in flight via goroutines of its own).
	MaxQueueSize int
}

// New constructs a Scheduler. Concurrency <= 0 is treated as 1.
func New(cfg Config) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{concurrency: concurrency, maxQueueSize: cfg.MaxQueueSize}
}

// Run executes every task in tasks, starting them in submission order
// with at most Concurrency in flight, and returns the first error
// encountered (every other in-flight task's context is cancelled once
// that happens, spec.md §4.6 "cancellation propagation"). Run blocks
// until every task has either completed or been abandoned due to
// cancellation.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) error {
	group, gctx := errgroup.WithContext(ctx)
	tokens := make(chan struct{}, s.concurrency)

	queueLimit := s.maxQueueSize
	if queueLimit <= 0 {
		queueLimit = len(tasks)
		if queueLimit == 0 {
			queueLimit = 1
		}
	}
	admission := make(chan struct{}, queueLimit)

submitLoop:
	for i, task := range tasks {
		task := task
		select {
		case admission <- struct{}{}:
		case <-gctx.Done():
			break submitLoop
		}
		select {
		case tokens <- struct{}{}:
		case <-gctx.Done():
			<-admission
			break submitLoop
		}
		idx := i
		group.Go(func() error {
			defer func() { <-tokens; <-admission }()
			if err := task(gctx); err != nil {
				return fmt.Errorf("scheduler: task %d: %w", idx, err)
			}
			return nil
		})
	}

	return group.Wait()
}
