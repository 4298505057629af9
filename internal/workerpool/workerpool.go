// Package workerpool provides the bounded worker pool the project validator
// uses to run up to n_workers validations concurrently (spec §5
// "Scheduling model", §9 "Callback-driven worker pool").
//
// The original pipeline dispatches work to a process pool using
// apply_async with success/error callbacks; this re-expresses that as a
// fixed set of goroutines draining a single unbuffered channel: a channel
// of work, a fixed number of worker
// goroutines selecting on it, and a WaitGroup the feeder waits on before
// closing the channel. Because the channel is unbuffered, a worker can only
// pull a new task once an existing one has finished — exactly the
// "refuses to pull a new message until a worker slot is free" dispatcher
// behaviour the redesign calls for.
//
// Retry is explicit, not automatic: a failed task is re-submitted with its
// attempt counter incremented only if Classify reports it recoverable and
// the attempt count is below MaxRetries; anything else is a terminal
// failure recorded via the pool's first error.
package workerpool

import (
	"context"
	"sync"
)

// Task is one unit of work submitted to the pool. attempt starts at 1 and
// increments on each retry, letting a task log or adjust its own behaviour
// based on how many times it has run.
type Task func(ctx context.Context, attempt int) error

// Classify decides whether a failed task should be retried. A nil Classify
// treats every error as non-retryable.
type Classify func(err error) bool

type job struct {
	task    Task
	attempt int
}

// Pool runs Size worker goroutines. A failed task that Classify reports
// recoverable is run again, up to MaxRetries runs in total (the first
// attempt included).
type Pool struct {
	Size       int
	MaxRetries int
	Classify   Classify
}

// New builds a Pool. size must be at least 1; maxRetries of 0 or 1
// disables retry entirely.
func New(size, maxRetries int, classify Classify) *Pool {
	if size < 1 {
		size = 1
	}

	return &Pool{Size: size, MaxRetries: maxRetries, Classify: classify}
}

// Run feeds tasks to Size workers until tasks is closed (or ctx is
// cancelled) and every in-flight task, including retries, has completed. It
// returns the first non-retryable task error encountered, or ctx.Err() if
// the pool stopped early because of cancellation.
func (p *Pool) Run(ctx context.Context, tasks <-chan Task) error {
	jobs := make(chan job)

	var (
		wg       sync.WaitGroup
		workerWG sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()

		if firstErr == nil {
			firstErr = err
		}
	}

	for range p.Size {
		workerWG.Add(1)

		go func() {
			defer workerWG.Done()

			for {
				select {
				case j, ok := <-jobs:
					if !ok {
						return
					}

					p.runJob(ctx, jobs, &wg, j, recordErr)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

feed:
	for {
		select {
		case t, ok := <-tasks:
			if !ok {
				break feed
			}

			wg.Add(1)

			select {
			case jobs <- job{task: t, attempt: 1}:
			case <-ctx.Done():
				wg.Done()

				break feed
			}
		case <-ctx.Done():
			break feed
		}
	}

	go func() {
		wg.Wait()
		close(jobs)
	}()

	workerWG.Wait()

	mu.Lock()
	defer mu.Unlock()

	if firstErr == nil && ctx.Err() != nil {
		return ctx.Err()
	}

	return firstErr
}

// runJob executes one attempt and, on a recoverable failure within the
// retry budget, re-submits it with the attempt counter incremented. The
// re-submission happens on its own goroutine so a worker that just finished
// a task never blocks trying to hand its own retry back to the (possibly
// fully busy) pool it belongs to.
func (p *Pool) runJob(ctx context.Context, jobs chan job, wg *sync.WaitGroup, j job, recordErr func(error)) {
	defer wg.Done()

	err := j.task(ctx, j.attempt)
	if err == nil {
		return
	}

	if j.attempt >= p.MaxRetries || p.Classify == nil || !p.Classify(err) {
		recordErr(err)

		return
	}

	wg.Add(1)

	go func() {
		select {
		case jobs <- job{task: j.task, attempt: j.attempt + 1}:
		case <-ctx.Done():
			wg.Done()
		}
	}()
}
