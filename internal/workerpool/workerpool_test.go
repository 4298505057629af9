package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errRecoverable = errors.New("recoverable")

func TestRunProcessesAllTasks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pool := New(3, 0, nil)

	var processed atomic.Int64

	tasks := make(chan Task)

	go func() {
		defer close(tasks)

		for range 10 {
			tasks <- func(_ context.Context, _ int) error {
				processed.Add(1)

				return nil
			}
		}
	}()

	if err := pool.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := processed.Load(); got != 10 {
		t.Fatalf("processed = %d, want 10", got)
	}
}

func TestRunRetriesRecoverableFailureUntilSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pool := New(2, 3, func(err error) bool { return errors.Is(err, errRecoverable) })

	var attempts atomic.Int64

	tasks := make(chan Task, 1)
	tasks <- func(_ context.Context, attempt int) error {
		attempts.Add(1)
		if attempt < 2 {
			return errRecoverable
		}

		return nil
	}
	close(tasks)

	if err := pool.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pool := New(1, 2, func(err error) bool { return errors.Is(err, errRecoverable) })

	var attempts atomic.Int64

	tasks := make(chan Task, 1)
	tasks <- func(_ context.Context, _ int) error {
		attempts.Add(1)

		return errRecoverable
	}
	close(tasks)

	err := pool.Run(context.Background(), tasks)
	if !errors.Is(err, errRecoverable) {
		t.Fatalf("Run() error = %v, want %v", err, errRecoverable)
	}

	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2 (initial + 1 retry before hitting MaxRetries)", got)
	}
}

func TestRunNonRecoverableFailureIsNotRetried(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pool := New(1, 5, func(_ error) bool { return false })

	var attempts atomic.Int64
	wantErr := errors.New("fatal")

	tasks := make(chan Task, 1)
	tasks <- func(_ context.Context, _ int) error {
		attempts.Add(1)

		return wantErr
	}
	close(tasks)

	err := pool.Run(context.Background(), tasks)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want %v", err, wantErr)
	}

	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pool := New(1, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := make(chan Task)

	done := make(chan error, 1)

	go func() {
		done <- pool.Run(ctx, tasks)
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want %v", err, context.Canceled)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
