package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestPolicyDoSucceedsWithoutRetry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	calls := 0
	policy := Policy{Attempts: 3, Spacing: time.Millisecond, Classifier: AlwaysTransient}

	err := policy.Do(context.Background(), func(context.Context) error {
		calls++

		return nil
	})
	if err != nil {
		t.Fatalf("Do() unexpected error: %v", err)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicyDoRetriesTransientUntilExhausted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	calls := 0
	policy := Policy{Attempts: 3, Spacing: time.Millisecond, Classifier: AlwaysTransient}

	err := policy.Do(context.Background(), func(context.Context) error {
		calls++

		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() error = %v, want %v", err, errBoom)
	}

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPolicyDoStopsOnNonTransient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	calls := 0
	classifier := func(error) Kind { return User }
	policy := Policy{Attempts: 3, Spacing: time.Millisecond, Classifier: classifier}

	err := policy.Do(context.Background(), func(context.Context) error {
		calls++

		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() error = %v, want %v", err, errBoom)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-transient errors)", calls)
	}
}

func TestPolicyDoRespectsContextCancellation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := Policy{Attempts: 3, Spacing: 50 * time.Millisecond, Classifier: AlwaysTransient}

	err := policy.Do(ctx, func(context.Context) error {
		calls++

		if calls == 1 {
			cancel()
		}

		return errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDefaultPolicy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := DefaultPolicy(AlwaysTransient)
	if p.Attempts != DefaultAttempts {
		t.Errorf("Attempts = %d, want %d", p.Attempts, DefaultAttempts)
	}

	if p.Spacing != DefaultSpacing {
		t.Errorf("Spacing = %v, want %v", p.Spacing, DefaultSpacing)
	}
}
