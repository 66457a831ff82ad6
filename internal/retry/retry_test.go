package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	var waits []time.Duration
	p := New(3)
	p.sleep = func(d time.Duration) { waits = append(waits, d) }

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
	// Backoff is 2^attempt + 1 seconds, zero-based attempts.
	want := []time.Duration{2 * time.Second, 3 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("slept %d times, want %d", len(waits), len(want))
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestDoExhaustsAndReturnsLastError(t *testing.T) {
	p := New(3)
	p.sleep = func(time.Duration) {}

	last := errors.New("still broken")
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return last
	})
	if !errors.Is(err, last) {
		t.Fatalf("Do = %v, want %v", err, last)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
}

func TestDoDoesNotRetryCancellation(t *testing.T) {
	p := New(5)
	p.sleep = func(time.Duration) { t.Fatal("slept after cancellation") }

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	p := New(5)
	p.sleep = func(time.Duration) {}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("Do returned nil after cancellation")
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestNewAppliesDefaultBudget(t *testing.T) {
	p := New(0)
	if p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
	}
}
