package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 5, Delay: time.Millisecond}, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("Do = %d, %v", attempts, err)
	}
}

func TestDoGivesUp(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 2}, func(context.Context, int) error { return errBoom })
	if !errors.Is(err, errBoom) || attempts != 2 {
		t.Fatalf("Do = %d, %v", attempts, err)
	}
	attempts, _ = Do(context.Background(), Policy{}, func(context.Context, int) error { return errBoom })
	if attempts != 1 {
		t.Fatalf("zero policy should run once, ran %d", attempts)
	}
}

func TestDoRespectsShouldRetry(t *testing.T) {
	p := Policy{MaxAttempts: 5, ShouldRetry: func(err error) bool { return !errors.Is(err, errBoom) }}
	attempts, _ := Do(context.Background(), p, func(context.Context, int) error { return errBoom })
	if attempts != 1 {
		t.Fatalf("non-retryable error retried %d times", attempts)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, Delay: time.Hour}
	done := make(chan int)
	go func() {
		n, _ := Do(ctx, p, func(context.Context, int) error { return errBoom })
		done <- n
	}()
	cancel()
	select {
	case n := <-done:
		if n != 1 {
			t.Fatalf("expected 1 attempt, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Do ignored cancellation")
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{Delay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }
	p := Policy{MaxAttempts: 5, Breaker: cb}
	attempts, err := Do(context.Background(), p, func(context.Context, int) error { return errBoom })
	if attempts != 2 || !errors.Is(err, errBoom) {
		t.Fatalf("breaker should stop after 2 failures: %d, %v", attempts, err)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if _, err := Do(context.Background(), p, func(context.Context, int) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatal("breaker should allow a trial after the cooldown")
	}
	if cb.Allow() {
		t.Fatal("only one trial may run while half-open")
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen || cb.Allow() {
		t.Fatal("a failed trial should reopen the breaker")
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatal("breaker should allow a second trial")
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed || !cb.Allow() || !cb.Allow() {
		t.Fatal("a successful trial should close the breaker")
	}
}
