package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	for _, spec := range []string{"@every 1h", "*/5 * * * *", "@daily"} {
		if err := Validate(spec); err != nil {
			t.Errorf("Validate(%q): %v", spec, err)
		}
	}
	if err := Validate("every hour"); err == nil {
		t.Fatalf("invalid spec accepted")
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	done := make(chan struct{}, 4)
	if err := s.Add("p", "@every 1s", func(context.Context) error {
		runs.Add(1)
		done <- struct{}{}
		return errors.New("logged, not fatal")
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never ran")
	}
	if next, ok := s.Next("p"); !ok || next.Before(time.Now().Add(-time.Second)) {
		t.Fatalf("Next = %v, %v", next, ok)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if runs.Load() == 0 {
		t.Fatalf("no runs recorded")
	}
}

func TestAddReplacesAndRemove(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add("p", "@hourly", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("p", "@daily", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := len(s.cron.Entries()); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
	s.Remove("p")
	if _, ok := s.Next("p"); ok {
		t.Fatalf("removed entry still scheduled")
	}
	if err := s.Add("bad", "nope", noop); err == nil {
		t.Fatalf("invalid spec accepted")
	}
}
