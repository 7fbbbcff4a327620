package watermark

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/sqlflow/pkg/state"
)

var key = Key{Pipeline: "p", Source: "src", Target: "t1", CursorField: "ts"}

func TestGetWithoutRecord(t *testing.T) {
	m := NewManager(state.NewMemoryStore(), nil)
	v, ok, err := m.Get(context.Background(), key)
	if err != nil || ok || v != nil {
		t.Fatalf("Get on empty store = %v, %v, %v", v, ok, err)
	}
}

func TestAdvanceKeepsMaximum(t *testing.T) {
	ctx := context.Background()
	m := NewManager(state.NewMemoryStore(), nil)
	for _, v := range []int{5, 3, 9, 7} {
		if _, err := m.Advance(ctx, key, v, "incremental"); err != nil {
			t.Fatalf("Advance(%d): %v", v, err)
		}
	}
	v, ok, err := m.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if v != int64(9) {
		t.Fatalf("expected watermark 9, got %#v", v)
	}
	wrote, err := m.Advance(ctx, key, 9, "incremental")
	if err != nil || wrote {
		t.Fatalf("equal value must not be written: wrote=%v err=%v", wrote, err)
	}
}

func TestUpdateAllowsLowerValue(t *testing.T) {
	ctx := context.Background()
	m := NewManager(state.NewMemoryStore(), nil)
	_ = m.Update(ctx, key, 10, "incremental")
	if err := m.Update(ctx, key, 2, "incremental"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v, _, _ := m.Get(ctx, key); v != int64(2) {
		t.Fatalf("expected 2, got %v", v)
	}
}

func TestResetForcesFullRead(t *testing.T) {
	ctx := context.Background()
	m := NewManager(state.NewMemoryStore(), nil)
	if err := m.Reset(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	_ = m.Update(ctx, key, "2024-03-01", "incremental")
	if err := m.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok, _ := m.Get(ctx, key); ok {
		t.Fatalf("reset watermark still reports a value")
	}
	wm, err := m.Show(ctx, key)
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if wm.CursorValue != nil || wm.SyncMode != "incremental" {
		t.Fatalf("unexpected record after reset: %+v", wm)
	}
	if advanced, _ := m.Advance(ctx, key, "2024-01-01", "incremental"); !advanced {
		t.Fatalf("any value must advance a reset watermark")
	}
}

type failingCommitStore struct {
	state.Store
}

type failingCommitTx struct {
	state.Tx
}

func (s failingCommitStore) Begin(ctx context.Context) (state.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingCommitTx{tx}, nil
}

func (t failingCommitTx) Commit() error {
	_ = t.Tx.Rollback()
	return errors.New("disk full")
}

func TestFailedUpdateKeepsPriorValue(t *testing.T) {
	ctx := context.Background()
	mem := state.NewMemoryStore()
	_ = NewManager(mem, nil).Update(ctx, key, 4, "incremental")

	broken := NewManager(failingCommitStore{mem}, nil)
	if err := broken.Update(ctx, key, 8, "incremental"); err == nil {
		t.Fatalf("expected commit failure")
	}
	if _, err := broken.Advance(ctx, key, 8, "incremental"); err == nil {
		t.Fatalf("expected commit failure")
	}
	if v, _, _ := NewManager(mem, nil).Get(ctx, key); v != int64(4) {
		t.Fatalf("failed update leaked: %v", v)
	}
}

func TestConcurrentAdvanceConverges(t *testing.T) {
	ctx := context.Background()
	m := NewManager(state.NewMemoryStore(), nil)
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if _, err := m.Advance(ctx, key, v, "incremental"); err != nil {
				t.Errorf("Advance(%d): %v", v, err)
			}
		}(i)
	}
	wg.Wait()
	if v, _, _ := m.Get(ctx, key); v != int64(50) {
		t.Fatalf("expected 50, got %v", v)
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewManager(state.NewMemoryStore(), nil)
	_ = m.Update(ctx, key, 1, "incremental")
	_ = m.Update(ctx, Key{Pipeline: "other", Source: "s", Target: "t", CursorField: "id"}, 1, "incremental")
	list, err := m.List(ctx, "p")
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Show(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCompare(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		a, b any
		want int
	}{
		{int64(9), 10, -1},
		{"10", "9", 1},
		{9.5, int64(9), 1},
		{"2024-01-02", "2024-01-01T23:59:59Z", 1},
		{ts, "2024-01-01 00:00:00", 0},
		{"Jan 2, 2024", "2024-12-01", -1},
		{"b", "a", 1},
		{nil, 0, -1},
		{nil, nil, 0},
		{[]byte("7"), int64(7), 0},
		{uint64(1) << 63, int64(1), 1},
	}
	for _, tc := range cases {
		if got := Compare(tc.a, tc.b); got != tc.want {
			t.Errorf("Compare(%#v, %#v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker("ts")
	for _, v := range []any{5, 3, nil, 9, 7} {
		tr.Observe(map[string]any{"ts": v})
	}
	tr.Observe(map[string]any{"other": 100})
	max, ok := tr.Max()
	if !ok || max != int64(9) {
		t.Fatalf("Max() = %v, %v", max, ok)
	}
	if tr.Seen() != 4 {
		t.Fatalf("Seen() = %d, want 4", tr.Seen())
	}
}
