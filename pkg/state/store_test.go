package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func backends(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"file": func() Store {
			s, err := OpenFile(filepath.Join(dir, "state.json"))
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			return s
		},
		"sqlite": func() Store {
			s, err := OpenSQLite(filepath.Join(dir, "state.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return s
		},
	}
}

var testKey = Key{Pipeline: "p", Source: "orders_src", Target: "orders", CursorField: "updated_at"}

func TestStoreCommitAndReadBack(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()
			err := WithTx(ctx, s, func(tx Tx) error {
				if err := tx.SetWatermark(ctx, Watermark{Key: testKey, CursorValue: int64(42), SyncMode: "incremental"}); err != nil {
					return err
				}
				wm, ok, err := tx.GetWatermark(ctx, testKey)
				if err != nil || !ok || wm.CursorValue != int64(42) {
					t.Fatalf("read-your-writes failed: %+v ok=%v err=%v", wm, ok, err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithTx: %v", err)
			}
			tx, err := s.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			defer tx.Rollback()
			wm, ok, err := tx.GetWatermark(ctx, testKey)
			if err != nil || !ok {
				t.Fatalf("GetWatermark after commit: ok=%v err=%v", ok, err)
			}
			if wm.CursorValue != int64(42) || wm.SyncMode != "incremental" || wm.LastUpdatedAt.IsZero() {
				t.Fatalf("unexpected watermark %+v", wm)
			}
		})
	}
}

func TestStoreRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()
			if err := WithTx(ctx, s, func(tx Tx) error {
				return tx.SetWatermark(ctx, Watermark{Key: testKey, CursorValue: "2024-01-01", SyncMode: "incremental"})
			}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			boom := errors.New("boom")
			err := WithTx(ctx, s, func(tx Tx) error {
				if err := tx.SetWatermark(ctx, Watermark{Key: testKey, CursorValue: "2025-01-01"}); err != nil {
					return err
				}
				if err := tx.AppendHistory(ctx, HistoryEntry{RunID: "r", Pipeline: "p", StepID: "s", StartedAt: time.Now(), Status: StatusFailed}); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			tx, _ := s.Begin(ctx)
			defer tx.Rollback()
			wm, _, _ := tx.GetWatermark(ctx, testKey)
			if wm.CursorValue != "2024-01-01" {
				t.Fatalf("rolled back write is visible: %v", wm.CursorValue)
			}
			hist, err := tx.ListHistory(ctx, HistoryFilter{RunID: "r"})
			if err != nil || len(hist) != 0 {
				t.Fatalf("rolled back history is visible: %v err=%v", hist, err)
			}
		})
	}
}

func TestStoreTxDone(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()
			tx, err := s.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if err := tx.SetWatermark(ctx, Watermark{Key: testKey}); !errors.Is(err, ErrTxDone) {
				t.Fatalf("expected ErrTxDone, got %v", err)
			}
			if err := tx.Rollback(); err != nil {
				t.Fatalf("Rollback after Commit: %v", err)
			}
		})
	}
}

func TestStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	other := Key{Pipeline: "q", Source: "s", Target: "t", CursorField: "id"}
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()
			_ = WithTx(ctx, s, func(tx Tx) error {
				_ = tx.SetWatermark(ctx, Watermark{Key: testKey, CursorValue: 1.5})
				return tx.SetWatermark(ctx, Watermark{Key: other, CursorValue: int64(7)})
			})
			err := WithTx(ctx, s, func(tx Tx) error {
				list, err := tx.ListWatermarks(ctx, "p")
				if err != nil {
					return err
				}
				if len(list) != 1 || list[0].Key != testKey || list[0].CursorValue != 1.5 {
					t.Fatalf("unexpected list %+v", list)
				}
				all, _ := tx.ListWatermarks(ctx, "")
				if len(all) != 2 {
					t.Fatalf("expected 2 watermarks, got %d", len(all))
				}
				if err := tx.DeleteWatermark(ctx, other); err != nil {
					return err
				}
				if err := tx.DeleteWatermark(ctx, other); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithTx: %v", err)
			}
		})
	}
}

func TestStoreHistory(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()
			err := WithTx(ctx, s, func(tx Tx) error {
				for i, id := range []string{"a", "b", "c"} {
					e := HistoryEntry{
						RunID: "run1", Pipeline: "p", StepID: id,
						StartedAt: base.Add(time.Duration(i) * time.Second),
						EndedAt:   base.Add(time.Duration(i)*time.Second + time.Millisecond),
						Status:    StatusSucceeded, RowsProcessed: int64(i),
					}
					if err := tx.AppendHistory(ctx, e); err != nil {
						return err
					}
				}
				return tx.AppendHistory(ctx, HistoryEntry{RunID: "run2", Pipeline: "p", StepID: "a", StartedAt: base.Add(time.Hour), Status: StatusFailed, ErrorMessage: "bad"})
			})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			tx, _ := s.Begin(ctx)
			defer tx.Rollback()
			got, err := tx.ListHistory(ctx, HistoryFilter{RunID: "run1"})
			if err != nil {
				t.Fatalf("ListHistory: %v", err)
			}
			var ids []string
			for _, e := range got {
				ids = append(ids, e.StepID)
			}
			if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
				t.Fatalf("history order mismatch (-want +got):\n%s", diff)
			}
			if !got[2].StartedAt.Equal(base.Add(2*time.Second)) || got[2].RowsProcessed != 2 {
				t.Fatalf("unexpected entry %+v", got[2])
			}
			last, _ := tx.ListHistory(ctx, HistoryFilter{Pipeline: "p", Limit: 1})
			if len(last) != 1 || last[0].RunID != "run2" || last[0].ErrorMessage != "bad" {
				t.Fatalf("unexpected limited history %+v", last)
			}
		})
	}
}

func TestFileStorePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	_ = WithTx(ctx, s, func(tx Tx) error {
		return tx.SetWatermark(ctx, Watermark{Key: testKey, CursorValue: int64(1) << 60})
	})
	_ = s.Close()

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer reopened.Close()
	tx, _ := reopened.Begin(ctx)
	defer tx.Rollback()
	wm, ok, _ := tx.GetWatermark(ctx, testKey)
	if !ok || wm.CursorValue != int64(1)<<60 {
		t.Fatalf("large integer cursor did not round-trip: %v", wm.CursorValue)
	}
}

func TestMemoryStoreBeginHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Begin(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while another tx is open, got %v", err)
	}
}

func TestCursorCodec(t *testing.T) {
	for _, v := range []any{nil, int64(-3), 2.25, "abc", true} {
		text, err := EncodeCursor(v)
		if err != nil {
			t.Fatalf("EncodeCursor(%v): %v", v, err)
		}
		back, err := DecodeCursor(text)
		if err != nil {
			t.Fatalf("DecodeCursor(%q): %v", text, err)
		}
		if back != v {
			t.Fatalf("round trip %v -> %q -> %v", v, text, back)
		}
	}
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	text, _ := EncodeCursor(ts)
	back, _ := DecodeCursor(text)
	if back != "2024-01-02T03:04:05Z" {
		t.Fatalf("time cursor encoded as %v", back)
	}
}

func TestOpenDispatch(t *testing.T) {
	s, err := Open("memory://")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
	f, err := Open("file://" + filepath.Join(t.TempDir(), "x.json"))
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	defer f.Close()
	if _, ok := f.(*FileStore); !ok {
		t.Fatalf("expected file store, got %T", f)
	}
}
