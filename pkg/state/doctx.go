package state

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// docTx is a transaction over a whole in-memory copy of the state. The
// memory and file stores differ only in how they publish it.
type docTx struct {
	watermarks map[Key]Watermark
	history    []HistoryEntry
	appended   []HistoryEntry
	publish    func(*docTx) error
	release    func()
	done       bool
}

func newDocTx(watermarks map[Key]Watermark, history []HistoryEntry, publish func(*docTx) error, release func()) *docTx {
	copied := make(map[Key]Watermark, len(watermarks))
	for k, v := range watermarks {
		copied[k] = v
	}
	return &docTx{watermarks: copied, history: history, publish: publish, release: release}
}

func (t *docTx) GetWatermark(ctx context.Context, key Key) (Watermark, bool, error) {
	if t.done {
		return Watermark{}, false, ErrTxDone
	}
	wm, ok := t.watermarks[key]
	return wm, ok, nil
}

func (t *docTx) SetWatermark(ctx context.Context, wm Watermark) error {
	if t.done {
		return ErrTxDone
	}
	if wm.LastUpdatedAt.IsZero() {
		wm.LastUpdatedAt = now()
	}
	t.watermarks[wm.Key] = wm
	return nil
}

func (t *docTx) DeleteWatermark(ctx context.Context, key Key) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.watermarks[key]; !ok {
		return ErrNotFound
	}
	delete(t.watermarks, key)
	return nil
}

func (t *docTx) ListWatermarks(ctx context.Context, pipeline string) ([]Watermark, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return sortedWatermarks(t.watermarks, pipeline), nil
}

func sortedWatermarks(m map[Key]Watermark, pipeline string) []Watermark {
	var out []Watermark
	for k, wm := range m {
		if pipeline == "" || k.Pipeline == pipeline {
			out = append(out, wm)
		}
	}
	slices.SortFunc(out, func(a, b Watermark) int { return strings.Compare(a.Key.String(), b.Key.String()) })
	return out
}

func (t *docTx) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	if t.done {
		return ErrTxDone
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	t.appended = append(t.appended, entry)
	return nil
}

func (t *docTx) ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	if t.done {
		return nil, ErrTxDone
	}
	var out []HistoryEntry
	for _, list := range [][]HistoryEntry{t.history, t.appended} {
		for _, e := range list {
			if filter.match(e) {
				out = append(out, e)
			}
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (t *docTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.release()
	return t.publish(t)
}

func (t *docTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	return nil
}

// semaphore is a mutex that gives up when the context ends.
type semaphore chan struct{}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() { <-s }
