// Package watermark tracks how far each incremental source has been read.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/log"

	"github.com/oarkflow/sqlflow/pkg/state"
)

type Key = state.Key

var ErrNotFound = state.ErrNotFound

// Manager is the only writer of watermark records. Every operation runs in
// its own state transaction.
type Manager struct {
	store  state.Store
	logger *log.Logger
	now    func() time.Time
}

func NewManager(store state.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	return &Manager{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the stored cursor value. ok is false when there is no record or
// the record was reset; callers then read everything.
func (m *Manager) Get(ctx context.Context, key Key) (value any, ok bool, err error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	wm, found, err := tx.GetWatermark(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("get watermark %s: %w", key, err)
	}
	if !found || wm.CursorValue == nil {
		return nil, false, nil
	}
	return wm.CursorValue, true, nil
}

// Update stores value unconditionally. On failure nothing is written.
func (m *Manager) Update(ctx context.Context, key Key, value any, syncMode string) error {
	err := state.WithTx(ctx, m.store, func(tx state.Tx) error {
		return tx.SetWatermark(ctx, state.Watermark{
			Key:           key,
			CursorValue:   Normalize(value),
			SyncMode:      syncMode,
			LastUpdatedAt: m.now(),
		})
	})
	if err != nil {
		return fmt.Errorf("update watermark %s: %w", key, err)
	}
	m.logger.Info().Str("watermark", key.String()).Any("value", value).Msg("watermark updated")
	return nil
}

// Advance stores candidate only if it is strictly greater than the stored
// value, reading and writing in one transaction. It reports whether it wrote.
func (m *Manager) Advance(ctx context.Context, key Key, candidate any, syncMode string) (bool, error) {
	if candidate == nil {
		return false, nil
	}
	advanced := false
	var previous any
	err := state.WithTx(ctx, m.store, func(tx state.Tx) error {
		current, found, err := tx.GetWatermark(ctx, key)
		if err != nil {
			return err
		}
		if found && current.CursorValue != nil && Compare(candidate, current.CursorValue) <= 0 {
			return nil
		}
		previous = current.CursorValue
		advanced = true
		return tx.SetWatermark(ctx, state.Watermark{
			Key:           key,
			CursorValue:   Normalize(candidate),
			SyncMode:      syncMode,
			LastUpdatedAt: m.now(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("advance watermark %s: %w", key, err)
	}
	if advanced {
		m.logger.Info().Str("watermark", key.String()).Any("from", previous).Any("to", candidate).Msg("watermark advanced")
	}
	return advanced, nil
}

// Reset clears the cursor so the next run reads everything. The record
// itself is kept.
func (m *Manager) Reset(ctx context.Context, key Key) error {
	err := state.WithTx(ctx, m.store, func(tx state.Tx) error {
		wm, found, err := tx.GetWatermark(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		wm.CursorValue = nil
		wm.LastUpdatedAt = m.now()
		return tx.SetWatermark(ctx, wm)
	})
	if err != nil {
		return fmt.Errorf("reset watermark %s: %w", key, err)
	}
	m.logger.Info().Str("watermark", key.String()).Msg("watermark reset")
	return nil
}

// Delete removes the record entirely.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	err := state.WithTx(ctx, m.store, func(tx state.Tx) error {
		return tx.DeleteWatermark(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("delete watermark %s: %w", key, err)
	}
	return nil
}

func (m *Manager) List(ctx context.Context, pipeline string) ([]state.Watermark, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ListWatermarks(ctx, pipeline)
}

func (m *Manager) Show(ctx context.Context, key Key) (state.Watermark, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return state.Watermark{}, err
	}
	defer tx.Rollback()
	wm, found, err := tx.GetWatermark(ctx, key)
	if err != nil {
		return state.Watermark{}, err
	}
	if !found {
		return state.Watermark{}, fmt.Errorf("watermark %s: %w", key, ErrNotFound)
	}
	return wm, nil
}
