// Package state persists watermarks and execution history behind a small
// transactional interface.
package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("state record not found")
	ErrTxDone   = errors.New("transaction has already been committed or rolled back")
)

// Store hands out transactions. A transaction's writes become visible
// together on Commit or not at all.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx reads its own writes. After Commit or Rollback every call returns
// ErrTxDone, except Rollback which is then a no-op.
type Tx interface {
	GetWatermark(ctx context.Context, key Key) (Watermark, bool, error)
	SetWatermark(ctx context.Context, wm Watermark) error
	DeleteWatermark(ctx context.Context, key Key) error
	ListWatermarks(ctx context.Context, pipeline string) ([]Watermark, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error)
	Commit() error
	Rollback() error
}

const DefaultPath = ".sqlflow/state.db"

// Open picks a backend from dsn: "memory://", "file://<path>" or a SQLite
// path, optionally prefixed with "sqlite://".
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "memory://" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "file://"):
		return OpenFile(strings.TrimPrefix(dsn, "file://"))
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case dsn == "":
		return OpenSQLite(DefaultPath)
	}
	return OpenSQLite(dsn)
}

// WithTx runs fn inside a transaction, committing when fn succeeds.
func WithTx(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func now() time.Time { return time.Now().UTC() }
