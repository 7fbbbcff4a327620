package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists state in a SQLite database. It holds a single
// connection, so transactions are serialized by database/sql.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultPath
	}
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !memory {
		db.SetConnMaxLifetime(time.Minute * 5)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS watermarks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_name TEXT NOT NULL,
			source_name TEXT NOT NULL,
			target_table TEXT NOT NULL,
			cursor_field TEXT NOT NULL,
			cursor_value TEXT,
			sync_mode TEXT NOT NULL DEFAULT 'incremental',
			last_updated_at TEXT NOT NULL,
			UNIQUE (pipeline_name, source_name, target_table, cursor_field)
		);`,
		`CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			pipeline_name TEXT NOT NULL,
			step_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			rows_processed INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_history_run ON execution_history(run_id, step_id);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_history_pipeline ON execution_history(pipeline_name, started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin state transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func txErr(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTxDone
	}
	return err
}

func (t *sqliteTx) GetWatermark(ctx context.Context, key Key) (Watermark, bool, error) {
	var (
		cursor  sql.NullString
		mode    string
		updated string
	)
	err := t.tx.QueryRowContext(ctx, `SELECT cursor_value, sync_mode, last_updated_at FROM watermarks
		WHERE pipeline_name = ? AND source_name = ? AND target_table = ? AND cursor_field = ?`,
		key.Pipeline, key.Source, key.Target, key.CursorField).Scan(&cursor, &mode, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Watermark{}, false, nil
		}
		return Watermark{}, false, txErr(err)
	}
	wm, err := scanWatermark(key, cursor, mode, updated)
	if err != nil {
		return Watermark{}, false, err
	}
	return wm, true, nil
}

func (t *sqliteTx) SetWatermark(ctx context.Context, wm Watermark) error {
	cursor, err := EncodeCursor(wm.CursorValue)
	if err != nil {
		return err
	}
	if wm.LastUpdatedAt.IsZero() {
		wm.LastUpdatedAt = now()
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO watermarks
		(pipeline_name, source_name, target_table, cursor_field, cursor_value, sync_mode, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_name, source_name, target_table, cursor_field) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			sync_mode = excluded.sync_mode,
			last_updated_at = excluded.last_updated_at`,
		wm.Pipeline, wm.Source, wm.Target, wm.CursorField, nullString(cursor), wm.SyncMode,
		wm.LastUpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save watermark %s: %w", wm.Key, txErr(err))
	}
	return nil
}

func (t *sqliteTx) DeleteWatermark(ctx context.Context, key Key) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM watermarks
		WHERE pipeline_name = ? AND source_name = ? AND target_table = ? AND cursor_field = ?`,
		key.Pipeline, key.Source, key.Target, key.CursorField)
	if err != nil {
		return txErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) ListWatermarks(ctx context.Context, pipeline string) ([]Watermark, error) {
	query := `SELECT pipeline_name, source_name, target_table, cursor_field, cursor_value, sync_mode, last_updated_at
		FROM watermarks`
	var args []any
	if pipeline != "" {
		query += ` WHERE pipeline_name = ?`
		args = append(args, pipeline)
	}
	query += ` ORDER BY pipeline_name, source_name, target_table, cursor_field`
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, txErr(err)
	}
	defer rows.Close()
	var out []Watermark
	for rows.Next() {
		var (
			key     Key
			cursor  sql.NullString
			mode    string
			updated string
		)
		if err := rows.Scan(&key.Pipeline, &key.Source, &key.Target, &key.CursorField, &cursor, &mode, &updated); err != nil {
			return nil, err
		}
		wm, err := scanWatermark(key, cursor, mode, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, wm)
	}
	return out, rows.Err()
}

func (t *sqliteTx) AppendHistory(ctx context.Context, e HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var ended any
	if !e.EndedAt.IsZero() {
		ended = e.EndedAt.UTC().Format(timeLayout)
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO execution_history
		(id, run_id, pipeline_name, step_id, started_at, ended_at, rows_processed, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Pipeline, e.StepID, e.StartedAt.UTC().Format(timeLayout), ended,
		e.RowsProcessed, string(e.Status), nullString(e.ErrorMessage))
	if err != nil {
		return fmt.Errorf("append execution history: %w", txErr(err))
	}
	return nil
}

func (t *sqliteTx) ListHistory(ctx context.Context, f HistoryFilter) ([]HistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	for col, val := range map[string]string{"run_id": f.RunID, "pipeline_name": f.Pipeline, "step_id": f.StepID, "status": string(f.Status)} {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	query := `SELECT id, run_id, pipeline_name, step_id, started_at, ended_at, rows_processed, status, error_message
		FROM execution_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, txErr(err)
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var (
			e              HistoryEntry
			started        string
			ended, message sql.NullString
			status         string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Pipeline, &e.StepID, &started, &ended, &e.RowsProcessed, &status, &message); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.ErrorMessage = message.String
		if e.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if ended.Valid {
			if e.EndedAt, err = time.Parse(timeLayout, ended.String); err != nil {
				return nil, fmt.Errorf("parse ended_at: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (t *sqliteTx) Commit() error {
	return txErr(t.tx.Commit())
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func scanWatermark(key Key, cursor sql.NullString, mode, updated string) (Watermark, error) {
	wm := Watermark{Key: key, SyncMode: mode}
	if cursor.Valid {
		v, err := DecodeCursor(cursor.String)
		if err != nil {
			return Watermark{}, err
		}
		wm.CursorValue = v
	}
	ts, err := time.Parse(timeLayout, updated)
	if err != nil {
		return Watermark{}, fmt.Errorf("parse last_updated_at: %w", err)
	}
	wm.LastUpdatedAt = ts
	return wm, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
