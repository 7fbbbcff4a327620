// Package engine is the embedded analytical database pipelines load into
// and transform with. It is a single SQLite database; every statement goes
// through one connection, so statements are serialized.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/oarkflow/log"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/sqlscan"
	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/udf"
	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/utils/sqlutil"
)

const (
	DefaultPath = ".sqlflow/engine.db"
	dialect     = "sqlite"
	// SQLite's default limit on bind parameters per statement is 32766.
	maxBindParams = 32000
)

type Engine struct {
	db        *sql.DB
	path      string
	functions *udf.Registry
	logger    *log.Logger
}

// Open opens or creates the engine database at path; ":memory:" or an empty
// path gives a private in-memory database. Scalar functions in functions
// become callable from SQL, and the registry is frozen.
func Open(path string, functions *udf.Registry) (*Engine, error) {
	if functions == nil {
		functions = udf.NewRegistry()
	}
	functions.Freeze()
	if err := bindFunctions(functions); err != nil {
		return nil, err
	}
	memory := path == "" || path == ":memory:"
	dsn := ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create engine directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open engine database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open engine database: %w", err)
	}
	return &Engine{db: db, path: path, functions: functions, logger: &log.DefaultLogger}, nil
}

func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) Functions() *udf.Registry { return e.functions }

func (e *Engine) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ? COLLATE NOCASE`, table).Scan(&n)
	return n > 0, err
}

// Tables lists user tables and views sorted by name.
func (e *Engine) Tables(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Columns returns the columns of table in declaration order.
func (e *Engine) Columns(ctx context.Context, table string) ([]string, error) {
	return columnsOf(ctx, e.db, table)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func columnsOf(ctx context.Context, q queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func (e *Engine) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlutil.Quote(dialect, table)).Scan(&n)
	return n, err
}

func (e *Engine) Truncate(ctx context.Context, table string) error {
	_, err := e.db.ExecContext(ctx, "DELETE FROM "+sqlutil.Quote(dialect, table))
	return err
}

func (e *Engine) Drop(ctx context.Context, table string) error {
	_, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlutil.Quote(dialect, table))
	return err
}

// WriteChunk writes one chunk in a single transaction and returns the number
// of rows written.
//
// REPLACE drops and recreates the table from the chunk. APPEND and UPSERT
// create the table when missing and add columns the table lacks. UPSERT
// updates rows whose keys already exist.
func (e *Engine) WriteChunk(ctx context.Context, table string, mode step.LoadMode, keys []string, chunk connectors.Chunk) (int64, error) {
	columns := chunk.Columns
	if len(columns) == 0 {
		columns = utils.Columns(chunk.Records)
	}
	if mode == step.Upsert {
		if len(keys) == 0 {
			return 0, fmt.Errorf("upsert into %s requires keys", table)
		}
		for _, k := range keys {
			if !slices.Contains(columns, k) {
				return 0, fmt.Errorf("upsert into %s: key column %q missing from data", table, k)
			}
		}
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if mode == step.Replace {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlutil.Quote(dialect, table)); err != nil {
			return 0, err
		}
	}
	if err := ensureTable(ctx, tx, table, columns, chunk.Records); err != nil {
		return 0, err
	}
	if mode == step.Upsert {
		if err := ensureUniqueIndex(ctx, tx, table, keys); err != nil {
			return 0, err
		}
	}
	n, err := insertRows(ctx, tx, table, columns, chunk.Records, mode, keys)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func ensureTable(ctx context.Context, tx *sql.Tx, table string, columns []string, records []utils.Record) error {
	existing, err := columnsOf(ctx, tx, table)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		if len(columns) == 0 {
			return fmt.Errorf("cannot create table %s without columns", table)
		}
		defs := make([]string, len(columns))
		for i, c := range columns {
			defs[i] = strings.TrimSpace(sqlutil.Quote(dialect, c) + " " + affinity(firstValue(records, c)))
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", sqlutil.Quote(dialect, table), strings.Join(defs, ", ")))
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[strings.ToLower(c)] = true
	}
	for _, c := range columns {
		if have[strings.ToLower(c)] {
			continue
		}
		stmt := strings.TrimSpace(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			sqlutil.Quote(dialect, table), sqlutil.Quote(dialect, c), affinity(firstValue(records, c))))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s to %s: %w", c, table, err)
		}
	}
	return nil
}

// affinity picks a column type; columns whose first values are all NULL get
// none, so later values are stored as given.
func affinity(v any) string {
	if v == nil {
		return ""
	}
	return sqlutil.ColumnType(dialect, v)
}

func firstValue(records []utils.Record, column string) any {
	for _, r := range records {
		if v := r[column]; v != nil {
			return v
		}
	}
	return nil
}

func uniqueIndexName(table string) string {
	return "sqlflow_ux_" + strings.ToLower(table)
}

func ensureUniqueIndex(ctx context.Context, tx *sql.Tx, table string, keys []string) error {
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		sqlutil.Quote(dialect, uniqueIndexName(table)), sqlutil.Quote(dialect, table), strings.Join(sqlutil.QuoteAll(dialect, keys), ", "))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("unique index on %s(%s): %w", table, strings.Join(keys, ", "), err)
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, records []utils.Record, mode step.LoadMode, keys []string) (int64, error) {
	if len(records) == 0 || len(columns) == 0 {
		return 0, nil
	}
	perStmt := max(1, maxBindParams/len(columns))
	var written int64
	for start := 0; start < len(records); start += perStmt {
		batch := records[start:min(start+perStmt, len(records))]
		stmt := sqlutil.Insert(dialect, table, columns, len(batch))
		if mode == step.Upsert {
			stmt += upsertClause(columns, keys)
		}
		args := make([]any, 0, len(batch)*len(columns))
		for _, rec := range batch {
			for _, c := range columns {
				v, err := toDriverValue(rec[c])
				if err != nil {
					return written, fmt.Errorf("column %s: %w", c, err)
				}
				args = append(args, v)
			}
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return written, fmt.Errorf("insert into %s: %w", table, err)
		}
		written += int64(len(batch))
	}
	return written, nil
}

func upsertClause(columns, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[strings.ToLower(k)] = true
	}
	var sets []string
	for _, c := range columns {
		if !isKey[strings.ToLower(c)] {
			q := sqlutil.Quote(dialect, c)
			sets = append(sets, q+" = excluded."+q)
		}
	}
	target := strings.Join(sqlutil.QuoteAll(dialect, keys), ", ")
	if len(sets) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", target)
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
}

// ExecTx runs every statement of sql in one transaction and returns the
// total number of rows the statements changed.
func (e *Engine) ExecTx(ctx context.Context, sqlText string) (int64, error) {
	stmts := sqlscan.Split(sqlText)
	if len(stmts) == 0 {
		return 0, fmt.Errorf("no SQL statements to execute")
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var total int64
	for i, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return 0, fmt.Errorf("statement %d: %w", i+1, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, tx.Commit()
}

// Materialize replaces table with the result of selectSQL in one
// transaction. The query may read table itself.
func (e *Engine) Materialize(ctx context.Context, table, selectSQL string) (int64, error) {
	query := strings.TrimRight(strings.TrimSpace(selectSQL), "; \t\n")
	tmp := "sqlflow_tmp_" + strings.ToLower(table)
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmts := []string{
		"DROP TABLE IF EXISTS " + sqlutil.Quote(dialect, tmp),
		fmt.Sprintf("CREATE TABLE %s AS %s", sqlutil.Quote(dialect, tmp), query),
		"DROP TABLE IF EXISTS " + sqlutil.Quote(dialect, table),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", sqlutil.Quote(dialect, tmp), sqlutil.Quote(dialect, table)),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("materialize %s: %w", table, err)
		}
	}
	var n int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlutil.Quote(dialect, table)).Scan(&n); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.logger.Info().Str("table", table).Int("rows", int(n)).Msg("materialized")
	return n, nil
}

// Query streams the result of sql in chunks of batchSize rows. The engine
// connection is held until the sequence is exhausted or abandoned.
func (e *Engine) Query(ctx context.Context, sqlText string, batchSize int, args ...any) iter.Seq2[connectors.Chunk, error] {
	if batchSize <= 0 {
		batchSize = connectors.DefaultBatchSize
	}
	return func(yield func(connectors.Chunk, error) bool) {
		rows, err := e.db.QueryContext(ctx, sqlText, args...)
		if err != nil {
			yield(connectors.Chunk{}, err)
			return
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			yield(connectors.Chunk{}, err)
			return
		}
		batch := make([]utils.Record, 0, batchSize)
		for rows.Next() {
			values := make([]any, len(cols))
			pointers := make([]any, len(cols))
			for i := range values {
				pointers[i] = &values[i]
			}
			if err := rows.Scan(pointers...); err != nil {
				yield(connectors.Chunk{}, err)
				return
			}
			rec := make(utils.Record, len(cols))
			for i, c := range cols {
				rec[c] = values[i]
			}
			batch = append(batch, rec)
			if len(batch) == batchSize {
				if !yield(connectors.NewChunk(batch, cols...), nil) {
					return
				}
				batch = make([]utils.Record, 0, batchSize)
			}
		}
		if err := rows.Err(); err != nil {
			yield(connectors.Chunk{}, err)
			return
		}
		if len(batch) > 0 {
			yield(connectors.NewChunk(batch, cols...), nil)
		}
	}
}
