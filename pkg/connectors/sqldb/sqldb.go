// Package sqldb connects pipelines to Postgres, MySQL and SQLite databases
// through squealx.
package sqldb

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/oarkflow/errors"
	"github.com/oarkflow/squealx"
	"github.com/oarkflow/squealx/connection"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/utils/sqlutil"
)

// Connector params: driver, host, port, username, password, database,
// optional query (used instead of the object table for reads) and
// create_table (create missing destination tables on write).
type Connector struct {
	cfg         squealx.Config
	query       string
	createTable bool

	mu sync.Mutex
	db *squealx.DB
}

func New() connectors.Connector { return &Connector{} }

func (c *Connector) RequiredParams() []string { return []string{"driver", "database"} }

func (c *Connector) Configure(params map[string]any) error {
	driver := strings.ToLower(connectors.String(params, "driver", ""))
	switch driver {
	case "postgres", "postgresql":
		driver = "postgres"
	case "mysql", "sqlite":
	case "":
		return errors.New("sqldb connector: driver is required")
	default:
		return fmt.Errorf("sqldb connector: unsupported driver %q", driver)
	}
	c.cfg = squealx.Config{
		Driver:      driver,
		Host:        connectors.String(params, "host", "localhost"),
		Port:        connectors.Int(params, "port", defaultPort(driver)),
		Username:    connectors.String(params, "username", ""),
		Password:    connectors.String(params, "password", ""),
		Database:    connectors.String(params, "database", ""),
		MaxOpenCons: connectors.Int(params, "max_open_conns", 0),
		MaxIdleCons: connectors.Int(params, "max_idle_conns", 0),
	}
	if c.cfg.Database == "" {
		return errors.New("sqldb connector: database is required")
	}
	c.query = connectors.String(params, "query", "")
	c.createTable = connectors.Bool(params, "create_table")
	return nil
}

func defaultPort(driver string) int {
	switch driver {
	case "postgres":
		return 5432
	case "mysql":
		return 3306
	}
	return 0
}

func (c *Connector) conn() (*squealx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	db, _, err := connection.FromConfig(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s database %s: %w", c.cfg.Driver, c.cfg.Database, err)
	}
	c.db = db
	return db, nil
}

func (c *Connector) TestConnection(ctx context.Context) (bool, string) {
	db, err := c.conn()
	if err != nil {
		return false, err.Error()
	}
	var one int
	if err := db.QueryRow("SELECT 1").Scan(&one); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func (c *Connector) Read(ctx context.Context, object string, columns []string, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return connectors.Batch(ctx, c.rows(ctx, c.selectSQL(object, columns, ""), nil), nil, batchSize)
}

// ReadIncremental pushes the cursor predicate down to the database.
func (c *Connector) ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, batchSize int) iter.Seq2[connectors.Chunk, error] {
	if cursorValue == nil {
		return connectors.Batch(ctx, c.rows(ctx, c.selectSQL(object, nil, ""), nil), nil, batchSize)
	}
	q := c.selectSQL(object, nil, cursorField)
	return connectors.Batch(ctx, c.rows(ctx, q, []any{cursorValue}), nil, batchSize)
}

func (c *Connector) selectSQL(object string, columns []string, cursor string) string {
	if c.query == "" {
		return sqlutil.Select(c.cfg.Driver, object, columns, cursor)
	}
	q := fmt.Sprintf("SELECT * FROM (%s) src", strings.TrimRight(strings.TrimSpace(c.query), ";"))
	if cursor != "" {
		q += fmt.Sprintf(" WHERE %s > %s ORDER BY %s",
			sqlutil.Quote(c.cfg.Driver, cursor), sqlutil.Placeholder(c.cfg.Driver, 1), sqlutil.Quote(c.cfg.Driver, cursor))
	}
	return q
}

func (c *Connector) rows(ctx context.Context, q string, args []any) iter.Seq2[utils.Record, error] {
	return func(yield func(utils.Record, error) bool) {
		db, err := c.conn()
		if err != nil {
			yield(nil, err)
			return
		}
		rows, err := db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(nil, fmt.Errorf("query %q: %w", q, err))
			return
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			yield(nil, err)
			return
		}
		colTypes, err := rows.ColumnTypes()
		if err != nil {
			yield(nil, err)
			return
		}
		types := make([]string, len(colTypes))
		for i, ct := range colTypes {
			types[i] = ct.DatabaseTypeName()
		}
		for rows.Next() {
			values := make([]any, len(cols))
			pointers := make([]any, len(cols))
			for i := range values {
				pointers[i] = &values[i]
			}
			if err := rows.Scan(pointers...); err != nil {
				yield(nil, err)
				return
			}
			rec := make(utils.Record, len(cols))
			for i, name := range cols {
				rec[name] = decodeValue(types[i], values[i])
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// decodeValue types the raw bytes some drivers return for numeric columns.
func decodeValue(dbType string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if b == nil {
		return nil
	}
	s := string(b)
	switch strings.ToUpper(dbType) {
	case "INT", "INT2", "INT4", "INT8", "INTEGER", "BIGINT", "TINYINT", "SMALLINT", "MEDIUMINT":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "NUMERIC", "DECIMAL", "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "REAL":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// Write inserts each chunk in one statement.
func (c *Connector) Write(ctx context.Context, object string, chunks iter.Seq2[connectors.Chunk, error]) (int64, error) {
	db, err := c.conn()
	if err != nil {
		return 0, err
	}
	var written int64
	created := !c.createTable
	for chunk, err := range chunks {
		if err != nil {
			return written, err
		}
		if chunk.Len() == 0 {
			continue
		}
		columns := chunk.Columns
		if len(columns) == 0 {
			columns = utils.Columns(chunk.Records)
		}
		if !created {
			if _, err := db.ExecContext(ctx, sqlutil.CreateTable(c.cfg.Driver, object, columns, chunk.Records)); err != nil {
				return written, fmt.Errorf("create table %s: %w", object, err)
			}
			created = true
		}
		args := make([]any, 0, len(columns)*chunk.Len())
		for _, rec := range chunk.Records {
			for _, col := range columns {
				args = append(args, rec[col])
			}
		}
		if _, err := db.ExecContext(ctx, sqlutil.Insert(c.cfg.Driver, object, columns, chunk.Len()), args...); err != nil {
			return written, fmt.Errorf("insert into %s: %w", object, err)
		}
		written += int64(chunk.Len())
	}
	return written, nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
