// Package sqlutil builds the handful of SQL statements sqlflow issues
// against Postgres, MySQL and SQLite.
package sqlutil

import (
	"fmt"
	"strings"
	"time"
)

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	}
	return "sqlite"
}

// Quote quotes an identifier. Dotted names are quoted per part.
func Quote(driver, ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if normalizeDriver(driver) == "mysql" {
			parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
		} else {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}

func QuoteAll(driver string, idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = Quote(driver, id)
	}
	return out
}

// Placeholder returns the n-th (1-based) bind parameter.
func Placeholder(driver string, n int) string {
	if normalizeDriver(driver) == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// ColumnType picks a column type able to hold v.
func ColumnType(driver string, v any) string {
	d := normalizeDriver(driver)
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		if d == "sqlite" {
			return "INTEGER"
		}
		return "BIGINT"
	case float32, float64:
		switch d {
		case "postgres":
			return "DOUBLE PRECISION"
		case "mysql":
			return "DOUBLE"
		}
		return "REAL"
	case bool:
		if d == "sqlite" {
			return "INTEGER"
		}
		return "BOOLEAN"
	case time.Time:
		switch d {
		case "postgres":
			return "TIMESTAMPTZ"
		case "mysql":
			return "DATETIME(6)"
		}
		return "TEXT"
	case []byte:
		switch d {
		case "postgres":
			return "BYTEA"
		case "mysql":
			return "LONGBLOB"
		}
		return "BLOB"
	}
	if d == "mysql" {
		return "LONGTEXT"
	}
	return "TEXT"
}

// CreateTable returns a CREATE TABLE IF NOT EXISTS statement whose column
// types come from the first non-nil value of each column in rows.
func CreateTable(driver, table string, columns []string, rows []map[string]any) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = Quote(driver, c) + " " + ColumnType(driver, firstValue(rows, c))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", Quote(driver, table), strings.Join(defs, ", "))
}

func firstValue(rows []map[string]any, column string) any {
	for _, r := range rows {
		if v := r[column]; v != nil {
			return v
		}
	}
	return nil
}

// Insert returns a multi-row positional INSERT for n rows.
func Insert(driver, table string, columns []string, n int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", Quote(driver, table), strings.Join(QuoteAll(driver, columns), ", "))
	arg := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range columns {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(Placeholder(driver, arg))
			arg++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// NamedInsert returns an INSERT using :column bind names.
func NamedInsert(driver, table string, columns []string) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = ":" + c
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", Quote(driver, table), strings.Join(QuoteAll(driver, columns), ", "), strings.Join(names, ", "))
}

// Select reads columns (all when empty) from table. When cursor is set the
// rows are restricted to cursor > the first bind parameter and ordered by
// cursor.
func Select(driver, table string, columns []string, cursor string) string {
	cols := "*"
	if len(columns) > 0 {
		cols = strings.Join(QuoteAll(driver, columns), ", ")
	}
	q := fmt.Sprintf("SELECT %s FROM %s", cols, Quote(driver, table))
	if cursor != "" {
		q += fmt.Sprintf(" WHERE %s > %s ORDER BY %s", Quote(driver, cursor), Placeholder(driver, 1), Quote(driver, cursor))
	}
	return q
}
