package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/udf"
	"github.com/oarkflow/sqlflow/pkg/utils"
)

func openEngine(t *testing.T, functions *udf.Registry) *Engine {
	t.Helper()
	e, err := Open(":memory:", functions)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func rows(t *testing.T, e *Engine, sql string) []utils.Record {
	t.Helper()
	out, err := connectors.Collect(e.Query(context.Background(), sql, 0))
	if err != nil {
		t.Fatalf("query %q: %v", sql, err)
	}
	return out
}

func write(t *testing.T, e *Engine, table string, mode step.LoadMode, keys []string, records ...utils.Record) {
	t.Helper()
	if _, err := e.WriteChunk(context.Background(), table, mode, keys, connectors.NewChunk(records)); err != nil {
		t.Fatalf("write %s: %v", table, err)
	}
}

func TestAppendEvolvesColumns(t *testing.T) {
	e := openEngine(t, nil)
	ctx := context.Background()
	write(t, e, "events", step.Append, nil, utils.Record{"id": int64(1), "note": nil})
	write(t, e, "events", step.Append, nil, utils.Record{"id": int64(2), "note": "x", "extra": 1.5})

	cols, err := e.Columns(ctx, "events")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if diff := cmp.Diff([]string{"id", "note", "extra"}, cols); diff != "" {
		t.Fatalf("columns (-want +got):\n%s", diff)
	}
	want := []utils.Record{
		{"id": int64(1), "note": nil, "extra": nil},
		{"id": int64(2), "note": "x", "extra": 1.5},
	}
	if diff := cmp.Diff(want, rows(t, e, "SELECT id, note, extra FROM events ORDER BY id")); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
}

func TestUpsertUpdatesExistingKeys(t *testing.T) {
	e := openEngine(t, nil)
	keys := []string{"id"}
	write(t, e, "t", step.Upsert, keys, utils.Record{"id": int64(1), "v": "a"}, utils.Record{"id": int64(2), "v": "b"})
	write(t, e, "t", step.Upsert, keys, utils.Record{"id": int64(2), "v": "c"}, utils.Record{"id": int64(3), "v": "d"})

	want := []utils.Record{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": "c"},
		{"id": int64(3), "v": "d"},
	}
	if diff := cmp.Diff(want, rows(t, e, "SELECT id, v FROM t ORDER BY id")); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	_, err := e.WriteChunk(context.Background(), "t", step.Upsert, []string{"missing"}, connectors.NewChunk([]utils.Record{{"id": int64(4)}}))
	if err == nil {
		t.Fatalf("expected error for key missing from data")
	}
	// Keys-only upsert must not fail on conflict.
	write(t, e, "k", step.Upsert, keys, utils.Record{"id": int64(1)})
	write(t, e, "k", step.Upsert, keys, utils.Record{"id": int64(1)})
	if n, _ := e.Count(context.Background(), "k"); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestReplaceRecreatesTable(t *testing.T) {
	e := openEngine(t, nil)
	ctx := context.Background()
	write(t, e, "t", step.Append, nil, utils.Record{"a": int64(1), "old": "x"}, utils.Record{"a": int64(2), "old": "y"})
	write(t, e, "t", step.Replace, nil, utils.Record{"a": int64(9)})
	cols, _ := e.Columns(ctx, "t")
	if diff := cmp.Diff([]string{"a"}, cols); diff != "" {
		t.Fatalf("columns (-want +got):\n%s", diff)
	}
	if n, _ := e.Count(ctx, "t"); n != 1 {
		t.Fatalf("expected 1 row after replace, got %d", n)
	}
}

func TestMaterializeInPlace(t *testing.T) {
	e := openEngine(t, nil)
	write(t, e, "t1", step.Append, nil, utils.Record{"id": int64(1), "v": int64(2)}, utils.Record{"id": int64(2), "v": int64(5)})
	n, err := e.Materialize(context.Background(), "t1", "SELECT id, v * 2 AS v FROM t1 WHERE v > 2;")
	if err != nil || n != 1 {
		t.Fatalf("materialize = %d, %v", n, err)
	}
	if diff := cmp.Diff([]utils.Record{{"id": int64(2), "v": int64(10)}}, rows(t, e, "SELECT * FROM t1")); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	if _, err := e.Materialize(context.Background(), "t1", "SELECT * FROM nowhere"); err == nil {
		t.Fatalf("expected error")
	}
	if exists, _ := e.TableExists(context.Background(), "T1"); !exists {
		t.Fatalf("failed materialize must keep the previous table")
	}
}

func TestExecTxIsAtomic(t *testing.T) {
	e := openEngine(t, nil)
	ctx := context.Background()
	write(t, e, "t", step.Append, nil, utils.Record{"v": int64(1)})
	_, err := e.ExecTx(ctx, "UPDATE t SET v = 5; INSERT INTO missing VALUES (1);")
	if err == nil || !strings.Contains(err.Error(), "statement 2") {
		t.Fatalf("expected failure in statement 2, got %v", err)
	}
	if got := rows(t, e, "SELECT v FROM t"); got[0]["v"] != int64(1) {
		t.Fatalf("failed transaction leaked: %v", got)
	}
	n, err := e.ExecTx(ctx, "UPDATE t SET v = 5; INSERT INTO t (v) VALUES (6), (7)")
	if err != nil || n != 3 {
		t.Fatalf("ExecTx = %d, %v", n, err)
	}
}

func TestQueryChunks(t *testing.T) {
	e := openEngine(t, nil)
	var recs []utils.Record
	for i := range 5 {
		recs = append(recs, utils.Record{"i": int64(i)})
	}
	write(t, e, "nums", step.Append, nil, recs...)
	var sizes []int
	for chunk, err := range e.Query(context.Background(), "SELECT i FROM nums WHERE i >= ? ORDER BY i", 2, 1) {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		sizes = append(sizes, chunk.Len())
	}
	if diff := cmp.Diff([]int{2, 2}, sizes); diff != "" {
		t.Fatalf("chunk sizes (-want +got):\n%s", diff)
	}
	tables, _ := e.Tables(context.Background())
	if diff := cmp.Diff([]string{"nums"}, tables); diff != "" {
		t.Fatalf("tables (-want +got):\n%s", diff)
	}
}

func TestScalarFunctionsCallableFromSQL(t *testing.T) {
	functions := udf.NewRegistry()
	_ = functions.RegisterScalar("engine_test_twice", 1, func(args ...any) (any, error) {
		return args[0].(int64) * 2, nil
	})
	_ = functions.RegisterScalar("engine_test_tags", 0, func(...any) (any, error) {
		return []string{"a", "b"}, nil
	})
	e := openEngine(t, functions)
	got := rows(t, e, "SELECT engine_test_twice(21) AS n, engine_test_tags() AS tags")
	if diff := cmp.Diff([]utils.Record{{"n": int64(42), "tags": `["a","b"]`}}, got); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	if err := functions.RegisterScalar("late", 0, func(...any) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("registry should be frozen once the engine is open")
	}
}
