package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/connectors/memory"
	"github.com/oarkflow/sqlflow/pkg/engine"
	"github.com/oarkflow/sqlflow/pkg/quality"
	"github.com/oarkflow/sqlflow/pkg/state"
	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/transformers"
	"github.com/oarkflow/sqlflow/pkg/udf"
	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/watermark"
)

type fixture struct {
	rc    *RunContext
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	functions := udf.NewRegistry()
	dedupe, err := transformers.Dedupe([]string{"id"})
	if err != nil {
		t.Fatalf("Dedupe: %v", err)
	}
	if err := functions.RegisterTable("dedupe_id", dedupe); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	eng, err := engine.Open(":memory:", functions)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	store := memory.NewStore()
	registry := connectors.NewRegistry()
	if err := registry.Register("memory", memory.Factory(store)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rc := &RunContext{
		Pipeline:   "p",
		RunID:      "run-1",
		Engine:     eng,
		Connectors: registry,
		Functions:  functions,
		Watermarks: watermark.NewManager(state.NewMemoryStore(), nil),
	}
	t.Cleanup(func() { rc.Close() })
	return &fixture{rc: rc, store: store}
}

func (f *fixture) run(t *testing.T, s step.Step) StepResult {
	t.Helper()
	return Dispatch(context.Background(), s, f.rc)
}

func (f *fixture) mustRun(t *testing.T, s step.Step) StepResult {
	t.Helper()
	r := f.run(t, s)
	if r.Status != StatusSucceeded {
		t.Fatalf("step %s: %v", r.StepID, r.Err)
	}
	return r
}

func (f *fixture) rows(t *testing.T, sql string) []utils.Record {
	t.Helper()
	out, err := connectors.Collect(f.rc.Engine.Query(context.Background(), sql, 0))
	if err != nil {
		t.Fatalf("query %q: %v", sql, err)
	}
	return out
}

func source(params map[string]any) step.SourceDefinition {
	return step.NewSource(step.SourceDefinition{Base: step.Base{Name: "raw"}, ConnectorType: "memory", Params: params})
}

func incremental(mode step.LoadMode) step.Load {
	return step.NewLoad(step.Load{
		Base:      step.Base{ID: "L", Sync: step.SyncParams{Mode: step.Incremental, CursorField: "ts"}},
		Source:    "raw",
		Target:    "t1",
		Mode:      mode,
		BatchSize: 1,
	})
}

func TestSourceDefinitionErrors(t *testing.T) {
	f := newFixture(t)
	cases := map[string]step.SourceDefinition{
		"unknown connector": step.NewSource(step.SourceDefinition{Base: step.Base{Name: "x"}, ConnectorType: "ftp"}),
		"missing required":  source(map[string]any{"required": "dataset,token", "dataset": "d"}),
		"connection test":   source(map[string]any{"dataset": "missing", "test_connection": true}),
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			r := f.run(t, s)
			var cfg *ConfigurationError
			if r.Status != StatusFailed || !errors.As(r.Err, &cfg) {
				t.Fatalf("expected configuration error, got %s %v", r.Status, r.Err)
			}
			if cfg.Phase != PhaseConfiguring {
				t.Fatalf("phase = %s", cfg.Phase)
			}
		})
	}
}

type closeCounter struct {
	connectors.Connector
	closed *atomic.Int32
}

func (c closeCounter) Configure(params map[string]any) error {
	if connectors.Bool(params, "reject") {
		return errors.New("rejected")
	}
	return c.Connector.Configure(params)
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return c.Connector.Close()
}

func TestFailedSourceClosesConnector(t *testing.T) {
	f := newFixture(t)
	var closed atomic.Int32
	err := f.rc.Connectors.Register("counted", func() connectors.Connector {
		return closeCounter{Connector: memory.Factory(f.store)(), closed: &closed}
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	for i, params := range []map[string]any{
		{"dataset": "d", "reject": true},
		{"required": "dataset,token", "dataset": "d"},
		{"dataset": "missing", "test_connection": true},
	} {
		src := step.NewSource(step.SourceDefinition{Base: step.Base{Name: "raw"}, ConnectorType: "counted", Params: params})
		if r := f.run(t, src); r.Status != StatusFailed {
			t.Fatalf("case %d: status = %s", i, r.Status)
		}
		if got := closed.Load(); got != int32(i+1) {
			t.Fatalf("case %d: closed %d connectors, want %d", i, got, i+1)
		}
	}
}

func TestLoadWithoutSourceIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	r := f.run(t, incremental(step.Append))
	var cfg *ConfigurationError
	if !errors.As(r.Err, &cfg) {
		t.Fatalf("expected configuration error, got %v", r.Err)
	}
}

func TestIncrementalLoadAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	f.store.Put("events", []utils.Record{{"id": 1, "ts": 5}, {"id": 2, "ts": 3}, {"id": 3, "ts": 9}, {"id": 4, "ts": 7}})
	f.mustRun(t, source(map[string]any{"dataset": "events"}))

	r := f.mustRun(t, incremental(step.Append))
	if r.RowsAffected != 4 {
		t.Fatalf("rows = %d, want 4", r.RowsAffected)
	}
	key := watermark.Key{Pipeline: "p", Source: "raw", Target: "t1", CursorField: "ts"}
	v, ok, err := f.rc.Watermarks.Get(context.Background(), key)
	if err != nil || !ok || v != int64(9) {
		t.Fatalf("watermark = %v %v %v, want 9", v, ok, err)
	}

	f.store.Append("events", utils.Record{"id": 5, "ts": 8}, utils.Record{"id": 6, "ts": 12})
	r = f.mustRun(t, incremental(step.Append))
	if r.RowsAffected != 1 {
		t.Fatalf("second run loaded %d rows, want 1", r.RowsAffected)
	}
	v, _, _ = f.rc.Watermarks.Get(context.Background(), key)
	if v != int64(12) {
		t.Fatalf("watermark = %v, want 12", v)
	}
}

func TestFailedIncrementalLoadKeepsWatermark(t *testing.T) {
	f := newFixture(t)
	f.store.Put("events", []utils.Record{{"id": 1, "ts": 10}, {"id": 2, "ts": 20}, {"id": 3, "ts": 30}})
	key := watermark.Key{Pipeline: "p", Source: "raw", Target: "t1", CursorField: "ts"}
	if err := f.rc.Watermarks.Update(context.Background(), key, int64(5), "incremental"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.mustRun(t, source(map[string]any{"dataset": "events", "fail_after": 2}))

	r := f.run(t, incremental(step.Append))
	var read *DataReadError
	if !errors.As(r.Err, &read) {
		t.Fatalf("expected DataReadError, got %v", r.Err)
	}
	if !Retryable(r.Err) {
		t.Fatalf("read errors should be retryable")
	}
	v, _, _ := f.rc.Watermarks.Get(context.Background(), key)
	if v != int64(5) {
		t.Fatalf("watermark moved to %v after a failed load", v)
	}
	if got := f.rows(t, "SELECT id FROM t1 ORDER BY id"); len(got) != 2 {
		t.Fatalf("partial chunks should stay, got %d rows", len(got))
	}

	f.mustRun(t, source(map[string]any{"dataset": "events"}))
	r = f.mustRun(t, incremental(step.Append))
	if r.RowsAffected != 3 {
		t.Fatalf("rerun loaded %d rows, want 3", r.RowsAffected)
	}
}

func TestReplaceAndZeroRows(t *testing.T) {
	f := newFixture(t)
	f.store.Put("events", []utils.Record{{"id": 1}, {"id": 2}, {"id": 3}})
	f.mustRun(t, source(map[string]any{"dataset": "events"}))
	l := step.NewLoad(step.Load{Base: step.Base{ID: "L"}, Source: "raw", Target: "t1", Mode: step.Replace, BatchSize: 2})
	f.mustRun(t, l)
	f.mustRun(t, l)
	if got := f.rows(t, "SELECT count(*) AS n FROM t1"); got[0]["n"] != int64(3) {
		t.Fatalf("replace twice left %v rows", got[0]["n"])
	}

	f.store.Put("events", nil)
	f.mustRun(t, l)
	if got := f.rows(t, "SELECT count(*) AS n FROM t1"); got[0]["n"] != int64(0) {
		t.Fatalf("empty replace left %v rows", got[0]["n"])
	}
}

func TestReplaceWithIncrementalRejected(t *testing.T) {
	f := newFixture(t)
	f.mustRun(t, source(map[string]any{"dataset": "events"}))
	var cfg *ConfigurationError
	if r := f.run(t, incremental(step.Replace)); !errors.As(r.Err, &cfg) {
		t.Fatalf("expected configuration error, got %v", r.Err)
	}
}

func TestUpsertLoadWithFilter(t *testing.T) {
	f := newFixture(t)
	f.store.Put("events", []utils.Record{{"id": 1, "v": "a"}, {"id": 2, "v": "b"}, {"id": 1, "v": "c"}, {"id": 3, "v": "skip"}})
	f.mustRun(t, source(map[string]any{"dataset": "events"}))
	l := step.NewLoad(step.Load{Base: step.Base{ID: "L"}, Source: "raw", Target: "t1", Mode: step.Upsert, Keys: []string{"id"}, Filter: `v != "skip"`, BatchSize: 1})
	f.mustRun(t, l)
	got := f.rows(t, "SELECT id, v FROM t1 ORDER BY id")
	want := []utils.Record{{"id": int64(1), "v": "c"}, {"id": int64(2), "v": "b"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
}

func TestLoadChecks(t *testing.T) {
	f := newFixture(t)
	f.store.Put("people", []utils.Record{
		{"id": 1, "email": "ann@example.com", "age": 30},
		{"id": 2, "email": "not-an-email", "age": 40},
		{"id": 3, "email": "cy@example.com", "age": 150},
	})
	f.mustRun(t, source(map[string]any{"dataset": "people"}))

	drop := step.NewLoad(step.Load{Base: step.Base{ID: "L"}, Source: "raw", Target: "people", Checks: []quality.Check{
		{Field: "email", Rule: "email", Action: quality.ActionDrop},
		{Field: "age", Rule: "range", Args: []any{0, 120}, Action: quality.ActionDrop},
	}})
	if r := f.mustRun(t, drop); r.RowsAffected != 1 {
		t.Fatalf("rows = %d, want 1", r.RowsAffected)
	}

	fail := step.NewLoad(step.Load{Base: step.Base{ID: "L2"}, Source: "raw", Target: "people_strict", Checks: []quality.Check{
		{Field: "age", Rule: "max", Args: []any{120}},
	}})
	r := f.run(t, fail)
	var qe *QualityError
	if r.Status != StatusFailed || !errors.As(r.Err, &qe) {
		t.Fatalf("expected a quality error, got %v", r.Err)
	}
	if Retryable(r.Err) {
		t.Fatal("quality errors must not be retried")
	}
	var violation *quality.ViolationError
	if !errors.As(r.Err, &violation) || violation.Field != "age" {
		t.Fatalf("violation = %+v", violation)
	}
}

func TestTransformAndExport(t *testing.T) {
	f := newFixture(t)
	f.store.Put("events", []utils.Record{{"id": 1, "v": 10}, {"id": 2, "v": 20}, {"id": 1, "v": 30}})
	f.mustRun(t, source(map[string]any{"dataset": "events"}))
	f.mustRun(t, step.NewLoad(step.Load{Base: step.Base{ID: "L"}, Source: "raw", Target: "t1", Mode: step.Replace}))

	r := f.mustRun(t, step.NewTransform(step.Transform{Base: step.Base{ID: "T"}, Target: "t2", SQL: "SELECT id, sum(v) AS total FROM t1 GROUP BY id"}))
	if r.RowsAffected != 2 {
		t.Fatalf("materialized %d rows, want 2", r.RowsAffected)
	}
	f.mustRun(t, step.NewTransform(step.Transform{Base: step.Base{ID: "D"}, Target: "t3", Function: "dedupe_id", Input: "t1"}))
	if got := f.rows(t, "SELECT id, v FROM t3 ORDER BY id"); len(got) != 2 || got[0]["v"] != int64(30) {
		t.Fatalf("dedupe result %v", got)
	}

	var cfg *ConfigurationError
	if r := f.run(t, step.NewTransform(step.Transform{Base: step.Base{ID: "X"}, Target: "t4", Function: "nope", Input: "t1"})); !errors.As(r.Err, &cfg) {
		t.Fatalf("unknown function: %v", r.Err)
	}
	var write *DataWriteError
	if r := f.run(t, step.NewTransform(step.Transform{Base: step.Base{ID: "Bad"}, SQL: "UPDATE missing SET a = 1"})); !errors.As(r.Err, &write) || write.Phase != PhaseTransforming {
		t.Fatalf("bad sql: %v", r.Err)
	}

	r = f.mustRun(t, step.NewExport(step.Export{Base: step.Base{ID: "E"}, Table: "t2", ConnectorType: "memory", Object: "out"}))
	if r.RowsAffected != 2 {
		t.Fatalf("exported %d rows", r.RowsAffected)
	}
	out, _ := f.store.Get("out")
	if len(out) != 2 {
		t.Fatalf("destination holds %d rows", len(out))
	}
}

func TestDispatchNilStep(t *testing.T) {
	f := newFixture(t)
	r := Dispatch(context.Background(), nil, f.rc)
	var cfg *ConfigurationError
	if r.Status != StatusFailed || !errors.As(r.Err, &cfg) {
		t.Fatalf("nil step: %v", r.Err)
	}
}

func TestErrorRendering(t *testing.T) {
	err := readError("L", PhaseReading, errors.New("boom"))
	if err.Error() != "step L reading: boom" {
		t.Fatalf("Error() = %q", err.Error())
	}
	timeout := NewTimeoutError("L", 0, err)
	if Retryable(timeout) {
		t.Fatalf("timeouts are not retryable")
	}
	if Retryable(configError("L", errors.New("x"))) {
		t.Fatalf("configuration errors are not retryable")
	}
}
