package memory

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils"
)

func newConnector(t *testing.T, store *Store, params map[string]any) *Connector {
	t.Helper()
	c := Factory(store)().(*Connector)
	if err := c.Configure(params); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return c
}

func TestIncrementalRead(t *testing.T) {
	store := NewStore()
	store.Put("events", []utils.Record{{"id": 1, "ts": 10}, {"id": 2, "ts": 20}, {"id": 3, "ts": 30}})
	c := newConnector(t, store, map[string]any{"dataset": "events"})

	got, err := connectors.Collect(c.ReadIncremental(context.Background(), "", "ts", int64(10), 1))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff([]utils.Record{{"id": 2, "ts": 20}, {"id": 3, "ts": 30}}, got); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
	all, _ := connectors.Collect(c.Read(context.Background(), "events", nil, 0))
	if len(all) != 3 {
		t.Fatalf("full read returned %d records", len(all))
	}
}

func TestInjectedFailures(t *testing.T) {
	store := NewStore()
	store.Put("d", []utils.Record{{"v": 1}, {"v": 2}, {"v": 3}})

	c := newConnector(t, store, map[string]any{"dataset": "d", "fail_after": 1})
	chunks := 0
	var lastErr error
	for _, err := range c.Read(context.Background(), "", nil, 1) {
		if err != nil {
			lastErr = err
			break
		}
		chunks++
	}
	if chunks != 1 || lastErr == nil {
		t.Fatalf("expected one chunk then an error, got %d chunks and %v", chunks, lastErr)
	}

	c = newConnector(t, store, map[string]any{"dataset": "d", "fail_reads": 1})
	if _, err := connectors.Collect(c.Read(context.Background(), "", nil, 0)); err == nil {
		t.Fatalf("first read should fail")
	}
	if _, err := connectors.Collect(c.Read(context.Background(), "", nil, 0)); err != nil {
		t.Fatalf("second read should succeed: %v", err)
	}
}

func TestWriteAppends(t *testing.T) {
	store := NewStore()
	c := newConnector(t, store, nil)
	chunks := connectors.Batch(context.Background(), connectors.FromRecords([]utils.Record{{"a": 1}, {"a": 2}}), nil, 1)
	n, err := c.Write(context.Background(), "out", chunks)
	if err != nil || n != 2 {
		t.Fatalf("write = %d, %v", n, err)
	}
	got, _ := store.Get("out")
	if len(got) != 2 {
		t.Fatalf("expected 2 stored records, got %v", got)
	}
	if ok, _ := newConnector(t, store, map[string]any{"dataset": "missing"}).TestConnection(context.Background()); ok {
		t.Fatalf("missing dataset should fail the connection test")
	}
}
