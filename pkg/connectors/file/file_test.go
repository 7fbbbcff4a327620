package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils"
)

func configure(t *testing.T, params map[string]any) *Connector {
	t.Helper()
	c := New().(*Connector)
	if err := c.Configure(params); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return c
}

func TestIncrementalCSVRead(t *testing.T) {
	dir := t.TempDir()
	data := "id,ts,name\n1,2024-01-01,a\n2,2024-01-02,b\n3,2024-01-03,c\n"
	if err := os.WriteFile(filepath.Join(dir, "orders.csv"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c := configure(t, map[string]any{"path": dir, "format": "csv"})
	if ok, msg := c.TestConnection(context.Background()); !ok {
		t.Fatalf("connection test failed: %s", msg)
	}
	got, err := connectors.Collect(c.ReadIncremental(context.Background(), "orders", "ts", "2024-01-01", 2))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []utils.Record{
		{"id": int64(2), "ts": "2024-01-02", "name": "b"},
		{"id": int64(3), "ts": "2024-01-03", "name": "c"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
	all, err := connectors.Collect(c.ReadIncremental(context.Background(), "orders", "ts", nil, 2))
	if err != nil || len(all) != 3 {
		t.Fatalf("nil cursor read = %d records, %v", len(all), err)
	}
}

func TestWriteThenReadSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "export.ndjson")
	c := configure(t, map[string]any{"path": path})
	records := []utils.Record{{"id": int64(1)}, {"id": int64(2)}}
	n, err := c.Write(context.Background(), "ignored", connectors.Batch(context.Background(), connectors.FromRecords(records), nil, 1))
	if err != nil || n != 2 {
		t.Fatalf("write = %d, %v", n, err)
	}
	got, err := connectors.Collect(c.Read(context.Background(), "", nil, 10))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
}

func TestMissingFileIsReadError(t *testing.T) {
	c := configure(t, map[string]any{"path": t.TempDir(), "format": "json"})
	if _, err := connectors.Collect(c.Read(context.Background(), "absent", nil, 10)); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if err := New().Configure(map[string]any{}); err == nil {
		t.Fatalf("expected error without path")
	}
}
