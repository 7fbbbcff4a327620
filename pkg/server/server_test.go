package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/oarkflow/json"

	"github.com/oarkflow/sqlflow/pkg/connectors/memory"
	"github.com/oarkflow/sqlflow/pkg/runner"
	"github.com/oarkflow/sqlflow/pkg/utils"
)

const ordersPipeline = `
name: orders
settings:
  engine: ${engine}
steps:
  - id: orders_src
    connector: memory
    params:
      dataset: orders
  - id: load_orders
    source: orders_src
    target: orders
    sync:
      mode: incremental
      cursor_field: id
`

func newServer(t *testing.T) *Server {
	t.Helper()
	data := memory.NewStore()
	data.Put("orders", []utils.Record{{"id": 1, "amount": 10}, {"id": 2, "amount": 20}})
	r, err := runner.New(runner.Config{State: "memory://", Engine: ":memory:", Datasets: data})
	if err != nil {
		t.Fatalf("runner.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return NewServer(r, Config{Version: "test"})
}

func do(t *testing.T, s *Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func runRequest(t *testing.T) RunRequest {
	return RunRequest{
		Config: ordersPipeline,
		Format: "yaml",
		Vars:   map[string]string{"engine": filepath.Join(t.TempDir(), "engine.db")},
	}
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	code, body := do(t, s, http.MethodGet, "/api/health", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "healthy" || got["version"] != "test" {
		t.Fatalf("health = %v", got)
	}
}

func TestRunThenInspectWatermarksAndHistory(t *testing.T) {
	s := newServer(t)
	code, body := do(t, s, http.MethodPost, "/api/runs", runRequest(t))
	if code != http.StatusOK {
		t.Fatalf("run status = %d: %s", code, body)
	}
	var run struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
		Steps  []any  `json:"steps"`
	}
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != "succeeded" || len(run.Steps) != 2 || run.RunID == "" {
		t.Fatalf("run = %+v", run)
	}

	code, body = do(t, s, http.MethodGet, "/api/pipelines/orders/watermarks", nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d: %s", code, body)
	}
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0]["source_name"] != "orders_src" {
		t.Fatalf("watermarks = %v", list)
	}

	path := "/api/pipelines/orders/watermarks/orders_src/orders/id"
	code, body = do(t, s, http.MethodGet, path, nil)
	if code != http.StatusOK {
		t.Fatalf("show status = %d: %s", code, body)
	}
	var wm map[string]any
	if err := json.Unmarshal(body, &wm); err != nil {
		t.Fatalf("decode watermark: %v", err)
	}
	if v, ok := wm["cursor_value"].(float64); !ok || v != 2 {
		t.Fatalf("cursor_value = %v", wm["cursor_value"])
	}

	if code, body = do(t, s, http.MethodDelete, path, nil); code != http.StatusOK {
		t.Fatalf("reset status = %d: %s", code, body)
	}
	_, body = do(t, s, http.MethodGet, path, nil)
	wm = nil
	if err := json.Unmarshal(body, &wm); err != nil {
		t.Fatalf("decode watermark: %v", err)
	}
	if wm["cursor_value"] != nil {
		t.Fatalf("cursor after reset = %v", wm["cursor_value"])
	}

	code, body = do(t, s, http.MethodGet, "/api/runs/"+run.RunID+"/history", nil)
	if code != http.StatusOK {
		t.Fatalf("history status = %d: %s", code, body)
	}
	var history []map[string]any
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %v", history)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown watermark", http.MethodGet, "/api/pipelines/p/watermarks/s/t/c", nil, http.StatusNotFound},
		{"reset unknown watermark", http.MethodDelete, "/api/pipelines/p/watermarks/s/t/c", nil, http.StatusNotFound},
		{"unknown run", http.MethodGet, "/api/runs/nope/history", nil, http.StatusNotFound},
		{"empty run request", http.MethodPost, "/api/runs", RunRequest{}, http.StatusBadRequest},
		{"missing variable", http.MethodPost, "/api/runs", RunRequest{Config: ordersPipeline, Format: "yaml"}, http.StatusBadRequest},
		{"missing dependency", http.MethodPost, "/api/plans", RunRequest{
			Config: "name: broken\nsteps:\n  - id: t\n    sql: SELECT * FROM nowhere\n    target: out\n",
			Format: "yaml",
		}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, s, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Fatalf("status = %d, want %d: %s", code, tt.want, body)
			}
			var got map[string]any
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, ok := got["error"].(string); !ok {
				t.Fatalf("body has no error message: %s", body)
			}
		})
	}
}
