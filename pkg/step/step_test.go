package step

import (
	"testing"
)

func TestNewLoadDerivesTables(t *testing.T) {
	l := NewLoad(Load{Base: Base{ID: "L"}, Source: "raw", Target: "t1"})
	if l.Produces != "t1" {
		t.Fatalf("expected produces t1, got %q", l.Produces)
	}
	if len(l.Consumes) != 1 || l.Consumes[0] != "raw" {
		t.Fatalf("expected consumes [raw], got %v", l.Consumes)
	}
	if l.Mode != Append || l.Sync.Mode != FullRefresh {
		t.Fatalf("unexpected defaults: mode=%s sync=%s", l.Mode, l.Sync.Mode)
	}
	if l.Name != "L" {
		t.Fatalf("expected name to default to id, got %q", l.Name)
	}
}

func TestNewSourceCopiesParams(t *testing.T) {
	params := map[string]any{"path": "/tmp"}
	s := NewSource(SourceDefinition{Base: Base{Name: "S"}, ConnectorType: "file", Params: params})
	params["path"] = "/changed"
	if s.Params["path"] != "/tmp" {
		t.Fatalf("source params alias caller map")
	}
	if s.ID != "S" || s.Produces != "S" {
		t.Fatalf("unexpected identity: id=%q produces=%q", s.ID, s.Produces)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		step    Step
		wantErr bool
	}{
		{"valid load", NewLoad(Load{Source: "s", Target: "t"}), false},
		{"upsert without keys", NewLoad(Load{Source: "s", Target: "t", Mode: Upsert}), true},
		{"incremental without cursor", NewLoad(Load{Source: "s", Target: "t", Base: Base{Sync: SyncParams{Mode: Incremental}}}), true},
		{"replace incremental", NewLoad(Load{Source: "s", Target: "t", Mode: Replace, Base: Base{Sync: SyncParams{Mode: Incremental, CursorField: "ts"}}}), true},
		{"transform without body", NewTransform(Transform{Target: "t"}), true},
		{"transform query without target", NewTransform(Transform{Base: Base{ID: "x"}, SQL: "SELECT 1"}), true},
		{"transform statement without target", NewTransform(Transform{Base: Base{ID: "x"}, SQL: "DELETE FROM t"}), false},
		{"function transform", NewTransform(Transform{Function: "explode", Input: "a", Target: "b"}), false},
		{"export without connector", NewExport(Export{Table: "t"}), true},
		{"source without type", NewSource(SourceDefinition{Base: Base{Name: "s"}}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.step.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseModes(t *testing.T) {
	if m, err := ParseLoadMode("upsert"); err != nil || m != Upsert {
		t.Fatalf("ParseLoadMode(upsert) = %v, %v", m, err)
	}
	if _, err := ParseLoadMode("merge"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if m, err := ParseSyncMode("incremental"); err != nil || m != Incremental {
		t.Fatalf("ParseSyncMode(incremental) = %v, %v", m, err)
	}
}

func TestIsQuery(t *testing.T) {
	for sql, want := range map[string]bool{
		"SELECT * FROM t":                 true,
		"  with x as (select 1) select *": true,
		"(SELECT 1)":                      true,
		"INSERT INTO t SELECT * FROM s":   false,
		"CREATE INDEX i ON t(a)":          false,
		"":                                false,
	} {
		if got := IsQuery(sql); got != want {
			t.Errorf("IsQuery(%q) = %v, want %v", sql, got, want)
		}
	}
}

func TestRequiredParams(t *testing.T) {
	s := NewSource(SourceDefinition{Base: Base{Name: "s"}, ConnectorType: "file", Params: map[string]any{"required": "path, format"}})
	got := s.RequiredParams()
	if len(got) != 2 || got[0] != "path" || got[1] != "format" {
		t.Fatalf("unexpected required params: %v", got)
	}
}
