// Package step defines the operations a pipeline is made of.
//
// A Step is one of four variants: SourceDefinition, Load, Transform or Export.
// Steps are values; once a plan is built nothing mutates them.
package step

import (
	"fmt"
	"slices"
	"strings"

	"github.com/oarkflow/sqlflow/pkg/quality"
)

type Kind string

const (
	KindSource    Kind = "source"
	KindLoad      Kind = "load"
	KindTransform Kind = "transform"
	KindExport    Kind = "export"
)

// Step is implemented only by the variants in this package.
type Step interface {
	Common() Base
	Kind() Kind
	Validate() error
	isStep()
}

// SyncParams controls incremental reads of a load.
type SyncParams struct {
	Mode        SyncMode `json:"mode" yaml:"mode"`
	CursorField string   `json:"cursor_field" yaml:"cursor_field"`
}

// Base holds the attributes shared by every step.
type Base struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Produces string     `json:"produces,omitempty"`
	Consumes []string   `json:"consumes,omitempty"`
	Sync     SyncParams `json:"sync"`
}

func (b Base) Common() Base { return b }

func (b Base) isStep() {}

func (b Base) IsIncremental() bool { return b.Sync.Mode == Incremental }

func (b Base) String() string { return b.ID }

// SourceDefinition registers a connector under a source name.
type SourceDefinition struct {
	Base
	ConnectorType string
	Params        map[string]any
}

func (SourceDefinition) Kind() Kind { return KindSource }

// Object returns the default object a load reads from this source.
func (s SourceDefinition) Object() string {
	if o, ok := s.Params["object"].(string); ok && o != "" {
		return o
	}
	return s.Name
}

// RequiredParams lists the params named by the "required" entry.
func (s SourceDefinition) RequiredParams() []string {
	switch v := s.Params["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return splitList(v)
	}
	return nil
}

func (s SourceDefinition) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source %q: name is required", s.ID)
	}
	if s.ConnectorType == "" {
		return fmt.Errorf("source %q: connector type is required", s.Name)
	}
	return nil
}

// Load moves data from a source into an engine table.
type Load struct {
	Base
	Source    string
	Target    string
	Object    string
	Columns   []string
	BatchSize int
	Mode      LoadMode
	Keys      []string
	Filter    string
	Checks    []quality.Check
}

func (Load) Kind() Kind { return KindLoad }

func (l Load) Validate() error {
	if l.Source == "" || l.Target == "" {
		return fmt.Errorf("load %q: source and target are required", l.ID)
	}
	if !l.Mode.Valid() {
		return fmt.Errorf("load %q: unknown mode %q", l.ID, l.Mode)
	}
	if l.Mode == Upsert && len(l.Keys) == 0 {
		return fmt.Errorf("load %q: UPSERT requires key columns", l.ID)
	}
	if l.IsIncremental() {
		if l.Sync.CursorField == "" {
			return fmt.Errorf("load %q: incremental sync requires a cursor field", l.ID)
		}
		if l.Mode == Replace {
			return fmt.Errorf("load %q: REPLACE cannot be combined with incremental sync", l.ID)
		}
	}
	if _, err := quality.NewValidator(l.Checks); err != nil {
		return fmt.Errorf("load %q: %w", l.ID, err)
	}
	return nil
}

// Transform materializes SQL, or a table function applied to Input, into Target.
type Transform struct {
	Base
	Target   string
	SQL      string
	Function string
	Input    string
}

func (Transform) Kind() Kind { return KindTransform }

func (t Transform) Validate() error {
	switch {
	case t.SQL == "" && t.Function == "":
		return fmt.Errorf("transform %q: sql or function is required", t.ID)
	case t.SQL != "" && t.Function != "":
		return fmt.Errorf("transform %q: sql and function are mutually exclusive", t.ID)
	case t.Function != "" && (t.Input == "" || t.Target == ""):
		return fmt.Errorf("transform %q: function transforms need input and target", t.ID)
	case t.SQL != "" && t.Target == "" && IsQuery(t.SQL):
		return fmt.Errorf("transform %q: a query needs a target table", t.ID)
	}
	return nil
}

// Export streams a table, or the result of Query, to a destination connector.
type Export struct {
	Base
	Table         string
	Query         string
	ConnectorType string
	Params        map[string]any
	Object        string
	BatchSize     int
}

func (Export) Kind() Kind { return KindExport }

func (e Export) Validate() error {
	if e.Table == "" && e.Query == "" {
		return fmt.Errorf("export %q: table or query is required", e.ID)
	}
	if e.ConnectorType == "" {
		return fmt.Errorf("export %q: destination connector type is required", e.ID)
	}
	return nil
}

// NewSource fills identity and produced table for a source definition.
func NewSource(s SourceDefinition) SourceDefinition {
	s.Base = identity(s.Base)
	if s.Produces == "" {
		s.Produces = s.Name
	}
	s.Params = cloneParams(s.Params)
	s.Consumes = slices.Clone(s.Consumes)
	return s
}

// NewLoad fills identity, produced and consumed tables for a load.
func NewLoad(l Load) Load {
	if l.ID == "" && l.Name == "" {
		l.ID = "load_" + l.Target
	}
	l.Base = identity(l.Base)
	if l.Mode == "" {
		l.Mode = Append
	}
	if l.Sync.Mode == "" {
		l.Sync.Mode = FullRefresh
	}
	if l.Produces == "" {
		l.Produces = l.Target
	}
	l.Consumes = appendUnique(slices.Clone(l.Consumes), l.Source)
	l.Columns = slices.Clone(l.Columns)
	l.Keys = slices.Clone(l.Keys)
	l.Checks = slices.Clone(l.Checks)
	return l
}

// NewTransform fills identity and produced table for a transform. Tables the
// SQL references are inferred during planning.
func NewTransform(t Transform) Transform {
	if t.ID == "" && t.Name == "" {
		t.ID = "transform_" + t.Target
	}
	t.Base = identity(t.Base)
	if t.Produces == "" {
		t.Produces = t.Target
	}
	t.Consumes = appendUnique(slices.Clone(t.Consumes), t.Input)
	return t
}

// NewExport fills identity and consumed table for an export.
func NewExport(e Export) Export {
	if e.ID == "" && e.Name == "" {
		e.ID = "export_" + e.Table
	}
	e.Base = identity(e.Base)
	e.Consumes = appendUnique(slices.Clone(e.Consumes), e.Table)
	e.Params = cloneParams(e.Params)
	return e
}

// IsQuery reports whether sql starts with SELECT, WITH or VALUES.
func IsQuery(sql string) bool {
	fields := strings.Fields(strings.TrimLeft(sql, "( \t\r\n"))
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "VALUES":
		return true
	}
	return false
}

func identity(b Base) Base {
	if b.ID == "" {
		b.ID = b.Name
	}
	if b.Name == "" {
		b.Name = b.ID
	}
	return b
}

func appendUnique(list []string, name string) []string {
	if name == "" || slices.Contains(list, name) {
		return list
	}
	return append(list, name)
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
