// Package config loads pipeline definitions from JSON, YAML or BCL files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/oarkflow/bcl"
	"github.com/oarkflow/errors"
	"github.com/oarkflow/json"
	"gopkg.in/yaml.v3"

	"github.com/oarkflow/sqlflow/pkg/quality"
	"github.com/oarkflow/sqlflow/pkg/transformers"
	"github.com/oarkflow/sqlflow/pkg/webhook"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatBCL  Format = "bcl"
)

// Pipeline is a pipeline file. Steps keep declaration order; Step holds BCL
// named blocks ("step load_users { ... }"), which are appended ordered by
// name.
type Pipeline struct {
	Name      string                `json:"name" yaml:"name"`
	Settings  Settings              `json:"settings" yaml:"settings"`
	Steps     []StepConfig          `json:"steps" yaml:"steps"`
	Step      map[string]StepConfig `json:"step" yaml:"step"`
	Functions []FunctionConfig      `json:"functions" yaml:"functions"`
}

type Settings struct {
	State          string            `json:"state" yaml:"state"`
	Engine         string            `json:"engine" yaml:"engine"`
	Workers        int               `json:"workers" yaml:"workers"`
	StepTimeout    string            `json:"step_timeout" yaml:"step_timeout"`
	StepTimeouts   map[string]string `json:"step_timeouts" yaml:"step_timeouts"`
	FailFast       *bool             `json:"fail_fast" yaml:"fail_fast"`
	Retry          RetryConfig       `json:"retry" yaml:"retry"`
	ExternalTables []string          `json:"external_tables" yaml:"external_tables"`
	Schedule       string            `json:"schedule" yaml:"schedule"`
	Notify         []webhook.Config  `json:"notify" yaml:"notify"`
}

type RetryConfig struct {
	Attempts int    `json:"attempts" yaml:"attempts"`
	Delay    string `json:"delay" yaml:"delay"`
	MaxDelay string `json:"max_delay" yaml:"max_delay"`
	// BreakerThreshold opens a per-source circuit after that many
	// consecutive failures; 0 disables it.
	BreakerThreshold int    `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  string `json:"breaker_cooldown" yaml:"breaker_cooldown"`
}

type SyncConfig struct {
	Mode        string `json:"mode" yaml:"mode"`
	CursorField string `json:"cursor_field" yaml:"cursor_field"`
}

// StepConfig is the union of every step kind's fields. Kind may be omitted
// when the fields make it obvious.
type StepConfig struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Kind     string     `json:"kind" yaml:"kind"`
	Produces string     `json:"produces" yaml:"produces"`
	Consumes []string   `json:"consumes" yaml:"consumes"`
	Sync     SyncConfig `json:"sync" yaml:"sync"`

	Connector string         `json:"connector" yaml:"connector"`
	Params    map[string]any `json:"params" yaml:"params"`

	Source    string          `json:"source" yaml:"source"`
	Target    string          `json:"target" yaml:"target"`
	Object    string          `json:"object" yaml:"object"`
	Columns   []string        `json:"columns" yaml:"columns"`
	BatchSize int             `json:"batch_size" yaml:"batch_size"`
	Mode      string          `json:"mode" yaml:"mode"`
	Keys      []string        `json:"keys" yaml:"keys"`
	Filter    string          `json:"filter" yaml:"filter"`
	Checks    []quality.Check `json:"checks" yaml:"checks"`

	SQL      string `json:"sql" yaml:"sql"`
	Function string `json:"function" yaml:"function"`
	Input    string `json:"input" yaml:"input"`

	Table string `json:"table" yaml:"table"`
	Query string `json:"query" yaml:"query"`
}

// FunctionConfig declares a table function built from transformers.
type FunctionConfig struct {
	Name         string                     `json:"name" yaml:"name"`
	Type         string                     `json:"type" yaml:"type"`
	GroupBy      []string                   `json:"group_by" yaml:"group_by"`
	Aggregations []transformers.Aggregation `json:"aggregations" yaml:"aggregations"`
	Keys         []string                   `json:"keys" yaml:"keys"`
}

// Load reads path, substitutes variables and decodes it by extension, or by
// content when the extension is unknown.
func Load(path string, vars map[string]string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data, FormatOf(path), vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// FormatOf maps a file extension to a format; "" means detect.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".bcl":
		return FormatBCL
	}
	return ""
}

// Parse decodes data in format after substituting variables.
func Parse(data []byte, format Format, vars map[string]string) (*Pipeline, error) {
	text, err := Substitute(string(data), vars)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	switch format {
	case FormatJSON:
		err = json.Unmarshal([]byte(text), &p)
	case FormatYAML:
		err = yaml.Unmarshal([]byte(text), &p)
	case FormatBCL:
		_, err = bcl.Unmarshal([]byte(text), &p)
	case "":
		p, err = detect(text)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return &p, p.Validate()
}

// detect tries JSON, then YAML, then BCL.
func detect(text string) (Pipeline, error) {
	trimmed := strings.TrimSpace(text)
	var p Pipeline
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &p) == nil {
		return p, nil
	}
	p = Pipeline{}
	if yaml.Unmarshal([]byte(trimmed), &p) == nil && (len(p.Steps) > 0 || p.Name != "") {
		return p, nil
	}
	p = Pipeline{}
	if _, err := bcl.Unmarshal([]byte(trimmed), &p); err == nil {
		return p, nil
	}
	return Pipeline{}, errors.New("unable to detect config format, please provide valid JSON, YAML, or BCL")
}

// AllSteps returns Steps followed by the named Step blocks.
func (p *Pipeline) AllSteps() []StepConfig {
	out := slices.Clone(p.Steps)
	names := make([]string, 0, len(p.Step))
	for name := range p.Step {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		sc := p.Step[name]
		if sc.ID == "" && sc.Name == "" {
			sc.ID = name
		}
		out = append(out, sc)
	}
	return out
}

func (p *Pipeline) Validate() error {
	if len(p.AllSteps()) == 0 {
		return errors.New("pipeline defines no steps")
	}
	if _, err := p.Settings.stepTimeout(); err != nil {
		return err
	}
	for id, d := range p.Settings.StepTimeouts {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("step_timeouts.%s: %w", id, err)
		}
	}
	for _, f := range p.Functions {
		if f.Name == "" {
			return errors.New("function without a name")
		}
	}
	for _, n := range p.Settings.Notify {
		if err := n.Validate(); err != nil {
			return err
		}
	}
	return nil
}
