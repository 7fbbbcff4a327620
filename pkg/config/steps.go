package config

import (
	"fmt"

	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/transformers"
	"github.com/oarkflow/sqlflow/pkg/udf"
)

// BuildSteps converts the step configs, in declaration order, into steps.
func (p *Pipeline) BuildSteps() ([]step.Step, error) {
	configs := p.AllSteps()
	out := make([]step.Step, 0, len(configs))
	for i, sc := range configs {
		s, err := sc.Build()
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, sc.label(), err)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (sc StepConfig) label() string {
	if sc.ID != "" {
		return sc.ID
	}
	return sc.Name
}

// inferKind picks a kind from the populated fields.
func (sc StepConfig) inferKind() step.Kind {
	switch {
	case sc.Kind != "":
		return step.Kind(sc.Kind)
	case sc.Source != "":
		return step.KindLoad
	case sc.SQL != "" || sc.Function != "":
		return step.KindTransform
	case sc.Connector != "" && (sc.Table != "" || sc.Query != ""):
		return step.KindExport
	case sc.Connector != "":
		return step.KindSource
	}
	return ""
}

func (sc StepConfig) Build() (step.Step, error) {
	syncMode, err := step.ParseSyncMode(sc.Sync.Mode)
	if err != nil {
		return nil, err
	}
	base := step.Base{
		ID:       sc.ID,
		Name:     sc.Name,
		Produces: sc.Produces,
		Consumes: sc.Consumes,
		Sync:     step.SyncParams{Mode: syncMode, CursorField: sc.Sync.CursorField},
	}
	switch kind := sc.inferKind(); kind {
	case step.KindSource:
		return step.NewSource(step.SourceDefinition{Base: base, ConnectorType: sc.Connector, Params: sc.Params}), nil
	case step.KindLoad:
		mode, err := step.ParseLoadMode(sc.Mode)
		if err != nil {
			return nil, err
		}
		return step.NewLoad(step.Load{
			Base:      base,
			Source:    sc.Source,
			Target:    sc.Target,
			Object:    sc.Object,
			Columns:   sc.Columns,
			BatchSize: sc.BatchSize,
			Mode:      mode,
			Keys:      sc.Keys,
			Filter:    sc.Filter,
			Checks:    sc.Checks,
		}), nil
	case step.KindTransform:
		return step.NewTransform(step.Transform{Base: base, Target: sc.Target, SQL: sc.SQL, Function: sc.Function, Input: sc.Input}), nil
	case step.KindExport:
		return step.NewExport(step.Export{
			Base:          base,
			Table:         sc.Table,
			Query:         sc.Query,
			ConnectorType: sc.Connector,
			Params:        sc.Params,
			Object:        sc.Object,
			BatchSize:     sc.BatchSize,
		}), nil
	case "":
		return nil, fmt.Errorf("cannot tell the step kind; set kind to source, load, transform or export")
	default:
		return nil, fmt.Errorf("unknown step kind %q", kind)
	}
}

// RegisterFunctions adds the declared table functions to r.
func (p *Pipeline) RegisterFunctions(r *udf.Registry) error {
	for _, f := range p.Functions {
		var (
			fn  udf.TableFunc
			err error
		)
		switch f.Type {
		case "aggregate":
			fn, err = transformers.Aggregate(f.GroupBy, f.Aggregations)
		case "dedupe":
			fn, err = transformers.Dedupe(f.Keys)
		default:
			err = fmt.Errorf("unknown function type %q", f.Type)
		}
		if err != nil {
			return fmt.Errorf("function %s: %w", f.Name, err)
		}
		if err := r.RegisterTable(f.Name, fn); err != nil {
			return err
		}
	}
	return nil
}
