package executor

import (
	"context"
	"time"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/udf"
	"github.com/oarkflow/sqlflow/pkg/utils/sqlutil"
)

// TransformExecutor runs SQL, or a table function, inside the engine.
type TransformExecutor struct{}

func (TransformExecutor) Execute(ctx context.Context, s step.Step, rc *RunContext) StepResult {
	t, ok := s.(step.Transform)
	if !ok {
		return wrongVariant(s, step.KindTransform)
	}
	started := time.Now().UTC()
	rows, err := transform(ctx, t, rc)
	return finish(s, started, rows, err)
}

func transform(ctx context.Context, t step.Transform, rc *RunContext) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, configError(t.ID, err)
	}
	if t.Function != "" {
		return applyTableFunction(ctx, t, rc)
	}
	var (
		n   int64
		err error
	)
	if step.IsQuery(t.SQL) {
		n, err = rc.Engine.Materialize(ctx, t.Target, t.SQL)
	} else {
		n, err = rc.Engine.ExecTx(ctx, t.SQL)
	}
	if err != nil {
		return 0, writeError(t.ID, PhaseTransforming, err)
	}
	return n, nil
}

// applyTableFunction reads Input completely before writing Target; the engine
// has a single connection.
func applyTableFunction(ctx context.Context, t step.Transform, rc *RunContext) (int64, error) {
	if _, ok := rc.Functions.LookupTable(t.Function); !ok {
		return 0, configError(t.ID, udf.ErrFunctionNotFound)
	}
	input, err := connectors.Collect(rc.Engine.Query(ctx, "SELECT * FROM "+sqlutil.Quote("sqlite", t.Input), 0))
	if err != nil {
		return 0, readError(t.ID, PhaseReading, err)
	}
	out, err := rc.Functions.CallTable(ctx, t.Function, input)
	if err != nil {
		return 0, writeError(t.ID, PhaseTransforming, err)
	}
	if len(out) == 0 {
		exists, err := rc.Engine.TableExists(ctx, t.Target)
		if err == nil && exists {
			err = rc.Engine.Truncate(ctx, t.Target)
		}
		if err != nil {
			return 0, writeError(t.ID, PhaseTransforming, err)
		}
		return 0, nil
	}
	n, err := rc.Engine.WriteChunk(ctx, t.Target, step.Replace, nil, connectors.NewChunk(out))
	if err != nil {
		return 0, writeError(t.ID, PhaseTransforming, err)
	}
	return n, nil
}
