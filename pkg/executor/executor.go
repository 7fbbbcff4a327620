// Package executor runs single pipeline steps against the engine and the
// configured connectors.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/sqlflow/pkg/step"
)

// Executor runs one kind of step. Failures are reported in the result, never
// returned or panicked.
type Executor interface {
	Execute(ctx context.Context, s step.Step, rc *RunContext) StepResult
}

// Dispatch runs s with the executor of its variant.
func Dispatch(ctx context.Context, s step.Step, rc *RunContext) StepResult {
	switch s.(type) {
	case step.SourceDefinition:
		return SourceDefinitionExecutor{}.Execute(ctx, s, rc)
	case step.Load:
		return LoadExecutor{}.Execute(ctx, s, rc)
	case step.Transform:
		return TransformExecutor{}.Execute(ctx, s, rc)
	case step.Export:
		return ExportExecutor{}.Execute(ctx, s, rc)
	}
	id := "<nil>"
	if s != nil {
		id = s.Common().ID
	}
	now := time.Now().UTC()
	return StepResult{
		StepID:    id,
		Status:    StatusFailed,
		Err:       configErrorf(id, "unsupported step type %T", s),
		Attempts:  1,
		StartedAt: now,
		EndedAt:   now,
	}
}

func wrongVariant(s step.Step, want step.Kind) StepResult {
	return finish(s, time.Now().UTC(), 0, configError(s.Common().ID, fmt.Errorf("%s executor cannot run a %s step", want, s.Kind())))
}
