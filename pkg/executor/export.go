package executor

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/utils/sqlutil"
)

// ExportExecutor streams an engine table or query into a destination
// connector.
type ExportExecutor struct{}

func (ExportExecutor) Execute(ctx context.Context, s step.Step, rc *RunContext) StepResult {
	e, ok := s.(step.Export)
	if !ok {
		return wrongVariant(s, step.KindExport)
	}
	started := time.Now().UTC()
	rows, err := export(ctx, e, rc)
	return finish(s, started, rows, err)
}

func export(ctx context.Context, e step.Export, rc *RunContext) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, configError(e.ID, err)
	}
	conn, err := rc.Connectors.New(e.ConnectorType)
	if err != nil {
		return 0, configError(e.ID, err)
	}
	if rp, ok := conn.(connectors.RequiredParams); ok {
		if missing := connectors.MissingParams(e.Params, rp.RequiredParams()); len(missing) > 0 {
			return 0, configErrorf(e.ID, "missing required params: %s", strings.Join(missing, ", "))
		}
	}
	if err := conn.Configure(e.Params); err != nil {
		return 0, configError(e.ID, err)
	}
	defer conn.Close()
	w, ok := conn.(connectors.Writer)
	if !ok {
		return 0, configErrorf(e.ID, "connector %s cannot write", e.ConnectorType)
	}

	query := e.Query
	if query == "" {
		query = "SELECT * FROM " + sqlutil.Quote("sqlite", e.Table)
	}
	object := e.Object
	if object == "" {
		object = e.Table
	}
	var readErr error
	chunks := func(yield func(connectors.Chunk, error) bool) {
		for chunk, err := range rc.Engine.Query(ctx, query, e.BatchSize) {
			if err != nil {
				readErr = err
				yield(connectors.Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
	n, err := w.Write(ctx, object, iter.Seq2[connectors.Chunk, error](chunks))
	if readErr != nil {
		return n, readError(e.ID, PhaseReading, readErr)
	}
	if err != nil {
		return n, writeError(e.ID, PhaseExporting, fmt.Errorf("writing %s: %w", object, err))
	}
	rc.logger().Info().Str("step", e.ID).Str("connector", e.ConnectorType).Int("rows", int(n)).Msg("export complete")
	return n, nil
}
