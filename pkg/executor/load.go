package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/quality"
	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/transformers"
	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/watermark"
)

// LoadExecutor streams a source into an engine table. Incremental loads read
// past the stored watermark and advance it only once every chunk is written.
type LoadExecutor struct{}

func (LoadExecutor) Execute(ctx context.Context, s step.Step, rc *RunContext) StepResult {
	l, ok := s.(step.Load)
	if !ok {
		return wrongVariant(s, step.KindLoad)
	}
	started := time.Now().UTC()
	rows, err := load(ctx, l, rc)
	return finish(s, started, rows, err)
}

func load(ctx context.Context, l step.Load, rc *RunContext) (int64, error) {
	if err := l.Validate(); err != nil {
		return 0, configError(l.ID, err)
	}
	h, ok := rc.Handle(l.Source)
	if !ok {
		return 0, configErrorf(l.ID, "source %q is not defined", l.Source)
	}
	var filter *transformers.Filter
	if l.Filter != "" {
		f, err := transformers.NewFilter(l.Filter)
		if err != nil {
			return 0, configError(l.ID, err)
		}
		filter = f
	}
	validator, err := quality.NewValidator(l.Checks)
	if err != nil {
		return 0, configError(l.ID, err)
	}
	object := l.Object
	if object == "" {
		object = h.Object
	}
	batchSize := l.BatchSize
	if batchSize <= 0 {
		batchSize = connectors.DefaultBatchSize
	}

	var (
		chunks  = h.Connector.Read(ctx, object, l.Columns, batchSize)
		tracker *watermark.Tracker
		key     watermark.Key
	)
	if l.IsIncremental() {
		reader, ok := h.Connector.(connectors.IncrementalReader)
		if !ok {
			return 0, configErrorf(l.ID, "connector %s of source %q cannot read incrementally", h.ConnectorType, l.Source)
		}
		key = watermark.Key{Pipeline: rc.Pipeline, Source: l.Source, Target: l.Target, CursorField: l.Sync.CursorField}
		cursor, _, err := rc.Watermarks.Get(ctx, key)
		if err != nil {
			return 0, readError(l.ID, PhaseReading, fmt.Errorf("reading watermark: %w", err))
		}
		rc.logger().Info().Str("step", l.ID).Str("cursor_field", key.CursorField).Any("from", cursor).Msg("incremental read")
		chunks = reader.ReadIncremental(ctx, object, l.Sync.CursorField, cursor, batchSize)
		tracker = watermark.NewTracker(l.Sync.CursorField)
	}

	var rows int64
	dropped := 0
	replaced := false
	for chunk, err := range chunks {
		if err != nil {
			return rows, readError(l.ID, PhaseReading, err)
		}
		if err := ctx.Err(); err != nil {
			return rows, readError(l.ID, PhaseReading, err)
		}
		records := chunk.Records
		if tracker != nil {
			for _, rec := range records {
				tracker.Observe(rec)
			}
			if len(l.Columns) > 0 {
				projected := make([]utils.Record, len(records))
				for i, rec := range records {
					projected[i] = utils.Project(rec, l.Columns)
				}
				records = projected
			}
		}
		if filter != nil {
			kept, err := filter.Apply(records)
			if err != nil {
				return rows, readError(l.ID, PhaseReading, err)
			}
			records = kept
		}
		if len(l.Checks) > 0 {
			kept, n, err := validator.Apply(records)
			if err != nil {
				return rows, qualityError(l.ID, err)
			}
			records = kept
			dropped += n
		}
		if len(records) == 0 {
			continue
		}
		columns := chunk.Columns
		if len(l.Columns) > 0 {
			columns = l.Columns
		}
		mode := l.Mode
		if mode == step.Replace && replaced {
			mode = step.Append
		}
		n, err := rc.Engine.WriteChunk(ctx, l.Target, mode, l.Keys, connectors.NewChunk(records, columns...))
		if err != nil {
			return rows, writeError(l.ID, PhaseWriting, err)
		}
		replaced = true
		rows += n
	}

	if l.Mode == step.Replace && !replaced {
		exists, err := rc.Engine.TableExists(ctx, l.Target)
		if err != nil {
			return rows, writeError(l.ID, PhaseWriting, err)
		}
		if exists {
			if err := rc.Engine.Truncate(ctx, l.Target); err != nil {
				return rows, writeError(l.ID, PhaseWriting, err)
			}
		}
	}

	if tracker != nil {
		if highest, ok := tracker.Max(); ok {
			advanced, err := rc.Watermarks.Advance(ctx, key, highest, string(l.Sync.Mode))
			if err != nil {
				return rows, writeError(l.ID, PhaseWriting, fmt.Errorf("advancing watermark: %w", err))
			}
			rc.logger().Info().Str("step", l.ID).Any("watermark", highest).Any("advanced", advanced).Msg("incremental load done")
		}
	}
	if dropped > 0 {
		rc.logger().Warn().Str("step", l.ID).Int("dropped", dropped).Msg("rows dropped by checks")
	}
	rc.logger().Info().Str("step", l.ID).Str("target", l.Target).Int("rows", int(rows)).Msg("load complete")
	return rows, nil
}
