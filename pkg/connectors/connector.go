// Package connectors defines how pipelines talk to external systems. Each
// source definition gets its own Connector handle for the duration of a run.
package connectors

import (
	"context"
	"iter"
	"slices"

	"github.com/oarkflow/sqlflow/pkg/utils"
)

// Chunk is one batch of records. Columns fixes the column order; records
// may omit columns, which then read as NULL.
type Chunk struct {
	Columns []string
	Records []utils.Record
}

// NewChunk builds a chunk whose columns are the sorted union of the record
// keys unless columns are given.
func NewChunk(records []utils.Record, columns ...string) Chunk {
	if len(columns) == 0 {
		columns = utils.Columns(records)
	}
	return Chunk{Columns: columns, Records: records}
}

func (c Chunk) Len() int { return len(c.Records) }

type Connector interface {
	Configure(params map[string]any) error
	TestConnection(ctx context.Context) (bool, string)
	// Read streams every record of object. Sequences are lazy and can be
	// consumed once.
	Read(ctx context.Context, object string, columns []string, batchSize int) iter.Seq2[Chunk, error]
	Close() error
}

// IncrementalReader yields only records whose cursorField value is strictly
// greater than cursorValue. A nil cursorValue reads everything.
type IncrementalReader interface {
	ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, batchSize int) iter.Seq2[Chunk, error]
}

type Writer interface {
	Write(ctx context.Context, object string, chunks iter.Seq2[Chunk, error]) (int64, error)
}

// RequiredParams is implemented by connectors that need certain params
// before Configure can succeed.
type RequiredParams interface {
	RequiredParams() []string
}

const DefaultBatchSize = 1000

// Batch groups records into chunks of size n and stops early when the
// consumer does or ctx ends.
func Batch(ctx context.Context, records iter.Seq2[utils.Record, error], columns []string, n int) iter.Seq2[Chunk, error] {
	if n <= 0 {
		n = DefaultBatchSize
	}
	return func(yield func(Chunk, error) bool) {
		buf := make([]utils.Record, 0, n)
		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			chunk := NewChunk(buf, columns...)
			buf = make([]utils.Record, 0, n)
			return yield(chunk, nil)
		}
		for rec, err := range records {
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}
			if len(columns) > 0 {
				rec = utils.Project(rec, columns)
			}
			buf = append(buf, rec)
			if len(buf) == n && !flush() {
				return
			}
		}
		flush()
	}
}

// FromRecords streams an in-memory slice.
func FromRecords(records []utils.Record) iter.Seq2[utils.Record, error] {
	return func(yield func(utils.Record, error) bool) {
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Collect drains chunks into one slice of records.
func Collect(chunks iter.Seq2[Chunk, error]) ([]utils.Record, error) {
	var out []utils.Record
	for chunk, err := range chunks {
		if err != nil {
			return out, err
		}
		out = append(out, chunk.Records...)
	}
	return out, nil
}

// MissingParams returns the names in required that params lacks or holds
// empty.
func MissingParams(params map[string]any, required []string) []string {
	var missing []string
	for _, name := range required {
		v, ok := params[name]
		if !ok || v == nil || v == "" {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	return missing
}
