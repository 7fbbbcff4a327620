// Package file reads and writes CSV, JSON and NDJSON files.
package file

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/oarkflow/errors"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils/fileutil"
)

// Connector params: path (a directory or a single file), format
// (csv, json, ndjson; defaults to the file extension or csv) and append.
type Connector struct {
	path       string
	format     string
	appendMode bool
	isDir      bool
}

func New() connectors.Connector { return &Connector{} }

func (c *Connector) RequiredParams() []string { return []string{"path"} }

func (c *Connector) Configure(params map[string]any) error {
	c.path = connectors.String(params, "path", "")
	if c.path == "" {
		return errors.New("file connector: path is required")
	}
	c.format = connectors.String(params, "format", fileutil.FormatOf(c.path))
	if c.format == "" {
		c.format = fileutil.FormatCSV
	}
	switch c.format {
	case fileutil.FormatCSV, fileutil.FormatJSON, fileutil.FormatNDJSON:
	default:
		return fmt.Errorf("file connector: unsupported format %q", c.format)
	}
	c.appendMode = connectors.Bool(params, "append")
	c.isDir = fileutil.FormatOf(c.path) == ""
	return nil
}

func (c *Connector) TestConnection(context.Context) (bool, string) {
	info, err := os.Stat(c.path)
	if err != nil {
		return false, err.Error()
	}
	if c.isDir && !info.IsDir() {
		return false, fmt.Sprintf("%s is not a directory", c.path)
	}
	return true, "ok"
}

// Resolve returns the file backing object.
func (c *Connector) Resolve(object string) string {
	if !c.isDir || object == "" {
		return c.path
	}
	return filepath.Join(c.path, object+"."+c.format)
}

func (c *Connector) Read(ctx context.Context, object string, columns []string, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return connectors.Batch(ctx, fileutil.ReadFile(c.Resolve(object), c.format), columns, batchSize)
}

func (c *Connector) ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, batchSize int) iter.Seq2[connectors.Chunk, error] {
	records := connectors.After(fileutil.ReadFile(c.Resolve(object), c.format), cursorField, cursorValue)
	return connectors.Batch(ctx, records, nil, batchSize)
}

// Write replaces the file atomically, or appends when configured to. A
// failed replace leaves the previous file untouched.
func (c *Connector) Write(ctx context.Context, object string, chunks iter.Seq2[connectors.Chunk, error]) (int64, error) {
	w, err := fileutil.NewWriter(c.Resolve(object), c.format, c.appendMode)
	if err != nil {
		return 0, err
	}
	for chunk, err := range chunks {
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = w.WriteRecords(chunk.Columns, chunk.Records)
		}
		if err != nil {
			w.Abort()
			return w.Count(), err
		}
	}
	return w.Count(), w.Close()
}

func (c *Connector) Close() error { return nil }
