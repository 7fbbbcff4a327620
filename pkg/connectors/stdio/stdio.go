// Package stdio reads records from standard input and writes them to
// standard output.
package stdio

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"

	"github.com/oarkflow/json"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/utils/fileutil"
)

// Connector param: format (csv, json or ndjson; default ndjson).
type Connector struct {
	in     io.Reader
	out    io.Writer
	format string
	mu     sync.Mutex
}

func New() connectors.Connector {
	return &Connector{in: os.Stdin, out: os.Stdout}
}

// NewWithStreams binds the connector to the given streams.
func NewWithStreams(in io.Reader, out io.Writer) connectors.Factory {
	return func() connectors.Connector { return &Connector{in: in, out: out} }
}

func (c *Connector) Configure(params map[string]any) error {
	c.format = connectors.String(params, "format", fileutil.FormatNDJSON)
	switch c.format {
	case fileutil.FormatCSV, fileutil.FormatJSON, fileutil.FormatNDJSON:
		return nil
	}
	return fmt.Errorf("stdio connector: unsupported format %q", c.format)
}

func (c *Connector) TestConnection(context.Context) (bool, string) { return true, "ok" }

// Read consumes the input stream; object is ignored.
func (c *Connector) Read(ctx context.Context, _ string, columns []string, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return connectors.Batch(ctx, fileutil.Decode(c.in, c.format), columns, batchSize)
}

func (c *Connector) Write(ctx context.Context, _ string, chunks iter.Seq2[connectors.Chunk, error]) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := bufio.NewWriter(c.out)
	defer buf.Flush()
	var (
		written int64
		header  []string
		cw      = csv.NewWriter(buf)
	)
	if c.format == fileutil.FormatJSON {
		_, _ = buf.WriteString("[")
	}
	for chunk, err := range chunks {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return written, err
		}
		for _, rec := range chunk.Records {
			if err := c.writeRecord(buf, cw, &header, chunk.Columns, rec, written); err != nil {
				return written, err
			}
			written++
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return written, err
		}
	}
	if c.format == fileutil.FormatJSON {
		_, _ = buf.WriteString("\n]\n")
	}
	return written, buf.Flush()
}

func (c *Connector) writeRecord(buf *bufio.Writer, cw *csv.Writer, header *[]string, columns []string, rec utils.Record, n int64) error {
	switch c.format {
	case fileutil.FormatCSV:
		if *header == nil {
			*header = columns
			if len(columns) == 0 {
				*header = utils.Columns([]utils.Record{rec})
			}
			if err := cw.Write(*header); err != nil {
				return err
			}
		}
		row := make([]string, len(*header))
		for i, h := range *header {
			row[i] = fileutil.FormatValue(rec[h])
		}
		return cw.Write(row)
	case fileutil.FormatJSON:
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if n > 0 {
			_, _ = buf.WriteString(",")
		}
		_, _ = buf.WriteString("\n  ")
		_, err = buf.Write(data)
		return err
	default:
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, _ = buf.Write(data)
		return buf.WriteByte('\n')
	}
}

func (c *Connector) Close() error { return nil }
