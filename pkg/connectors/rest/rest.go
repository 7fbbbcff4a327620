// Package rest reads JSON records from HTTP endpoints and posts records to
// them.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oarkflow/dipper"
	"github.com/oarkflow/errors"
	"github.com/oarkflow/json"
	"github.com/oarkflow/log"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/utils/fileutil"
)

// Connector params: url, method (GET for reads, POST for writes), headers,
// records_path (dipper path to the record array in the response),
// cursor_param (query parameter carrying the watermark) and timeout_ms.
// The object, when set, is appended to the url path.
type Connector struct {
	client      *http.Client
	url         string
	method      string
	headers     map[string]string
	recordsPath string
	cursorParam string
}

func New() connectors.Connector { return &Connector{} }

func (c *Connector) RequiredParams() []string { return []string{"url"} }

func (c *Connector) Configure(params map[string]any) error {
	c.url = connectors.String(params, "url", "")
	if c.url == "" {
		return errors.New("rest connector: url is required")
	}
	if _, err := url.Parse(c.url); err != nil {
		return fmt.Errorf("rest connector: invalid url: %w", err)
	}
	c.method = strings.ToUpper(connectors.String(params, "method", ""))
	c.headers = connectors.StringMap(params, "headers")
	c.recordsPath = connectors.String(params, "records_path", "")
	c.cursorParam = connectors.String(params, "cursor_param", "")
	c.client = &http.Client{Timeout: time.Duration(connectors.Int(params, "timeout_ms", 10000)) * time.Millisecond}
	return nil
}

func (c *Connector) endpoint(object string) string {
	if object == "" {
		return c.url
	}
	return strings.TrimRight(c.url, "/") + "/" + strings.TrimLeft(object, "/")
}

func (c *Connector) TestConnection(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, resp.Status
	}
	return true, resp.Status
}

func (c *Connector) Read(ctx context.Context, object string, columns []string, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return connectors.Batch(ctx, c.fetch(ctx, c.endpoint(object)), columns, batchSize)
}

// ReadIncremental sends the cursor as a query parameter when cursor_param is
// set, and filters the response client side either way.
func (c *Connector) ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, batchSize int) iter.Seq2[connectors.Chunk, error] {
	endpoint := c.endpoint(object)
	if c.cursorParam != "" && cursorValue != nil {
		u, err := url.Parse(endpoint)
		if err == nil {
			q := u.Query()
			q.Set(c.cursorParam, fileutil.FormatValue(cursorValue))
			u.RawQuery = q.Encode()
			endpoint = u.String()
		}
	}
	records := connectors.After(c.fetch(ctx, endpoint), cursorField, cursorValue)
	return connectors.Batch(ctx, records, nil, batchSize)
}

func (c *Connector) fetch(ctx context.Context, endpoint string) iter.Seq2[utils.Record, error] {
	return func(yield func(utils.Record, error) bool) {
		method := c.method
		if method == "" {
			method = http.MethodGet
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			yield(nil, err)
			return
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			yield(nil, err)
			return
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			yield(nil, err)
			return
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			yield(nil, fmt.Errorf("GET %s returned status %s", endpoint, resp.Status))
			return
		}
		records, err := c.extract(data)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (c *Connector) extract(data []byte) ([]utils.Record, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if c.recordsPath != "" {
		v, err := dipper.Get(raw, c.recordsPath)
		if err != nil {
			return nil, fmt.Errorf("records path %s: %w", c.recordsPath, err)
		}
		raw = v
	}
	items, ok := raw.([]any)
	if !ok {
		if obj, isObj := raw.(map[string]any); isObj {
			items = []any{obj}
		} else {
			return nil, fmt.Errorf("response is not an array of records")
		}
	}
	records := make([]utils.Record, 0, len(items))
	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			log.Printf("rest connector: skipping non-object item %v", item)
			continue
		}
		records = append(records, fileutil.NormalizeJSON(rec))
	}
	return records, nil
}

// Write posts every chunk as a JSON array.
func (c *Connector) Write(ctx context.Context, object string, chunks iter.Seq2[connectors.Chunk, error]) (int64, error) {
	method := c.method
	if method == "" || method == http.MethodGet {
		method = http.MethodPost
	}
	var written int64
	for chunk, err := range chunks {
		if err != nil {
			return written, err
		}
		if chunk.Len() == 0 {
			continue
		}
		body, err := json.Marshal(chunk.Records)
		if err != nil {
			return written, err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(object), bytes.NewReader(body))
		if err != nil {
			return written, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return written, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return written, fmt.Errorf("%s %s returned status %s", method, c.endpoint(object), resp.Status)
		}
		written += int64(chunk.Len())
	}
	return written, nil
}

func (c *Connector) Close() error {
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	return nil
}
