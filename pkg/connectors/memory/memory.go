// Package memory is a connector over in-process datasets. Pipelines use it
// for demos and tests; datasets live in a Store shared by every handle the
// factory creates.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils"
)

type Store struct {
	mu       sync.RWMutex
	datasets map[string][]utils.Record
}

func NewStore() *Store {
	return &Store{datasets: make(map[string][]utils.Record)}
}

// Put replaces a dataset.
func (s *Store) Put(name string, records []utils.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[name] = cloneAll(records)
}

func (s *Store) Append(name string, records ...utils.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[name] = append(s.datasets[name], cloneAll(records)...)
}

// Get returns a copy of a dataset.
func (s *Store) Get(name string) ([]utils.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.datasets[name]
	return cloneAll(records), ok
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.datasets))
	for n := range s.datasets {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func cloneAll(records []utils.Record) []utils.Record {
	out := make([]utils.Record, len(records))
	for i, r := range records {
		out[i] = utils.CloneRecord(r)
	}
	return out
}

// Factory returns a connector factory bound to store.
func Factory(store *Store) connectors.Factory {
	return func() connectors.Connector { return &Connector{store: store} }
}

// Connector reads and writes datasets of a Store. The params fail_after
// (chunks yielded before a read error), fail_reads (number of reads that
// fail outright) and delay_ms (pause before each chunk) inject faults.
type Connector struct {
	store     *Store
	dataset   string
	failAfter int
	failReads int
	delay     time.Duration
	reads     int
	mu        sync.Mutex
}

func (c *Connector) Configure(params map[string]any) error {
	if c.store == nil {
		return fmt.Errorf("memory connector has no store")
	}
	c.dataset = connectors.String(params, "dataset", "")
	c.failAfter = connectors.Int(params, "fail_after", -1)
	c.failReads = connectors.Int(params, "fail_reads", 0)
	c.delay = time.Duration(connectors.Int(params, "delay_ms", 0)) * time.Millisecond
	return nil
}

func (c *Connector) TestConnection(context.Context) (bool, string) {
	if c.dataset == "" {
		return true, "ok"
	}
	if _, ok := c.store.Get(c.dataset); !ok {
		return false, fmt.Sprintf("dataset %q does not exist", c.dataset)
	}
	return true, "ok"
}

// source is the dataset reads use: the configured dataset pins it, otherwise
// the requested object.
func (c *Connector) source(object string) string {
	if c.dataset != "" {
		return c.dataset
	}
	return object
}

// destination is the dataset writes append to.
func (c *Connector) destination(object string) string {
	if object == "" {
		return c.dataset
	}
	return object
}

func (c *Connector) Read(ctx context.Context, object string, columns []string, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return c.read(ctx, object, columns, "", nil, batchSize)
}

func (c *Connector) ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return c.read(ctx, object, nil, cursorField, cursorValue, batchSize)
}

func (c *Connector) read(ctx context.Context, object string, columns []string, cursorField string, cursorValue any, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return func(yield func(connectors.Chunk, error) bool) {
		name := c.source(object)
		c.mu.Lock()
		c.reads++
		failRead := c.reads <= c.failReads
		c.mu.Unlock()
		if failRead {
			yield(connectors.Chunk{}, fmt.Errorf("memory dataset %q: injected read failure", name))
			return
		}
		records, ok := c.store.Get(name)
		if !ok {
			yield(connectors.Chunk{}, fmt.Errorf("memory dataset %q does not exist", name))
			return
		}
		src := connectors.FromRecords(records)
		if cursorField != "" {
			src = connectors.After(src, cursorField, cursorValue)
		}
		n := 0
		for chunk, err := range connectors.Batch(ctx, src, columns, batchSize) {
			if err != nil {
				yield(connectors.Chunk{}, err)
				return
			}
			if c.failAfter >= 0 && n == c.failAfter {
				break
			}
			if c.delay > 0 {
				select {
				case <-time.After(c.delay):
				case <-ctx.Done():
					yield(connectors.Chunk{}, ctx.Err())
					return
				}
			}
			if !yield(chunk, nil) {
				return
			}
			n++
		}
		if c.failAfter >= 0 {
			yield(connectors.Chunk{}, fmt.Errorf("memory dataset %q: injected failure after %d chunks", name, n))
		}
	}
}

func (c *Connector) Write(ctx context.Context, object string, chunks iter.Seq2[connectors.Chunk, error]) (int64, error) {
	name := c.destination(object)
	if name == "" {
		return 0, fmt.Errorf("memory connector: no dataset to write")
	}
	var written int64
	for chunk, err := range chunks {
		if err != nil {
			return written, err
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}
		c.store.Append(name, chunk.Records...)
		written += int64(chunk.Len())
	}
	return written, nil
}

func (c *Connector) Close() error { return nil }
