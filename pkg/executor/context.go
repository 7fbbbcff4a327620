package executor

import (
	"sync"

	"github.com/oarkflow/log"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/engine"
	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/udf"
	"github.com/oarkflow/sqlflow/pkg/watermark"
)

// Handle is a configured connector registered under a source name for the
// duration of one run.
type Handle struct {
	Source        string
	ConnectorType string
	Connector     connectors.Connector
	Object        string
	SyncMode      step.SyncMode
}

// RunContext is what executors share during one run.
type RunContext struct {
	Pipeline   string
	RunID      string
	Engine     *engine.Engine
	Connectors *connectors.Registry
	Functions  *udf.Registry
	Watermarks *watermark.Manager
	Logger     *log.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

func (rc *RunContext) logger() *log.Logger {
	if rc.Logger == nil {
		return &log.DefaultLogger
	}
	return rc.Logger
}

// Register stores h under its source name, closing any handle it replaces.
func (rc *RunContext) Register(h *Handle) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.handles == nil {
		rc.handles = make(map[string]*Handle)
	}
	if old, ok := rc.handles[h.Source]; ok && old.Connector != h.Connector {
		_ = old.Connector.Close()
	}
	rc.handles[h.Source] = h
}

func (rc *RunContext) Handle(source string) (*Handle, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	h, ok := rc.handles[source]
	return h, ok
}

// Close closes every registered connector.
func (rc *RunContext) Close() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var first error
	for name, h := range rc.handles {
		if err := h.Connector.Close(); err != nil {
			rc.logger().Warn().Str("source", name).Err(err).Msg("closing connector")
			if first == nil {
				first = err
			}
		}
	}
	rc.handles = nil
	return first
}
