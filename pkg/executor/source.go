package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/step"
)

// SourceDefinitionExecutor configures a connector and registers it under the
// source name. It reads no data.
type SourceDefinitionExecutor struct{}

func (SourceDefinitionExecutor) Execute(ctx context.Context, s step.Step, rc *RunContext) StepResult {
	src, ok := s.(step.SourceDefinition)
	if !ok {
		return wrongVariant(s, step.KindSource)
	}
	started := time.Now().UTC()
	return finish(s, started, 0, defineSource(ctx, src, rc))
}

func defineSource(ctx context.Context, src step.SourceDefinition, rc *RunContext) error {
	if err := src.Validate(); err != nil {
		return configError(src.ID, err)
	}
	conn, err := rc.Connectors.New(src.ConnectorType)
	if err != nil {
		return configError(src.ID, err)
	}
	required := src.RequiredParams()
	if rp, ok := conn.(connectors.RequiredParams); ok {
		required = append(required, rp.RequiredParams()...)
	}
	if missing := connectors.MissingParams(src.Params, required); len(missing) > 0 {
		_ = conn.Close()
		return configErrorf(src.ID, "missing required params: %s", strings.Join(missing, ", "))
	}
	if err := conn.Configure(src.Params); err != nil {
		_ = conn.Close()
		return configError(src.ID, err)
	}
	if connectors.Bool(src.Params, "test_connection") {
		if ok, msg := conn.TestConnection(ctx); !ok {
			_ = conn.Close()
			return configError(src.ID, fmt.Errorf("connection test failed: %s", msg))
		}
	}
	rc.Register(&Handle{
		Source:        src.Name,
		ConnectorType: src.ConnectorType,
		Connector:     conn,
		Object:        src.Object(),
		SyncMode:      src.Sync.Mode,
	})
	rc.logger().Info().Str("step", src.ID).Str("source", src.Name).Str("connector", src.ConnectorType).Msg("source registered")
	return nil
}
