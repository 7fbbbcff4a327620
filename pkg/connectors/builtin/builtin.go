// Package builtin assembles the connector registry shipped with sqlflow.
package builtin

import (
	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/connectors/amqp"
	"github.com/oarkflow/sqlflow/pkg/connectors/file"
	"github.com/oarkflow/sqlflow/pkg/connectors/memory"
	"github.com/oarkflow/sqlflow/pkg/connectors/mongo"
	"github.com/oarkflow/sqlflow/pkg/connectors/rest"
	"github.com/oarkflow/sqlflow/pkg/connectors/sqldb"
	"github.com/oarkflow/sqlflow/pkg/connectors/stdio"
)

// Registry returns a registry with every built-in connector type. The
// memory connector serves datasets from store; a nil store gets a fresh one.
func Registry(store *memory.Store) *connectors.Registry {
	if store == nil {
		store = memory.NewStore()
	}
	r := connectors.NewRegistry()
	for name, f := range map[string]connectors.Factory{
		"file":   file.New,
		"sqldb":  sqldb.New,
		"rest":   rest.New,
		"amqp":   amqp.New,
		"mongo":  mongo.New,
		"stdio":  stdio.New,
		"memory": memory.Factory(store),
	} {
		_ = r.Register(name, f)
	}
	return r
}
