package engine

import (
	"database/sql/driver"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oarkflow/json"
	"modernc.org/sqlite"

	"github.com/oarkflow/sqlflow/pkg/udf"
)

// The SQLite driver keeps one process-wide function table. Each name is
// registered there once with a dispatcher; the dispatcher resolves the name
// through the registry bound by the most recently opened engine that
// declared it.
var bridge = struct {
	mu         sync.RWMutex
	registered map[string]int
	bound      map[string]*udf.Registry
}{
	registered: make(map[string]int),
	bound:      make(map[string]*udf.Registry),
}

func bindFunctions(functions *udf.Registry) error {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	for _, s := range functions.Scalars() {
		if args, ok := bridge.registered[s.Name]; ok {
			if args != s.Args {
				return fmt.Errorf("function %s already bridged with %d arguments", s.Name, args)
			}
		} else {
			if err := sqlite.RegisterScalarFunction(s.Name, int32(s.Args), dispatcher(s.Name)); err != nil {
				return fmt.Errorf("register function %s: %w", s.Name, err)
			}
			bridge.registered[s.Name] = s.Args
		}
		bridge.bound[s.Name] = functions
	}
	return nil
}

func dispatcher(name string) func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
	return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		bridge.mu.RLock()
		functions := bridge.bound[name]
		bridge.mu.RUnlock()
		in := make([]any, len(args))
		for i, a := range args {
			in[i] = a
		}
		out, err := functions.CallScalar(name, in...)
		if err != nil {
			return nil, err
		}
		return toDriverValue(out)
	}
}

// toDriverValue maps Go values onto what SQLite can store.
func toDriverValue(v any) (driver.Value, error) {
	switch x := v.(type) {
	case nil, int64, float64, string, []byte:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintValue(uint64(x)), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintValue(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot store value of type %T: %w", v, err)
	}
	return string(data), nil
}

func uintValue(u uint64) driver.Value {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}
