package connectors

import (
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/watermark"
)

// Param helpers tolerate the loosely typed values YAML, JSON and BCL decoders
// produce.

func String(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

func Int(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func Bool(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

func StringMap(params map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch m := params[key].(type) {
	case map[string]any:
		for k, v := range m {
			out[k] = fmt.Sprint(v)
		}
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// After keeps the records whose field value is strictly greater than cursor.
// A nil cursor keeps everything. Connectors without server-side filtering
// use it to implement IncrementalReader.
func After(records iter.Seq2[utils.Record, error], field string, cursor any) iter.Seq2[utils.Record, error] {
	if cursor == nil {
		return records
	}
	return func(yield func(utils.Record, error) bool) {
		for rec, err := range records {
			if err != nil {
				yield(nil, err)
				return
			}
			v, ok := rec[field]
			if !ok || v == nil || watermark.Compare(v, cursor) <= 0 {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
