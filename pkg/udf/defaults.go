package udf

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/convert"
)

// RegisterDefaults installs the small set of helpers every pipeline gets.
func RegisterDefaults(r *Registry) error {
	defaults := []Scalar{
		{Name: "to_number", Args: 1, Fn: func(args ...any) (any, error) {
			if args[0] == nil {
				return nil, nil
			}
			if s, ok := args[0].(string); ok {
				f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if err != nil {
					return nil, nil
				}
				return f, nil
			}
			f, ok := convert.ToFloat64(args[0])
			if !ok {
				return nil, nil
			}
			return f, nil
		}},
		{Name: "str_concat", Args: -1, Fn: func(args ...any) (any, error) {
			var sb strings.Builder
			for _, a := range args {
				if a == nil {
					continue
				}
				if b, ok := a.([]byte); ok {
					sb.Write(b)
					continue
				}
				fmt.Fprint(&sb, a)
			}
			return sb.String(), nil
		}},
		{Name: "utc_now", Args: 0, Fn: func(...any) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		}},
	}
	for _, s := range defaults {
		if _, exists := r.LookupScalar(s.Name); exists {
			continue
		}
		if err := r.RegisterScalar(s.Name, s.Args, s.Fn); err != nil {
			return err
		}
	}
	return nil
}
