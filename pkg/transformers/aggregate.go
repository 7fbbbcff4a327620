package transformers

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/oarkflow/convert"

	"github.com/oarkflow/sqlflow/pkg/utils"
)

// Aggregation computes Func over SourceField into OutputField.
type Aggregation struct {
	SourceField string `json:"source_field" yaml:"source_field"`
	Func        string `json:"func" yaml:"func"`
	OutputField string `json:"output_field" yaml:"output_field"`
}

func (a Aggregation) output() string {
	if a.OutputField != "" {
		return a.OutputField
	}
	if a.SourceField == "" {
		return a.Func
	}
	return a.Func + "_" + a.SourceField
}

type aggValue struct {
	sum   float64
	count int64
	min   float64
	max   float64
	set   bool
}

// Aggregate returns a table function grouping rows by groupBy. Groups are
// emitted in first-seen order; count, sum, avg, min and max are supported.
func Aggregate(groupBy []string, aggs []Aggregation) (func(context.Context, []utils.Record) ([]utils.Record, error), error) {
	for _, a := range aggs {
		switch a.Func {
		case "count", "sum", "avg", "min", "max":
		default:
			return nil, fmt.Errorf("unsupported aggregation function %q", a.Func)
		}
		if a.Func != "count" && a.SourceField == "" {
			return nil, fmt.Errorf("aggregation %s needs a source field", a.Func)
		}
	}
	return func(ctx context.Context, rows []utils.Record) ([]utils.Record, error) {
		var order []string
		keys := make(map[string]utils.Record)
		groups := make(map[string][]*aggValue)
		for _, rec := range rows {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var sb strings.Builder
			for _, g := range groupBy {
				fmt.Fprintf(&sb, "%v|", rec[g])
			}
			key := sb.String()
			values, ok := groups[key]
			if !ok {
				order = append(order, key)
				group := make(utils.Record, len(groupBy))
				for _, g := range groupBy {
					group[g] = rec[g]
				}
				keys[key] = group
				values = make([]*aggValue, len(aggs))
				for i := range values {
					values[i] = &aggValue{}
				}
				groups[key] = values
			}
			for i, a := range aggs {
				v := values[i]
				if a.Func == "count" {
					if a.SourceField == "" || rec[a.SourceField] != nil {
						v.count++
					}
					continue
				}
				num, ok := convert.ToFloat64(rec[a.SourceField])
				if !ok || rec[a.SourceField] == nil {
					continue
				}
				v.sum += num
				v.count++
				if !v.set || num < v.min {
					v.min = num
				}
				if !v.set || num > v.max {
					v.max = num
				}
				v.set = true
			}
		}
		out := make([]utils.Record, 0, len(order))
		for _, key := range order {
			rec := utils.CloneRecord(keys[key])
			for i, a := range aggs {
				rec[a.output()] = aggResult(a.Func, groups[key][i])
			}
			out = append(out, rec)
		}
		return out, nil
	}, nil
}

func aggResult(fn string, v *aggValue) any {
	switch fn {
	case "count":
		return v.count
	case "sum":
		return number(v.sum)
	case "avg":
		if v.count == 0 {
			return nil
		}
		return v.sum / float64(v.count)
	case "min":
		if !v.set {
			return nil
		}
		return number(v.min)
	case "max":
		if !v.set {
			return nil
		}
		return number(v.max)
	}
	return nil
}

func number(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// Dedupe returns a table function keeping the last row seen for each key.
func Dedupe(keys []string) (func(context.Context, []utils.Record) ([]utils.Record, error), error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("dedupe needs at least one key")
	}
	return func(ctx context.Context, rows []utils.Record) ([]utils.Record, error) {
		index := make(map[string]int)
		var out []utils.Record
		for _, rec := range rows {
			var sb strings.Builder
			for _, k := range keys {
				fmt.Fprintf(&sb, "%v|", rec[k])
			}
			if i, ok := index[sb.String()]; ok {
				out[i] = rec
				continue
			}
			index[sb.String()] = len(out)
			out = append(out, rec)
		}
		return out, nil
	}, nil
}
