// Package transformers holds row-level building blocks used by loads and
// table functions.
package transformers

import (
	"fmt"

	"github.com/oarkflow/expr"

	"github.com/oarkflow/sqlflow/pkg/utils"
)

// Filter is a compiled row predicate.
type Filter struct {
	condition string
	eval      func(utils.Record) (any, error)
}

// NewFilter compiles condition once; Keep evaluates it per record.
func NewFilter(condition string) (*Filter, error) {
	if condition == "" {
		return nil, fmt.Errorf("filter condition cannot be empty")
	}
	program, err := expr.Parse(condition)
	if err != nil {
		return nil, fmt.Errorf("filter parse error: %w", err)
	}
	eval := func(rec utils.Record) (any, error) { return program.Eval(rec) }
	return &Filter{condition: condition, eval: eval}, nil
}

func (f *Filter) String() string { return f.condition }

// Keep reports whether rec satisfies the condition. Anything but a boolean
// true rejects the record.
func (f *Filter) Keep(rec utils.Record) (bool, error) {
	result, err := f.eval(rec)
	if err != nil {
		return false, fmt.Errorf("filter evaluation error: %w", err)
	}
	ok, _ := result.(bool)
	return ok, nil
}

// Apply returns the records Keep accepts.
func (f *Filter) Apply(records []utils.Record) ([]utils.Record, error) {
	out := records[:0:0]
	for _, rec := range records {
		ok, err := f.Keep(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
