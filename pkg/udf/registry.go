// Package udf holds user-defined functions callable from pipelines: scalar
// functions exposed to SQL and table functions used by transforms.
package udf

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/oarkflow/sqlflow/pkg/utils"
)

var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrRegistryFrozen   = errors.New("function registry is frozen")
)

// ScalarFunc receives SQL argument values and returns one value.
type ScalarFunc func(args ...any) (any, error)

// TableFunc maps the rows of an input table to the rows of an output table.
type TableFunc func(ctx context.Context, rows []utils.Record) ([]utils.Record, error)

// Scalar describes a registered scalar function. Args is the fixed argument
// count, or -1 for variadic.
type Scalar struct {
	Name string
	Args int
	Fn   ScalarFunc
}

type Options struct {
	AllowOverride bool
}

type Registry struct {
	mu     sync.RWMutex
	scalar map[string]Scalar
	table  map[string]TableFunc
	opts   Options
	frozen bool
}

func NewRegistry(opts ...Options) *Registry {
	r := &Registry{
		scalar: make(map[string]Scalar),
		table:  make(map[string]TableFunc),
	}
	if len(opts) > 0 {
		r.opts = opts[0]
	}
	return r
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) RegisterScalar(name string, args int, fn ScalarFunc) error {
	n := normalize(name)
	if n == "" || fn == nil || args < -1 {
		return fmt.Errorf("invalid scalar function registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.scalar[n]; exists && !r.opts.AllowOverride {
		return fmt.Errorf("scalar function already exists: %s", n)
	}
	r.scalar[n] = Scalar{Name: n, Args: args, Fn: fn}
	return nil
}

func (r *Registry) RegisterTable(name string, fn TableFunc) error {
	n := normalize(name)
	if n == "" || fn == nil {
		return fmt.Errorf("invalid table function registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.table[n]; exists && !r.opts.AllowOverride {
		return fmt.Errorf("table function already exists: %s", n)
	}
	r.table[n] = fn
	return nil
}

// Freeze rejects further registrations. The engine freezes the registry it
// was opened with, since SQLite only learns function names at open time.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) LookupScalar(name string) (Scalar, bool) {
	if r == nil {
		return Scalar{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scalar[normalize(name)]
	return s, ok
}

func (r *Registry) LookupTable(name string) (TableFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.table[normalize(name)]
	return fn, ok
}

// Scalars lists registered scalar functions sorted by name.
func (r *Registry) Scalars() []Scalar {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Scalar, 0, len(r.scalar))
	for _, s := range r.scalar {
		out = append(out, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Scalar) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (r *Registry) CallScalar(name string, args ...any) (any, error) {
	s, ok := r.LookupScalar(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	if s.Args >= 0 && len(args) != s.Args {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", s.Name, s.Args, len(args))
	}
	var out any
	err := safeCall(s.Name, func() error {
		var err error
		out, err = s.Fn(args...)
		return err
	})
	return out, err
}

func (r *Registry) CallTable(ctx context.Context, name string, rows []utils.Record) ([]utils.Record, error) {
	fn, ok := r.LookupTable(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	var out []utils.Record
	err := safeCall(normalize(name), func() error {
		var err error
		out, err = fn(ctx, rows)
		return err
	})
	return out, err
}

func safeCall(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("function %s panicked: %v", name, p)
		}
	}()
	return fn()
}
