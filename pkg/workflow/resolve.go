package workflow

import (
	"slices"
	"strings"

	"github.com/oarkflow/sqlflow/pkg/sqlscan"
	"github.com/oarkflow/sqlflow/pkg/step"
)

type resolveOptions struct {
	pipeline string
	external map[string]struct{}
	scanner  *sqlscan.Scanner
}

type ResolveOption func(*resolveOptions)

// WithExternalTables registers tables that exist before the pipeline runs.
func WithExternalTables(names ...string) ResolveOption {
	return func(o *resolveOptions) {
		for _, n := range names {
			o.external[tableKey(n)] = struct{}{}
		}
	}
}

func WithPipeline(name string) ResolveOption {
	return func(o *resolveOptions) { o.pipeline = name }
}

func WithScanner(s *sqlscan.Scanner) ResolveOption {
	return func(o *resolveOptions) { o.scanner = s }
}

// tableFlow is how one table moves between steps.
type tableFlow struct {
	producer  string
	modifiers []string
}

// Resolve checks the steps and orders them so every producer of a table runs
// before its consumers. Ties keep declaration order.
//
// A step that consumes a table it also produces modifies it in place: it runs
// after the table's producer and earlier modifiers, and consumers of the table
// run after every modifier.
func Resolve(steps []step.Step, opts ...ResolveOption) (*Plan, error) {
	o := &resolveOptions{external: make(map[string]struct{})}
	for _, opt := range opts {
		opt(o)
	}
	if o.scanner == nil {
		o.scanner = sqlscan.Default()
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if s == nil {
			return nil, &InvalidStepError{Index: i, Reason: "nil step"}
		}
		id := s.Common().ID
		if id == "" {
			return nil, &InvalidStepError{Index: i, Reason: "missing id"}
		}
		if _, dup := index[id]; dup {
			return nil, &DuplicateStepError{StepID: id}
		}
		index[id] = i
	}

	inputs := make([][]string, len(steps))
	outputs := make([][]string, len(steps))
	for i, s := range steps {
		inputs[i] = inputsOf(s, o.scanner)
		outputs[i] = outputsOf(s, o.scanner)
	}

	flows := make(map[string]*tableFlow)
	for i, s := range steps {
		id := s.Common().ID
		for _, table := range outputs[i] {
			key := tableKey(table)
			f := flows[key]
			if f == nil {
				f = &tableFlow{}
				flows[key] = f
			}
			if containsTable(inputs[i], table) {
				f.modifiers = append(f.modifiers, id)
				continue
			}
			if f.producer != "" {
				return nil, &DuplicateProducerError{Table: table, StepIDs: []string{f.producer, id}}
			}
			f.producer = id
		}
	}

	deps := make(map[string][]string, len(steps))
	edgeTables := make(map[[2]string]string)
	addEdge := func(from, to, table string) {
		if from == "" || from == to {
			return
		}
		if !slices.Contains(deps[to], from) {
			deps[to] = append(deps[to], from)
			edgeTables[[2]string{from, to}] = table
		}
	}
	for i, s := range steps {
		id := s.Common().ID
		for _, table := range inputs[i] {
			key := tableKey(table)
			f := flows[key]
			_, external := o.external[key]
			if (f == nil || f.producer == "") && !external {
				return nil, &MissingDependencyError{StepID: id, Table: table}
			}
			if f == nil {
				continue
			}
			addEdge(f.producer, id, table)
			if pos := slices.Index(f.modifiers, id); pos >= 0 {
				for _, m := range f.modifiers[:pos] {
					addEdge(m, id, table)
				}
				continue
			}
			for _, m := range f.modifiers {
				addEdge(m, id, table)
			}
		}
		slices.SortFunc(deps[id], func(a, b string) int { return index[a] - index[b] })
	}

	order, err := topoOrder(steps, deps, edgeTables)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Pipeline: o.pipeline,
		deps:     deps,
		index:    make(map[string]int, len(order)),
		dag:      NewDAG(),
	}
	for _, id := range order {
		s := steps[index[id]]
		plan.index[id] = len(plan.Steps)
		plan.Steps = append(plan.Steps, s)
		if err := plan.dag.AddNode(id, s, deps[id]...); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

type dfsFrame struct {
	id   string
	next int
}

// topoOrder runs an iterative depth-first search over upstream edges, seeded
// in declaration order. Post-order gives dependencies first; reaching a gray
// node is a cycle.
func topoOrder(steps []step.Step, deps map[string][]string, edgeTables map[[2]string]string) ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(steps))
	order := make([]string, 0, len(steps))
	for _, s := range steps {
		root := s.Common().ID
		if color[root] != white {
			continue
		}
		color[root] = gray
		stack := []dfsFrame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			ups := deps[top.id]
			if top.next < len(ups) {
				v := ups[top.next]
				top.next++
				switch color[v] {
				case gray:
					return nil, cycleError(stack, v, edgeTables)
				case white:
					color[v] = gray
					stack = append(stack, dfsFrame{id: v})
				}
				continue
			}
			color[top.id] = black
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return order, nil
}

// cycleError rebuilds the cycle from the DFS stack. Each frame is upstream of
// the one below it, so data flows from the top of the stack back down to v.
func cycleError(stack []dfsFrame, v string, edgeTables map[[2]string]string) error {
	k := slices.IndexFunc(stack, func(f dfsFrame) bool { return f.id == v })
	cycle := []string{v}
	for i := len(stack) - 1; i > k; i-- {
		cycle = append(cycle, stack[i].id)
	}
	cycle = append(cycle, v)
	tables := make([]string, 0, len(cycle)-1)
	for i := 0; i+1 < len(cycle); i++ {
		tables = append(tables, edgeTables[[2]string{cycle[i], cycle[i+1]}])
	}
	return &CyclicDependencyError{Cycle: cycle, Tables: tables}
}

func inputsOf(s step.Step, scanner *sqlscan.Scanner) []string {
	tables := slices.Clone(s.Common().Consumes)
	var sql string
	switch v := s.(type) {
	case step.SourceDefinition:
		// a source naming itself is not a dependency
		return slices.DeleteFunc(tables, func(t string) bool { return strings.EqualFold(t, v.Produces) })
	case step.Transform:
		sql = v.SQL
	case step.Export:
		sql = v.Query
	}
	if sql != "" {
		for _, t := range scanner.Scan(sql).Consumed() {
			if !containsTable(tables, t) {
				tables = append(tables, t)
			}
		}
	}
	return tables
}

func outputsOf(s step.Step, scanner *sqlscan.Scanner) []string {
	var tables []string
	if p := s.Common().Produces; p != "" {
		tables = append(tables, p)
	}
	if t, ok := s.(step.Transform); ok && t.SQL != "" && !step.IsQuery(t.SQL) {
		for _, c := range scanner.Scan(t.SQL).Creates {
			if !containsTable(tables, c) {
				tables = append(tables, c)
			}
		}
	}
	return tables
}

func containsTable(list []string, name string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, name) })
}

func tableKey(name string) string { return strings.ToLower(name) }
