package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/oarkflow/sqlflow/pkg/step"
)

// Plan is an execution order of steps where every producer precedes its
// consumers.
type Plan struct {
	Pipeline string
	Steps    []step.Step

	deps  map[string][]string
	index map[string]int
	dag   *DAG
}

func (p *Plan) Len() int { return len(p.Steps) }

// IDs returns step ids in plan order.
func (p *Plan) IDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.Common().ID
	}
	return ids
}

func (p *Plan) Step(id string) (step.Step, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return p.Steps[i], true
}

// Index returns the plan position of a step, or -1.
func (p *Plan) Index(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// Dependencies returns the ids of the steps id waits for.
func (p *Plan) Dependencies(id string) []string {
	return slices.Clone(p.deps[id])
}

// Dependents returns the ids of the steps waiting for id, in plan order.
func (p *Plan) Dependents(id string) []string {
	var out []string
	for _, s := range p.Steps {
		other := s.Common().ID
		if slices.Contains(p.deps[other], id) {
			out = append(out, other)
		}
	}
	return out
}

// Levels groups step ids into layers that may run concurrently.
func (p *Plan) Levels() [][]string {
	layers, err := p.dag.GetExecutionPlan()
	if err != nil {
		// Resolve already rejected cycles.
		return [][]string{p.IDs()}
	}
	return layers
}

func (p *Plan) DAG() *DAG { return p.dag }

func (p *Plan) String() string {
	var sb strings.Builder
	if p.Pipeline != "" {
		fmt.Fprintf(&sb, "pipeline %s\n", p.Pipeline)
	}
	for i, s := range p.Steps {
		b := s.Common()
		fmt.Fprintf(&sb, "%2d. %-10s %s", i+1, s.Kind(), b.ID)
		if b.Produces != "" {
			fmt.Fprintf(&sb, " -> %s", b.Produces)
		}
		if deps := p.deps[b.ID]; len(deps) > 0 {
			fmt.Fprintf(&sb, " (after %s)", strings.Join(deps, ", "))
		}
		if b.IsIncremental() {
			fmt.Fprintf(&sb, " [incremental on %s]", b.Sync.CursorField)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
