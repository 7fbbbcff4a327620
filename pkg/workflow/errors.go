package workflow

import (
	"fmt"
	"strings"
)

// PlanningError is returned by Resolve before anything executes.
type PlanningError interface {
	error
	planningError()
}

// CyclicDependencyError lists the steps of a cycle in data-flow order, the
// first step repeated at the end. Tables[i] flows from Cycle[i] to Cycle[i+1].
type CyclicDependencyError struct {
	Cycle  []string
	Tables []string
}

func (e *CyclicDependencyError) Error() string {
	var sb strings.Builder
	sb.WriteString("cyclic dependency: ")
	for i, id := range e.Cycle {
		if i > 0 {
			fmt.Fprintf(&sb, " -[%s]-> ", e.Tables[i-1])
		}
		sb.WriteString(id)
	}
	return sb.String()
}

type MissingDependencyError struct {
	StepID string
	Table  string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("step %s consumes table %q which no step produces", e.StepID, e.Table)
}

type DuplicateProducerError struct {
	Table   string
	StepIDs []string
}

func (e *DuplicateProducerError) Error() string {
	return fmt.Sprintf("table %q is produced by more than one step: %s", e.Table, strings.Join(e.StepIDs, ", "))
}

type DuplicateStepError struct {
	StepID string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step id %q", e.StepID)
}

type InvalidStepError struct {
	Index  int
	Reason string
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("step #%d: %s", e.Index+1, e.Reason)
}

func (*CyclicDependencyError) planningError()  {}
func (*MissingDependencyError) planningError() {}
func (*DuplicateProducerError) planningError() {}
func (*DuplicateStepError) planningError()     {}
func (*InvalidStepError) planningError()       {}
