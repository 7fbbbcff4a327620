package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/sqlflow/pkg/executor"
)

type RunStatus string

const (
	RunPlanned            RunStatus = "planned"
	RunRunning            RunStatus = "running"
	RunSucceeded          RunStatus = "succeeded"
	RunFailed             RunStatus = "failed"
	RunPartiallySucceeded RunStatus = "partially_succeeded"
	RunCancelled          RunStatus = "cancelled"
)

// RunResult aggregates one run. Steps are in plan order.
type RunResult struct {
	RunID     string                `json:"run_id"`
	Pipeline  string                `json:"pipeline"`
	Status    RunStatus             `json:"status"`
	Steps     []executor.StepResult `json:"steps"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
}

func (r RunResult) Step(id string) (executor.StepResult, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return executor.StepResult{}, false
}

func (r RunResult) Failed() []executor.StepResult {
	var out []executor.StepResult
	for _, s := range r.Steps {
		if s.Status == executor.StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

// Err joins the errors of failed steps, or returns nil.
func (r RunResult) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		if r.Status == RunCancelled {
			return fmt.Errorf("run %s cancelled", r.RunID)
		}
		return nil
	}
	msgs := make([]string, len(failed))
	for i, f := range failed {
		msgs[i] = f.Err.Error()
	}
	return fmt.Errorf("run %s %s: %s", r.RunID, r.Status, strings.Join(msgs, "; "))
}

func (r RunResult) Summary() string {
	counts := map[executor.Status]int{}
	var rows int64
	for _, s := range r.Steps {
		counts[s.Status]++
		rows += s.RowsAffected
	}
	return fmt.Sprintf("run %s of %s %s: %d steps (%d succeeded, %d failed, %d skipped), %d rows in %v",
		r.RunID, r.Pipeline, r.Status, len(r.Steps),
		counts[executor.StatusSucceeded], counts[executor.StatusFailed], counts[executor.StatusSkipped],
		rows, r.Duration.Round(time.Millisecond))
}
