package executor

import (
	"time"

	"github.com/oarkflow/json"

	"github.com/oarkflow/sqlflow/pkg/step"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

type StepResult struct {
	StepID       string
	Kind         step.Kind
	Status       Status
	RowsAffected int64
	Err          error
	Duration     time.Duration
	Attempts     int
	StartedAt    time.Time
	EndedAt      time.Time
}

func (r StepResult) MarshalJSON() ([]byte, error) {
	var msg string
	if r.Err != nil {
		msg = r.Err.Error()
	}
	return json.Marshal(map[string]any{
		"step_id":       r.StepID,
		"kind":          r.Kind,
		"status":        r.Status,
		"rows_affected": r.RowsAffected,
		"error":         msg,
		"duration_ms":   r.Duration.Milliseconds(),
		"attempts":      r.Attempts,
	})
}

func finish(s step.Step, started time.Time, rows int64, err error) StepResult {
	now := time.Now().UTC()
	r := StepResult{
		StepID:       s.Common().ID,
		Kind:         s.Kind(),
		Status:       StatusSucceeded,
		RowsAffected: rows,
		Err:          err,
		Duration:     now.Sub(started),
		Attempts:     1,
		StartedAt:    started,
		EndedAt:      now,
	}
	if err != nil {
		r.Status = StatusFailed
	}
	return r
}
