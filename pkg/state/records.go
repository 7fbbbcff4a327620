package state

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/json"
)

// Key identifies one watermark.
type Key struct {
	Pipeline    string `json:"pipeline_name"`
	Source      string `json:"source_name"`
	Target      string `json:"target_table"`
	CursorField string `json:"cursor_field"`
}

func (k Key) String() string {
	return strings.Join([]string{k.Pipeline, k.Source, k.Target, k.CursorField}, "/")
}

// Watermark is the last processed cursor value of a key. A nil CursorValue
// means the next read is a full one.
type Watermark struct {
	Key
	CursorValue   any       `json:"cursor_value"`
	SyncMode      string    `json:"sync_mode"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// HistoryEntry records one step execution attempt. Entries are never changed
// once appended.
type HistoryEntry struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Pipeline      string    `json:"pipeline_name"`
	StepID        string    `json:"step_id"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	RowsProcessed int64     `json:"rows_processed"`
	Status        Status    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// HistoryFilter selects history entries; empty fields match everything.
// Limit keeps only the most recent entries.
type HistoryFilter struct {
	RunID    string
	Pipeline string
	StepID   string
	Status   Status
	Limit    int
}

func (f HistoryFilter) match(e HistoryEntry) bool {
	return (f.RunID == "" || f.RunID == e.RunID) &&
		(f.Pipeline == "" || f.Pipeline == e.Pipeline) &&
		(f.StepID == "" || f.StepID == e.StepID) &&
		(f.Status == "" || f.Status == e.Status)
}

// EncodeCursor renders a cursor value as JSON text; nil encodes to "".
func EncodeCursor(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cursor value: %w", err)
	}
	return string(b), nil
}

// DecodeCursor parses text written by EncodeCursor. Integers come back as
// int64, other numbers as float64.
func DecodeCursor(text string) (any, error) {
	if text == "" || text == "null" {
		return nil, nil
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, nil
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("decode cursor value %q: %w", text, err)
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return v, nil
}
