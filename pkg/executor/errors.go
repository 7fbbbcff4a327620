package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Phase string

const (
	PhaseConfiguring  Phase = "configuring"
	PhaseReading      Phase = "reading"
	PhaseWriting      Phase = "writing"
	PhaseTransforming Phase = "transforming"
	PhaseExporting    Phase = "exporting"
	PhasePlanning     Phase = "planning"
	PhaseValidating   Phase = "validating"
)

// StepError is embedded by every error an executor returns.
type StepError struct {
	StepID string
	Phase  Phase
	Err    error
}

func (e StepError) Error() string {
	return fmt.Sprintf("step %s %s: %v", e.StepID, e.Phase, e.Err)
}

func (e StepError) Unwrap() error { return e.Err }

// ConfigurationError covers bad parameters, unknown connectors or functions
// and invalid mode combinations. It is never retried.
type ConfigurationError struct{ StepError }

// DataReadError is a connector or engine failure while reading.
type DataReadError struct{ StepError }

// DataWriteError is a connector or engine failure while writing.
type DataWriteError struct{ StepError }

// QualityError is a row failing a load check. It is never retried.
type QualityError struct{ StepError }

// StepTimeoutError reports a step that outlived its timeout.
type StepTimeoutError struct {
	StepError
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %v: %v", e.StepID, e.Timeout, e.Err)
}

func configError(id string, err error) error {
	return &ConfigurationError{StepError{StepID: id, Phase: PhaseConfiguring, Err: err}}
}

func configErrorf(id, format string, args ...any) error {
	return configError(id, fmt.Errorf(format, args...))
}

func readError(id string, phase Phase, err error) error {
	return &DataReadError{StepError{StepID: id, Phase: phase, Err: err}}
}

func qualityError(id string, err error) error {
	return &QualityError{StepError{StepID: id, Phase: PhaseValidating, Err: err}}
}

func writeError(id string, phase Phase, err error) error {
	return &DataWriteError{StepError{StepID: id, Phase: phase, Err: err}}
}

// NewTimeoutError wraps err as a timeout of step id.
func NewTimeoutError(id string, timeout time.Duration, err error) error {
	if err == nil {
		err = context.DeadlineExceeded
	}
	return &StepTimeoutError{StepError: StepError{StepID: id, Phase: phaseOf(err), Err: err}, Timeout: timeout}
}

func phaseOf(err error) Phase {
	var se interface{ phase() Phase }
	if errors.As(err, &se) {
		return se.phase()
	}
	return PhaseReading
}

func (e StepError) phase() Phase { return e.Phase }

// Retryable reports whether err is a data error worth another attempt.
// Configuration errors, timeouts and cancellations are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var timeout *StepTimeoutError
	if errors.As(err, &timeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return false
	}
	var read *DataReadError
	var write *DataWriteError
	return errors.As(err, &read) || errors.As(err, &write)
}
