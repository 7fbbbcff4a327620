package config

import (
	"fmt"
	"time"

	"github.com/oarkflow/sqlflow/pkg/orchestrator"
	"github.com/oarkflow/sqlflow/pkg/resilience"
)

func duration(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func (s Settings) stepTimeout() (time.Duration, error) {
	return duration("step_timeout", s.StepTimeout)
}

// Options converts the run settings into orchestrator options.
func (s Settings) Options() (orchestrator.Options, error) {
	timeout, err := s.stepTimeout()
	if err != nil {
		return orchestrator.Options{}, err
	}
	opts := orchestrator.Options{
		FailFast:    s.FailFast,
		Workers:     s.Workers,
		StepTimeout: timeout,
		Retry:       resilience.Policy{MaxAttempts: s.Retry.Attempts},
		Breaker:     orchestrator.BreakerOptions{Threshold: s.Retry.BreakerThreshold},
	}
	if len(s.StepTimeouts) > 0 {
		opts.StepTimeouts = make(map[string]time.Duration, len(s.StepTimeouts))
		for id, v := range s.StepTimeouts {
			d, err := duration("step_timeouts."+id, v)
			if err != nil {
				return orchestrator.Options{}, err
			}
			opts.StepTimeouts[id] = d
		}
	}
	if opts.Retry.Delay, err = duration("retry.delay", s.Retry.Delay); err != nil {
		return orchestrator.Options{}, err
	}
	if opts.Retry.MaxDelay, err = duration("retry.max_delay", s.Retry.MaxDelay); err != nil {
		return orchestrator.Options{}, err
	}
	if opts.Breaker.Cooldown, err = duration("retry.breaker_cooldown", s.Retry.BreakerCooldown); err != nil {
		return orchestrator.Options{}, err
	}
	if opts.Breaker.Threshold > 0 && opts.Breaker.Cooldown == 0 {
		opts.Breaker.Cooldown = time.Minute
	}
	return opts, nil
}
