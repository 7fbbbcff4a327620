// Package resilience retries failing operations with jittered exponential
// backoff.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/oarkflow/log"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Policy controls retries. The zero value runs an operation once.
type Policy struct {
	// MaxAttempts counts the first attempt; values below 1 mean 1.
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	// Multiplier grows the delay after each attempt; 0 means 2.
	Multiplier float64
	// ShouldRetry decides whether err is worth another attempt; nil retries
	// every error.
	ShouldRetry func(err error) bool
	Breaker     *CircuitBreaker
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the un-jittered delay before attempt n+1.
func (p Policy) Backoff(n int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.Delay)
	for i := 1; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, the policy gives up or ctx ends. It returns
// the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	var err error
	attempt := 0
	for attempt < p.attempts() {
		if p.Breaker != nil && !p.Breaker.Allow() {
			if err == nil {
				err = ErrCircuitOpen
			}
			return attempt, err
		}
		attempt++
		if err = fn(ctx, attempt); err == nil {
			if p.Breaker != nil {
				p.Breaker.RecordSuccess()
			}
			return attempt, nil
		}
		if p.Breaker != nil {
			p.Breaker.RecordFailure()
		}
		if attempt >= p.attempts() || (p.ShouldRetry != nil && !p.ShouldRetry(err)) {
			return attempt, err
		}
		delay := time.Duration(float64(p.Backoff(attempt)) * (0.8 + rand.Float64()*0.4))
		log.Printf("attempt %d failed: %v; retrying after %v", attempt, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		}
	}
	return attempt, err
}
