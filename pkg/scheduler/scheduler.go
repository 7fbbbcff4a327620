// Package scheduler runs pipelines on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/log"
	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work. The context ends when the scheduler
// stops.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. A job still running when its next tick
// arrives is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	logger  *log.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Scheduler{cron: c, logger: logger, ctx: ctx, cancel: cancel, entries: make(map[string]cron.EntryID)}
}

// Validate checks a standard cron spec or descriptor such as "@every 1h".
func Validate(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Add schedules job under name, replacing an existing entry of that name.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if err := Validate(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddFunc(spec, func() {
		started := time.Now()
		s.logger.Info().Str("job", name).Msg("scheduled run started")
		if err := job(s.ctx); err != nil {
			s.logger.Error().Str("job", name).Err(err).Msg("scheduled run failed")
			return
		}
		s.logger.Info().Str("job", name).Str("took", time.Since(started).Round(time.Millisecond).String()).Msg("scheduled run finished")
	})
	if err != nil {
		return err
	}
	s.entries[name] = id
	return nil
}

func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Next returns the next activation of name once the scheduler has started.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(id).Next
	return next, !next.IsZero()
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling, cancels running jobs and waits for them or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
