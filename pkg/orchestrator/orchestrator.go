// Package orchestrator executes resolved plans: it dispatches steps in
// dependency order, applies retries and timeouts, records history and
// publishes lifecycle events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
	"github.com/oarkflow/xid"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/engine"
	"github.com/oarkflow/sqlflow/pkg/events"
	"github.com/oarkflow/sqlflow/pkg/executor"
	"github.com/oarkflow/sqlflow/pkg/resilience"
	"github.com/oarkflow/sqlflow/pkg/state"
	"github.com/oarkflow/sqlflow/pkg/step"
	"github.com/oarkflow/sqlflow/pkg/udf"
	"github.com/oarkflow/sqlflow/pkg/watermark"
	"github.com/oarkflow/sqlflow/pkg/workflow"
)

type Config struct {
	Pipeline   string
	Engine     *engine.Engine
	Connectors *connectors.Registry
	Functions  *udf.Registry
	Watermarks *watermark.Manager
	State      state.Store
	Events     *events.EventBus
	Logger     *log.Logger
}

type Orchestrator struct {
	cfg    Config
	logger *log.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = &log.DefaultLogger
	}
	if cfg.Watermarks == nil && cfg.State != nil {
		cfg.Watermarks = watermark.NewManager(cfg.State, cfg.Logger)
	}
	if cfg.Functions == nil && cfg.Engine != nil {
		cfg.Functions = cfg.Engine.Functions()
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}
}

// Options tune one run. The zero value runs sequentially with fail-fast on,
// no timeouts and no retries.
type Options struct {
	ResumeFromRunID string
	// FailFast defaults to true when nil.
	FailFast     *bool
	Workers      int
	StepTimeout  time.Duration
	StepTimeouts map[string]time.Duration
	Retry        resilience.Policy
	Breaker      BreakerOptions
}

// BreakerOptions share one circuit breaker between the steps that read from
// the same source or write through the same connector type. A zero Threshold
// disables them.
type BreakerOptions struct {
	Threshold int
	Cooldown  time.Duration
}

func (o Options) failFast() bool { return o.FailFast == nil || *o.FailFast }

func (o Options) timeout(id string) time.Duration {
	if d, ok := o.StepTimeouts[id]; ok {
		return d
	}
	return o.StepTimeout
}

// Resolve plans steps, treating tables already present in the engine as
// external.
func (o *Orchestrator) Resolve(ctx context.Context, steps []step.Step, opts ...workflow.ResolveOption) (*workflow.Plan, error) {
	all := []workflow.ResolveOption{workflow.WithPipeline(o.cfg.Pipeline)}
	if o.cfg.Engine != nil {
		tables, err := o.cfg.Engine.Tables(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing engine tables: %w", err)
		}
		all = append(all, workflow.WithExternalTables(tables...))
	}
	return workflow.Resolve(steps, append(all, opts...)...)
}

type stepDone struct {
	id     string
	result executor.StepResult
}

// run holds the mutable state of one Run; only the dispatching goroutine
// touches it, except breakers which workers share under breakerMu.
type run struct {
	o        *Orchestrator
	plan     *workflow.Plan
	opts     Options
	rc       *executor.RunContext
	pipeline string
	runID    string
	resumed  map[string]bool
	results  map[string]*executor.StepResult
	started  map[string]bool
	unusable map[string]bool
	// reading holds the sources a running load is reading from; a source
	// handle serves one load at a time.
	reading map[string]bool

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker
}

// Run executes plan and always returns a result listing every plan step.
func (o *Orchestrator) Run(ctx context.Context, plan *workflow.Plan, opts Options) RunResult {
	pipeline := plan.Pipeline
	if pipeline == "" {
		pipeline = o.cfg.Pipeline
	}
	r := &run{
		o:        o,
		plan:     plan,
		opts:     opts,
		pipeline: pipeline,
		runID:    opts.ResumeFromRunID,
		results:  make(map[string]*executor.StepResult, plan.Len()),
		started:  make(map[string]bool, plan.Len()),
		unusable: make(map[string]bool),
		reading:  make(map[string]bool),
	}
	if r.runID == "" {
		r.runID = xid.New().String()
	}
	result := RunResult{RunID: r.runID, Pipeline: pipeline, Status: RunPlanned, StartedAt: time.Now().UTC()}
	for _, s := range plan.Steps {
		r.results[s.Common().ID] = &executor.StepResult{StepID: s.Common().ID, Kind: s.Kind(), Status: executor.StatusPending}
	}

	resumed, err := r.succeededBefore(ctx)
	if err != nil {
		o.logger.Error().Str("run_id", r.runID).Err(err).Msg("reading history for resume")
		for _, s := range plan.Steps {
			r.finish(ctx, s, executor.StepResult{StepID: s.Common().ID, Kind: s.Kind(), Status: executor.StatusSkipped, Err: err})
		}
		return r.collect(result, RunFailed)
	}
	r.resumed = resumed

	r.rc = &executor.RunContext{
		Pipeline:   pipeline,
		RunID:      r.runID,
		Engine:     o.cfg.Engine,
		Connectors: o.cfg.Connectors,
		Functions:  o.cfg.Functions,
		Watermarks: o.cfg.Watermarks,
		Logger:     o.logger,
	}
	defer r.rc.Close()

	result.Status = RunRunning
	o.logger.Info().Str("run_id", r.runID).Str("pipeline", pipeline).Int("steps", plan.Len()).Int("resumed", len(resumed)).Msg("run started")
	o.cfg.Events.Publish(ctx, events.Event{Type: events.RunStarted, Pipeline: pipeline, RunID: r.runID, Status: string(RunRunning)})

	cancelled := r.dispatch(ctx)
	return r.collect(result, r.status(cancelled))
}

// dispatch runs every step it can and reports whether the run was cancelled.
func (r *run) dispatch(ctx context.Context) bool {
	workers := max(r.opts.Workers, 1)
	done := make(chan stepDone, r.plan.Len())
	running := 0
	stop, cancelled := false, false

	for {
		if !stop && ctx.Err() != nil {
			stop, cancelled = true, true
		}
		for progressed := !stop; progressed && !stop; {
			progressed = false
			for _, s := range r.plan.Steps {
				id := s.Common().ID
				if r.started[id] {
					continue
				}
				if running >= workers {
					break
				}
				ready, blocked := r.depsState(id)
				if blocked {
					r.started[id] = true
					r.unusable[id] = true
					r.finish(ctx, s, skipped(s, "upstream step did not succeed"))
					progressed = true
					continue
				}
				if !ready {
					continue
				}
				source := loadSource(s)
				if source != "" {
					if r.reading[source] {
						continue
					}
					r.reading[source] = true
				}
				r.started[id] = true
				running++
				progressed = true
				if workers == 1 {
					done <- stepDone{id: id, result: r.execute(ctx, s)}
				} else {
					go func(s step.Step) {
						done <- stepDone{id: s.Common().ID, result: r.execute(ctx, s)}
					}(s)
				}
			}
		}
		if running == 0 {
			break
		}
		d := <-done
		running--
		s, _ := r.plan.Step(d.id)
		if source := loadSource(s); source != "" {
			delete(r.reading, source)
		}
		r.finish(ctx, s, d.result)
		if d.result.Status == executor.StatusFailed {
			r.unusable[d.id] = true
			if r.opts.failFast() {
				stop = true
			}
		}
	}

	reason := "run aborted"
	if cancelled {
		reason = "run cancelled"
	}
	for _, s := range r.plan.Steps {
		if id := s.Common().ID; !r.started[id] {
			r.started[id] = true
			r.unusable[id] = true
			r.finish(ctx, s, skipped(s, reason))
		}
	}
	return cancelled
}

func loadSource(s step.Step) string {
	if l, ok := s.(step.Load); ok {
		return l.Source
	}
	return ""
}

// depsState reports whether every upstream step is terminal, and whether
// any of them failed or was skipped without its output existing.
func (r *run) depsState(id string) (ready, blocked bool) {
	ready = true
	for _, dep := range r.plan.Dependencies(id) {
		if r.unusable[dep] {
			return false, true
		}
		if !r.results[dep].Status.Terminal() {
			ready = false
		}
	}
	return ready, false
}

// execute runs one step with retries and its timeout. It runs on a worker
// goroutine and must not touch run state other than rc.
func (r *run) execute(ctx context.Context, s step.Step) executor.StepResult {
	id := s.Common().ID
	_, isSource := s.(step.SourceDefinition)
	if r.resumed[id] && !isSource {
		return skipped(s, "")
	}
	r.o.cfg.Events.Publish(ctx, events.Event{Type: events.StepStarted, Pipeline: r.pipeline, RunID: r.runID, StepID: id})

	started := time.Now().UTC()
	timeout := r.opts.timeout(id)
	policy := r.opts.Retry
	if policy.Breaker == nil {
		policy.Breaker = r.breaker(s)
	}
	userRetry := policy.ShouldRetry
	policy.ShouldRetry = func(err error) bool {
		return executor.Retryable(err) && (userRetry == nil || userRetry(err))
	}
	var res executor.StepResult
	attempts, err := resilience.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()
		res = executor.Dispatch(stepCtx, s, r.rc)
		if res.Err != nil && timeout > 0 && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			res.Err = executor.NewTimeoutError(id, timeout, res.Err)
		}
		if res.Err != nil && attempt < max(policy.MaxAttempts, 1) {
			r.o.logger.Warn().Str("step", id).Int("attempt", attempt).Err(res.Err).Msg("step attempt failed")
		}
		return res.Err
	})
	if attempts == 0 {
		res = executor.StepResult{StepID: id, Kind: s.Kind(), Status: executor.StatusFailed, Err: fmt.Errorf("step %s: %w", id, err)}
	}
	res.Attempts = attempts
	res.StartedAt = started
	res.EndedAt = time.Now().UTC()
	res.Duration = res.EndedAt.Sub(started)
	if r.resumed[id] && res.Status == executor.StatusSucceeded {
		res.Status = executor.StatusSkipped
	}
	return res
}

// breaker returns the shared breaker guarding the external system s talks to,
// or nil when s has none or breakers are off.
func (r *run) breaker(s step.Step) *resilience.CircuitBreaker {
	if r.opts.Breaker.Threshold <= 0 {
		return nil
	}
	var key string
	switch s := s.(type) {
	case step.Load:
		key = "source:" + s.Source
	case step.Export:
		key = "connector:" + s.ConnectorType
	default:
		return nil
	}
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	if r.breakers == nil {
		r.breakers = make(map[string]*resilience.CircuitBreaker)
	}
	cb, ok := r.breakers[key]
	if !ok {
		cb = resilience.NewCircuitBreaker(r.opts.Breaker.Threshold, r.opts.Breaker.Cooldown)
		r.breakers[key] = cb
	}
	return cb
}

func skipped(s step.Step, reason string) executor.StepResult {
	now := time.Now().UTC()
	var err error
	if reason != "" {
		err = errors.New(reason)
	}
	return executor.StepResult{StepID: s.Common().ID, Kind: s.Kind(), Status: executor.StatusSkipped, Err: err, StartedAt: now, EndedAt: now}
}

// finish stores a terminal result, appends it to history and publishes it.
func (r *run) finish(ctx context.Context, s step.Step, res executor.StepResult) {
	id := s.Common().ID
	r.results[id] = &res
	logger := r.o.logger
	ev := events.Event{Pipeline: r.pipeline, RunID: r.runID, StepID: id, Rows: res.RowsAffected, Status: string(res.Status)}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	switch res.Status {
	case executor.StatusSucceeded:
		ev.Type = events.StepCompleted
		logger.Info().Str("step", id).Int("rows", int(res.RowsAffected)).Int("attempts", res.Attempts).Msg("step succeeded")
	case executor.StatusFailed:
		ev.Type = events.StepFailed
		logger.Error().Str("step", id).Int("attempts", res.Attempts).Err(res.Err).Msg("step failed")
	default:
		ev.Type = events.StepSkipped
		logger.Info().Str("step", id).Str("reason", ev.Error).Msg("step skipped")
	}
	r.record(ctx, res)
	r.o.cfg.Events.Publish(ctx, ev)
}

func (r *run) record(ctx context.Context, res executor.StepResult) {
	store := r.o.cfg.State
	if store == nil {
		return
	}
	entry := state.HistoryEntry{
		ID:            uuid.NewString(),
		RunID:         r.runID,
		Pipeline:      r.pipeline,
		StepID:        res.StepID,
		StartedAt:     res.StartedAt,
		EndedAt:       res.EndedAt,
		RowsProcessed: res.RowsAffected,
		Status:        state.Status(res.Status),
	}
	if res.Err != nil {
		entry.ErrorMessage = res.Err.Error()
	}
	ctx = context.WithoutCancel(ctx)
	err := state.WithTx(ctx, store, func(tx state.Tx) error { return tx.AppendHistory(ctx, entry) })
	if err != nil {
		r.o.logger.Error().Str("step", res.StepID).Err(err).Msg("writing execution history")
	}
}

// succeededBefore returns the steps a resumed run already completed.
func (r *run) succeededBefore(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool)
	if r.opts.ResumeFromRunID == "" || r.o.cfg.State == nil {
		return out, nil
	}
	var entries []state.HistoryEntry
	err := state.WithTx(ctx, r.o.cfg.State, func(tx state.Tx) error {
		var err error
		entries, err = tx.ListHistory(ctx, state.HistoryFilter{RunID: r.opts.ResumeFromRunID, Status: state.StatusSucceeded})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, ok := r.plan.Step(e.StepID); ok {
			out[e.StepID] = true
		}
	}
	return out, nil
}

func (r *run) status(cancelled bool) RunStatus {
	if cancelled {
		return RunCancelled
	}
	var succeeded, failed bool
	for _, res := range r.results {
		switch res.Status {
		case executor.StatusSucceeded:
			succeeded = true
		case executor.StatusFailed:
			failed = true
		}
	}
	switch {
	case !failed:
		return RunSucceeded
	case succeeded && !r.opts.failFast():
		return RunPartiallySucceeded
	}
	return RunFailed
}

func (r *run) collect(result RunResult, status RunStatus) RunResult {
	result.Status = status
	result.Duration = time.Since(result.StartedAt)
	result.Steps = make([]executor.StepResult, 0, r.plan.Len())
	for _, s := range r.plan.Steps {
		result.Steps = append(result.Steps, *r.results[s.Common().ID])
	}
	ev := events.Event{Type: events.RunCompleted, Pipeline: result.Pipeline, RunID: result.RunID, Status: string(status)}
	if status == RunFailed || status == RunCancelled {
		ev.Type = events.RunFailed
		if failed := result.Failed(); len(failed) > 0 && failed[0].Err != nil {
			ev.Error = failed[0].Err.Error()
		}
	}
	r.o.logger.Info().Str("run_id", result.RunID).Str("status", string(status)).Msg(result.Summary())
	r.o.cfg.Events.Publish(context.Background(), ev)
	return result
}
