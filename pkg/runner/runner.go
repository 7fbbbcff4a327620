// Package runner turns pipeline files into orchestrated runs. It owns the
// long-lived pieces shared between runs (state store, connector registry,
// event bus) and opens an engine per run with the pipeline's functions.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/oarkflow/log"

	"github.com/oarkflow/sqlflow/pkg/config"
	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/connectors/builtin"
	"github.com/oarkflow/sqlflow/pkg/connectors/memory"
	"github.com/oarkflow/sqlflow/pkg/engine"
	"github.com/oarkflow/sqlflow/pkg/events"
	"github.com/oarkflow/sqlflow/pkg/orchestrator"
	"github.com/oarkflow/sqlflow/pkg/state"
	"github.com/oarkflow/sqlflow/pkg/udf"
	"github.com/oarkflow/sqlflow/pkg/watermark"
	"github.com/oarkflow/sqlflow/pkg/webhook"
	"github.com/oarkflow/sqlflow/pkg/workflow"
)

const DefaultEnginePath = ".sqlflow/engine.db"

type Config struct {
	// State is the state store DSN, see state.Open.
	State string
	// Engine is the engine database used when a pipeline does not name one.
	Engine     string
	Datasets   *memory.Store
	Connectors *connectors.Registry
	Events     *events.EventBus
	Logger     *log.Logger
}

type Runner struct {
	cfg        Config
	store      state.Store
	watermarks *watermark.Manager
	logger     *log.Logger

	// runs of the same pipeline never overlap
	mu      sync.Mutex
	running map[string]*sync.Mutex
}

func New(cfg Config) (*Runner, error) {
	if cfg.Logger == nil {
		cfg.Logger = &log.DefaultLogger
	}
	if cfg.Engine == "" {
		cfg.Engine = DefaultEnginePath
	}
	if cfg.Events == nil {
		cfg.Events = events.NewEventBus(cfg.Logger)
	}
	if cfg.Connectors == nil {
		cfg.Connectors = builtin.Registry(cfg.Datasets)
	}
	store, err := state.Open(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Runner{
		cfg:        cfg,
		store:      store,
		watermarks: watermark.NewManager(store, cfg.Logger),
		logger:     cfg.Logger,
		running:    make(map[string]*sync.Mutex),
	}, nil
}

func (r *Runner) Close() error {
	return r.store.Close()
}

func (r *Runner) Watermarks() *watermark.Manager { return r.watermarks }

func (r *Runner) Events() *events.EventBus { return r.cfg.Events }

// History lists execution history entries, oldest first.
func (r *Runner) History(ctx context.Context, filter state.HistoryFilter) ([]state.HistoryEntry, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ListHistory(ctx, filter)
}

// session is one opened pipeline: its engine, orchestrator and plan.
type session struct {
	engine       *engine.Engine
	orchestrator *orchestrator.Orchestrator
	plan         *workflow.Plan
}

func (s *session) Close() error { return s.engine.Close() }

func (r *Runner) open(ctx context.Context, p *config.Pipeline) (*session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	steps, err := p.BuildSteps()
	if err != nil {
		return nil, err
	}
	functions := udf.NewRegistry()
	if err := udf.RegisterDefaults(functions); err != nil {
		return nil, err
	}
	if err := p.RegisterFunctions(functions); err != nil {
		return nil, err
	}
	path := p.Settings.Engine
	if path == "" {
		path = r.cfg.Engine
	}
	eng, err := engine.Open(path, functions)
	if err != nil {
		return nil, err
	}
	bus, err := r.runBus(p)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	o := orchestrator.New(orchestrator.Config{
		Pipeline:   p.Name,
		Engine:     eng,
		Connectors: r.cfg.Connectors,
		Functions:  functions,
		Watermarks: r.watermarks,
		State:      r.store,
		Events:     bus,
		Logger:     r.logger,
	})
	plan, err := o.Resolve(ctx, steps, workflow.WithExternalTables(p.Settings.ExternalTables...))
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	return &session{engine: eng, orchestrator: o, plan: plan}, nil
}

// runBus forwards a run's events to the shared bus and to the pipeline's
// webhooks.
func (r *Runner) runBus(p *config.Pipeline) (*events.EventBus, error) {
	bus := events.NewEventBus(r.logger)
	shared := r.cfg.Events
	bus.Subscribe(func(ctx context.Context, e events.Event) error {
		shared.Publish(ctx, e)
		return nil
	})
	for _, cfg := range p.Settings.Notify {
		n, err := webhook.New(cfg, r.logger)
		if err != nil {
			return nil, err
		}
		n.Subscribe(bus)
	}
	return bus, nil
}

// Plan resolves the pipeline without running it.
func (r *Runner) Plan(ctx context.Context, p *config.Pipeline) (*workflow.Plan, error) {
	s, err := r.open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.plan, nil
}

// Run executes the pipeline once. Options come from the pipeline settings;
// override, when non-nil, adjusts them (flags on top of the file).
func (r *Runner) Run(ctx context.Context, p *config.Pipeline, override func(*orchestrator.Options)) (orchestrator.RunResult, error) {
	opts, err := p.Settings.Options()
	if err != nil {
		return orchestrator.RunResult{}, err
	}
	if override != nil {
		override(&opts)
	}
	lock := r.lock(p.Name)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.open(ctx, p)
	if err != nil {
		return orchestrator.RunResult{}, err
	}
	defer s.Close()
	return s.orchestrator.Run(ctx, s.plan, opts), nil
}

func (r *Runner) lock(pipeline string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.running[pipeline]
	if !ok {
		l = &sync.Mutex{}
		r.running[pipeline] = l
	}
	return l
}
