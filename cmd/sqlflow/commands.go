package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/oarkflow/log"
	"github.com/urfave/cli/v2"

	"github.com/oarkflow/sqlflow/pkg/config"
	"github.com/oarkflow/sqlflow/pkg/orchestrator"
	"github.com/oarkflow/sqlflow/pkg/runner"
	"github.com/oarkflow/sqlflow/pkg/scheduler"
	"github.com/oarkflow/sqlflow/pkg/server"
	"github.com/oarkflow/sqlflow/pkg/state"
	"github.com/oarkflow/sqlflow/pkg/watermark"
)

func loadPipeline(c *cli.Context) (*config.Pipeline, error) {
	vars, err := config.ParseVars(c.StringSlice("var"))
	if err != nil {
		return nil, err
	}
	p, err := config.Load(c.String("file"), vars)
	if err != nil {
		return nil, err
	}
	if c.IsSet("engine") {
		p.Settings.Engine = c.String("engine")
	}
	return p, nil
}

// openRunner opens the state store named by --state, falling back to the
// pipeline's settings when a pipeline is given.
func openRunner(c *cli.Context, p *config.Pipeline) (*runner.Runner, error) {
	dsn := c.String("state")
	if !c.IsSet("state") && p != nil && p.Settings.State != "" {
		dsn = p.Settings.State
	}
	return runner.New(runner.Config{State: dsn, Engine: c.String("engine")})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runPipeline(c *cli.Context) error {
	p, err := loadPipeline(c)
	if err != nil {
		return err
	}
	r, err := openRunner(c, p)
	if err != nil {
		return err
	}
	defer r.Close()

	override := func(o *orchestrator.Options) {
		if c.IsSet("resume") {
			o.ResumeFromRunID = c.String("resume")
		}
		if c.Bool("continue-on-error") {
			failFast := false
			o.FailFast = &failFast
		}
		if c.IsSet("workers") {
			o.Workers = c.Int("workers")
		}
		if c.IsSet("timeout") {
			o.StepTimeout = c.Duration("timeout")
		}
	}
	ctx, stop := signalContext(c.Context)
	defer stop()

	spec := c.String("schedule")
	if spec == "" {
		result, err := r.Run(ctx, p, override)
		if err != nil {
			return err
		}
		printRun(result)
		return result.Err()
	}

	scheduled := firstRunOnly(override)
	sched := scheduler.New(&log.DefaultLogger)
	err = sched.Add(p.Name, spec, func(ctx context.Context) error {
		result, err := r.Run(ctx, p, scheduled)
		if err != nil {
			return err
		}
		printRun(result)
		return result.Err()
	})
	if err != nil {
		return err
	}
	sched.Start()
	if next, ok := sched.Next(p.Name); ok {
		fmt.Printf("pipeline %s scheduled %q, next run at %s\n", p.Name, spec, next.Format(time.RFC3339))
	}
	<-ctx.Done()
	fmt.Println("stopping scheduler")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sched.Stop(stopCtx)
}

// firstRunOnly applies override on every call but keeps its resume id for
// the first call only.
func firstRunOnly(override func(*orchestrator.Options)) func(*orchestrator.Options) {
	var used atomic.Bool
	return func(o *orchestrator.Options) {
		override(o)
		if used.Swap(true) {
			o.ResumeFromRunID = ""
		}
	}
}

func printRun(result orchestrator.RunResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tKIND\tSTATUS\tROWS\tATTEMPTS\tDURATION\tERROR")
	for _, s := range result.Steps {
		msg := ""
		if s.Err != nil {
			msg = s.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", s.StepID, s.Kind, s.Status, s.RowsAffected, s.Attempts, s.Duration.Round(time.Millisecond), msg)
	}
	w.Flush()
	fmt.Println(result.Summary())
}

func planPipeline(c *cli.Context) error {
	p, err := loadPipeline(c)
	if err != nil {
		return err
	}
	r, err := openRunner(c, p)
	if err != nil {
		return err
	}
	defer r.Close()
	plan, err := r.Plan(c.Context, p)
	if err != nil {
		return err
	}
	fmt.Println(plan.String())
	fmt.Println()
	for i, level := range plan.Levels() {
		fmt.Printf("level %d: %v\n", i, level)
	}
	return nil
}

func validatePipeline(c *cli.Context) error {
	p, err := loadPipeline(c)
	if err != nil {
		return err
	}
	if p.Settings.Schedule != "" {
		if err := scheduler.Validate(p.Settings.Schedule); err != nil {
			return err
		}
	}
	if _, err := p.Settings.Options(); err != nil {
		return err
	}
	r, err := runner.New(runner.Config{State: "memory://", Engine: c.String("engine")})
	if err != nil {
		return err
	}
	defer r.Close()
	plan, err := r.Plan(c.Context, p)
	if err != nil {
		return err
	}
	fmt.Printf("pipeline %s is valid: %d steps in %d levels\n", p.Name, plan.Len(), len(plan.Levels()))
	return nil
}

func keyFrom(c *cli.Context) watermark.Key {
	return watermark.Key{
		Pipeline:    c.String("pipeline"),
		Source:      c.String("source"),
		Target:      c.String("target"),
		CursorField: c.String("cursor"),
	}
}

func printWatermarks(list ...state.Watermark) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tTARGET\tCURSOR\tVALUE\tMODE\tUPDATED")
	for _, wm := range list {
		value := "<none>"
		if wm.CursorValue != nil {
			value = fmt.Sprint(wm.CursorValue)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", wm.Source, wm.Target, wm.CursorField, value, wm.SyncMode, wm.LastUpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func listWatermarks(c *cli.Context) error {
	r, err := openRunner(c, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	list, err := r.Watermarks().List(c.Context, c.String("pipeline"))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Printf("no watermarks for pipeline %s\n", c.String("pipeline"))
		return nil
	}
	printWatermarks(list...)
	return nil
}

func showWatermark(c *cli.Context) error {
	r, err := openRunner(c, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	wm, err := r.Watermarks().Show(c.Context, keyFrom(c))
	if err != nil {
		return err
	}
	printWatermarks(wm)
	return nil
}

func resetWatermark(c *cli.Context) error {
	r, err := openRunner(c, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	key := keyFrom(c)
	if err := r.Watermarks().Reset(c.Context, key); err != nil {
		return err
	}
	fmt.Printf("watermark %s reset\n", key)
	return nil
}

func showHistory(c *cli.Context) error {
	if !c.IsSet("run") && !c.IsSet("pipeline") {
		return errors.New("history needs --run or --pipeline")
	}
	r, err := openRunner(c, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	entries, err := r.History(c.Context, state.HistoryFilter{
		RunID:    c.String("run"),
		Pipeline: c.String("pipeline"),
		Limit:    c.Int("limit"),
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPIPELINE\tSTEP\tSTATUS\tROWS\tSTARTED\tTOOK\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n", e.RunID, e.Pipeline, e.StepID, e.Status, e.RowsProcessed,
			e.StartedAt.Format(time.RFC3339), e.EndedAt.Sub(e.StartedAt).Round(time.Millisecond), e.ErrorMessage)
	}
	return w.Flush()
}

func serve(c *cli.Context) error {
	r, err := openRunner(c, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx, stop := signalContext(c.Context)
	defer stop()

	vars, err := config.ParseVars(c.StringSlice("var"))
	if err != nil {
		return err
	}
	sched := scheduler.New(&log.DefaultLogger)
	for _, file := range c.StringSlice("file") {
		p, err := config.Load(file, vars)
		if err != nil {
			return err
		}
		if p.Settings.Schedule == "" {
			fmt.Printf("pipeline %s has no schedule, it can still be run via the api\n", p.Name)
			continue
		}
		err = sched.Add(p.Name, p.Settings.Schedule, func(ctx context.Context) error {
			result, err := r.Run(ctx, p, nil)
			if err != nil {
				return err
			}
			return result.Err()
		})
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
	}
	sched.Start()

	srv := server.NewServer(r, server.Config{Version: version, AccessLog: c.Bool("access-log")})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(c.String("addr"))
	}()

	select {
	case err := <-serverErr:
		_ = sched.Stop(context.Background())
		return err
	case <-ctx.Done():
		fmt.Println("shutting down")
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		return err
	}
	return srv.Shutdown()
}
