// Package server exposes pipeline runs, watermarks and execution history
// over HTTP.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/oarkflow/json"
	"github.com/oarkflow/log"

	"github.com/oarkflow/sqlflow/pkg/config"
	"github.com/oarkflow/sqlflow/pkg/orchestrator"
	"github.com/oarkflow/sqlflow/pkg/runner"
	"github.com/oarkflow/sqlflow/pkg/state"
	"github.com/oarkflow/sqlflow/pkg/watermark"
	"github.com/oarkflow/sqlflow/pkg/workflow"
)

type Config struct {
	Version string
	// AccessLog enables the request logging middleware.
	AccessLog bool
	Logger    *log.Logger
}

type Server struct {
	app    *fiber.App
	runner *runner.Runner
	config Config
	logger *log.Logger
}

// RunRequest names a pipeline either by file path or by inline content.
type RunRequest struct {
	File    string            `json:"file"`
	Config  string            `json:"config"`
	Format  string            `json:"format"`
	Vars    map[string]string `json:"vars"`
	Options RunOptions        `json:"options"`
}

type RunOptions struct {
	Resume          string `json:"resume"`
	ContinueOnError bool   `json:"continue_on_error"`
	Workers         int    `json:"workers"`
	Timeout         string `json:"timeout"`
}

type PlanResponse struct {
	Pipeline string     `json:"pipeline"`
	Steps    []string   `json:"steps"`
	Levels   [][]string `json:"levels"`
	Plan     string     `json:"plan"`
}

func NewServer(r *runner.Runner, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = &log.DefaultLogger
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           func(v any) ([]byte, error) { return json.Marshal(v) },
		JSONDecoder:           func(data []byte, v any) error { return json.Unmarshal(data, v) },
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(statusOf(err)).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})
	server := &Server{
		app:    app,
		runner: r,
		config: cfg,
		logger: cfg.Logger,
	}
	server.setupRoutes()
	return server
}

// App returns the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) setupRoutes() {
	s.app.Use(cors.New())
	if s.config.AccessLog {
		s.app.Use(logger.New())
	}

	s.app.Get("/api/health", s.healthHandler)

	// Watermarks
	s.app.Get("/api/pipelines/:pipeline/watermarks", s.listWatermarksHandler)
	s.app.Get("/api/pipelines/:pipeline/watermarks/:source/:target/:cursor", s.showWatermarkHandler)
	s.app.Delete("/api/pipelines/:pipeline/watermarks/:source/:target/:cursor", s.resetWatermarkHandler)
	s.app.Get("/api/pipelines/:pipeline/history", s.pipelineHistoryHandler)

	// Runs
	s.app.Post("/api/plans", s.planHandler)
	s.app.Post("/api/runs", s.runHandler)
	s.app.Get("/api/runs/:run/history", s.runHistoryHandler)
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	var fe *fiber.Error
	var planning workflow.PlanningError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, state.ErrNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &planning):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"version":   s.config.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func watermarkKey(c *fiber.Ctx) watermark.Key {
	return watermark.Key{
		Pipeline:    c.Params("pipeline"),
		Source:      c.Params("source"),
		Target:      c.Params("target"),
		CursorField: c.Params("cursor"),
	}
}

func (s *Server) listWatermarksHandler(c *fiber.Ctx) error {
	list, err := s.runner.Watermarks().List(c.UserContext(), c.Params("pipeline"))
	if err != nil {
		return err
	}
	if list == nil {
		list = []state.Watermark{}
	}
	return c.JSON(list)
}

func (s *Server) showWatermarkHandler(c *fiber.Ctx) error {
	wm, err := s.runner.Watermarks().Show(c.UserContext(), watermarkKey(c))
	if err != nil {
		return err
	}
	return c.JSON(wm)
}

func (s *Server) resetWatermarkHandler(c *fiber.Ctx) error {
	key := watermarkKey(c)
	if err := s.runner.Watermarks().Reset(c.UserContext(), key); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"reset": key.String()})
}

func (s *Server) runHistoryHandler(c *fiber.Ctx) error {
	return s.history(c, state.HistoryFilter{RunID: c.Params("run")})
}

func (s *Server) pipelineHistoryHandler(c *fiber.Ctx) error {
	return s.history(c, state.HistoryFilter{Pipeline: c.Params("pipeline"), Limit: c.QueryInt("limit")})
}

func (s *Server) history(c *fiber.Ctx, filter state.HistoryFilter) error {
	entries, err := s.runner.History(c.UserContext(), filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 && filter.RunID != "" {
		return fiber.NewError(fiber.StatusNotFound, "no history for run "+filter.RunID)
	}
	if entries == nil {
		entries = []state.HistoryEntry{}
	}
	return c.JSON(entries)
}

func (s *Server) pipeline(c *fiber.Ctx) (*config.Pipeline, RunRequest, error) {
	var req RunRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, req, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	var (
		p   *config.Pipeline
		err error
	)
	switch {
	case req.File != "":
		p, err = config.Load(req.File, req.Vars)
	case req.Config != "":
		p, err = config.Parse([]byte(req.Config), config.Format(req.Format), req.Vars)
	default:
		return nil, req, fiber.NewError(fiber.StatusBadRequest, "file or config is required")
	}
	if err != nil {
		return nil, req, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return p, req, nil
}

func (s *Server) planHandler(c *fiber.Ctx) error {
	p, _, err := s.pipeline(c)
	if err != nil {
		return err
	}
	plan, err := s.runner.Plan(c.UserContext(), p)
	if err != nil {
		return err
	}
	return c.JSON(PlanResponse{Pipeline: p.Name, Steps: plan.IDs(), Levels: plan.Levels(), Plan: plan.String()})
}

func (s *Server) runHandler(c *fiber.Ctx) error {
	p, req, err := s.pipeline(c)
	if err != nil {
		return err
	}
	var timeout time.Duration
	if req.Options.Timeout != "" {
		if timeout, err = time.ParseDuration(req.Options.Timeout); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "timeout: "+err.Error())
		}
	}
	result, err := s.runner.Run(c.UserContext(), p, func(o *orchestrator.Options) {
		o.ResumeFromRunID = req.Options.Resume
		if req.Options.ContinueOnError {
			failFast := false
			o.FailFast = &failFast
		}
		if req.Options.Workers > 0 {
			o.Workers = req.Options.Workers
		}
		if timeout > 0 {
			o.StepTimeout = timeout
		}
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("pipeline", p.Name).Str("run", result.RunID).Str("status", string(result.Status)).Msg("run finished via api")
	status := fiber.StatusOK
	if result.Status != orchestrator.RunSucceeded {
		status = fiber.StatusUnprocessableEntity
	}
	return c.Status(status).JSON(result)
}

func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting api server")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	s.logger.Info().Msg("shutting down api server")
	return s.app.Shutdown()
}
