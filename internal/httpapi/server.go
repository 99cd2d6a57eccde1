// Package httpapi provides the HTTP API for agentd. Handlers stay thin:
// orchestration lives in internal/graph, this layer only binds requests
// and relays event streams as server-sent events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/graph"
	"github.com/fyrsmithlabs/agentd/internal/registry"
)

// AgentWriter is the write side of the agent registry used by the
// config endpoints.
type AgentWriter interface {
	Upsert(ctx context.Context, cfg *registry.AgentConfig) (*registry.AgentConfig, error)
	Get(ctx context.Context, id string) (*registry.AgentConfig, error)
}

// Server exposes thread runs and agent configuration over HTTP.
type Server struct {
	echo   *echo.Echo
	runner *graph.Runner
	agents AgentWriter
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server.
func NewServer(runner *graph.Runner, agents AgentWriter, logger *zap.Logger, cfg *Config) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8844}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		runner: runner,
		agents: agents,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/v1")
	v1.POST("/threads/:id/run", s.handleRun)
	v1.POST("/threads/:id/resume", s.handleResume)
	if s.agents != nil {
		v1.PUT("/agents/:id", s.handleUpsertAgent)
		v1.GET("/agents/:id", s.handleGetAgent)
	}
}

// RunRequest is the request body for POST /v1/threads/:id/run.
type RunRequest struct {
	AgentID string `json:"agent_id"`
	Input   string `json:"input"`
}

// ResumeRequest is the request body for POST /v1/threads/:id/resume.
type ResumeRequest struct {
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Input        string `json:"input"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRun starts a user turn on a thread and streams its events.
func (s *Server) handleRun(c echo.Context) error {
	threadID := c.Param("id")

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" || req.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id and input are required")
	}

	return s.streamRun(c, func(ctx context.Context, events *graph.Emitter) (*graph.Result, error) {
		return s.runner.Run(ctx, threadID, req.AgentID, req.Input, events)
	})
}

// handleResume continues a suspended thread with the human's answer.
func (s *Server) handleResume(c echo.Context) error {
	threadID := c.Param("id")

	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input is required")
	}

	return s.streamRun(c, func(ctx context.Context, events *graph.Emitter) (*graph.Result, error) {
		return s.runner.Resume(ctx, threadID, req.CheckpointID, req.Input, events)
	})
}

// streamRun executes one run and relays its events as SSE. Client
// disconnect cancels the run context, which the runner records as an
// abort.
func (s *Server) streamRun(c echo.Context, run func(context.Context, *graph.Emitter) (*graph.Result, error)) error {
	ctx := c.Request().Context()

	events := graph.NewEmitter(256)
	errCh := make(chan error, 1)
	go func() {
		defer events.Close()
		_, err := run(ctx, events)
		errCh <- err
	}()

	first := true
	for ev := range events.Events() {
		if first {
			// Defer the SSE preamble until the run survives its
			// fail-fast checks, so config errors map to plain HTTP
			// status codes.
			h := c.Response().Header()
			h.Set(echo.HeaderContentType, "text/event-stream")
			h.Set(echo.HeaderCacheControl, "no-cache")
			h.Set(echo.HeaderConnection, "keep-alive")
			c.Response().WriteHeader(http.StatusOK)
			first = false
		}
		if err := writeEvent(c, ev); err != nil {
			s.logger.Warn("sse write failed", zap.Error(err))
			break
		}
	}

	err := <-errCh
	if err != nil && first {
		return httpError(err)
	}
	if err != nil {
		s.logger.Warn("run failed mid-stream",
			zap.String("thread_id", c.Param("id")),
			zap.Error(err),
		)
	}
	return nil
}

// writeEvent sends one SSE frame.
func writeEvent(c echo.Context, ev graph.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// httpError maps runner errors to HTTP status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, checkpoint.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, graph.ErrThreadSuspended), errors.Is(err, graph.ErrNotSuspended):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrMissingModel):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// handleUpsertAgent creates or updates an agent configuration.
func (s *Server) handleUpsertAgent(c echo.Context) error {
	var cfg registry.AgentConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cfg.ID = c.Param("id")

	saved, err := s.agents.Upsert(c.Request().Context(), &cfg)
	if err != nil {
		if errors.Is(err, registry.ErrMissingModel) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, saved)
}

// handleGetAgent returns an agent configuration.
func (s *Server) handleGetAgent(c echo.Context) error {
	cfg, err := s.agents.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cfg)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
