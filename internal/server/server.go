// Package server exposes the hive HTTP API: operator chat with the queen, decision governance,
// task delegation, registry and knowledge endpoints, status and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/hive/internal/knowledge"
	"github.com/mohammad-safakhou/hive/internal/llm"
	"github.com/mohammad-safakhou/hive/internal/queen"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Store is the read side of the registry plus direct task creation.
type Store interface {
	GetQueen(ctx context.Context) (store.Agent, error)
	GetAgent(ctx context.Context, id string) (store.Agent, error)
	ListAgents(ctx context.Context, f store.AgentFilter) ([]store.Agent, error)
	CreateTask(ctx context.Context, in store.NewTask) (store.Task, bool, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)
	GetDecision(ctx context.Context, id string) (store.Decision, error)
	ListDecisions(ctx context.Context, f store.DecisionFilter) ([]store.Decision, error)
}

// Queen is the controller surface the API drives.
type Queen interface {
	ProcessMessage(ctx context.Context, queenID, msg string) (queen.Response, error)
	Delegate(ctx context.Context, agentID, content string, priority *int) (store.Task, error)
	Approve(ctx context.Context, id string) (store.Decision, error)
	Reject(ctx context.Context, id, reason string) (store.Decision, error)
	Retry(ctx context.Context, id string) (store.Decision, error)
}

// Knowledge is the connector surface for ingest and query.
type Knowledge interface {
	Query(ctx context.Context, text string, topK int) ([]knowledge.Snippet, error)
	Ingest(ctx context.Context, doc store.KnowledgeDocument) (store.KnowledgeDocument, error)
	IngestMarkdown(ctx context.Context, content, category, source string) (int, error)
}

// Hints is the per-agent Redis hint queue.
type Hints interface {
	Push(ctx context.Context, agentID, taskID string) error
	Len(ctx context.Context, agentID string) (int64, error)
	Ping(ctx context.Context) error
}

// ProviderStatus reports model provider liveness.
type ProviderStatus interface {
	Status(ctx context.Context) []llm.Status
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the API. Knowledge, Hints, Providers, DB and Gatherer are optional.
type Deps struct {
	Store     Store
	Queen     Queen
	Knowledge Knowledge
	Hints     Hints
	Providers ProviderStatus
	DB        Pinger
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Server is the echo application.
type Server struct {
	e      *echo.Echo
	logger *zap.Logger
}

// New builds the echo app with every route registered.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", c.RealIP()),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")
	(&ChatHandler{Store: d.Store, Queen: d.Queen}).Register(api)
	(&TasksHandler{Store: d.Store, Hints: d.Hints, Logger: logger}).Register(api.Group("/tasks"))
	(&AgentsHandler{Store: d.Store, Queen: d.Queen, Hints: d.Hints, Logger: logger}).Register(api.Group("/agents"))
	(&DecisionsHandler{Store: d.Store, Queen: d.Queen}).Register(api.Group("/decisions"))
	(&KnowledgeHandler{Knowledge: d.Knowledge}).Register(api.Group("/knowledge"))
	(&StatusHandler{Store: d.Store, Providers: d.Providers, Hints: d.Hints, DB: d.DB}).Register(api)

	return &Server{e: e, logger: logger}
}

// Handler returns the app as an http.Handler.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", zap.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, queen.ErrAwaitingApproval):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, queen.ErrNotDelegable):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func unavailable(what string) error {
	return echo.NewHTTPError(http.StatusServiceUnavailable, what+" not configured")
}
