// Package httpapi exposes webhook and event triggers, execution reads and a
// server-sent event stream over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
)

const serviceName = "stepflow"

// Triggerer starts executions from inbound HTTP traffic and reads them back.
type Triggerer interface {
	TriggerWebhook(ctx context.Context, organizationID, workflowName string, payload map[string]any) (string, error)
	TriggerEvent(ctx context.Context, organizationID, eventType string, payload map[string]any) ([]string, error)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Service Triggerer
	// Hub backs the SSE stream. Without it /events answers 404.
	Hub streaming.Hub
	// MCP, when set, is mounted at /mcp.
	MCP            http.Handler
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Server{deps: deps, echo: echo.New()}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	var otelOpts []otelecho.Option
	if deps.TracerProvider != nil {
		otelOpts = append(otelOpts, otelecho.WithTracerProvider(deps.TracerProvider))
	}
	e.Use(otelecho.Middleware(serviceName, otelOpts...))

	// Triggers.
	e.POST("/hooks/:org/:workflow", s.handleWebhook)
	e.POST("/events/:org/:type", s.handleEvent)

	// Reads.
	e.GET("/executions/:id", s.handleGetExecution)
	e.GET("/definitions/:id/executions", s.handleListExecutions)

	// SSE.
	e.GET("/events", s.handleSSE)

	if deps.MCP != nil {
		e.Any("/mcp", echo.WrapHandler(deps.MCP))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}
