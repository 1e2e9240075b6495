package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/igm/herbstat/internal/agent"
	"github.com/igm/herbstat/internal/config"
	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/interchange"
	"github.com/igm/herbstat/internal/logger"
	"github.com/igm/herbstat/internal/session"
	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/workflow"
)

// Server exposes the herb store and the chat sessions over HTTP.
type Server struct {
	app   *fiber.App
	cfg   config.ServerConfig
	agent *agent.Agent
	log   *slog.Logger
}

// New builds the fiber app and registers the routes.
func New(cfg config.ServerConfig, a *agent.Agent) *Server {
	s := &Server{
		cfg:   cfg,
		agent: a,
		log:   logger.L().With("component", "server"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "herbstat",
		BodyLimit:             cfg.BodyLimitMB * 1024 * 1024,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	// OpenTelemetry tracing middleware (traces all HTTP requests)
	app.Use(otelfiber.Middleware())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")
	s.registerHerbRoutes(api)
	s.registerSessionRoutes(api)

	s.app = app
	return s
}

// App returns the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	s.log.Info("server listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var (
		fiberErr *fiber.Error
		verr     *herbstore.ValidationError
		encErr   *interchange.EncodingError
		stepErr  *workflow.StepError
	)
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.As(err, &verr), errors.As(err, &encErr), errors.Is(err, agent.ErrEmptyInput):
		return fiber.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, herbstore.ErrConflict), errors.Is(err, workflow.ErrNothingToResume):
		return fiber.StatusConflict
	case errors.Is(err, session.ErrBusy):
		return fiber.StatusTooManyRequests
	case errors.As(err, &stepErr):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	resp := errorResponse{Error: err.Error()}

	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) {
		resp.State = string(stepErr.State)
	}

	if code >= fiber.StatusInternalServerError {
		s.log.ErrorContext(c.UserContext(), "request failed", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
	} else {
		s.log.DebugContext(c.UserContext(), "request rejected", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
	}
	return c.Status(code).JSON(resp)
}
