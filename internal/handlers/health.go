package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves GET /ping and HEAD /health.
type HealthHandler struct {
	db     Pinger
	logger *slog.Logger
}

// HealthResponse is the body of GET /ping.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// NewHealthHandler creates a health handler. db may be nil.
func NewHealthHandler(log *slog.Logger, db Pinger) *HealthHandler {
	return &HealthHandler{db: db, logger: log.With(slog.String("handler", "health"))}
}

// Register mounts the health routes.
func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Head)
}

// Ping returns {"status":"ok"} and the database state.
func (h *HealthHandler) Ping(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if h.db != nil {
		resp.Database = "ok"
		if err := h.check(c.Request().Context()); err != nil {
			h.logger.Warn("database ping failed", slog.Any("error", err))
			resp.Status = "degraded"
			resp.Database = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Head returns 200 when the database answers, 503 otherwise.
func (h *HealthHandler) Head(c echo.Context) error {
	if h.db != nil {
		if err := h.check(c.Request().Context()); err != nil {
			return c.NoContent(http.StatusServiceUnavailable)
		}
	}
	return c.NoContent(http.StatusOK)
}

func (h *HealthHandler) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.db.Ping(ctx)
}
