package api

import (
	"context"
	"net/http"
	"time"

	"QuantFlow/internal/service/stream"
	xhttp "QuantFlow/pkg/http"
	xlogger "QuantFlow/pkg/logger"

	"github.com/labstack/echo/v4"
)

// StreamHandler upgrades to websocket and relays run events from the hub.
type StreamHandler struct {
	logger *xlogger.Logger
	hub    *stream.Hub
	ctx    context.Context
}

// NewStreamHandler serves subscribers until ctx ends, which closes every
// open socket on shutdown.
func NewStreamHandler(ctx context.Context, logger *xlogger.Logger, hub *stream.Hub) *StreamHandler {
	return &StreamHandler{logger: logger, hub: hub, ctx: ctx}
}

func (h *StreamHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/runs/:id", h.Serve)
}

// Serve streams one run's events, or every run's for id "*".
func (h *StreamHandler) Serve(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("run id required"))
	}
	if err := h.hub.Serve(h.ctx, c.Response(), c.Request(), id); err != nil {
		h.logger.Debug("websocket closed", xlogger.RunID(id), xlogger.Error(err))
	}
	return nil
}

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	checks  map[string]func(context.Context) error
	timeout time.Duration
}

func NewHealthHandler(checks map[string]func(context.Context) error) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second}
}

func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Live)
	e.GET("/readyz", h.Ready)
}

func (h *HealthHandler) Live(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

// Ready runs every dependency check; any failure answers 503.
func (h *HealthHandler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	out := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			out[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	return xhttp.DataResponse(c, status, out)
}

// Routes registers several handlers as one.
type Routes []xhttp.Handler

func (r Routes) RegisterRoutes(e *echo.Echo) {
	for _, h := range r {
		if h != nil {
			h.RegisterRoutes(e)
		}
	}
}
