package api

import (
	"errors"
	"net/http"

	"QuantFlow/internal/domain/models"
	"QuantFlow/internal/usecase"
	xhttp "QuantFlow/pkg/http"
	xlogger "QuantFlow/pkg/logger"

	"github.com/labstack/echo/v4"
)

// RunsHandler exposes run lifecycle and store inspection over HTTP.
type RunsHandler struct {
	logger *xlogger.Logger
	runs   *usecase.RunService
	mw     []echo.MiddlewareFunc
}

func NewRunsHandler(logger *xlogger.Logger, runs *usecase.RunService, mw ...echo.MiddlewareFunc) *RunsHandler {
	return &RunsHandler{logger: logger, runs: runs, mw: mw}
}

func (h *RunsHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api", h.mw...)
	g.POST("/runs", h.Start)
	g.POST("/runs/:id/resume", h.Resume)
	g.GET("/runs/:id", h.Get)
	g.GET("/store/snapshot", h.Snapshot)
}

// Start creates a run. A finished or suspended run answers 201, a queued one 202.
func (h *RunsHandler) Start(c echo.Context) error {
	req := &models.StartRunRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.AppErrorResponse(c, xhttp.ValidationFailed(verr))
	}
	res, err := h.runs.Start(c.Request().Context(), *req)
	return h.respond(c, http.StatusCreated, res, err)
}

func (h *RunsHandler) Resume(c echo.Context) error {
	req := &models.ResumeRunRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.AppErrorResponse(c, xhttp.ValidationFailed(verr))
	}
	res, err := h.runs.Resume(c.Request().Context(), c.Param("id"), *req)
	return h.respond(c, http.StatusOK, res, err)
}

func (h *RunsHandler) Get(c echo.Context) error {
	res, err := h.runs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return xhttp.AppErrorResponse(c, h.mapError(err))
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *RunsHandler) Snapshot(c echo.Context) error {
	req := &models.SnapshotRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.AppErrorResponse(c, xhttp.ValidationFailed(verr))
	}
	snap, err := h.runs.Snapshot(*req)
	if err != nil {
		return xhttp.AppErrorResponse(c, h.mapError(err))
	}
	return xhttp.SuccessResponse(c, snap)
}

func (h *RunsHandler) respond(c echo.Context, ok int, res *models.RunResponse, err error) error {
	switch {
	case err == nil:
		if res.Queued {
			return xhttp.DataResponse(c, http.StatusAccepted, res)
		}
		return xhttp.DataResponse(c, ok, res)
	case res != nil && usecase.RunOutcome(err):
		// the run itself failed; the request did not
		return xhttp.SuccessResponse(c, res)
	}
	return xhttp.AppErrorResponse(c, h.mapError(err))
}

func (h *RunsHandler) mapError(err error) error {
	switch {
	case errors.Is(err, models.ErrUnknownSession):
		return xhttp.NewAppError("ERR_UNKNOWN_SESSION", "run_id", "run not found or expired", http.StatusNotFound).WithError(err)
	case errors.Is(err, models.ErrRunExists), errors.Is(err, models.ErrNotSuspended), errors.Is(err, models.ErrRunBusy):
		return xhttp.ConflictError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrUnknownCollection), errors.Is(err, models.ErrInvalidRequest):
		return xhttp.BadRequestError(err.Error()).WithError(err)
	}
	h.logger.Error("run request failed", xlogger.Error(err))
	return xhttp.InternalError("run request failed").WithError(err)
}
