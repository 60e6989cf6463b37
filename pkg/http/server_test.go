package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"QuantFlow/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeRequest struct {
	RunID   string `json:"run_id" validate:"required,max=4"`
	Retries int    `json:"retries" default:"2" validate:"gte=1,lte=3"`
}

type routes struct{}

func (routes) RegisterRoutes(e *echo.Echo) {
	e.GET("/panic", func(echo.Context) error { panic("boom") })
	e.POST("/probe", func(c echo.Context) error {
		req := new(probeRequest)
		if verr := ReadAndValidateRequest(c, req); verr != nil {
			return AppErrorResponse(c, ValidationFailed(verr))
		}
		return SuccessResponse(c, req)
	})
	e.GET("/conflict", func(c echo.Context) error {
		return AppErrorResponse(c, ConflictError("run r1 is already executing"))
	})
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

type errorEnvelope struct {
	Status int `json:"status"`
	Data   []struct {
		Code   string `json:"code"`
		Params struct {
			Errors []ValidationError `json:"errors"`
		} `json:"params"`
	} `json:"data"`
}

func TestServerRecoversPanics(t *testing.T) {
	s := NewServer(routes{}, logger.Nop())
	rec := serve(s, http.MethodGet, "/panic", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, "ERR_INTERNAL", env.Data[0].Code)
}

func TestReadAndValidateRequest(t *testing.T) {
	s := NewServer(routes{}, logger.Nop())

	rec := serve(s, http.MethodPost, "/probe", `{"run_id":"r1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":200,"message":"OK","data":{"run_id":"r1","retries":2}}`, rec.Body.String())

	rec = serve(s, http.MethodPost, "/probe", `{"run_id":"too-long","retries":9}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, "ERR_VALIDATION", env.Data[0].Code)
	fields := env.Data[0].Params.Errors
	require.Len(t, fields, 2)
	assert.Equal(t, "run_id", fields[0].Field)
	assert.Equal(t, "ERR_MAX", fields[0].Code)
	assert.Equal(t, "retries", fields[1].Field)
	assert.Equal(t, "retries must be 3 or less", fields[1].Message)

	rec = serve(s, http.MethodPost, "/probe", `{"run_id":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "ERR_MALFORMED", env.Data[0].Params.Errors[0].Code)
}

func TestAppErrorResponse(t *testing.T) {
	s := NewServer(routes{}, logger.Nop())
	rec := serve(s, http.MethodGet, "/conflict", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"status":409,"message":"Conflict","data":[{"code":"ERR_CONFLICT","message":"run r1 is already executing"}]}`, rec.Body.String())
}

func TestServerCORSAndMetrics(t *testing.T) {
	s := NewServer(routes{}, logger.Nop())

	req := httptest.NewRequest(http.MethodOptions, "/probe", nil)
	req.Header.Set(echo.HeaderOrigin, "http://dashboard.local")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	rec = serve(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quantflow_http_requests_total")
}
