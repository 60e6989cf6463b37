package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"QuantFlow/internal/datastore"
	"QuantFlow/internal/domain/models"
	"QuantFlow/internal/graph"
	"QuantFlow/internal/repository"
	"QuantFlow/internal/service/backtest"
	"QuantFlow/internal/service/classifier"
	"QuantFlow/internal/service/strategy"
	"QuantFlow/internal/service/validation"
	"QuantFlow/internal/usecase"
	"QuantFlow/pkg/cache"
	xlogger "QuantFlow/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMarket struct{ err error }

func (s stubMarket) DailyBars(_ context.Context, ticker, _, _ string, fields []string) (models.FieldTables, error) {
	if s.err != nil {
		return nil, s.err
	}
	idx := make([]time.Time, 20)
	for i := range idx {
		idx[i] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}
	out := models.FieldTables{}
	for _, f := range fields {
		t := models.NewTable(idx, []string{ticker}, 0)
		for i := range idx {
			t.Values[i][0] = 10 + float64(i)*0.1
		}
		out[f] = t
	}
	return out, nil
}

func (stubMarket) DailyIndicators(context.Context, string, string, string, []string) (models.FieldTables, error) {
	return models.FieldTables{}, nil
}

func newTestEcho(t *testing.T, market stubMarket, opts ...usecase.NodesOption) *echo.Echo {
	t.Helper()
	mc := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mc.Close() })

	store := datastore.New()
	nodes := usecase.NewNodes(store, market, classifier.NewRules(), strategy.NewEvaluator(), validation.New(),
		backtest.New(), backtest.NewRenderer(t.TempDir()), opts...)
	g, err := usecase.BuildGraph(nodes)
	require.NoError(t, err)
	exec := graph.NewExecutor(g, repository.NewCacheRunStore(mc, time.Hour))
	svc := usecase.NewRunService(exec, store)

	e := echo.New()
	Routes{
		NewRunsHandler(xlogger.Nop(), svc),
		NewHealthHandler(map[string]func(context.Context) error{
			"store": func(context.Context) error { return nil },
		}),
	}.RegisterRoutes(e)
	return e
}

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func do(t *testing.T, e *echo.Echo, method, target, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func runOf(t *testing.T, env envelope) models.RunResponse {
	t.Helper()
	var r models.RunResponse
	require.NoError(t, json.Unmarshal(env.Data, &r))
	return r
}

func errorCode(t *testing.T, env envelope) string {
	t.Helper()
	var errs []struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &errs))
	require.NotEmpty(t, errs)
	return errs[0].Code
}

func TestStartAndGetRun(t *testing.T) {
	e := newTestEcho(t, stubMarket{})

	code, env := do(t, e, http.MethodPost, "/api/runs", `{"run_id":"r1","message":"AAA prices from 20240101 to 20240120"}`)
	require.Equal(t, http.StatusCreated, code)
	run := runOf(t, env)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.DefaultMaxRetries, run.State.MaxRetries)

	code, env = do(t, e, http.MethodGet, "/api/runs/r1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{usecase.NodeFetch, usecase.NodeValidate}, runOf(t, env).State.ExecutionHistory)

	code, env = do(t, e, http.MethodPost, "/api/runs", `{"run_id":"r1","message":"again"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ERR_CONFLICT", errorCode(t, env))

	code, env = do(t, e, http.MethodGet, "/api/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ERR_UNKNOWN_SESSION", errorCode(t, env))
}

func TestStartValidatesBody(t *testing.T) {
	e := newTestEcho(t, stubMarket{})

	code, env := do(t, e, http.MethodPost, "/api/runs", `{"run_id":"r1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ERR_VALIDATION", errorCode(t, env))

	code, _ = do(t, e, http.MethodPost, "/api/runs", `{"message":"x","strategy":"astrology"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, e, http.MethodPost, "/api/runs", `{"message":"x","start_date":"20240201","end_date":"20240101"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ERR_BAD_REQUEST", errorCode(t, env))
}

func TestSuspendAndResume(t *testing.T) {
	e := newTestEcho(t, stubMarket{})

	code, env := do(t, e, http.MethodPost, "/api/runs", `{"run_id":"r2","message":"show me some prices"}`)
	require.Equal(t, http.StatusCreated, code)
	run := runOf(t, env)
	assert.Equal(t, models.RunSuspended, run.Status)
	assert.NotEmpty(t, run.PendingQuestion)

	code, env = do(t, e, http.MethodPost, "/api/runs/r2/resume", `{"answer":"AAA from 20240101 to 20240120"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.RunCompleted, runOf(t, env).Status)

	code, env = do(t, e, http.MethodPost, "/api/runs/r2/resume", `{"answer":"more"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ERR_CONFLICT", errorCode(t, env))

	code, _ = do(t, e, http.MethodPost, "/api/runs/r2/resume", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, e, http.MethodPost, "/api/runs/ghost/resume", `{"answer":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ERR_UNKNOWN_SESSION", errorCode(t, env))
}

func TestFailedRunIsNotAnHTTPError(t *testing.T) {
	e := newTestEcho(t, stubMarket{err: errors.New("upstream down")}, usecase.WithMaxClarifications(0))

	code, env := do(t, e, http.MethodPost, "/api/runs", `{"run_id":"r3","message":"AAA prices from 20240101 to 20240120","max_retries":1}`)
	require.Equal(t, http.StatusOK, code)
	run := runOf(t, env)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.True(t, run.State.Failed)
	assert.Contains(t, run.State.Errors, "upstream down")
}

func TestSnapshotEndpoint(t *testing.T) {
	e := newTestEcho(t, stubMarket{})
	code, _ := do(t, e, http.MethodPost, "/api/runs", `{"message":"AAA prices from 20240101 to 20240120"}`)
	require.Equal(t, http.StatusCreated, code)

	code, env := do(t, e, http.MethodGet, "/api/store/snapshot?collection=price_volume&field=close", "")
	require.Equal(t, http.StatusOK, code)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Contains(t, snap[models.CollectionPriceVolume], "close")
	assert.Equal(t, 20, snap[models.CollectionPriceVolume]["close"].Rows())
	assert.Len(t, snap, 1)

	code, _ = do(t, e, http.MethodGet, "/api/store/snapshot?collection=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealth(t *testing.T) {
	e := newTestEcho(t, stubMarket{})
	code, _ := do(t, e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)

	failing := echo.New()
	NewHealthHandler(map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	}).RegisterRoutes(failing)
	code, env := do(t, failing, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"redis":"dial tcp: refused"}`, string(env.Data))
}
