package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/service/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateWith(msgs ...string) *models.ExecutionState {
	st := models.NewExecutionState("r1", "", time.Now())
	for _, m := range msgs {
		st.Messages = append(st.Messages, models.Message{Role: models.RoleUser, Content: m})
	}
	return st
}

func TestParseIntent(t *testing.T) {
	cases := []struct {
		name string
		text string
		want models.Intent
	}{
		{
			name: "cn ticker with range",
			text: "get 000001.sz daily data from 20240101 to 2024-03-31",
			want: models.Intent{Ticker: "000001.SZ", StartDate: "20240101", EndDate: "20240331"},
		},
		{
			name: "us tickers and strategy",
			text: "ma cross signal for AAA and BBB fast=3",
			want: models.Intent{Ticker: "AAA,BBB", Task: models.TaskSignal, Strategy: "ma_cross", Params: map[string]float64{"fast": 3}},
		},
		{
			name: "backtest keyword wins",
			text: "backtest a momentum strategy on AAA",
			want: models.Intent{Ticker: "AAA", Task: models.TaskBacktest, Strategy: "momentum"},
		},
		{
			name: "plural is not a strategy word",
			text: "Show me the close values for AAA from 20240101 to 20240130",
			want: models.Intent{Ticker: "AAA", StartDate: "20240101", EndDate: "20240130"},
		},
		{
			name: "loose strategy word alone keeps a data task",
			text: "Get the trend of AAA prices from 20240101 to 20240130",
			want: models.Intent{Ticker: "AAA", StartDate: "20240101", EndDate: "20240130"},
		},
		{
			name: "loose strategy word with a signal keyword",
			text: "value signal for AAA",
			want: models.Intent{Ticker: "AAA", Task: models.TaskSignal, Strategy: "value"},
		},
		{
			name: "named strategy implies a signal",
			text: "mean reversion on AAA",
			want: models.Intent{Ticker: "AAA", Task: models.TaskSignal, Strategy: "mean_reversion"},
		},
		{
			name: "stop words are not tickers",
			text: "PE and PB please",
			want: models.Intent{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseIntent(tc.text))
		})
	}
}

func TestMergeIntent(t *testing.T) {
	base := &models.Intent{Ticker: "AAA", StartDate: "20240101", Task: models.TaskBacktest}

	got := MergeIntent(base, models.Intent{StartDate: "20240301", Task: models.TaskData})
	assert.Equal(t, "20240301", got.EndDate, "a later single date closes the range")
	assert.Equal(t, models.TaskBacktest, got.Task, "task never downgrades")

	got = MergeIntent(got, models.Intent{Strategy: "value"})
	assert.Equal(t, []string{"pe", "pb"}, got.Indicators)
	assert.Equal(t, "AAA", base.Ticker)
	assert.Empty(t, base.EndDate, "base is not mutated")
}

func TestRulesClassify(t *testing.T) {
	r := NewRules()
	ctx := context.Background()

	out, err := r.Classify(ctx, domrepo.ClassifyInput{State: stateWith("show me prices from 20240101 to 20240131")})
	require.NoError(t, err)
	assert.Equal(t, models.ActionClarify, out.Action)
	assert.Contains(t, out.Description, "ticker")

	st := stateWith("AAA daily data 20240101 20240131")
	out, err = r.Classify(ctx, domrepo.ClassifyInput{State: st})
	require.NoError(t, err)
	assert.Equal(t, models.ActionFetch, out.Action)
	assert.Equal(t, models.TaskData, out.Intent.Task)

	st.DataReady = true
	out, _ = r.Classify(ctx, domrepo.ClassifyInput{State: st})
	assert.Equal(t, models.ActionValidate, out.Action)

	st.ValidationPassed = true
	out, _ = r.Classify(ctx, domrepo.ClassifyInput{State: st})
	assert.Equal(t, models.ActionTerminate, out.Action)

	out, _ = r.Classify(ctx, domrepo.ClassifyInput{State: stateWith("Show me the close values for AAA from 20240101 to 20240130")})
	assert.Equal(t, models.TaskData, out.Intent.Task)
	assert.Equal(t, models.ActionFetch, out.Action)
}

func TestRulesRefetchesMissingIndicators(t *testing.T) {
	st := stateWith("value signal for AAA 20240101 20240131")
	st.DataReady = true
	out, err := NewRules().Classify(context.Background(), domrepo.ClassifyInput{State: st})
	require.NoError(t, err)
	assert.Equal(t, models.ActionFetch, out.Action)
	assert.Equal(t, []string{"pe", "pb"}, out.Intent.Indicators)

	st.IndicatorsReady = true
	out, _ = NewRules().Classify(context.Background(), domrepo.ClassifyInput{State: st})
	assert.Equal(t, models.ActionGenerate, out.Action)
}

func TestRulesSignalNeedsStrategy(t *testing.T) {
	st := stateWith("signal for AAA 20240101 20240131")
	out, err := NewRules().Classify(context.Background(), domrepo.ClassifyInput{State: st})
	require.NoError(t, err)
	assert.Equal(t, models.ActionClarify, out.Action)
	assert.Contains(t, out.Description, "strategy")

	st.Messages = append(st.Messages, models.Message{Role: models.RoleUser, Content: "momentum"})
	st.DataReady = true
	out, _ = NewRules().Classify(context.Background(), domrepo.ClassifyInput{State: st})
	assert.Equal(t, models.ActionGenerate, out.Action)

	// once the run is about a signal a loose word answers the question
	st = stateWith("signal for AAA 20240101 20240131", "the trend one")
	out, _ = NewRules().Classify(context.Background(), domrepo.ClassifyInput{State: st})
	assert.Equal(t, "momentum", out.Intent.Strategy)
}

func chatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		require.Len(t, req.Messages, 2)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
}

func newLLM(url string) *LLM {
	return NewLLM(upstream.New(upstream.Config{Name: "llm", BaseURL: url, Attempts: 1}), "k", "m")
}

func TestLLMClassify(t *testing.T) {
	reply := "Sure.\n```json\n{\"analysis\": \"need data\", \"next_action\": \"fetch\", \"next_action_desc\": \"get bars\"," +
		" \"intent\": {\"ticker\": \"aaa\", \"start_date\": \"2024-01-01\", \"end_date\": \"2024-01-31\"}}\n```"
	srv := chatServer(t, reply, http.StatusOK)
	defer srv.Close()

	out, err := newLLM(srv.URL).Classify(context.Background(), domrepo.ClassifyInput{State: stateWith("prices please")})
	require.NoError(t, err)
	assert.Equal(t, models.ActionFetch, out.Action)
	assert.Equal(t, "get bars", out.Description)
	require.NotNil(t, out.Intent)
	assert.Equal(t, "AAA", out.Intent.Ticker)
	assert.Equal(t, "20240101", out.Intent.StartDate)
	assert.Equal(t, "20240131", out.Intent.EndDate)
}

func TestLLMUnknownActionBecomesClarify(t *testing.T) {
	srv := chatServer(t, `{"analysis": "x", "next_action": "write_code", "next_action_desc": "?"}`, http.StatusOK)
	defer srv.Close()

	out, err := newLLM(srv.URL).Classify(context.Background(), domrepo.ClassifyInput{State: stateWith("hi")})
	require.NoError(t, err)
	assert.Equal(t, models.ActionClarify, out.Action)
}

func TestLLMFallsBackToRules(t *testing.T) {
	for name, srv := range map[string]*httptest.Server{
		"server error": chatServer(t, "", http.StatusInternalServerError),
		"no json":      chatServer(t, "I think you should fetch", http.StatusOK),
	} {
		t.Run(name, func(t *testing.T) {
			defer srv.Close()
			out, err := newLLM(srv.URL).Classify(context.Background(),
				domrepo.ClassifyInput{State: stateWith("AAA 20240101 20240131")})
			require.NoError(t, err)
			assert.Equal(t, models.ActionFetch, out.Action)
		})
	}
}
