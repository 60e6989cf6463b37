package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/service/upstream"
	"QuantFlow/pkg/logger"
	"QuantFlow/pkg/util"
)

const systemPrompt = `You route a stock data assistant. Read the conversation and the run state and answer with one JSON object:
{"analysis": "...", "next_action": "fetch|generate|clarify|validate|terminate", "next_action_desc": "...",
 "intent": {"task": "data|signal|backtest", "ticker": "...", "start_date": "YYYYMMDD", "end_date": "YYYYMMDD", "strategy": "..."}}
Choose clarify when the ticker or the date range is unknown and put the question for the user in next_action_desc.`

var llmActions = []models.Action{
	models.ActionFetch, models.ActionGenerate, models.ActionClarify, models.ActionValidate, models.ActionTerminate,
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// stateSummary is the part of the run the model gets to see.
type stateSummary struct {
	Task             string              `json:"task"`
	DataReady        bool                `json:"data_ready"`
	IndicatorsReady  bool                `json:"indicators_ready"`
	SignalReady      bool                `json:"signal_ready"`
	ValidationPassed bool                `json:"validation_passed"`
	RetryCount       int                 `json:"retry_count"`
	LastErrors       []string            `json:"last_errors,omitempty"`
	StoreKeys        map[string][]string `json:"store_keys"`
	Intent           *models.Intent      `json:"intent,omitempty"`
	Conversation     []chatMessage       `json:"conversation"`
}

// LLM asks an OpenAI-compatible chat completion endpoint for the next action.
type LLM struct {
	base     *upstream.Base
	apiKey   string
	model    string
	fallback *Rules
	log      *logger.Logger
}

// LLMOption configures LLM.
type LLMOption func(*LLM)

func WithLLMLogger(l *logger.Logger) LLMOption { return func(c *LLM) { c.log = l } }

func NewLLM(base *upstream.Base, apiKey, model string, opts ...LLMOption) *LLM {
	c := &LLM{base: base, apiKey: apiKey, model: model, fallback: NewRules(), log: logger.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify asks the model; any transport or parse failure falls back to Rules.
func (c *LLM) Classify(ctx context.Context, in domrepo.ClassifyInput) (domrepo.Classification, error) {
	out, err := c.ask(ctx, in)
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domrepo.Classification{}, ctxErr
	}
	c.log.Warn("llm classification failed, using rules",
		logger.RunID(in.State.RunID), logger.Error(err))
	return c.fallback.Classify(ctx, in)
}

func (c *LLM) ask(ctx context.Context, in domrepo.ClassifyInput) (domrepo.Classification, error) {
	summary, err := json.Marshal(summarize(in))
	if err != nil {
		return domrepo.Classification{}, err
	}
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(summary)},
		},
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	var resp chatResponse
	if err := c.base.PostJSON(ctx, "/chat/completions", headers, req, &resp); err != nil {
		return domrepo.Classification{}, err
	}
	if len(resp.Choices) == 0 {
		return domrepo.Classification{}, errors.New("llm returned no choices")
	}
	return parseReply(in.State, resp.Choices[0].Message.Content)
}

func parseReply(st *models.ExecutionState, content string) (domrepo.Classification, error) {
	m, err := util.ExtractJSON(content, "analysis", "next_action", "next_action_desc")
	if err != nil {
		return domrepo.Classification{}, fmt.Errorf("parse llm reply: %w", err)
	}
	out := domrepo.Classification{
		Action:      models.ParseAction(util.StringValue(m, "next_action"), llmActions...),
		Analysis:    util.StringValue(m, "analysis"),
		Description: util.StringValue(m, "next_action_desc"),
	}

	// the rules reading is the floor; the model's intent only fills in or overrides fields
	ruled, _ := NewRules().Classify(context.Background(), domrepo.ClassifyInput{State: st})
	intent := ruled.Intent
	if raw, ok := m["intent"].(map[string]any); ok {
		var next models.Intent
		next.Task = util.StringValue(raw, "task")
		next.Ticker = strings.ToUpper(util.StringValue(raw, "ticker"))
		next.Strategy = util.StringValue(raw, "strategy")
		if d, err := util.NormalizeDate(util.StringValue(raw, "start_date")); err == nil {
			next.StartDate = d
		}
		if d, err := util.NormalizeDate(util.StringValue(raw, "end_date")); err == nil {
			next.EndDate = d
		}
		intent = MergeIntent(intent, next)
	}
	out.Intent = intent
	return out, nil
}

func summarize(in domrepo.ClassifyInput) stateSummary {
	st := in.State
	s := stateSummary{
		Task:             st.Task(),
		DataReady:        st.DataReady,
		IndicatorsReady:  st.IndicatorsReady,
		SignalReady:      st.SignalReady,
		ValidationPassed: st.ValidationPassed,
		RetryCount:       st.RetryCount,
		StoreKeys:        in.StoreKeys,
		Intent:           st.Intent,
	}
	if n := len(st.Errors); n > 0 {
		s.LastErrors = st.Errors[max(0, n-3):]
	}
	for _, m := range st.Messages {
		s.Conversation = append(s.Conversation, chatMessage{Role: m.Role, Content: util.Truncate(m.Content, 2000)})
	}
	return s
}

var _ domrepo.Classifier = (*LLM)(nil)
