package models

import (
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Task kinds inferred from the conversation.
const (
	TaskData     = "data"
	TaskSignal   = "signal"
	TaskBacktest = "backtest"
)

// Defaults applied to new runs.
const (
	DefaultMaxRetries = 3
	DefaultInitCash   = 100000
	DefaultFees       = 0.001
	DefaultSlippage   = 0.0
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Action is the closed set of decisions a reflection step can produce.
type Action string

const (
	ActionFetch     Action = "fetch"
	ActionGenerate  Action = "generate"
	ActionClarify   Action = "clarify"
	ActionValidate  Action = "validate"
	ActionTerminate Action = "terminate"
	ActionBacktest  Action = "backtest"
	ActionPlot      Action = "pnl_plot"
)

var actionAliases = map[string]Action{
	"fetch":           ActionFetch,
	"data_fetch":      ActionFetch,
	"generate":        ActionGenerate,
	"signal_generate": ActionGenerate,
	"clarify":         ActionClarify,
	"validate":        ActionValidate,
	"validation":      ActionValidate,
	"terminate":       ActionTerminate,
	"end":             ActionTerminate,
	"backtest":        ActionBacktest,
	"pnl_plot":        ActionPlot,
	"plot":            ActionPlot,
}

// ParseAction maps free-form classifier output to an Action. Anything outside
// allowed (or unknown) becomes ActionClarify.
func ParseAction(raw string, allowed ...Action) Action {
	a, ok := actionAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return ActionClarify
	}
	if len(allowed) == 0 {
		return a
	}
	for _, x := range allowed {
		if x == a {
			return a
		}
	}
	return ActionClarify
}

// Message is one conversation turn.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// Intent is the structured reading of what the user asked for.
type Intent struct {
	Task       string             `json:"task,omitempty"`
	Ticker     string             `json:"ticker,omitempty"`
	StartDate  string             `json:"start_date,omitempty"`
	EndDate    string             `json:"end_date,omitempty"`
	Strategy   string             `json:"strategy,omitempty"`
	Params     map[string]float64 `json:"params,omitempty"`
	Fields     []string           `json:"fields,omitempty"`
	Indicators []string           `json:"indicators,omitempty"`
}

// Complete reports whether the intent names a ticker and a date range.
func (i *Intent) Complete() bool {
	return i != nil && i.Ticker != "" && i.StartDate != "" && i.EndDate != ""
}

// Decision is one reflection verdict, kept for audit.
type Decision struct {
	Node        string    `json:"node"`
	Action      Action    `json:"action"`
	Analysis    string    `json:"analysis,omitempty"`
	Description string    `json:"description,omitempty"`
	Time        time.Time `json:"time"`
}

// BacktestParams configures one backtest.
type BacktestParams struct {
	InitCash float64 `json:"init_cash" yaml:"init_cash"`
	Fees     float64 `json:"fees" yaml:"fees"`
	Slippage float64 `json:"slippage" yaml:"slippage"`
}

// DefaultBacktestParams returns init_cash 100000, fees 0.1%, no slippage.
func DefaultBacktestParams() BacktestParams {
	return BacktestParams{InitCash: DefaultInitCash, Fees: DefaultFees, Slippage: DefaultSlippage}
}

// BacktestStats summarizes a backtest.
type BacktestStats struct {
	TotalReturn float64 `json:"total_return"`
	AnnReturn   float64 `json:"ann_return"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Trades      int     `json:"trades"`
	FinalValue  float64 `json:"final_value"`
}

// ExecutionState is threaded through every node of a run.
type ExecutionState struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	CurrentNode string    `json:"current_node"`
	Step        int       `json:"step"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Messages    []Message `json:"messages"`
	CurrentTask string    `json:"current_task"`

	DataReady        bool `json:"data_ready"`
	IndicatorsReady  bool `json:"indicators_ready"`
	SignalReady      bool `json:"signal_ready"`
	ValidationPassed bool `json:"validation_passed"`

	Intent             *Intent `json:"intent,omitempty"`
	PendingQuestion    string  `json:"pending_question,omitempty"`
	ClarificationCount int     `json:"clarification_count"`

	ExecutionHistory []string   `json:"execution_history"`
	Errors           []string   `json:"errors"`
	Warnings         []string   `json:"warnings"`
	Decisions        []Decision `json:"decisions"`

	RetryCount     int    `json:"retry_count"`
	MaxRetries     int    `json:"max_retries"`
	FailurePending bool   `json:"failure_pending"`
	LastFailure    string `json:"last_failure,omitempty"`
	FailureStreak  int    `json:"failure_streak"`
	Failed         bool   `json:"failed"`

	NextAction     Action `json:"next_action,omitempty"`
	NextActionDesc string `json:"next_action_desc,omitempty"`

	BacktestCompleted bool           `json:"backtest_completed"`
	ReturnsReady      bool           `json:"returns_ready"`
	PnLPlotReady      bool           `json:"pnl_plot_ready"`
	BacktestParams    BacktestParams `json:"backtest_params"`
	BacktestStats     *BacktestStats `json:"backtest_stats,omitempty"`
	ReportPath        string         `json:"report_path,omitempty"`
}

// NewExecutionState builds a fresh state from the first user message.
func NewExecutionState(runID, message string, now time.Time) *ExecutionState {
	st := &ExecutionState{
		RunID:          runID,
		Status:         RunRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
		MaxRetries:     DefaultMaxRetries,
		BacktestParams: DefaultBacktestParams(),
	}
	if message != "" {
		st.Messages = append(st.Messages, Message{Role: RoleUser, Content: message, Time: now})
	}
	return st
}

// LastUserMessage returns the most recent user turn.
func (s *ExecutionState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// UserText joins all user turns, oldest first.
func (s *ExecutionState) UserText() string {
	parts := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// LastError returns the newest error log entry.
func (s *ExecutionState) LastError() string {
	if len(s.Errors) == 0 {
		return ""
	}
	return s.Errors[len(s.Errors)-1]
}

// Task returns the current task, falling back to the intent's task.
func (s *ExecutionState) Task() string {
	if s.CurrentTask != "" {
		return s.CurrentTask
	}
	if s.Intent != nil && s.Intent.Task != "" {
		return s.Intent.Task
	}
	return TaskData
}

// NeedsSignal reports whether the task requires a generated signal.
func (s *ExecutionState) NeedsSignal() bool {
	t := s.Task()
	return t == TaskSignal || t == TaskBacktest
}

// NeedsFetch reports whether market data the intent relies on is not stored
// yet: the price tables, or indicators when the intent names any.
func (s *ExecutionState) NeedsFetch(in *Intent) bool {
	if !s.DataReady {
		return true
	}
	return in != nil && len(in.Indicators) > 0 && !s.IndicatorsReady
}

// Clone returns a deep copy.
func (s *ExecutionState) Clone() *ExecutionState {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	c.ExecutionHistory = append([]string(nil), s.ExecutionHistory...)
	c.Errors = append([]string(nil), s.Errors...)
	c.Warnings = append([]string(nil), s.Warnings...)
	c.Decisions = append([]Decision(nil), s.Decisions...)
	if s.Intent != nil {
		in := *s.Intent
		in.Fields = append([]string(nil), s.Intent.Fields...)
		in.Indicators = append([]string(nil), s.Intent.Indicators...)
		if s.Intent.Params != nil {
			in.Params = make(map[string]float64, len(s.Intent.Params))
			for k, v := range s.Intent.Params {
				in.Params[k] = v
			}
		}
		c.Intent = &in
	}
	if s.BacktestStats != nil {
		bs := *s.BacktestStats
		c.BacktestStats = &bs
	}
	return &c
}
