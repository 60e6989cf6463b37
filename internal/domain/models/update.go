package models

// Update is a partial state change returned by a node. Nil pointers leave the
// matching field untouched; slices are appended to the accumulated logs.
type Update struct {
	CurrentTask *string
	Intent      *Intent

	DataReady        *bool
	IndicatorsReady  *bool
	SignalReady      *bool
	ValidationPassed *bool

	PendingQuestion    *string
	ClarificationCount *int

	RetryCount     *int
	MaxRetries     *int
	FailurePending *bool
	LastFailure    *string
	FailureStreak  *int
	Failed         *bool

	NextAction     *Action
	NextActionDesc *string

	BacktestCompleted *bool
	ReturnsReady      *bool
	PnLPlotReady      *bool
	BacktestParams    *BacktestParams
	BacktestStats     *BacktestStats
	ReportPath        *string

	Messages         []Message
	ExecutionHistory []string
	Errors           []string
	Warnings         []string
	Decisions        []Decision
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T { return &v }

// HasErrors reports whether the update contributes error log entries.
func (u Update) HasErrors() bool { return len(u.Errors) > 0 }

// Apply merges updates in call order.
func (s *ExecutionState) Apply(updates ...Update) {
	for _, u := range updates {
		s.apply(u)
	}
}

func (s *ExecutionState) apply(u Update) {
	set(&s.CurrentTask, u.CurrentTask)
	if u.Intent != nil {
		in := *u.Intent
		s.Intent = &in
	}

	set(&s.DataReady, u.DataReady)
	set(&s.IndicatorsReady, u.IndicatorsReady)
	set(&s.SignalReady, u.SignalReady)
	set(&s.ValidationPassed, u.ValidationPassed)

	set(&s.PendingQuestion, u.PendingQuestion)
	set(&s.ClarificationCount, u.ClarificationCount)

	set(&s.RetryCount, u.RetryCount)
	set(&s.MaxRetries, u.MaxRetries)
	set(&s.FailurePending, u.FailurePending)
	set(&s.LastFailure, u.LastFailure)
	set(&s.FailureStreak, u.FailureStreak)
	set(&s.Failed, u.Failed)

	set(&s.NextAction, u.NextAction)
	set(&s.NextActionDesc, u.NextActionDesc)

	set(&s.BacktestCompleted, u.BacktestCompleted)
	set(&s.ReturnsReady, u.ReturnsReady)
	set(&s.PnLPlotReady, u.PnLPlotReady)
	set(&s.BacktestParams, u.BacktestParams)
	if u.BacktestStats != nil {
		bs := *u.BacktestStats
		s.BacktestStats = &bs
	}
	set(&s.ReportPath, u.ReportPath)

	s.Messages = append(s.Messages, u.Messages...)
	s.ExecutionHistory = append(s.ExecutionHistory, u.ExecutionHistory...)
	s.Errors = append(s.Errors, u.Errors...)
	s.Warnings = append(s.Warnings, u.Warnings...)
	s.Decisions = append(s.Decisions, u.Decisions...)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
