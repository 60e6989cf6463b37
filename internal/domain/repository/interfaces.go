package repository

import (
	"context"
	"time"

	"QuantFlow/internal/domain/models"
)

// DataStore is the shared tabular store all runs read from and write to.
type DataStore interface {
	Snapshot() models.Snapshot
	Update(collection, field string, t *models.Table) error
	Collection(name string) (models.FieldTables, error)
	Fields(name string) ([]string, error)
	Clear(name string) error
}

// RunStore persists run checkpoints keyed by run id.
type RunStore interface {
	Save(ctx context.Context, runID string, st *models.ExecutionState) error
	Load(ctx context.Context, runID string) (*models.ExecutionState, error) // ErrUnknownSession when absent or expired
	Exists(ctx context.Context, runID string) (bool, error)
	Delete(ctx context.Context, runID string) error
	// Lock takes the per-run stepping lock; the token releases it.
	Lock(ctx context.Context, runID string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, runID, token string) error
}

// MarketData fetches daily tables pivoted as field -> (date x ticker).
type MarketData interface {
	DailyBars(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error)
	DailyIndicators(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error)
}

// EvalContext is the input of a signal evaluation.
type EvalContext struct {
	Strategy string
	Params   map[string]float64
	Snapshot models.Snapshot
}

// SignalEvaluator computes a signal table from stored data.
type SignalEvaluator interface {
	Evaluate(ctx context.Context, in EvalContext) (*models.Table, error)
}

// BacktestResult is the outcome of one backtest.
type BacktestResult struct {
	Returns *models.Table
	Equity  *models.Table
	Stats   models.BacktestStats
}

// Backtester simulates trading a signal against prices.
type Backtester interface {
	Run(signal, price *models.Table, params models.BacktestParams) (*BacktestResult, error)
}

// ReportRenderer turns a returns table into a report file and returns its path.
type ReportRenderer interface {
	Render(ctx context.Context, runID string, returns *models.Table) (string, error)
}

// BacktestSink stores backtest outcomes for later analysis.
type BacktestSink interface {
	SaveBacktest(ctx context.Context, runID, ticker, strategy string, params models.BacktestParams, res *BacktestResult) error
}

// ClassifyInput is what a classifier sees of a run.
type ClassifyInput struct {
	State     *models.ExecutionState
	StoreKeys map[string][]string
}

// Classification is a classifier verdict before policy guards are applied.
type Classification struct {
	Action      models.Action
	Analysis    string
	Description string
	Intent      *models.Intent
}

// Classifier reads the conversation and proposes the next action.
type Classifier interface {
	Classify(ctx context.Context, in ClassifyInput) (Classification, error)
}

// Validator applies the data-quality severity policy.
type Validator interface {
	Validate(snap models.Snapshot, needSignal bool) ValidationReport
}

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is one finding of the validator.
type ValidationIssue struct {
	Severity   Severity `json:"severity"`
	Collection string   `json:"collection"`
	Field      string   `json:"field"`
	Message    string   `json:"message"`
}

// ValidationReport groups issues by severity.
type ValidationReport struct {
	Issues []ValidationIssue `json:"issues"`
}

// Passed reports whether no error-severity issue was found.
func (r ValidationReport) Passed() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Filter returns the issues of one severity.
func (r ValidationReport) Filter(sev Severity) []ValidationIssue {
	var out []ValidationIssue
	for _, is := range r.Issues {
		if is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}

// EventSink receives run events.
type EventSink interface {
	Publish(ctx context.Context, ev models.RunEvent) error
}

// Metrics records graph and infrastructure measurements.
type Metrics interface {
	RecordNode(node string, seconds float64, failed bool)
	RecordRun(status string)
	RecordStoreUpdate(collection string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
