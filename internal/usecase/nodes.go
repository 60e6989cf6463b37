package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/graph"
	applogger "QuantFlow/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Node names of the signal and backtest graph.
const (
	NodeReflection         = "reflection"
	NodeFetch              = "data_fetch"
	NodeGenerate           = "signal_generate"
	NodeValidate           = "validation"
	NodeClarify            = "clarify"
	NodeBacktestReflection = "backtest_reflection"
	NodeBacktest           = "backtest"
	NodePlot               = "pnl_plot"
)

// Store fields written by the backtest flow.
const (
	FieldReturns = "returns"
	FieldEquity  = "equity"
)

const (
	DefaultMaxClarifications   = 3
	DefaultRecurrenceThreshold = 3

	defaultQuestion = "Please tell me the ticker, the date range (YYYYMMDD) and what you want: data, a signal or a backtest."
	closeField      = "close"
)

// DefaultPriceFields are fetched when the intent names no fields.
var DefaultPriceFields = []string{"open", "high", "low", "close", "vol"}

// SignalField is the signal collection key a strategy's output is stored under.
func SignalField(strategy string) string { return strategy + "_signal" }

// Nodes holds the collaborators of every graph node. Nodes keep no state
// between invocations; everything a run knows lives in its ExecutionState.
type Nodes struct {
	store      domrepo.DataStore
	market     domrepo.MarketData
	classifier domrepo.Classifier
	evaluator  domrepo.SignalEvaluator
	validator  domrepo.Validator
	backtester domrepo.Backtester
	renderer   domrepo.ReportRenderer
	sink       domrepo.BacktestSink

	log               *applogger.Logger
	now               func() time.Time
	maxClarifications int
	recurrence        int
}

// NodesOption configures Nodes.
type NodesOption func(*Nodes)

// WithBacktestSink stores every completed backtest.
func WithBacktestSink(s domrepo.BacktestSink) NodesOption { return func(n *Nodes) { n.sink = s } }

func WithNodesLogger(l *applogger.Logger) NodesOption { return func(n *Nodes) { n.log = l } }

func WithNodesClock(now func() time.Time) NodesOption { return func(n *Nodes) { n.now = now } }

// WithMaxClarifications caps how often exhausted retries fall back to asking the user.
func WithMaxClarifications(v int) NodesOption {
	return func(n *Nodes) {
		if v >= 0 {
			n.maxClarifications = v
		}
	}
}

// WithRecurrenceThreshold sets how many identical consecutive failures force a clarification.
func WithRecurrenceThreshold(v int) NodesOption {
	return func(n *Nodes) {
		if v > 0 {
			n.recurrence = v
		}
	}
}

// NewNodes wires the graph nodes.
func NewNodes(
	store domrepo.DataStore,
	market domrepo.MarketData,
	classifier domrepo.Classifier,
	evaluator domrepo.SignalEvaluator,
	validator domrepo.Validator,
	backtester domrepo.Backtester,
	renderer domrepo.ReportRenderer,
	opts ...NodesOption,
) *Nodes {
	n := &Nodes{
		store:             store,
		market:            market,
		classifier:        classifier,
		evaluator:         evaluator,
		validator:         validator,
		backtester:        backtester,
		renderer:          renderer,
		log:               applogger.Nop(),
		now:               time.Now,
		maxClarifications: DefaultMaxClarifications,
		recurrence:        DefaultRecurrenceThreshold,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Fetch loads daily bars and indicators for the intent and writes them to the store.
func (n *Nodes) Fetch(ctx context.Context, st *models.ExecutionState) (models.Update, error) {
	u := models.Update{ExecutionHistory: []string{NodeFetch}}
	in := st.Intent
	if !in.Complete() {
		u.Errors = append(u.Errors, "data_fetch: ticker and date range required")
		return u, nil
	}

	fields := priceFields(in.Fields)
	var (
		bars, inds models.FieldTables
		barsErr    error
	)
	// the first failure cancels the other call and is the one reported
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bars, barsErr = n.market.DailyBars(gctx, in.Ticker, in.StartDate, in.EndDate, fields)
		return barsErr
	})
	if len(in.Indicators) > 0 {
		g.Go(func() error {
			var err error
			inds, err = n.market.DailyIndicators(gctx, in.Ticker, in.StartDate, in.EndDate, in.Indicators)
			return err
		})
	}
	fetchErr := g.Wait()
	if fetchErr != nil {
		u.Errors = append(u.Errors, fetchErr.Error())
	}

	wrotePrice := n.write(models.CollectionPriceVolume, bars, &u)
	wroteInds := n.write(models.CollectionIndicators, inds, &u)
	if barsErr == nil && !wrotePrice {
		u.Errors = append(u.Errors, "price_volume empty after fetch")
	}
	if len(in.Indicators) > 0 && fetchErr == nil && !wroteInds {
		u.Errors = append(u.Errors, "indicators empty after fetch")
	}

	u.DataReady = models.Ptr(wrotePrice)
	u.IndicatorsReady = models.Ptr(wroteInds)
	// new data invalidates whatever was derived from the old
	u.SignalReady = models.Ptr(false)
	u.ValidationPassed = models.Ptr(false)
	n.log.Info("fetch done",
		applogger.RunID(st.RunID),
		applogger.String("ticker", in.Ticker),
		applogger.Strings("price_fields", bars.Names()),
		applogger.Strings("indicator_fields", inds.Names()),
		applogger.Int("errors", len(u.Errors)),
	)
	return u, nil
}

// write stores every non-empty table and reports whether any was written.
func (n *Nodes) write(collection string, tables models.FieldTables, u *models.Update) bool {
	wrote := false
	for _, name := range tables.Names() {
		t := tables[name]
		if t.Empty() {
			continue
		}
		if err := n.store.Update(collection, name, t); err != nil {
			u.Errors = append(u.Errors, fmt.Sprintf("store %s/%s: %v", collection, name, err))
			continue
		}
		wrote = true
	}
	return wrote
}

func priceFields(requested []string) []string {
	if len(requested) == 0 {
		return DefaultPriceFields
	}
	out := append([]string(nil), requested...)
	for _, f := range out {
		if f == closeField {
			return out
		}
	}
	return append(out, closeField)
}

// Generate evaluates the intent's strategy over the current store and saves the signal.
func (n *Nodes) Generate(ctx context.Context, st *models.ExecutionState) (models.Update, error) {
	u := models.Update{ExecutionHistory: []string{NodeGenerate}}
	if st.Intent == nil || st.Intent.Strategy == "" {
		return u, errors.New("no strategy selected")
	}
	strategy := st.Intent.Strategy

	sig, err := n.evaluator.Evaluate(ctx, domrepo.EvalContext{
		Strategy: strategy,
		Params:   st.Intent.Params,
		Snapshot: n.store.Snapshot(),
	})
	if err != nil {
		return u, err
	}
	if err := sig.ValidateSignal(); err != nil {
		return u, err
	}
	if err := n.store.Update(models.CollectionSignal, SignalField(strategy), sig); err != nil {
		return u, err
	}

	u.SignalReady = models.Ptr(true)
	u.ValidationPassed = models.Ptr(false)
	n.log.Info("signal generated", applogger.RunID(st.RunID), applogger.String("strategy", strategy),
		applogger.Int("rows", sig.Rows()), applogger.Int("tickers", sig.Cols()))
	return u, nil
}

// Validate applies the severity policy. Errors reopen the readiness flag of the
// collection they concern, so the next reflection re-runs the producing node.
func (n *Nodes) Validate(_ context.Context, st *models.ExecutionState) (models.Update, error) {
	u := models.Update{ExecutionHistory: []string{NodeValidate}}
	rep := n.validator.Validate(n.store.Snapshot(), st.NeedsSignal())

	for _, is := range rep.Filter(domrepo.SeverityWarning) {
		u.Warnings = append(u.Warnings, issueText(is))
	}
	errs := rep.Filter(domrepo.SeverityError)
	for _, is := range errs {
		u.Errors = append(u.Errors, "validation: "+issueText(is))
		switch is.Collection {
		case models.CollectionPriceVolume:
			u.DataReady = models.Ptr(false)
		case models.CollectionSignal:
			u.SignalReady = models.Ptr(false)
		}
	}
	if len(errs) == 0 {
		u.ValidationPassed = models.Ptr(true)
		u.RetryCount = models.Ptr(0)
	} else {
		u.ValidationPassed = models.Ptr(false)
	}
	n.log.Info("validation done", applogger.RunID(st.RunID),
		applogger.Int("errors", len(errs)), applogger.Int("warnings", len(u.Warnings)))
	return u, nil
}

func issueText(is domrepo.ValidationIssue) string {
	if is.Field == "" {
		return fmt.Sprintf("%s: %s", is.Collection, is.Message)
	}
	return fmt.Sprintf("%s/%s: %s", is.Collection, is.Field, is.Message)
}

// Clarify parks the run with a question for the user.
func (n *Nodes) Clarify(_ context.Context, st *models.ExecutionState) (models.Update, error) {
	q := st.NextActionDesc
	if q == "" {
		q = st.PendingQuestion
	}
	if q == "" {
		q = defaultQuestion
	}
	return models.Update{}, graph.Suspend(q, models.Update{
		PendingQuestion:  models.Ptr(q),
		ExecutionHistory: []string{NodeClarify},
	})
}

// ResumeClarify folds the user's answer into the conversation and clears the
// failure counters, so the run gets a fresh retry budget.
func (n *Nodes) ResumeClarify(_ context.Context, st *models.ExecutionState, answer string) (models.Update, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return models.Update{}, fmt.Errorf("%w: empty answer", models.ErrInvalidRequest)
	}
	return models.Update{
		Messages:           []models.Message{{Role: models.RoleUser, Content: answer, Time: n.now()}},
		ClarificationCount: models.Ptr(st.ClarificationCount + 1),
		PendingQuestion:    models.Ptr(""),
		NextActionDesc:     models.Ptr(""),
		RetryCount:         models.Ptr(0),
		FailureStreak:      models.Ptr(0),
		FailurePending:     models.Ptr(false),
	}, nil
}

// Backtest simulates the stored signal against close prices. Failures are
// logged into the state rather than returned, so they route back through
// the backtest reflection.
func (n *Nodes) Backtest(ctx context.Context, st *models.ExecutionState) (models.Update, error) {
	u := models.Update{ExecutionHistory: []string{NodeBacktest}}
	if st.Intent == nil || st.Intent.Strategy == "" {
		u.Errors = append(u.Errors, "backtest: no strategy selected")
		return u, nil
	}
	snap := n.store.Snapshot()
	sig := snap[models.CollectionSignal][SignalField(st.Intent.Strategy)]
	closeT := snap[models.CollectionPriceVolume][closeField]
	if sig == nil || closeT == nil {
		u.Errors = append(u.Errors, "backtest: signal or close prices missing from store")
		return u, nil
	}

	res, err := n.backtester.Run(sig, closeT, st.BacktestParams)
	if err != nil {
		u.Errors = append(u.Errors, "backtest: "+err.Error())
		return u, nil
	}
	for name, t := range map[string]*models.Table{FieldReturns: res.Returns, FieldEquity: res.Equity} {
		if err := n.store.Update(models.CollectionBacktest, name, t); err != nil {
			u.Errors = append(u.Errors, fmt.Sprintf("backtest: store %s: %v", name, err))
			return u, nil
		}
	}
	if n.sink != nil {
		if err := n.sink.SaveBacktest(ctx, st.RunID, st.Intent.Ticker, st.Intent.Strategy, st.BacktestParams, res); err != nil {
			u.Warnings = append(u.Warnings, "backtest result not archived: "+err.Error())
		}
	}

	stats := res.Stats
	u.BacktestStats = &stats
	u.BacktestCompleted = models.Ptr(true)
	u.ReturnsReady = models.Ptr(true)
	n.log.Info("backtest done", applogger.RunID(st.RunID),
		applogger.Float64("total_return", stats.TotalReturn),
		applogger.Float64("sharpe", stats.Sharpe),
		applogger.Int("trades", stats.Trades))
	return u, nil
}

// Plot renders the stored daily returns into a report file.
func (n *Nodes) Plot(ctx context.Context, st *models.ExecutionState) (models.Update, error) {
	u := models.Update{ExecutionHistory: []string{NodePlot}}
	returns := n.store.Snapshot()[models.CollectionBacktest][FieldReturns]
	if returns == nil {
		u.Errors = append(u.Errors, "pnl_plot: no returns in store")
		return u, nil
	}
	path, err := n.renderer.Render(ctx, st.RunID, returns)
	if err != nil {
		u.Errors = append(u.Errors, "pnl_plot: "+err.Error())
		return u, nil
	}
	u.PnLPlotReady = models.Ptr(true)
	u.ReportPath = models.Ptr(path)
	return u, nil
}
