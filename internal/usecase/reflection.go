package usecase

import (
	"context"
	"fmt"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	applogger "QuantFlow/pkg/logger"
)

// Reflection decides the next action of the signal flow. It is the only place
// the retry counter grows: once per failed step, on the reflection that follows it.
func (n *Nodes) Reflection(ctx context.Context, st *models.ExecutionState) (models.Update, error) {
	var u models.Update
	view := st.Clone()
	n.countFailure(view, &u)

	limit := maxRetries(view)
	switch {
	case view.PendingQuestion != "":
		return n.decide(view, u, models.ActionClarify, "a question is still open", view.PendingQuestion), nil

	case view.RetryCount >= limit && view.ClarificationCount < n.maxClarifications:
		q := fmt.Sprintf("The last %d attempts failed. Last error: %s. How should I proceed?", view.RetryCount, lastFailure(view))
		return n.decide(view, u, models.ActionClarify, "retries exhausted", q), nil

	case view.RetryCount >= limit:
		u.Failed = models.Ptr(true)
		return n.decide(view, u, models.ActionTerminate,
			fmt.Sprintf("retries exhausted after %d clarifications", view.ClarificationCount), lastFailure(view)), nil

	case view.FailureStreak > n.recurrence:
		q := fmt.Sprintf("The same error keeps recurring: %s. Can you adjust the request?", lastFailure(view))
		return n.decide(view, u, models.ActionClarify, "recurring failure", q), nil
	}

	c, err := n.classifier.Classify(ctx, domrepo.ClassifyInput{State: view, StoreKeys: n.storeKeys()})
	if err != nil {
		return u, fmt.Errorf("classify: %w", err)
	}
	if c.Intent != nil {
		resetStale(view.Intent, c.Intent, &u)
		u.Intent = c.Intent
		if c.Intent.Task != "" {
			u.CurrentTask = models.Ptr(c.Intent.Task)
		}
		view.Apply(u)
	}

	action, desc := guard(view, c)
	analysis := c.Analysis
	if action != c.Action {
		analysis = fmt.Sprintf("%s (proposed %s, prerequisite missing)", analysis, c.Action)
	}
	return n.decide(view, u, action, analysis, desc), nil
}

// countFailure consumes FailurePending into the retry and recurrence counters
// and mirrors the change on view.
func (n *Nodes) countFailure(view *models.ExecutionState, u *models.Update) {
	if !view.FailurePending {
		return
	}
	last := view.LastError()
	streak := 1
	if last != "" && last == view.LastFailure {
		streak = view.FailureStreak + 1
	}
	u.RetryCount = models.Ptr(view.RetryCount + 1)
	u.FailureStreak = models.Ptr(streak)
	u.LastFailure = models.Ptr(last)
	u.FailurePending = models.Ptr(false)
	view.Apply(*u)
}

func (n *Nodes) decide(view *models.ExecutionState, u models.Update, a models.Action, analysis, desc string) models.Update {
	u.NextAction = models.Ptr(a)
	u.NextActionDesc = models.Ptr(desc)
	u.Decisions = append(u.Decisions, models.Decision{
		Node:        NodeReflection,
		Action:      a,
		Analysis:    analysis,
		Description: desc,
		Time:        n.now(),
	})
	n.log.Debug("reflection", applogger.RunID(view.RunID), applogger.String("action", string(a)),
		applogger.Int("retry_count", view.RetryCount), applogger.String("analysis", analysis))
	return u
}

func (n *Nodes) storeKeys() map[string][]string {
	keys := make(map[string][]string, len(models.Collections()))
	for _, c := range models.Collections() {
		if fields, err := n.store.Fields(c); err == nil {
			keys[c] = fields
		}
	}
	return keys
}

// guard enforces the prerequisite order whatever the classifier proposed. A
// classifier may stop early or ask the user; it cannot skip a step.
func guard(st *models.ExecutionState, c domrepo.Classification) (models.Action, string) {
	switch c.Action {
	case models.ActionClarify:
		if c.Description == "" {
			return models.ActionClarify, defaultQuestion
		}
		return c.Action, c.Description
	case models.ActionTerminate:
		return c.Action, c.Description
	}

	if !st.Intent.Complete() {
		return models.ActionClarify, "Please provide the ticker and the start and end dates (YYYYMMDD)."
	}
	needSignal := st.NeedsSignal()
	if needSignal && st.Intent.Strategy == "" {
		return models.ActionClarify, "Which strategy should generate the signal?"
	}

	var required models.Action
	switch {
	case st.NeedsFetch(st.Intent):
		required = models.ActionFetch
	case needSignal && !st.SignalReady:
		required = models.ActionGenerate
	case !st.ValidationPassed:
		required = models.ActionValidate
	default:
		required = models.ActionTerminate
	}
	switch c.Action {
	case models.ActionFetch, models.ActionGenerate, models.ActionValidate:
		if rank(c.Action) <= rank(required) && (c.Action != models.ActionGenerate || needSignal) {
			if c.Description == "" {
				return c.Action, describe(st, c.Action)
			}
			return c.Action, c.Description
		}
	}
	return required, describe(st, required)
}

// rank orders the productive actions by prerequisite.
func rank(a models.Action) int {
	switch a {
	case models.ActionFetch:
		return 1
	case models.ActionGenerate:
		return 2
	case models.ActionValidate:
		return 3
	}
	return 4
}

func describe(st *models.ExecutionState, a models.Action) string {
	in := st.Intent
	switch a {
	case models.ActionFetch:
		return fmt.Sprintf("fetch daily data for %s from %s to %s", in.Ticker, in.StartDate, in.EndDate)
	case models.ActionGenerate:
		return fmt.Sprintf("generate %s signal", in.Strategy)
	case models.ActionValidate:
		return "validate stored tables"
	}
	return "done"
}

// resetStale clears readiness when the intent now points at different data.
func resetStale(prev, next *models.Intent, u *models.Update) {
	if prev == nil {
		return
	}
	if prev.Ticker != next.Ticker || prev.StartDate != next.StartDate || prev.EndDate != next.EndDate {
		u.DataReady = models.Ptr(false)
		u.IndicatorsReady = models.Ptr(false)
		u.SignalReady = models.Ptr(false)
		u.ValidationPassed = models.Ptr(false)
		return
	}
	if prev.Strategy != next.Strategy || !sameParams(prev.Params, next.Params) {
		u.SignalReady = models.Ptr(false)
		u.ValidationPassed = models.Ptr(false)
	}
}

func sameParams(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func maxRetries(st *models.ExecutionState) int {
	if st.MaxRetries > 0 {
		return st.MaxRetries
	}
	return models.DefaultMaxRetries
}

func lastFailure(st *models.ExecutionState) string {
	if st.LastFailure != "" {
		return st.LastFailure
	}
	if e := st.LastError(); e != "" {
		return e
	}
	return "unknown error"
}

// BacktestReflection drives the backtest flow: backtest, then the PnL report.
// With retries exhausted it still renders the report once if returns exist.
func (n *Nodes) BacktestReflection(_ context.Context, st *models.ExecutionState) (models.Update, error) {
	var u models.Update
	view := st.Clone()
	n.countFailure(view, &u)

	limit := maxRetries(view)
	switch {
	case view.RetryCount > limit || (view.RetryCount == limit && !view.ReturnsReady):
		u.Failed = models.Ptr(true)
		return n.decideBacktest(view, u, models.ActionTerminate, "backtest retries exhausted", lastFailure(view)), nil
	case view.RetryCount == limit:
		return n.decideBacktest(view, u, models.ActionPlot, "retries exhausted, plotting available returns", "render pnl report"), nil
	case !view.SignalReady:
		u.Failed = models.Ptr(true)
		return n.decideBacktest(view, u, models.ActionTerminate, "no signal to backtest", "signal missing"), nil
	case !view.BacktestCompleted:
		return n.decideBacktest(view, u, models.ActionBacktest, "signal ready, backtest pending", "run backtest"), nil
	case !view.PnLPlotReady:
		return n.decideBacktest(view, u, models.ActionPlot, "backtest done, report pending", "render pnl report"), nil
	}
	return n.decideBacktest(view, u, models.ActionTerminate, "backtest flow complete", "done"), nil
}

func (n *Nodes) decideBacktest(view *models.ExecutionState, u models.Update, a models.Action, analysis, desc string) models.Update {
	u = n.decide(view, u, a, analysis, desc)
	u.Decisions[len(u.Decisions)-1].Node = NodeBacktestReflection
	return u
}
