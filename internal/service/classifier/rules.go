// Package classifier reads a run's conversation and proposes the next action.
// Rules is deterministic; LLM asks an OpenAI-compatible chat endpoint and
// falls back to Rules when the model is unavailable.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/service/strategy"
	"QuantFlow/pkg/util"
)

var (
	cnTicker = regexp.MustCompile(`(?i)\b\d{6}\.(?:SZ|SH|BJ)\b`)
	usTicker = regexp.MustCompile(`\b[A-Z]{2,5}\b`)
	paramKV  = regexp.MustCompile(`\b([a-z_]+)\s*=\s*(-?\d+(?:\.\d+)?)\b`)

	// upper-case words that are not tickers
	stopWords = map[string]bool{
		"MA": true, "PE": true, "PB": true, "AND": true, "THE": true, "FOR": true, "API": true,
		"CSV": true, "USD": true, "CNY": true, "RMB": true, "ETF": true, "OK": true, "YES": true,
		"NO": true, "TO": true, "FROM": true, "OHLC": true, "OHLCV": true, "PNL": true, "RSI": true,
		"MACD": true, "ROE": true, "EPS": true, "GET": true, "ME": true, "PLEASE": true,
	}

	taskKeywords = []struct {
		task  string
		words []string
	}{
		{models.TaskBacktest, []string{"backtest", "backtests", "backtesting", "back-test", "回测", "pnl"}},
		{models.TaskSignal, []string{"signal", "signals", "strategy", "strategies", "信号", "策略"}},
	}

	// named picks a strategy on its own and implies a signal task; loose words
	// only count once the request is about a signal.
	strategyKeywords = []struct {
		name  string
		named []string
		loose []string
	}{
		{strategy.MACross, []string{"ma_cross", "ma cross", "moving average", "crossover", "均线"}, nil},
		{strategy.MeanReversion, []string{"mean_reversion", "mean reversion", "均值回归"}, []string{"reversion"}},
		{strategy.Momentum, []string{"momentum", "动量"}, []string{"trend"}},
		{strategy.Value, nil, []string{"value", "valuation", "cheap", "估值", "价值"}},
	}
)

// Rules is a keyword and pattern based classifier.
type Rules struct{}

func NewRules() *Rules { return &Rules{} }

// ParseIntent extracts what a piece of text says about ticker, dates, task and
// strategy. Fields the text does not mention are left empty.
func ParseIntent(text string) models.Intent {
	return parseIntent(text, false)
}

// parseIntent is ParseIntent for a turn of a conversation that may already be
// about a signal, in which case a loose strategy word is enough.
func parseIntent(text string, signalContext bool) models.Intent {
	var in models.Intent
	lower := strings.ToLower(text)

	tickers := make([]string, 0, 2)
	seen := map[string]bool{}
	for _, m := range cnTicker.FindAllString(text, -1) {
		m = strings.ToUpper(m)
		if !seen[m] {
			seen[m] = true
			tickers = append(tickers, m)
		}
	}
	if len(tickers) == 0 {
		for _, m := range usTicker.FindAllString(text, -1) {
			if !stopWords[m] && !seen[m] {
				seen[m] = true
				tickers = append(tickers, m)
			}
		}
	}
	in.Ticker = strings.Join(tickers, ",")

	dates := util.FindDates(text)
	sort.Strings(dates)
	switch {
	case len(dates) >= 2:
		in.StartDate, in.EndDate = dates[0], dates[len(dates)-1]
	case len(dates) == 1:
		in.StartDate = dates[0]
	}

	for _, tk := range taskKeywords {
		if containsAny(lower, tk.words) {
			in.Task = tk.task
			break
		}
	}
	named := false
	for _, sk := range strategyKeywords {
		if containsAny(lower, sk.named) {
			in.Strategy, named = sk.name, true
			break
		}
	}
	if in.Strategy == "" && (signalContext || in.Task != "") {
		for _, sk := range strategyKeywords {
			if containsAny(lower, sk.loose) {
				in.Strategy = sk.name
				break
			}
		}
	}
	for _, m := range paramKV.FindAllStringSubmatch(lower, -1) {
		if v, err := strconv.ParseFloat(m[2], 64); err == nil {
			if in.Params == nil {
				in.Params = make(map[string]float64)
			}
			in.Params[m[1]] = v
		}
	}
	if named && in.Task == "" {
		in.Task = models.TaskSignal
	}
	return in
}

// MergeIntent overlays the non-empty fields of next onto base.
func MergeIntent(base *models.Intent, next models.Intent) *models.Intent {
	out := models.Intent{}
	if base != nil {
		out = *base
		out.Params = make(map[string]float64, len(base.Params))
		for k, v := range base.Params {
			out.Params[k] = v
		}
	}
	if next.Ticker != "" {
		out.Ticker = next.Ticker
	}
	switch {
	case next.StartDate != "" && next.EndDate != "":
		out.StartDate, out.EndDate = next.StartDate, next.EndDate
	case next.StartDate != "" && out.StartDate != "" && out.EndDate == "" && next.StartDate > out.StartDate:
		// a lone later date completes an open range
		out.EndDate = next.StartDate
	case next.StartDate != "":
		out.StartDate = next.StartDate
		if out.EndDate != "" && out.EndDate < next.StartDate {
			out.EndDate = ""
		}
	}
	// a later message may escalate data -> signal -> backtest, never the reverse
	if taskRank(next.Task) > taskRank(out.Task) {
		out.Task = next.Task
	}
	if next.Strategy != "" {
		out.Strategy = next.Strategy
	}
	for k, v := range next.Params {
		if out.Params == nil {
			out.Params = make(map[string]float64)
		}
		out.Params[k] = v
	}
	if len(next.Fields) > 0 {
		out.Fields = next.Fields
	}
	if out.Strategy != "" {
		out.Indicators = strategy.Indicators(out.Strategy)
	}
	if len(out.Params) == 0 {
		out.Params = nil
	}
	return &out
}

func taskRank(t string) int {
	switch t {
	case models.TaskData:
		return 1
	case models.TaskSignal:
		return 2
	case models.TaskBacktest:
		return 3
	}
	return 0
}

// Classify reads every user turn, oldest first, so later answers refine the intent.
func (r *Rules) Classify(ctx context.Context, in domrepo.ClassifyInput) (domrepo.Classification, error) {
	if err := ctx.Err(); err != nil {
		return domrepo.Classification{}, err
	}
	st := in.State
	intent := MergeIntent(st.Intent, models.Intent{})
	for _, m := range st.Messages {
		if m.Role == models.RoleUser {
			intent = MergeIntent(intent, parseIntent(m.Content, taskRank(intent.Task) >= taskRank(models.TaskSignal)))
		}
	}
	if intent.Task == "" {
		intent.Task = models.TaskData
	}
	return Decide(st, intent), nil
}

// Decide maps an intent and the readiness flags to the next action.
func Decide(st *models.ExecutionState, intent *models.Intent) domrepo.Classification {
	out := domrepo.Classification{Intent: intent}
	needSignal := intent.Task == models.TaskSignal || intent.Task == models.TaskBacktest

	var missing []string
	if intent.Ticker == "" {
		missing = append(missing, "the ticker (e.g. 000001.SZ)")
	}
	if intent.StartDate == "" || intent.EndDate == "" {
		missing = append(missing, "the start and end dates (YYYYMMDD)")
	}
	if needSignal && !strategy.Known(intent.Strategy) {
		missing = append(missing, fmt.Sprintf("the strategy (one of %s)", strings.Join(strategy.Names(), ", ")))
	}
	if len(missing) > 0 {
		out.Action = models.ActionClarify
		out.Analysis = "request is incomplete"
		out.Description = "Please provide " + strings.Join(missing, " and ") + "."
		return out
	}

	switch {
	case st.NeedsFetch(intent):
		out.Action = models.ActionFetch
		out.Analysis = fmt.Sprintf("market data incomplete for %s", intent.Ticker)
		out.Description = fmt.Sprintf("fetch daily data for %s from %s to %s", intent.Ticker, intent.StartDate, intent.EndDate)
	case needSignal && !st.SignalReady:
		out.Action = models.ActionGenerate
		out.Analysis = "data is ready, signal missing"
		out.Description = fmt.Sprintf("generate %s signal", intent.Strategy)
	case !st.ValidationPassed:
		out.Action = models.ActionValidate
		out.Analysis = "outputs not validated"
		out.Description = "validate stored tables"
	default:
		out.Action = models.ActionTerminate
		out.Analysis = "all requested outputs are ready"
		out.Description = "done"
	}
	return out
}

// containsAny reports whether s holds any of words. ASCII words must stand
// alone, so "value" does not match "values".
func containsAny(s string, words []string) bool {
	for _, w := range words {
		if containsWord(s, w) {
			return true
		}
	}
	return false
}

func containsWord(s, w string) bool {
	if !isASCII(w) {
		return strings.Contains(s, w)
	}
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], w)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(w)
		if (start == 0 || !wordByte(s[start-1])) && (end == len(s) || !wordByte(s[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func wordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

var _ domrepo.Classifier = (*Rules)(nil)
