// Package backtest simulates signal-driven long-only trading on daily closes
// and renders the resulting returns as a report.
package backtest

import (
	"errors"
	"fmt"
	"math"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/services/features"
)

// Backtester runs one independent portfolio per ticker: +1 enters with all
// cash at the close, -1 exits the whole position, 0 and NaN hold.
type Backtester struct{}

func New() *Backtester { return &Backtester{} }

// Run aligns signal to price by date and simulates every signal column.
func (b *Backtester) Run(signal, price *models.Table, params models.BacktestParams) (*domrepo.BacktestResult, error) {
	if signal.Empty() {
		return nil, errors.New("empty signal")
	}
	if price.Empty() {
		return nil, errors.New("empty close prices")
	}
	if params.InitCash <= 0 {
		return nil, fmt.Errorf("init_cash must be positive, got %v", params.InitCash)
	}
	if params.Fees < 0 || params.Fees >= 1 || params.Slippage < 0 || params.Slippage >= 1 {
		return nil, fmt.Errorf("fees and slippage must be in [0, 1), got %v and %v", params.Fees, params.Slippage)
	}

	aligned := alignRows(signal, price)
	returns := models.NewTable(price.Index, signal.Columns, math.NaN())
	equity := models.NewTable(price.Index, signal.Columns, math.NaN())
	trades := 0

	for j, col := range signal.Columns {
		closes, ok := price.Column(col)
		if !ok {
			return nil, fmt.Errorf("no close prices for %s", col)
		}
		sig, _ := aligned.Column(col)
		eq, n := simulate(sig, closes, params)
		trades += n
		for i := range eq {
			equity.Values[i][j] = eq[i]
		}
		prev := params.InitCash
		for i, v := range eq {
			returns.Values[i][j] = v/prev - 1
			prev = v
		}
	}

	return &domrepo.BacktestResult{
		Returns: returns,
		Equity:  equity,
		Stats:   summarize(equity, params.InitCash, trades),
	}, nil
}

// alignRows reindexes signal onto price's dates; dates without a signal row are NaN.
func alignRows(signal, price *models.Table) *models.Table {
	if signal.SameIndex(price) {
		return signal
	}
	byDate := make(map[int64]int, signal.Rows())
	for i, ts := range signal.Index {
		byDate[ts.Unix()] = i
	}
	out := models.NewTable(price.Index, signal.Columns, math.NaN())
	for i, ts := range price.Index {
		if k, ok := byDate[ts.Unix()]; ok {
			copy(out.Values[i], signal.Values[k])
		}
	}
	return out
}

func simulate(sig, closes []float64, p models.BacktestParams) ([]float64, int) {
	cash, shares := p.InitCash, 0.0
	last := math.NaN()
	trades := 0
	eq := make([]float64, len(closes))

	for i, px := range closes {
		if !math.IsNaN(px) && px > 0 {
			last = px
			switch sig[i] {
			case 1:
				if shares == 0 && cash > 0 {
					fill := px * (1 + p.Slippage)
					shares = cash / (fill * (1 + p.Fees))
					cash = 0
					trades++
				}
			case -1:
				if shares > 0 {
					fill := px * (1 - p.Slippage)
					cash += shares * fill * (1 - p.Fees)
					shares = 0
					trades++
				}
			}
		}
		eq[i] = cash
		if shares > 0 && !math.IsNaN(last) {
			eq[i] += shares * last
		}
	}
	return eq, trades
}

// summarize computes statistics on the equal-weight combination of all columns.
func summarize(equity *models.Table, initCash float64, trades int) models.BacktestStats {
	n := equity.Rows()
	total := make([]float64, n)
	for i, row := range equity.Values {
		for _, v := range row {
			total[i] += v
		}
	}
	start := initCash * float64(equity.Cols())
	final := total[n-1]

	daily := make([]float64, n)
	prev := start
	for i, v := range total {
		daily[i] = v/prev - 1
		prev = v
	}

	st := models.BacktestStats{
		TotalReturn: final/start - 1,
		Trades:      trades,
		FinalValue:  final,
	}
	if n > 0 && final > 0 {
		st.AnnReturn = math.Pow(final/start, features.TradingDaysPerYear/float64(n)) - 1
	}
	if sd := features.Std(daily); sd > 0 && !math.IsNaN(sd) {
		st.Sharpe = features.Mean(daily) / sd * math.Sqrt(features.TradingDaysPerYear)
	}
	peak := start
	for _, v := range total {
		peak = math.Max(peak, v)
		if dd := 1 - v/peak; dd > st.MaxDrawdown {
			st.MaxDrawdown = dd
		}
	}
	return st
}

var _ domrepo.Backtester = (*Backtester)(nil)
