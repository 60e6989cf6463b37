package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	applogger "QuantFlow/pkg/logger"
)

// CHBacktestSink writes one backtest_runs row per completed backtest.
type CHBacktestSink struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
	now      func() time.Time
}

// NewCHBacktestSink creates a ClickHouse backtest sink.
func NewCHBacktestSink(db *sql.DB, database string, l *applogger.Logger) *CHBacktestSink {
	if database == "" {
		database = "quantflow"
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &CHBacktestSink{db: db, database: database, l: l, now: time.Now}
}

func (s *CHBacktestSink) SaveBacktest(ctx context.Context, runID, ticker, strategy string, params models.BacktestParams, res *domrepo.BacktestResult) error {
	if res == nil {
		return fmt.Errorf("save backtest %s: nil result", runID)
	}
	q := fmt.Sprintf(`INSERT INTO %s.backtest_runs (run_id, ticker, strategy, init_cash, fees, slippage, total_return, ann_return, sharpe, max_drawdown, trades, final_value, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.database)
	st := res.Stats
	_, err := s.db.ExecContext(ctx, q,
		runID, ticker, strategy,
		params.InitCash, params.Fees, params.Slippage,
		st.TotalReturn, st.AnnReturn, st.Sharpe, st.MaxDrawdown,
		uint32(st.Trades), st.FinalValue,
		s.now().UTC(),
	)
	if err != nil {
		s.l.Error("clickhouse save_backtest error", applogger.RunID(runID), applogger.Error(err))
		return fmt.Errorf("save backtest %s: %w", runID, err)
	}
	s.l.Debug("clickhouse save_backtest ok", applogger.RunID(runID), applogger.String("strategy", strategy))
	return nil
}

var _ domrepo.BacktestSink = (*CHBacktestSink)(nil)
