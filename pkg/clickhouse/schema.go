package clickhouse

import "fmt"

// SchemaStatements returns the idempotent DDL for the market-data and backtest tables.
func SchemaStatements(database string) []string {
	if database == "" {
		database = "quantflow"
	}
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.daily_bar (
    trade_date Date,
    ts_code    LowCardinality(String),
    open       Nullable(Float64),
    high       Nullable(Float64),
    low        Nullable(Float64),
    close      Nullable(Float64),
    pre_close  Nullable(Float64),
    change     Nullable(Float64),
    pct_chg    Nullable(Float64),
    vol        Nullable(Float64),
    amount     Nullable(Float64)
) ENGINE = ReplacingMergeTree
ORDER BY (ts_code, trade_date)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.daily_basic (
    trade_date    Date,
    ts_code       LowCardinality(String),
    turnover_rate Nullable(Float64),
    volume_ratio  Nullable(Float64),
    pe            Nullable(Float64),
    pe_ttm        Nullable(Float64),
    pb            Nullable(Float64),
    ps            Nullable(Float64),
    ps_ttm        Nullable(Float64),
    dv_ratio      Nullable(Float64),
    total_share   Nullable(Float64),
    float_share   Nullable(Float64),
    total_mv      Nullable(Float64),
    circ_mv       Nullable(Float64)
) ENGINE = ReplacingMergeTree
ORDER BY (ts_code, trade_date)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.backtest_runs (
    run_id       String,
    ticker       String,
    strategy     LowCardinality(String),
    init_cash    Float64,
    fees         Float64,
    slippage     Float64,
    total_return Float64,
    ann_return   Float64,
    sharpe       Float64,
    max_drawdown Float64,
    trades       UInt32,
    final_value  Float64,
    created_at   DateTime64(3)
) ENGINE = MergeTree
ORDER BY (created_at, run_id)`, database),
	}
}
