package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	applogger "QuantFlow/pkg/logger"
	"QuantFlow/pkg/util"
)

// Columns that may be selected from each table. Field names come from user
// intent, so they are never interpolated unchecked.
var (
	barColumns = map[string]bool{
		"open": true, "high": true, "low": true, "close": true, "pre_close": true,
		"change": true, "pct_chg": true, "vol": true, "amount": true,
	}
	basicColumns = map[string]bool{
		"turnover_rate": true, "volume_ratio": true, "pe": true, "pe_ttm": true, "pb": true,
		"ps": true, "ps_ttm": true, "dv_ratio": true, "total_share": true, "float_share": true,
		"total_mv": true, "circ_mv": true,
	}
	defaultBarColumns = []string{"open", "high", "low", "close", "vol"}
)

// CHMarketData implements MarketData over the daily_bar and daily_basic tables.
type CHMarketData struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

// NewCHMarketData creates a ClickHouse market-data source.
func NewCHMarketData(db *sql.DB, database string, l *applogger.Logger) *CHMarketData {
	if database == "" {
		database = "quantflow"
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &CHMarketData{db: db, database: database, l: l}
}

func (s *CHMarketData) DailyBars(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error) {
	if len(fields) == 0 {
		fields = defaultBarColumns
	}
	return s.query(ctx, "daily_bar", barColumns, ticker, start, end, fields)
}

func (s *CHMarketData) DailyIndicators(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error) {
	if len(fields) == 0 {
		return models.FieldTables{}, nil
	}
	return s.query(ctx, "daily_basic", basicColumns, ticker, start, end, fields)
}

func (s *CHMarketData) query(ctx context.Context, table string, allowed map[string]bool, ticker, start, end string, fields []string) (models.FieldTables, error) {
	began := time.Now()
	for _, f := range fields {
		if !allowed[f] {
			return nil, fmt.Errorf("%s: unknown field %q", table, f)
		}
	}
	codes := util.SplitCSV(ticker)
	if len(codes) == 0 {
		return nil, fmt.Errorf("%s: ticker required", table)
	}
	from, err := util.ParseDate(start)
	if err != nil {
		return nil, fmt.Errorf("%s: start: %w", table, err)
	}
	to, err := util.ParseDate(end)
	if err != nil {
		return nil, fmt.Errorf("%s: end: %w", table, err)
	}

	q := fmt.Sprintf(`SELECT trade_date, ts_code, %s FROM %s.%s WHERE ts_code IN (%s) AND trade_date >= ? AND trade_date <= ? ORDER BY trade_date ASC, ts_code ASC`,
		strings.Join(fields, ", "), s.database, table, placeholders(len(codes)))
	args := make([]any, 0, len(codes)+2)
	for _, c := range codes {
		args = append(args, c)
	}
	args = append(args, from.Format(time.DateOnly), to.Format(time.DateOnly))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse market query error", applogger.String("table", table), applogger.String("ticker", ticker), applogger.Error(err))
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var long []models.LongRow
	vals := make([]sql.NullFloat64, len(fields))
	dest := make([]any, len(fields)+2)
	for rows.Next() {
		var (
			date time.Time
			code string
		)
		dest[0], dest[1] = &date, &code
		for i := range vals {
			vals[i] = sql.NullFloat64{}
			dest[i+2] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		r := models.LongRow{Date: date, Ticker: code, Values: make(map[string]float64, len(fields))}
		for i, f := range fields {
			if vals[i].Valid {
				r.Values[f] = vals[i].Float64
			}
		}
		long = append(long, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows %s: %w", table, err)
	}

	out, err := models.Pivot(long, fields)
	if err != nil {
		return nil, fmt.Errorf("pivot %s: %w", table, err)
	}
	s.l.Debug("clickhouse market query ok",
		applogger.String("table", table),
		applogger.String("ticker", ticker),
		applogger.Int("rows", len(long)),
		applogger.Duration("duration_ms", time.Since(began)),
	)
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var _ domrepo.MarketData = (*CHMarketData)(nil)
