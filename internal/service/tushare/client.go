// Package tushare implements MarketData against the Tushare Pro HTTP API.
package tushare

import (
	"context"
	"fmt"
	"strings"

	"QuantFlow/internal/domain/models"
	drepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/service/upstream"
	"QuantFlow/pkg/logger"
)

// API names used for daily data.
const (
	apiDaily      = "daily"
	apiDailyBasic = "daily_basic"
)

// DefaultBarFields are the daily bar fields fetched when none are requested.
var DefaultBarFields = []string{"open", "high", "low", "close", "vol"}

type request struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// Client calls the single Tushare POST endpoint.
type Client struct {
	base  *upstream.Base
	token string
	log   *logger.Logger
}

// New creates a Tushare MarketData.
func New(base *upstream.Base, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{base: base, token: token, log: log}
}

// DailyBars fetches open/high/low/close/vol style fields.
func (c *Client) DailyBars(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error) {
	if len(fields) == 0 {
		fields = DefaultBarFields
	}
	return c.query(ctx, apiDaily, ticker, start, end, fields)
}

// DailyIndicators fetches daily_basic fields such as pe, pb, turnover_rate.
func (c *Client) DailyIndicators(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error) {
	if len(fields) == 0 {
		return models.FieldTables{}, nil
	}
	return c.query(ctx, apiDailyBasic, ticker, start, end, fields)
}

func (c *Client) query(ctx context.Context, api, ticker, start, end string, fields []string) (models.FieldTables, error) {
	req := request{
		APIName: api,
		Token:   c.token,
		Params:  map[string]string{"ts_code": ticker, "start_date": start, "end_date": end},
		Fields:  strings.Join(append([]string{"ts_code", "trade_date"}, fields...), ","),
	}
	var resp response
	if err := c.base.PostJSON(ctx, "", nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("tushare %s: code %d: %s", api, resp.Code, resp.Msg)
	}
	if resp.Data == nil {
		return models.FieldTables{}, nil
	}
	rows, err := longRows(resp.Data.Fields, resp.Data.Items)
	if err != nil {
		return nil, fmt.Errorf("tushare %s: %w", api, err)
	}
	tables, err := models.Pivot(rows, fields)
	if err != nil {
		return nil, fmt.Errorf("tushare %s: %w", api, err)
	}
	c.log.Debug("tushare query", logger.String("api", api), logger.String("ticker", ticker),
		logger.Int("rows", len(rows)))
	return tables, nil
}

// longRows maps positional items onto named fields. Numbers decode as float64;
// null stays missing.
func longRows(fields []string, items [][]any) ([]models.LongRow, error) {
	code, date := -1, -1
	for i, f := range fields {
		switch f {
		case "ts_code":
			code = i
		case "trade_date":
			date = i
		}
	}
	if code < 0 || date < 0 {
		return nil, fmt.Errorf("response lacks ts_code or trade_date")
	}
	rows := make([]models.LongRow, 0, len(items))
	for _, item := range items {
		if len(item) != len(fields) {
			return nil, fmt.Errorf("item has %d values for %d fields", len(item), len(fields))
		}
		r := models.LongRow{Date: item[date], Ticker: item[code], Values: make(map[string]float64, len(fields))}
		for i, f := range fields {
			if i == code || i == date {
				continue
			}
			if v, ok := item[i].(float64); ok {
				r.Values[f] = v
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

var _ drepo.MarketData = (*Client)(nil)
