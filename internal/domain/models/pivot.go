package models

import (
	"fmt"
	"math"
	"sort"
	"time"

	"QuantFlow/pkg/util"
)

// LongRow is one (date, ticker) observation carrying several fields, the shape
// market-data APIs and SQL tables return. Labels stay untyped until Pivot.
type LongRow struct {
	Date   any
	Ticker any
	Values map[string]float64
}

// Pivot turns long rows into one date x ticker table per field. Dates are sorted
// ascending, tickers keep first-seen order, absent cells are NaN. A label of an
// unsupported type fails with ErrTypeMismatch. No rows yields an empty result.
func Pivot(rows []LongRow, fields []string) (FieldTables, error) {
	out := make(FieldTables, len(fields))
	if len(rows) == 0 {
		return out, nil
	}

	dates := make(map[time.Time]int)
	var dateList []time.Time
	tickers := make(map[string]int)
	var tickerList []any

	rowAt := make([]int, len(rows))
	colAt := make([]int, len(rows))
	for i, r := range rows {
		t, err := labelTime(r.Date)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if _, ok := dates[t]; !ok {
			dates[t] = len(dateList)
			dateList = append(dateList, t)
		}
		name, ok := r.Ticker.(string)
		if !ok {
			return nil, fmt.Errorf("%w: row %d ticker has type %T", ErrTypeMismatch, i, r.Ticker)
		}
		if _, ok := tickers[name]; !ok {
			tickers[name] = len(tickerList)
			tickerList = append(tickerList, name)
		}
		colAt[i] = tickers[name]
	}

	sort.Slice(dateList, func(a, b int) bool { return dateList[a].Before(dateList[b]) })
	index := make([]any, len(dateList))
	for pos, d := range dateList {
		index[pos] = d
		dates[d] = pos
	}
	for i, r := range rows {
		t, _ := labelTime(r.Date)
		rowAt[i] = dates[t]
	}

	for _, f := range fields {
		values := make([][]float64, len(index))
		for i := range values {
			row := make([]float64, len(tickerList))
			for j := range row {
				row[j] = math.NaN()
			}
			values[i] = row
		}
		for i, r := range rows {
			if v, ok := r.Values[f]; ok {
				values[rowAt[i]][colAt[i]] = v
			}
		}
		t, err := NewTableFromLabels(index, tickerList, values)
		if err != nil {
			return nil, fmt.Errorf("pivot %s: %w", f, err)
		}
		out[f] = t
	}
	return out, nil
}

func labelTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		y, m, d := x.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		t, err := util.ParseDate(x)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: date %q", ErrTypeMismatch, x)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: date has type %T", ErrTypeMismatch, v)
}
