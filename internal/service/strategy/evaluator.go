// Package strategy turns stored price and indicator tables into trading
// signals: +1 long, -1 short/exit, 0 flat, NaN where undefined.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/services/features"
)

// Strategy names.
const (
	MACross       = "ma_cross"
	Momentum      = "momentum"
	MeanReversion = "mean_reversion"
	Value         = "value"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

type spec struct {
	indicators []string
	defaults   map[string]float64
	fn         func(snap models.Snapshot, p map[string]float64) (*models.Table, error)
}

var registry = map[string]spec{
	MACross: {
		defaults: map[string]float64{"fast": 5, "slow": 20},
		fn:       maCross,
	},
	Momentum: {
		defaults: map[string]float64{"lookback": 20, "threshold": 0},
		fn:       momentum,
	},
	MeanReversion: {
		defaults: map[string]float64{"window": 20, "z": 1},
		fn:       meanReversion,
	},
	Value: {
		indicators: []string{"pe", "pb"},
		defaults:   map[string]float64{"quantile": 0.3, "pe_max": 20, "pb_max": 2},
		fn:         value,
	},
}

// Names lists the supported strategies.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Known reports whether name is a supported strategy.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Indicators returns the indicator fields a strategy reads.
func Indicators(name string) []string {
	return append([]string(nil), registry[name].indicators...)
}

// Defaults returns a copy of the strategy parameters' defaults.
func Defaults(name string) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range registry[name].defaults {
		out[k] = v
	}
	return out
}

// Evaluator implements domrepo.SignalEvaluator over the named strategies.
type Evaluator struct{}

func NewEvaluator() *Evaluator { return &Evaluator{} }

// Evaluate computes the signal table for in.Strategy. Parameters missing from
// in.Params take the strategy defaults.
func (e *Evaluator) Evaluate(ctx context.Context, in domrepo.EvalContext) (*models.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, ok := registry[in.Strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, in.Strategy)
	}
	p := Defaults(in.Strategy)
	for k, v := range in.Params {
		p[k] = v
	}
	out, err := s.fn(in.Snapshot, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", in.Strategy, err)
	}
	return out, nil
}

func field(snap models.Snapshot, collection, name string) (*models.Table, error) {
	t := snap[collection][name]
	if t.Empty() {
		return nil, fmt.Errorf("missing %s/%s", collection, name)
	}
	return t, nil
}

// perColumn applies fn to every close column and assembles the signal table.
func perColumn(snap models.Snapshot, fn func(closes []float64) []float64) (*models.Table, error) {
	closeT, err := field(snap, models.CollectionPriceVolume, "close")
	if err != nil {
		return nil, err
	}
	out := models.NewTable(closeT.Index, closeT.Columns, math.NaN())
	for j, col := range closeT.Columns {
		series, _ := closeT.Column(col)
		sig := fn(series)
		for i := range sig {
			out.Values[i][j] = sig[i]
		}
	}
	return out, nil
}

func sign(v, band float64) float64 {
	switch {
	case math.IsNaN(v):
		return math.NaN()
	case v > band:
		return 1
	case v < -band:
		return -1
	}
	return 0
}

func maCross(snap models.Snapshot, p map[string]float64) (*models.Table, error) {
	fast, slow := int(p["fast"]), int(p["slow"])
	if fast <= 0 || slow <= fast {
		return nil, fmt.Errorf("need 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	return perColumn(snap, func(c []float64) []float64 {
		f, s := features.RollingMean(c, fast), features.RollingMean(c, slow)
		out := make([]float64, len(c))
		for i := range c {
			out[i] = sign(f[i]-s[i], 0)
		}
		return out
	})
}

func momentum(snap models.Snapshot, p map[string]float64) (*models.Table, error) {
	lookback := int(p["lookback"])
	if lookback <= 0 {
		return nil, fmt.Errorf("lookback must be positive, got %d", lookback)
	}
	thr := math.Abs(p["threshold"])
	return perColumn(snap, func(c []float64) []float64 {
		m := features.Momentum(c, lookback)
		for i := range m {
			m[i] = sign(m[i], thr)
		}
		return m
	})
}

func meanReversion(snap models.Snapshot, p map[string]float64) (*models.Table, error) {
	window := int(p["window"])
	if window <= 1 {
		return nil, fmt.Errorf("window must exceed 1, got %d", window)
	}
	k := math.Abs(p["z"])
	return perColumn(snap, func(c []float64) []float64 {
		mean, sd := features.RollingMean(c, window), features.RollingStd(c, window)
		out := make([]float64, len(c))
		for i := range c {
			switch {
			case math.IsNaN(mean[i]) || math.IsNaN(sd[i]) || math.IsNaN(c[i]):
				out[i] = math.NaN()
			case sd[i] == 0:
				out[i] = 0
			default:
				// price far below its mean is a buy
				out[i] = sign(-(c[i]-mean[i])/sd[i], k)
			}
		}
		return out
	})
}

// value ranks tickers cross-sectionally by cheapness (low pe and pb). With a
// single ticker it falls back to absolute pe/pb ceilings.
func value(snap models.Snapshot, p map[string]float64) (*models.Table, error) {
	pe, err := field(snap, models.CollectionIndicators, "pe")
	if err != nil {
		return nil, err
	}
	pb, err := field(snap, models.CollectionIndicators, "pb")
	if err != nil {
		return nil, err
	}
	if !pe.SameIndex(pb) {
		return nil, errors.New("pe and pb are not aligned")
	}
	out := models.NewTable(pe.Index, pe.Columns, math.NaN())
	q := p["quantile"]
	if q <= 0 || q >= 0.5 {
		q = 0.3
	}

	for i := range pe.Index {
		peRow := positives(pe.Values[i])
		pbRow := make([]float64, len(pe.Columns))
		for j, col := range pe.Columns {
			pbRow[j] = math.NaN()
			if k := pb.ColumnIndex(col); k >= 0 && pb.Values[i][k] > 0 {
				pbRow[j] = pb.Values[i][k]
			}
		}

		if len(pe.Columns) == 1 {
			out.Values[i][0] = absoluteValue(peRow[0], pbRow[0], p["pe_max"], p["pb_max"])
			continue
		}

		// cheaper is better, so rank the negated multiples
		rPE, rPB := features.PercentRank(negate(peRow)), features.PercentRank(negate(pbRow))
		for j := range pe.Columns {
			score := features.Mean([]float64{rPE[j], rPB[j]})
			switch {
			case math.IsNaN(score):
			case score >= 1-q:
				out.Values[i][j] = 1
			case score <= q:
				out.Values[i][j] = -1
			default:
				out.Values[i][j] = 0
			}
		}
	}
	return out, nil
}

func absoluteValue(pe, pb, peMax, pbMax float64) float64 {
	if math.IsNaN(pe) || math.IsNaN(pb) {
		return math.NaN()
	}
	switch {
	case pe <= peMax && pb <= pbMax:
		return 1
	case pe > peMax && pb > pbMax:
		return -1
	}
	return 0
}

func positives(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.NaN()
		if v > 0 {
			out[i] = v
		}
	}
	return out
}

func negate(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = -v
	}
	return out
}

var _ domrepo.SignalEvaluator = (*Evaluator)(nil)
