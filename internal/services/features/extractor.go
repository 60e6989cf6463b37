// Package features holds the per-series math shared by strategies, the
// backtester and data validation. Missing observations are NaN throughout.
package features

import (
	"math"
	"sort"
)

// TradingDaysPerYear annualises daily statistics.
const TradingDaysPerYear = 252

// SimpleReturns computes r_t = C_t / C_{t-1} - 1. The result has the same length
// as closes; the first element and any step touching a missing or non-positive
// price is NaN.
func SimpleReturns(closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
		if i == 0 {
			continue
		}
		prev, cur := closes[i-1], closes[i]
		if math.IsNaN(prev) || math.IsNaN(cur) || prev <= 0 {
			continue
		}
		out[i] = cur/prev - 1
	}
	return out
}

// LogReturns computes r_t = ln(C_t / C_{t-1}). It returns len(closes)-1
// values, or nil if there is not enough data. Non-positive prices yield 0.
func LogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if !(prev > 0) || !(cur > 0) {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RealizedVolatility is the annualised sample deviation of the last window
// log returns.
func RealizedVolatility(logReturns []float64, window int, periodsPerYear float64) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	sd := Std(logReturns[len(logReturns)-window:])
	if math.IsNaN(sd) {
		return 0
	}
	return sd * math.Sqrt(periodsPerYear)
}

// RollingMean averages each trailing window. Positions before the window is
// full, or whose window contains NaN, are NaN.
func RollingMean(x []float64, window int) []float64 {
	out := nanSlice(len(x))
	if window <= 0 {
		return out
	}
	sum, missing := 0.0, 0
	for i, v := range x {
		if math.IsNaN(v) {
			missing++
		} else {
			sum += v
		}
		if i >= window {
			old := x[i-window]
			if math.IsNaN(old) {
				missing--
			} else {
				sum -= old
			}
		}
		if i >= window-1 && missing == 0 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// RollingStd is the trailing sample standard deviation, NaN like RollingMean.
func RollingStd(x []float64, window int) []float64 {
	out := nanSlice(len(x))
	if window <= 1 {
		return out
	}
	for i := window - 1; i < len(x); i++ {
		out[i] = Std(x[i-window+1 : i+1])
		if hasNaN(x[i-window+1 : i+1]) {
			out[i] = math.NaN()
		}
	}
	return out
}

// Momentum is x_t / x_{t-lookback} - 1.
func Momentum(x []float64, lookback int) []float64 {
	out := nanSlice(len(x))
	if lookback <= 0 {
		return out
	}
	for i := lookback; i < len(x); i++ {
		prev := x[i-lookback]
		if math.IsNaN(prev) || math.IsNaN(x[i]) || prev == 0 {
			continue
		}
		out[i] = x[i]/prev - 1
	}
	return out
}

// Mean averages the non-NaN values; NaN when there are none.
func Mean(x []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range x {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Std is the sample standard deviation of the non-NaN values.
func Std(x []float64) float64 {
	m := Mean(x)
	if math.IsNaN(m) {
		return math.NaN()
	}
	ss, n := 0.0, 0
	for _, v := range x {
		if !math.IsNaN(v) {
			ss += (v - m) * (v - m)
			n++
		}
	}
	if n < 2 {
		return math.NaN()
	}
	return math.Sqrt(ss / float64(n-1))
}

// PercentRank maps each non-NaN value to its rank scaled to [0, 1], lowest 0
// and highest 1. Ties share the highest rank of their group; a lone value is 1.
func PercentRank(x []float64) []float64 {
	out := nanSlice(len(x))
	idx := make([]int, 0, len(x))
	for i, v := range x {
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return out
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	if len(idx) == 1 {
		out[idx[0]] = 1
		return out
	}
	n := float64(len(idx) - 1)
	for k := 0; k < len(idx); {
		j := k
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[k]] {
			j++
		}
		for m := k; m <= j; m++ {
			out[idx[m]] = float64(j) / n
		}
		k = j + 1
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func hasNaN(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
