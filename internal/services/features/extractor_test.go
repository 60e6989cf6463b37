package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimpleReturns(t *testing.T) {
	r := SimpleReturns([]float64{10, 11, math.NaN(), 12})
	assert.True(t, math.IsNaN(r[0]))
	assert.InDelta(t, 0.1, r[1], 1e-12)
	assert.True(t, math.IsNaN(r[2]))
	assert.True(t, math.IsNaN(r[3]))
}

func TestLogReturns(t *testing.T) {
	assert.Nil(t, LogReturns([]float64{1}))
	r := LogReturns([]float64{1, math.E, 0})
	assert.InDelta(t, 1, r[0], 1e-12)
	assert.Equal(t, 0.0, r[1])
}

func TestRollingMean(t *testing.T) {
	m := RollingMean([]float64{1, 2, 3, 4, math.NaN(), 6, 7}, 3)
	assert.True(t, math.IsNaN(m[1]))
	assert.InDelta(t, 2, m[2], 1e-12)
	assert.InDelta(t, 3, m[3], 1e-12)
	assert.True(t, math.IsNaN(m[4]))
	assert.True(t, math.IsNaN(m[6]))
}

func TestRollingStd(t *testing.T) {
	s := RollingStd([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8)
	assert.InDelta(t, 2.138, s[7], 1e-3)
	assert.True(t, math.IsNaN(s[6]))
}

func TestMomentum(t *testing.T) {
	m := Momentum([]float64{10, 10, 12, 15}, 2)
	assert.True(t, math.IsNaN(m[1]))
	assert.InDelta(t, 0.2, m[2], 1e-12)
	assert.InDelta(t, 0.5, m[3], 1e-12)
}

func TestPercentRank(t *testing.T) {
	r := PercentRank([]float64{3, math.NaN(), 1, 3, 2})
	assert.InDelta(t, 1.0, r[0], 1e-12)
	assert.True(t, math.IsNaN(r[1]))
	assert.InDelta(t, 0, r[2], 1e-12)
	assert.InDelta(t, 1.0, r[3], 1e-12)
	assert.InDelta(t, 1.0/3, r[4], 1e-12)
	assert.Equal(t, []float64{1}, PercentRank([]float64{7}))
}

func TestRealizedVolatility(t *testing.T) {
	assert.Zero(t, RealizedVolatility([]float64{0.01}, 5, TradingDaysPerYear))
	flat := []float64{0.01, 0.01, 0.01, 0.01}
	assert.InDelta(t, 0, RealizedVolatility(flat, 4, TradingDaysPerYear), 1e-12)
}
