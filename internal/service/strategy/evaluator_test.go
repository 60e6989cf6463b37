package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dates(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}
	return out
}

func snapWithClose(cols []string, series ...[]float64) models.Snapshot {
	t := models.NewTable(dates(len(series[0])), cols, 0)
	for j, s := range series {
		for i, v := range s {
			t.Values[i][j] = v
		}
	}
	return models.Snapshot{models.CollectionPriceVolume: {"close": t}}
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func TestMACrossFollowsTrend(t *testing.T) {
	snap := snapWithClose([]string{"UP", "DOWN"}, ramp(30, 10, 1), ramp(30, 50, -1))
	sig, err := NewEvaluator().Evaluate(context.Background(), domrepo.EvalContext{
		Strategy: MACross,
		Params:   map[string]float64{"fast": 3, "slow": 10},
		Snapshot: snap,
	})
	require.NoError(t, err)
	require.NoError(t, sig.ValidateSignal())

	assert.True(t, math.IsNaN(sig.Values[5][0]), "slow window not filled")
	assert.Equal(t, 1.0, sig.Values[29][0])
	assert.Equal(t, -1.0, sig.Values[29][1])
	assert.True(t, sig.SameIndex(snap[models.CollectionPriceVolume]["close"]))
}

func TestMomentumAndMeanReversion(t *testing.T) {
	closes := ramp(25, 10, 0.5)
	closes[24] = 5 // sharp drop at the end
	snap := snapWithClose([]string{"A"}, closes)
	ev := NewEvaluator()

	mom, err := ev.Evaluate(context.Background(), domrepo.EvalContext{Strategy: Momentum, Params: map[string]float64{"lookback": 5}, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, 1.0, mom.Values[20][0])
	assert.Equal(t, -1.0, mom.Values[24][0])

	mr, err := ev.Evaluate(context.Background(), domrepo.EvalContext{Strategy: MeanReversion, Params: map[string]float64{"window": 10, "z": 1}, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, 1.0, mr.Values[24][0], "price far below mean is a buy")
	require.NoError(t, mr.ValidateSignal())
}

func TestValueRanksCrossSection(t *testing.T) {
	idx := dates(2)
	cols := []string{"CHEAP", "MID", "RICH"}
	pe := models.NewTable(idx, cols, 0)
	pb := models.NewTable(idx, cols, 0)
	for i := range idx {
		pe.Values[i] = []float64{5, 15, 60}
		pb.Values[i] = []float64{0.8, 1.5, 6}
	}
	pe.Values[1][2] = -3 // loss-making: no valuation
	snap := models.Snapshot{models.CollectionIndicators: {"pe": pe, "pb": pb}}

	sig, err := NewEvaluator().Evaluate(context.Background(), domrepo.EvalContext{Strategy: Value, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, -1}, sig.Values[0])
	assert.Equal(t, 1.0, sig.Values[1][0])
	require.NoError(t, sig.ValidateSignal())
}

func TestValueSingleTickerUsesCeilings(t *testing.T) {
	idx := dates(1)
	pe := models.NewTable(idx, []string{"A"}, 12)
	pb := models.NewTable(idx, []string{"A"}, 1.1)
	snap := models.Snapshot{models.CollectionIndicators: {"pe": pe, "pb": pb}}
	sig, err := NewEvaluator().Evaluate(context.Background(), domrepo.EvalContext{Strategy: Value, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, 1.0, sig.Values[0][0])
}

func TestEvaluateErrors(t *testing.T) {
	ev := NewEvaluator()
	_, err := ev.Evaluate(context.Background(), domrepo.EvalContext{Strategy: "astrology"})
	require.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = ev.Evaluate(context.Background(), domrepo.EvalContext{Strategy: MACross, Snapshot: models.Snapshot{}})
	require.ErrorContains(t, err, "missing price_volume/close")

	_, err = ev.Evaluate(context.Background(), domrepo.EvalContext{
		Strategy: MACross, Params: map[string]float64{"fast": 10, "slow": 5},
		Snapshot: snapWithClose([]string{"A"}, ramp(5, 1, 1)),
	})
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{MACross, MeanReversion, Momentum, Value}, Names())
	assert.Equal(t, []string{"pe", "pb"}, Indicators(Value))
	assert.Empty(t, Indicators(MACross))
	assert.True(t, Known(Momentum))
	d := Defaults(MACross)
	d["fast"] = 99
	assert.Equal(t, 5.0, Defaults(MACross)["fast"])
}
