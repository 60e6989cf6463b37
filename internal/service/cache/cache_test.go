package cache

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"QuantFlow/internal/domain/models"
	"QuantFlow/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls  int
	tables models.FieldTables
	err    error
}

func (c *countingSource) DailyBars(context.Context, string, string, string, []string) (models.FieldTables, error) {
	c.calls++
	return c.tables, c.err
}

func (c *countingSource) DailyIndicators(context.Context, string, string, string, []string) (models.FieldTables, error) {
	c.calls++
	return c.tables, c.err
}

func sampleTables() models.FieldTables {
	idx := []time.Time{time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)}
	t := models.NewTable(idx, []string{"AAA"}, 10)
	t.Values[1][0] = math.NaN()
	return models.FieldTables{"close": t}
}

func newStore(t *testing.T) *cache.MemoryCache {
	mc := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{tables: sampleTables()}
	md := New(src, newStore(t), time.Hour, nil)

	first, err := md.DailyBars(ctx, "AAA", "20240101", "20240131", []string{"close"})
	require.NoError(t, err)
	second, err := md.DailyBars(ctx, "AAA", "20240101", "20240131", []string{"close"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, first["close"].Index, second["close"].Index)
	assert.True(t, math.IsNaN(second["close"].At(1, 0)), "missing cells survive the cache")

	_, err = md.DailyBars(ctx, "AAA", "20240101", "20240229", []string{"close"})
	require.NoError(t, err)
	_, err = md.DailyIndicators(ctx, "AAA", "20240101", "20240131", []string{"close"})
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls, "range and kind are part of the key")

	require.NoError(t, md.Purge(ctx))
	_, _ = md.DailyBars(ctx, "AAA", "20240101", "20240131", []string{"close"})
	assert.Equal(t, 4, src.calls)
}

func TestErrorsAndEmptyResultsAreNotCached(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{err: errors.New("upstream down")}
	md := New(src, newStore(t), time.Hour, nil)

	_, err := md.DailyBars(ctx, "AAA", "1", "2", nil)
	require.Error(t, err)
	src.err = nil
	src.tables = models.FieldTables{}
	_, err = md.DailyBars(ctx, "AAA", "1", "2", nil)
	require.NoError(t, err)
	_, _ = md.DailyBars(ctx, "AAA", "1", "2", nil)
	assert.Equal(t, 3, src.calls)
}
