// Package cache wraps a MarketData source with a read-through cache, so repeated
// runs over the same ticker and range skip the upstream call.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"QuantFlow/internal/domain/models"
	drepo "QuantFlow/internal/domain/repository"
	"QuantFlow/pkg/cache"
	"QuantFlow/pkg/logger"
)

const keyPrefix = "md"

// MarketData is a read-through cache in front of another MarketData.
type MarketData struct {
	next  drepo.MarketData
	store cache.Service
	ttl   time.Duration
	log   *logger.Logger
}

// New wraps next. A non-positive ttl lets the backing store pick its default.
func New(next drepo.MarketData, store cache.Service, ttl time.Duration, log *logger.Logger) *MarketData {
	if log == nil {
		log = logger.Nop()
	}
	return &MarketData{next: next, store: store, ttl: ttl, log: log}
}

func (m *MarketData) DailyBars(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error) {
	return m.get(ctx, "bars", ticker, start, end, fields, m.next.DailyBars)
}

func (m *MarketData) DailyIndicators(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error) {
	return m.get(ctx, "indicators", ticker, start, end, fields, m.next.DailyIndicators)
}

// Purge drops every cached market-data entry.
func (m *MarketData) Purge(ctx context.Context) error {
	return m.store.DeleteByPattern(ctx, cache.BuildPattern(keyPrefix+":"))
}

type fetchFunc func(ctx context.Context, ticker, start, end string, fields []string) (models.FieldTables, error)

func (m *MarketData) get(ctx context.Context, kind, ticker, start, end string, fields []string, fetch fetchFunc) (models.FieldTables, error) {
	key := cache.GenerateKeyWithParams(keyPrefix, kind,
		cache.HashKey(strings.Join([]string{ticker, start, end, strings.Join(fields, ",")}, "|")))

	var hit models.FieldTables
	err := m.store.Get(ctx, key, &hit)
	switch {
	case err == nil:
		m.log.Debug("market data cache hit", logger.String("kind", kind), logger.String("ticker", ticker))
		return hit, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		m.log.Warn("market data cache read failed", logger.String("key", key), logger.Error(err))
	}

	tables, err := fetch(ctx, ticker, start, end, fields)
	if err != nil {
		return nil, err
	}
	// empty results are not cached, the range may simply not be published yet
	if len(tables) > 0 {
		if err := m.store.Set(ctx, key, tables, m.ttl); err != nil {
			m.log.Warn("market data cache write failed", logger.String("key", key), logger.Error(err))
		}
	}
	return tables, nil
}

var _ drepo.MarketData = (*MarketData)(nil)
