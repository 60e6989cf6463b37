package di

import (
	"context"
	"testing"
	"time"

	"QuantFlow/internal/repository"
	mdcache "QuantFlow/internal/service/cache"
	"QuantFlow/internal/service/classifier"
	"QuantFlow/internal/service/tushare"
	"QuantFlow/pkg/config"
	applogger "QuantFlow/pkg/logger"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("environment: test\nlog: {level: error}\n" + doc))
	require.NoError(t, err)
	cfg.Backtest.ReportDir = t.TempDir()
	return cfg
}

func TestOptionalClientsAreNilWhenDisabled(t *testing.T) {
	cfg := testConfig(t, "")

	producer, cleanup, err := ProvideKafkaProducer(cfg)
	require.NoError(t, err)
	assert.Nil(t, producer)
	cleanup()

	rc, cleanup, err := ProvideRedisClient(cfg, applogger.Nop())
	require.NoError(t, err)
	assert.Nil(t, rc)
	cleanup()

	ch, cleanup, err := ProvideClickHouseClient(cfg, applogger.Nop())
	require.NoError(t, err)
	assert.Nil(t, ch)
	cleanup()

	assert.Nil(t, ProvideQueue(cfg, applogger.Nop(), nil))
}

func TestProvideEventRelay(t *testing.T) {
	hub := ProvideHub(testConfig(t, ""), applogger.Nop())

	c, err := ProvideEventRelay(testConfig(t, ""), applogger.Nop(), nopMetrics{}, hub)
	require.NoError(t, err)
	assert.Nil(t, c)

	cfg := testConfig(t, "kafka: {brokers: [localhost:9092]}\nevents: {relay: true, relay_group: test}\n")
	c, err = ProvideEventRelay(cfg, applogger.Nop(), nopMetrics{}, hub)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestProvideRunStore(t *testing.T) {
	cfg := testConfig(t, "")
	store, cleanup, err := ProvideRunStore(cfg, nil)
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &repository.CacheRunStore{}, store)

	cfg.RunStore.Type = config.StoreRedis
	_, _, err = ProvideRunStore(cfg, nil)
	assert.Error(t, err)

	rc, _ := redismock.NewClientMock()
	store, cleanup2, err := ProvideRunStore(cfg, rc)
	require.NoError(t, err)
	defer cleanup2()
	assert.NotNil(t, store)
}

func TestProvideMarketData(t *testing.T) {
	cfg := testConfig(t, "market: {cache_ttl: 0s}\n")
	md, cleanup, err := ProvideMarketData(cfg, applogger.Nop(), nil, nil)
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &tushare.Client{}, md)

	cfg.Market.CacheTTL = time.Minute
	md, cleanup, err = ProvideMarketData(cfg, applogger.Nop(), nil, nil)
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &mdcache.MarketData{}, md)

	cfg.Market.Source = config.SourceClickHouse
	_, _, err = ProvideMarketData(cfg, applogger.Nop(), nil, nil)
	assert.Error(t, err)
}

func TestProvideClassifier(t *testing.T) {
	cfg := testConfig(t, "")
	assert.IsType(t, &classifier.Rules{}, ProvideClassifier(cfg, applogger.Nop()))

	cfg.LLM.Enabled = true
	cfg.LLM.APIKey = "sk"
	assert.IsType(t, &classifier.LLM{}, ProvideClassifier(cfg, applogger.Nop()))
}

// InitializeApp registers the Prometheus collectors on the default registry,
// so it runs once per test binary.
func TestInitializeAppWithLocalDefaults(t *testing.T) {
	cfg := testConfig(t, "")
	app, cleanup, err := InitializeApp(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, app)
	cleanup()
}

type nopMetrics struct{}

func (nopMetrics) RecordNode(string, float64, bool) {}
func (nopMetrics) RecordRun(string)                 {}
func (nopMetrics) RecordStoreUpdate(string)         {}
func (nopMetrics) RecordError(string)               {}
func (nopMetrics) RecordLatency(string, float64)    {}
