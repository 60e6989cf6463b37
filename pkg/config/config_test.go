package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFillsDefaults(t *testing.T) {
	c, err := Parse([]byte("environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, SourceTushare, c.Market.Source)
	assert.Equal(t, StoreMemory, c.RunStore.Type)
	assert.Equal(t, time.Hour, c.Market.CacheTTL)
	assert.Equal(t, 100000.0, c.Backtest.InitCash)
	assert.Equal(t, -1, c.Kafka.RequiredAcks)
	assert.Equal(t, "info", c.Log.Level)
	assert.False(t, c.KafkaEnabled())
}

func TestParseKeepsExplicitValues(t *testing.T) {
	c, err := Parse([]byte(`
environment: prod
server:
  port: 9090
log:
  level: debug
  format: console
run_store:
  type: redis
  idle_ttl: 2h
queue:
  enabled: true
kafka:
  brokers: [k1:9092, k2:9092]
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, 10*time.Second, c.Server.ReadTimeout)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
	assert.Equal(t, 2*time.Hour, c.RunStore.IdleTTL)
	assert.Equal(t, 10*time.Minute, c.RunStore.LockTTL)
	assert.True(t, c.KafkaEnabled())
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown source":       "market: {source: yahoo}",
		"clickhouse disabled":  "market: {source: clickhouse}",
		"unknown store":        "run_store: {type: etcd}",
		"queue without redis":  "queue: {enabled: true}",
		"llm without key":      "llm: {enabled: true}",
		"collector no brokers": "log: {collector: {enabled: true}}",
		"negative fees":        "backtest: {fees: -0.1}",
		"relay no brokers":     "events: {relay: true}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte("environment: test\n" + doc + "\n"))
			assert.Error(t, err)
		})
	}
}

func TestRelayGroupID(t *testing.T) {
	c, err := Parse([]byte("environment: test\nkafka: {brokers: [k:9092]}\nevents: {relay: true, relay_group: g1}\n"))
	require.NoError(t, err)
	assert.Equal(t, "g1", c.RelayGroupID())

	c.Events.RelayGroup = ""
	assert.True(t, strings.HasPrefix(c.RelayGroupID(), "quantflow-relay-"))
}

func TestApplyEnv(t *testing.T) {
	c, err := Parse([]byte("environment: test\n"))
	require.NoError(t, err)

	env := map[string]string{
		"TUSHARE_TOKEN": "tok",
		"LLM_API_KEY":   "sk",
		"KAFKA_BROKERS": "a:1,b:2",
		"REDIS_ADDR":    "redis:6380",
		"MARKET_SOURCE": "clickhouse",
		"RUN_STORE":     "redis",
	}
	c.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "tok", c.Tushare.Token)
	assert.Equal(t, "sk", c.LLM.APIKey)
	assert.Equal(t, []string{"a:1", "b:2"}, c.Kafka.Brokers)
	assert.Equal(t, "redis:6380", c.Redis.Addr)
	assert.Equal(t, SourceClickHouse, c.Market.Source)
	assert.Equal(t, StoreRedis, c.RunStore.Type)
}

func TestLoadSampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.Environment)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}
