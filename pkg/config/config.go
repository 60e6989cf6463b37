package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"QuantFlow/pkg/logger"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Market data sources.
const (
	SourceTushare    = "tushare"
	SourceClickHouse = "clickhouse"
)

// Run store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"5m"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		SlowRequest     time.Duration `yaml:"slow_request" default:"30s"`
		CORS            bool          `yaml:"cors" default:"true"`
		RateLimit       struct {
			PerSecond float64       `yaml:"per_second" default:"5"`
			Burst     int           `yaml:"burst" default:"10"`
			Idle      time.Duration `yaml:"idle" default:"10m"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Log struct {
		logger.Config `yaml:",inline"`
		Collector     struct {
			Enabled        bool          `yaml:"enabled"`
			Interval       time.Duration `yaml:"interval" default:"30s"`
			CountThreshold int           `yaml:"count_threshold" default:"100"`
		} `yaml:"collector"`
	} `yaml:"log"`
	Market struct {
		Source   string        `yaml:"source" default:"tushare"`
		CacheTTL time.Duration `yaml:"cache_ttl" default:"1h"`
	} `yaml:"market"`
	Tushare struct {
		BaseURL   string        `yaml:"base_url" default:"http://api.tushare.pro"`
		Token     string        `yaml:"token"`
		RPS       float64       `yaml:"rps" default:"3"`
		Burst     int           `yaml:"burst" default:"3"`
		Timeout   time.Duration `yaml:"timeout" default:"15s"`
		Attempts  int           `yaml:"attempts" default:"3"`
		Backoff   time.Duration `yaml:"backoff" default:"300ms"`
		TripAfter uint32        `yaml:"trip_after" default:"5"`
		OpenFor   time.Duration `yaml:"open_for" default:"30s"`
	} `yaml:"tushare"`
	LLM struct {
		Enabled bool          `yaml:"enabled"`
		BaseURL string        `yaml:"base_url" default:"https://api.openai.com/v1"`
		APIKey  string        `yaml:"api_key"`
		Model   string        `yaml:"model" default:"gpt-4o-mini"`
		Timeout time.Duration `yaml:"timeout" default:"30s"`
		RPS     float64       `yaml:"rps" default:"2"`
	} `yaml:"llm"`
	RunStore struct {
		Type     string        `yaml:"type" default:"memory"`
		IdleTTL  time.Duration `yaml:"idle_ttl" default:"24h"`
		LockTTL  time.Duration `yaml:"lock_ttl" default:"10m"`
		MaxSteps int           `yaml:"max_steps" default:"100"`
	} `yaml:"run_store"`
	Redis struct {
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix" default:"quantflow"`
		PoolSize int    `yaml:"pool_size" default:"20"`
	} `yaml:"redis"`
	Queue struct {
		Enabled    bool          `yaml:"enabled"`
		Workers    int           `yaml:"workers" default:"4"`
		RetryLimit int           `yaml:"retry_limit" default:"3"`
		RetryDelay time.Duration `yaml:"retry_delay" default:"10s"`
	} `yaml:"queue"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic" default:"quantflow.run-events"`
		LogTopic     string   `yaml:"log_topic" default:"quantflow.logs"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
	} `yaml:"kafka"`
	Events struct {
		Buffer     int           `yaml:"buffer" default:"1024"`
		HubBuffer  int           `yaml:"hub_buffer" default:"64"`
		MaxBackoff time.Duration `yaml:"max_backoff" default:"5s"`
		// Relay feeds the local hub from the run-events topic instead of
		// in-process publishing, so every instance sees every run.
		Relay      bool   `yaml:"relay"`
		RelayGroup string `yaml:"relay_group"`
		DLQTopic   string `yaml:"dlq_topic"`
	} `yaml:"events"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"quantflow"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
	Backtest struct {
		InitCash  float64 `yaml:"init_cash" default:"100000"`
		Fees      float64 `yaml:"fees" default:"0.001"`
		Slippage  float64 `yaml:"slippage" default:"0.001"`
		ReportDir string  `yaml:"report_dir" default:"reports"`
	} `yaml:"backtest"`
	Graph struct {
		MaxClarifications int `yaml:"max_clarifications" default:"3"`
		Recurrence        int `yaml:"recurrence" default:"3"`
	} `yaml:"graph"`
}

// Load reads and parses a YAML configuration file. Missing keys take their
// default tag values.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("TUSHARE_TOKEN"); v != "" {
		c.Tushare.Token = v
	}
	if v := getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("MARKET_SOURCE"); v != "" {
		c.Market.Source = v
	}
	if v := getenv("RUN_STORE"); v != "" {
		c.RunStore.Type = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	switch c.Market.Source {
	case SourceTushare:
	case SourceClickHouse:
		if !c.ClickHouse.Enabled {
			return fmt.Errorf("market.source 'clickhouse' needs clickhouse.enabled")
		}
	default:
		return fmt.Errorf("market.source must be 'tushare' or 'clickhouse', got '%s'", c.Market.Source)
	}
	switch c.RunStore.Type {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("run_store.type must be 'memory' or 'redis', got '%s'", c.RunStore.Type)
	}
	if c.Queue.Enabled && c.RunStore.Type != StoreRedis {
		return fmt.Errorf("queue.enabled needs run_store.type 'redis'")
	}
	if c.LLM.Enabled && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required when llm.enabled")
	}
	if c.Log.Collector.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("log.collector needs kafka.brokers")
	}
	if c.Events.Relay && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("events.relay needs kafka.brokers")
	}
	if c.Backtest.InitCash <= 0 {
		return fmt.Errorf("backtest.init_cash must be positive")
	}
	if c.Backtest.Fees < 0 || c.Backtest.Slippage < 0 {
		return fmt.Errorf("backtest.fees and backtest.slippage cannot be negative")
	}
	if c.RunStore.MaxSteps <= 0 {
		return fmt.Errorf("run_store.max_steps must be positive")
	}
	return nil
}

// RelayGroupID returns the consumer group for the event relay. Each instance
// needs its own group to receive every event.
func (c *Config) RelayGroupID() string {
	if c.Events.RelayGroup != "" {
		return c.Events.RelayGroup
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "quantflow-relay-" + host
}

// KafkaEnabled reports whether run events and logs go to Kafka.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }
