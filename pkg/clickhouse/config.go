package clickhouse

import (
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
)

// Option configures Client.
type Option func(*Config)

// Config holds the connection settings for one ClickHouse server.
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	UseHTTP         bool
	AsyncInsert     bool
	WaitForAsync    bool
	MaxExecTime     time.Duration
}

func defaultConfig() Config {
	return Config{
		Port:            9000,
		Database:        "quantflow",
		User:            "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     30 * time.Second,
	}
}

// WithAddr sets host and port. A zero port keeps the default.
func WithAddr(host string, port int) Option {
	return func(c *Config) {
		c.Host = host
		if port > 0 {
			c.Port = port
		}
	}
}

func WithDatabase(database string) Option {
	return func(c *Config) {
		if database != "" {
			c.Database = database
		}
	}
}

func WithCredentials(user, password string) Option {
	return func(c *Config) {
		c.User = user
		c.Password = password
	}
}

// WithPool sets the database/sql pool limits.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(c *Config) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
		c.ConnMaxLifetime = lifetime
	}
}

func WithTimeouts(dial, read time.Duration) Option {
	return func(c *Config) {
		c.DialTimeout = dial
		c.ReadTimeout = read
	}
}

// WithHTTP switches from the native protocol to HTTP.
func WithHTTP(useHTTP bool) Option {
	return func(c *Config) {
		c.UseHTTP = useHTTP
	}
}

// WithAsyncInsert turns on server-side insert batching for backtest rows.
func WithAsyncInsert(enabled, wait bool) Option {
	return func(c *Config) {
		c.AsyncInsert = enabled
		c.WaitForAsync = wait
	}
}

func WithMaxExecutionTime(d time.Duration) Option {
	return func(c *Config) {
		c.MaxExecTime = d
	}
}

// options translates Config into driver options.
func (c Config) options() *ch.Options {
	settings := ch.Settings{}
	if c.MaxExecTime > 0 {
		settings["max_execution_time"] = int(c.MaxExecTime.Seconds())
	}
	if c.AsyncInsert {
		settings["async_insert"] = 1
		if c.WaitForAsync {
			settings["wait_for_async_insert"] = 1
		}
	}

	protocol := ch.Native
	if c.UseHTTP {
		protocol = ch.HTTP
	}

	return &ch.Options{
		Addr:     []string{fmt.Sprintf("%s:%d", c.Host, c.Port)},
		Protocol: protocol,
		Auth: ch.Auth{
			Database: c.Database,
			Username: c.User,
			Password: c.Password,
		},
		Settings:        settings,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.ReadTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		Compression:     &ch.Compression{Method: ch.CompressionLZ4},
	}
}
