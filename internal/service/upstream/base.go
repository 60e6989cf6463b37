// Package upstream is the shared foundation for clients of external HTTP
// services: JSON POST, client-side rate limit, circuit breaker, retries with
// backoff and per-endpoint metrics.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	svcmetrics "QuantFlow/internal/service/metrics"
	xhttp "QuantFlow/pkg/http"
	"QuantFlow/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("upstream unavailable")

type Config struct {
	Name          string
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64 // <= 0 disables limiting
	Burst         int
	Attempts      int // total tries for temporary failures
	Backoff       time.Duration
	TripAfter     uint32        // consecutive failures that open the breaker
	OpenFor       time.Duration // how long the breaker stays open
}

// Base provides PostJSON with the guards above.
type Base struct {
	cfg     Config
	client  *xhttp.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// Option configures Base.
type Option func(*Base)

func WithClient(c *xhttp.Client) Option { return func(b *Base) { b.client = c } }

func WithLogger(l *logger.Logger) Option { return func(b *Base) { b.log = l } }

// New builds a Base from cfg, filling zero values with conservative defaults.
func New(cfg Config, opts ...Option) *Base {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	b := &Base{
		cfg:    cfg,
		client: xhttp.NewClient(xhttp.WithTimeout(cfg.Timeout)),
		log:    logger.Nop(),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(b)
	}

	svcmetrics.Register()
	name := cfg.Name
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= cfg.TripAfter },
		OnStateChange: func(_ string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			svcmetrics.BreakerState.WithLabelValues(name).Set(open)
			b.log.Warn("circuit breaker state changed", logger.String("service", name),
				logger.String("from", from.String()), logger.String("to", to.String()))
		},
	})
	return b
}

// Name returns the configured service name.
func (b *Base) Name() string { return b.cfg.Name }

// PostJSON posts payload to path under the base URL and decodes the JSON reply into dest.
func (b *Base) PostJSON(ctx context.Context, path string, headers map[string]string, payload, dest interface{}) error {
	if b.cfg.BaseURL == "" {
		return fmt.Errorf("%s: base url not configured", b.cfg.Name)
	}
	endpoint := strings.TrimLeft(path, "/")
	if endpoint == "" {
		endpoint = "root"
	}
	start := time.Now()
	defer func() {
		svcmetrics.UpstreamLatency.WithLabelValues(b.cfg.Name, endpoint).Observe(time.Since(start).Seconds())
	}()

	var err error
retry:
	for attempt := 1; attempt <= b.cfg.Attempts; attempt++ {
		if err = b.wait(ctx); err != nil {
			break
		}
		_, err = b.breaker.Execute(func() (interface{}, error) {
			return nil, b.post(ctx, path, headers, payload, dest)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s: %v", ErrUnavailable, b.cfg.Name, err)
			break
		}
		if !temporary(err) || attempt == b.cfg.Attempts {
			break
		}
		b.log.Debug("retrying upstream call", logger.String("service", b.cfg.Name),
			logger.String("path", path), logger.Int("attempt", attempt), logger.Error(err))
		select {
		case <-time.After(time.Duration(attempt) * b.cfg.Backoff):
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		}
	}
	svcmetrics.UpstreamErrors.WithLabelValues(b.cfg.Name, endpoint).Inc()
	return fmt.Errorf("%s %s: %w", b.cfg.Name, path, err)
}

func (b *Base) wait(ctx context.Context) error {
	if b.limiter == nil {
		return ctx.Err()
	}
	return b.limiter.Wait(ctx)
}

func (b *Base) post(ctx context.Context, path string, headers map[string]string, payload, dest interface{}) error {
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}
	return b.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodPost,
		URL:     strings.TrimRight(b.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		Headers: h,
		Body:    payload,
	}, dest)
}

// temporary reports whether err is worth retrying: transport failures and
// 429/5xx replies. Decode errors and 4xx are final.
func temporary(err error) bool {
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !xhttp.IsDecodeError(err)
}
