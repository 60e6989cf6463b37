// Package ratelimit keeps one token bucket per client key and exposes it as
// echo middleware.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	xhttp "QuantFlow/pkg/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type entry struct {
	lim  *rate.Limiter
	last time.Time
}

// Limiter hands out a rate.Limiter per key and forgets keys idle for longer than idle.
type Limiter struct {
	mu    sync.Mutex
	m     map[string]*entry
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time
}

// New creates a limiter allowing perSecond requests per key with the given burst.
func New(perSecond float64, burst int, idle time.Duration) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Limiter{m: make(map[string]*entry), limit: rate.Limit(perSecond), burst: burst, idle: idle, now: time.Now}
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.m[key] = e
	}
	e.last = now
	l.sweep(now)
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// sweep drops idle keys; caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	for k, e := range l.m {
		if now.Sub(e.last) > l.idle {
			delete(l.m, k)
		}
	}
}

// Middleware rejects requests over the per-client rate with 429. Clients are
// keyed by their real IP.
func (l *Limiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Allow(c.RealIP()) {
				c.Response().Header().Set("Retry-After", "1")
				return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_RATE_LIMITED", "", "too many requests", http.StatusTooManyRequests))
			}
			return next(c)
		}
	}
}
