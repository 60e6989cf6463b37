package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestAllowPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	clock := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst spent")
	assert.True(t, l.Allow("b"), "keys are independent")

	clock = clock.Add(time.Second)
	assert.True(t, l.Allow("a"), "one token refilled")

	clock = clock.Add(2 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.Len(), "idle keys are forgotten")
}

func TestMiddleware(t *testing.T) {
	e := echo.New()
	l := New(0.001, 1, time.Minute)
	e.Use(l.Middleware())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
}
