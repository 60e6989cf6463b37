package middleware

import (
	"time"

	applogger "QuantFlow/pkg/logger"

	"github.com/labstack/echo/v4"
)

// RequestLogging logs every request at debug level. Probe and scrape
// endpoints are skipped.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch c.Path() {
			case "/healthz", "/readyz", "/metrics":
				return next(c)
			}
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("uri", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", res.Status),
				applogger.Duration("latency_ms", time.Since(start)),
				applogger.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
			}
			if id := c.Param("id"); id != "" {
				fields = append(fields, applogger.RunID(id))
			}
			l.Debug("http request", fields...)
			return nil
		}
	}
}
