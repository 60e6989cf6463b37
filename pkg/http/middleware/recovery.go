package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	applogger "QuantFlow/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Recover turns a handler panic into a 500 in the usual error envelope.
func Recover(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				l.Error("http handler panic",
					applogger.Error(fmt.Errorf("%v", r)),
					applogger.String("route", c.Path()),
					applogger.String("stack", string(debug.Stack())))
				if c.Response().Committed {
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]any{
					"status":  http.StatusInternalServerError,
					"message": http.StatusText(http.StatusInternalServerError),
					"data": []map[string]string{{
						"code":    "ERR_INTERNAL",
						"message": "unexpected server error",
					}},
				})
			}()
			return next(c)
		}
	}
}
