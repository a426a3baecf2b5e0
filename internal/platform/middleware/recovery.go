package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medportal/internal/platform/events"
)

const maxPanicStack = 4 << 10

// Recovery turns a handler panic into a 500 and logs it with the request's
// correlation id and route. http.ErrAbortHandler is re-raised so the server
// can drop the connection as net/http intends.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
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
				stack := make([]byte, maxPanicStack)
				stack = stack[:runtime.Stack(stack, false)]

				evt := logger.Error().
					Str("request_id", correlationID(c)).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Bytes("stack", stack)
				if perr, ok := r.(error); ok {
					evt = evt.Err(perr)
				} else {
					evt = evt.Str("panic", fmt.Sprint(r))
				}
				evt.Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}

// correlationID prefers the id RequestID put on the request context, which
// is the one published events carry.
func correlationID(c echo.Context) string {
	if rid := events.CorrelationIDFromContext(c.Request().Context()); rid != "" {
		return rid
	}
	rid, _ := c.Get("request_id").(string)
	return rid
}
