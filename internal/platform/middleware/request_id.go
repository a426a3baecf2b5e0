package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medportal/internal/platform/events"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = echo.HeaderXRequestID

const maxRequestIDLen = 128

// RequestID reuses the caller's X-Request-ID or generates one. The id is
// stored on the echo context as "request_id", echoed in the response and
// attached to the request context so published events carry it.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > maxRequestIDLen {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			c.SetRequest(c.Request().WithContext(events.WithCorrelationID(c.Request().Context(), rid)))
			return next(c)
		}
	}
}
