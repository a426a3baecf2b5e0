package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medportal/internal/platform/auth"
	"github.com/ehr/medportal/internal/platform/validate"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// codeForStatus names echo.HTTPError statuses raised by handlers and
// middleware. Auth taxonomy errors carry their own codes.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return "unavailable"
	default:
		return "internal"
	}
}

// classify maps any handler error to a status and body. 5xx messages never
// carry internal error text.
func classify(err error) (int, ErrorBody) {
	var ve *validate.Error
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ErrorBody{Error: "validation_failed", Message: ve.Error(), Fields: ve.Fields()}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		body := ErrorBody{Error: codeForStatus(he.Code), Message: http.StatusText(he.Code)}
		if he.Code < http.StatusInternalServerError {
			if msg, ok := he.Message.(string); ok && msg != "" {
				body.Message = msg
			} else if he.Message != nil {
				body.Message = fmt.Sprint(he.Message)
			}
		}
		return he.Code, body
	}

	status := auth.HTTPStatus(err)
	body := ErrorBody{Error: auth.Code(err), Message: http.StatusText(status)}
	if status < http.StatusInternalServerError {
		body.Message = err.Error()
	}
	return status, body
}

// ErrorHandler renders errors as ErrorBody and logs server errors.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := classify(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Int("status", status).Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
