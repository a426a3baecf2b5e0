package auth

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrInvalidCredentials is returned for an unknown identifier and for a
	// wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountNotActive is returned when the credentials are valid but the
	// account has not been approved or was deactivated.
	ErrAccountNotActive = errors.New("account not active")

	// ErrUnauthenticated is returned when a request carries no usable access token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the caller's role is not allowed, or the
	// caller does not own the target resource.
	ErrForbidden = errors.New("forbidden")

	// ErrSessionNotFound is returned when a refresh token is unknown or was
	// already consumed by a rotation or a logout.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a refresh token is recognized but its
	// session is past its expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidToken is returned by the token issuer for malformed or
	// tampered access tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned by the token issuer for well-formed access
	// tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
)

// HTTPStatus maps an error from the auth taxonomy to an HTTP status code.
// Errors outside the taxonomy are server errors.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAccountNotActive), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the stable machine-readable code for an error in the taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountNotActive):
		return "account_not_active"
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, context.DeadlineExceeded):
		return "unavailable"
	default:
		return "internal"
	}
}
