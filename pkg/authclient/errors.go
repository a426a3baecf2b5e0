package authclient

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotLoggedIn is returned by calls that need a session when there is none.
	ErrNotLoggedIn = errors.New("authclient: not logged in")
	// ErrUnauthenticated matches 401 responses.
	ErrUnauthenticated = errors.New("authclient: unauthenticated")
	// ErrForbidden matches 403 responses. The session stays valid.
	ErrForbidden = errors.New("authclient: forbidden")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("authclient: agent closed")
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authclient: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("authclient: %d %s", e.Status, http.StatusText(e.Status))
}

// Is lets errors.Is match ErrUnauthenticated and ErrForbidden by status.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	}
	return false
}

// rejected reports whether the server refused the credential itself, as
// opposed to failing to answer.
func rejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
}
