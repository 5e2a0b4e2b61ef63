// Package remote provides an HTTP client for the guest-management remote
// authority with bearer-token auth and error classification. The client
// performs single attempts; retry policy belongs to the sync dispatcher so
// it can be tuned and tested in one place.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest      = errors.New("remote: bad request")
	ErrUnauthorized    = errors.New("remote: unauthorized")
	ErrForbidden       = errors.New("remote: forbidden")
	ErrNotFound        = errors.New("remote: not found")
	ErrConflict        = errors.New("remote: conflict")
	ErrPayloadTooLarge = errors.New("remote: payload too large")
	ErrThrottled       = errors.New("remote: throttled")
	ErrServerError     = errors.New("remote: server error")
)

// APIError wraps a sentinel error with HTTP status code, request ID, and the
// authority's error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// IsTransient reports whether an error is worth retrying: network failures,
// throttling, and server-side errors. Classification errors like 400/404/413
// are permanent and handled by dedicated fallback paths instead.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Shutdown is not a failure mode; a per-request deadline is (treated
	// as a transient timeout, retried by the dispatcher).
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		default:
			return apiErr.StatusCode >= http.StatusInternalServerError
		}
	}

	// Anything that never reached HTTP classification is a network-level
	// failure.
	return true
}
