// Package registry provides the client for the BBR GraphQL building
// registry with automatic retry, backoff, and error classification.
package registry

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for source failure classification.
// Use errors.Is(err, registry.ErrQueryFault) to check.
var (
	// ErrThrottled and ErrServerError are transient; the client retries
	// them internally and only surfaces them once retries are exhausted.
	ErrThrottled   = errors.New("registry: throttled")
	ErrServerError = errors.New("registry: server error")

	// ErrQueryFault marks a well-formed GraphQL error payload. The query
	// itself is broken; retrying cannot help and the scan must abort.
	ErrQueryFault = errors.New("registry: query fault")

	// ErrExhausted marks retry exhaustion on a transient condition. The
	// scan ends incomplete but resumable from the last saved cursor.
	ErrExhausted = errors.New("registry: retries exhausted")
)

// APIError wraps a sentinel with the HTTP status and response body for
// debugging. Unwraps to the sentinel for errors.Is checks.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// isRetryable reports whether the HTTP status should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// classifyStatus maps a non-2xx HTTP status to a sentinel error.
func classifyStatus(code int) error {
	if code == http.StatusTooManyRequests {
		return ErrThrottled
	}

	if code >= http.StatusInternalServerError {
		return ErrServerError
	}

	return nil
}
