package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Common client errors.
var (
	// ErrCallTimeout indicates the model call exceeded its deadline.
	ErrCallTimeout = errors.New("model call timed out")

	// ErrInvalidResponse indicates the provider returned a malformed or
	// empty response body.
	ErrInvalidResponse = errors.New("invalid model response")

	// ErrMaxRetriesExceeded indicates every retry attempt failed.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// CallError carries the classification the execution loop records against
// the failed item: timeout-class failures are reported distinctly from
// content-class failures.
type CallError struct {
	Model      string
	StatusCode int
	Timeout    bool
	Err        error
}

// Error returns a formatted description of the failed call.
func (e *CallError) Error() string {
	kind := "content"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("model %s: %s failure: %v", e.Model, kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *CallError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a timeout-class failure: a deadline
// expiry, a network timeout, or an HTTP 408/504 from the provider.
func IsTimeout(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCallTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryableStatus reports whether an HTTP status warrants another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// timeoutStatus reports whether an HTTP status is timeout-class.
func timeoutStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout
}
