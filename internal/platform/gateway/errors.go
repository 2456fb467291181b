package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Every error returned by Client wraps exactly one of them.
var (
	ErrUnavailable = errors.New("payment gateway unavailable")
	ErrTimeout     = errors.New("payment gateway timed out")
	ErrRateLimited = errors.New("payment gateway rate limited")
	ErrRejected    = errors.New("payment gateway rejected request")
	ErrNotFound    = errors.New("payment request not found")
)

// APIError describes a failed gateway call.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Desc       string
	RetryAfter time.Duration
	kind       error
	cause      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("gateway %s: %v", e.Op, e.kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" code=%s", e.Code)
	}
	if e.Desc != "" {
		msg += ": " + e.Desc
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *APIError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// RetryAfter returns the back-off hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
