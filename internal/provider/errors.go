package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the small taxonomy upstream failures are mapped into.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limited"
	KindAuthFailed          ErrorKind = "auth_failed"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindInvalidRequest      ErrorKind = "invalid_request"
)

// Error is a classified upstream failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int // upstream HTTP status, 0 for transport failures
	Message  string
	Timeout  bool // deadline overrun, reported as UpstreamUnavailable
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// KindFromStatus maps an upstream HTTP status into the taxonomy.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailed
	case status >= 400 && status < 500:
		return KindInvalidRequest
	default:
		return KindUpstreamUnavailable
	}
}

// WrapTransport classifies a transport-level error from an upstream call.
// Deadline overruns count as UpstreamUnavailable.
func WrapTransport(providerName string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Provider: providerName,
			Kind:     KindUpstreamUnavailable,
			Message:  "deadline exceeded",
			Timeout:  true,
		}
	}
	return &Error{
		Provider: providerName,
		Kind:     KindUpstreamUnavailable,
		Message:  err.Error(),
	}
}

// Fallbackable reports whether the failure warrants the single fallback hop
// to the alternate provider. Every classified upstream failure does: the
// kinds are upstream-specific, and what one provider rejects or throttles the
// other may serve. Only client-side cancellation, handled by the caller,
// rules the hop out.
func Fallbackable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Breaker-open and unclassified errors behave like unavailable upstreams.
	return true
}

// IsTimeout reports whether the failure was a deadline overrun.
func IsTimeout(err error) bool {
	var pe *Error
	if errors.As(err, &pe) && pe.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
