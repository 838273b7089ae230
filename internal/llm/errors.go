package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a generate failure. DeadlineExceeded, RateLimited, and
// Upstream5xx are retryable by the caller; the rest are not.
type Kind string

const (
	KindDeadlineExceeded Kind = "DeadlineExceeded"
	KindRateLimited      Kind = "RateLimited"
	KindUpstream5xx      Kind = "Upstream5xx"
	KindAuthFailed       Kind = "AuthFailed"
	KindBadRequest       Kind = "BadRequest"
	KindUnknown          Kind = "Unknown"
)

// Retryable reports whether a failure of this kind is worth retrying.
func (k Kind) Retryable() bool {
	switch k {
	case KindDeadlineExceeded, KindRateLimited, KindUpstream5xx:
		return true
	}
	return false
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Model    string
	Err      error
}

// NewError creates a classified Error.
func NewError(kind Kind, provider, model string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Model: model, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Provider, e.Model, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry this failure.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// KindOf extracts the failure kind from any error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindUnknown
}

// IsRetryable reports whether the error's kind permits a retry.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// classifyStatus maps an HTTP status code to a failure kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindUpstream5xx
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthFailed
	case status >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// transportKind classifies transport-level failures: context expiry and
// network timeouts become DeadlineExceeded, everything else Unknown.
func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadlineExceeded
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindDeadlineExceeded
	}
	return KindUnknown
}
