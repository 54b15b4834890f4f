package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailReason categorizes why a provider request failed, for retry and
// diagnostics decisions upstream.
type FailReason string

const (
	FailAuth             FailReason = "auth"
	FailRateLimit        FailReason = "rate_limit"
	FailTimeout          FailReason = "timeout"
	FailServerError      FailReason = "server_error"
	FailInvalidRequest   FailReason = "invalid_request"
	FailModelUnavailable FailReason = "model_unavailable"
	FailUnknown          FailReason = "unknown"
)

// Retryable reports whether the reason suggests retrying may succeed.
func (r FailReason) Retryable() bool {
	switch r {
	case FailRateLimit, FailTimeout, FailServerError:
		return true
	default:
		return false
	}
}

// ModelError is a structured transport or provider failure. Model-reported
// outcomes distinguishable by finish reason are never wrapped in one.
type ModelError struct {
	Reason   FailReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ModelError) Unwrap() error {
	return e.Cause
}

// WithStatus sets the HTTP status and refines the reason from it.
func (e *ModelError) WithStatus(status int) *ModelError {
	e.Status = status
	if e.Reason == FailUnknown {
		e.Reason = reasonFromStatus(status)
	}
	return e
}

// NewModelError builds a ModelError classified from its cause.
func NewModelError(provider, model string, cause error) *ModelError {
	e := &ModelError{
		Reason:   FailUnknown,
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classify(cause)
	}
	return e
}

// IsModelError extracts a ModelError from an error chain.
func IsModelError(err error) (*ModelError, bool) {
	var me *ModelError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

func reasonFromStatus(status int) FailReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailAuth
	case status == http.StatusTooManyRequests:
		return FailRateLimit
	case status == http.StatusNotFound:
		return FailModelUnavailable
	case status >= 500:
		return FailServerError
	case status >= 400:
		return FailInvalidRequest
	default:
		return FailUnknown
	}
}

func classify(err error) FailReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return FailTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return FailRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "api key"):
		return FailAuth
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "no such host"):
		return FailServerError
	default:
		return FailUnknown
	}
}
