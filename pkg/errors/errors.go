// Package errors defines the unified error taxonomy for scheduler
// operations. Upstream failures of any shape are mapped to one of the
// classified types below, which drive retry policy and account health.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorType classifies an upstream failure.
type ErrorType string

const (
	TypeNetwork          ErrorType = "network"
	TypeConnection       ErrorType = "connection"
	TypeTimeout          ErrorType = "timeout"
	TypeServerError      ErrorType = "server_error"
	TypeAPIRateLimit     ErrorType = "api_rate_limit"
	TypeAuthTokenExpired ErrorType = "auth_token_expired"
	TypeValidation       ErrorType = "validation"
	TypeClientError      ErrorType = "client_error"
	TypeUnknown          ErrorType = "unknown"
)

// RelayError is a classified failure from an upstream call.
type RelayError struct {
	Type       ErrorType `json:"type"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Service    string    `json:"service,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`

	// RetryAfter is the upstream-provided retry hint, if any.
	RetryAfter time.Duration `json:"-"`
	// ResetEpoch is the authoritative rate-limit reset time, if any.
	ResetEpoch time.Time `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (service=%s, code=%d)", e.Type, e.Message, e.Service, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (service=%s)", e.Type, e.Message, e.Service)
}

// Unwrap returns the underlying cause.
func (e *RelayError) Unwrap() error { return e.cause }

// New creates a classified error with the given type and message.
func New(t ErrorType, message string) *RelayError {
	return &RelayError{Type: t, Message: message}
}

// Wrap classifies an arbitrary error, preserving it as the cause.
// An already classified error is returned unchanged.
func Wrap(err error) *RelayError {
	if err == nil {
		return nil
	}
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	return &RelayError{
		Type:    classifyValue(err),
		Message: err.Error(),
		cause:   err,
	}
}

// FromStatus classifies an HTTP-style status code. The message is used
// as a secondary signal for codes that are ambiguous on their own.
func FromStatus(statusCode int, message string) *RelayError {
	e := &RelayError{StatusCode: statusCode, Message: message}
	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Type = TypeAPIRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.Type = TypeAuthTokenExpired
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		e.Type = TypeTimeout
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		e.Type = TypeValidation
	case statusCode >= 400 && statusCode < 500:
		e.Type = TypeClientError
	case statusCode >= 500:
		e.Type = TypeServerError
	default:
		e.Type = classifyText(message)
	}
	return e
}

// classifyValue inspects error values and text when no status code is
// available.
func classifyValue(err error) ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return TypeTimeout
		}
		return TypeNetwork
	}
	return classifyText(err.Error())
}

func classifyText(message string) ErrorType {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		return TypeConnection
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return TypeTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "quota exceeded"):
		return TypeAPIRateLimit
	case strings.Contains(msg, "token expired"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "unauthorized"):
		return TypeAuthTokenExpired
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "dns"):
		return TypeNetwork
	case strings.Contains(msg, "validation"),
		strings.Contains(msg, "invalid request"):
		return TypeValidation
	default:
		return TypeUnknown
	}
}

// PoolExhaustedError is returned when no eligible account remains for a
// request. It is a terminal routing result, not a transient failure.
type PoolExhaustedError struct {
	CallerID string
	Model    string
}

// Error implements the error interface.
func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("no eligible account for caller %q model %q", e.CallerID, e.Model)
}

// IsPoolExhausted reports whether err is a pool-exhausted result.
func IsPoolExhausted(err error) bool {
	var pe *PoolExhaustedError
	return errors.As(err, &pe)
}
