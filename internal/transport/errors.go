package transport

import (
	"fmt"
	"strings"
)

// ErrorType classifies transport errors for routing and retry decisions.
type ErrorType string

const (
	// ErrorTypeConfiguration indicates bad or missing credentials or an
	// invalid resource descriptor. Fatal at session setup, never retried.
	ErrorTypeConfiguration ErrorType = "configuration"

	// ErrorTypeAuth indicates authentication failure (401, 403, rejected
	// token exchange).
	ErrorTypeAuth ErrorType = "auth"

	// ErrorTypeRateLimit indicates rate limiting (429 Too Many Requests)
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeServer indicates server errors (5xx)
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeClient indicates client errors (4xx, non-retryable)
	ErrorTypeClient ErrorType = "client"

	// ErrorTypeTimeout indicates request timeout or deadline exceeded
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeConnection indicates network or DNS errors
	ErrorTypeConnection ErrorType = "connection"

	// ErrorTypeCancelled indicates context was cancelled
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Error represents a structured error from a network operation.
// The token exchange and batch delivery paths both return *Error for
// failures to enable consistent retry classification.
type Error struct {
	// Type classifies the error for routing and retry decisions
	Type ErrorType

	// StatusCode is the HTTP status code if applicable.
	// Zero for non-HTTP errors (connection, timeout, etc.)
	StatusCode int

	// Message is a user-facing error message with credentials redacted.
	// Should be safe to log and display to users.
	Message string

	// Retryable indicates whether the error is retryable
	Retryable bool

	// Cause is the underlying error.
	// May contain sensitive data - use Message for user-facing errors.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error should be retried.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsType returns true if the error is of the given type.
func (e *Error) IsType(t ErrorType) bool {
	return e.Type == t
}

// transientKeywords mark transport-level failures that are worth retrying
// when no HTTP status is available.
var transientKeywords = []string{
	"timeout",
	"connection",
	"socket",
	"network",
	"temporarily unavailable",
	"rate limit",
}

// ShouldRetry reports whether an operation that failed with the given error
// message and HTTP status code should be retried. It is a pure function of
// its inputs.
//
// Status-based: 5xx, 429 and 408 are retryable, any other 4xx is not.
// When no status is available (statusCode == 0), the message is scanned for
// transient transport keywords (timeout, connection, socket, network,
// temporarily unavailable, rate limit).
func ShouldRetry(message string, statusCode int) bool {
	if statusCode > 0 {
		if statusCode >= 500 || statusCode == 429 || statusCode == 408 {
			return true
		}
		if statusCode >= 400 {
			return false
		}
		return false
	}

	lower := strings.ToLower(message)
	for _, keyword := range transientKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// ClassifyStatus builds an *Error for a non-2xx HTTP response.
// 401/403 are surfaced as auth errors so callers can distinguish persistent
// credential problems from generic retry noise.
func ClassifyStatus(statusCode int, body []byte) *Error {
	var errorType ErrorType
	switch {
	case statusCode == 401 || statusCode == 403:
		errorType = ErrorTypeAuth
	case statusCode == 429:
		errorType = ErrorTypeRateLimit
	case statusCode == 408:
		errorType = ErrorTypeTimeout
	case statusCode >= 500:
		errorType = ErrorTypeServer
	default:
		errorType = ErrorTypeClient
	}

	message := fmt.Sprintf("HTTP %d", statusCode)
	if len(body) > 0 && len(body) < 500 {
		message = fmt.Sprintf("HTTP %d: %s", statusCode, strings.TrimSpace(string(body)))
	}

	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  ShouldRetry(message, statusCode),
	}
}
