package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for network operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first
	// (default: 3)
	MaxAttempts int

	// InitialBackoff is the initial backoff duration (default: 1s)
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration (default: 30s)
	MaxBackoff time.Duration

	// JitterFraction is the fraction of the computed delay added or
	// subtracted as uniform random jitter (default: 0.2). The jittered
	// delay never falls below InitialBackoff.
	JitterFraction float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Validate checks if the retry configuration is valid.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must be non-negative, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return fmt.Errorf("jitter_fraction must be in [0, 1], got %f", c.JitterFraction)
	}
	return nil
}

// AttemptFunc is a function that executes a single attempt of an operation.
type AttemptFunc[T any] func(ctx context.Context) (T, error)

// Execute runs the given function with retry logic and returns the result
// together with the number of retries actually performed (attempts - 1).
//
// Retry behavior:
//   - Retries on retryable status codes (408, 429, 5xx)
//   - Retries on connection errors and timeouts
//   - Does NOT retry on other 4xx errors
//   - Stops immediately on context cancellation
//
// On exhaustion the last error is returned unchanged.
func Execute[T any](ctx context.Context, config *RetryConfig, fn AttemptFunc[T]) (T, int, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt - 1, nil
		}
		lastErr = err

		if attempt >= config.MaxAttempts || !retryable(err) {
			return zero, attempt - 1, lastErr
		}

		// Check context before sleeping
		if ctx.Err() != nil {
			return zero, attempt - 1, &Error{
				Type:      ErrorTypeCancelled,
				Message:   "operation cancelled before retry",
				Retryable: false,
				Cause:     ctx.Err(),
			}
		}

		delay := calculateBackoff(config, attempt)

		// Sleep for the backoff duration (interruptible by context)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, attempt - 1, &Error{
				Type:      ErrorTypeCancelled,
				Message:   "operation cancelled during retry backoff",
				Retryable: false,
				Cause:     ctx.Err(),
			}
		}
	}

	return zero, config.MaxAttempts - 1, lastErr
}

// retryable determines if an error should be retried. Structured *Error
// values carry their own classification; anything else is classified from
// its message text.
func retryable(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		if terr.StatusCode > 0 {
			return ShouldRetry(terr.Message, terr.StatusCode)
		}
		return terr.Retryable
	}
	return ShouldRetry(err.Error(), 0)
}

// calculateBackoff calculates the backoff delay for a retry attempt
// (1-based).
//
// Formula: delay = min(MaxBackoff, InitialBackoff * 2^(attempt-1)), then
// jitter: delay += uniform(-JitterFraction, +JitterFraction) * delay,
// floored at InitialBackoff.
func calculateBackoff(config *RetryConfig, attempt int) time.Duration {
	base := float64(config.InitialBackoff) * pow(2.0, attempt-1)
	if base > float64(config.MaxBackoff) {
		base = float64(config.MaxBackoff)
	}

	if config.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * config.JitterFraction * base
		base += jitter
	}

	delay := time.Duration(base)
	if delay < config.InitialBackoff {
		delay = config.InitialBackoff
	}
	return delay
}

// pow calculates base^exp for integer exponents.
// Used for exponential backoff calculation.
func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
