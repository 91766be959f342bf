package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPClientConfig configures the pooled HTTP client shared by the token
// exchange and batch delivery paths of one session.
type HTTPClientConfig struct {
	// Timeout is the per-request timeout (default: 30s)
	Timeout time.Duration

	// MaxIdleConns is the connection pool size (default: 100)
	MaxIdleConns int

	// MaxIdleConnsPerHost bounds idle connections per host (default: 10)
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle keep-alive connection is kept
	// open (default: 90s)
	IdleConnTimeout time.Duration

	// TLSInsecure disables TLS certificate validation (default: false)
	// WARNING: Only use for development/testing
	TLSInsecure bool
}

// Validate checks if the configuration is valid.
func (c *HTTPClientConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %v", c.Timeout)
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns must be non-negative, got %d", c.MaxIdleConns)
	}
	if c.IdleConnTimeout < 0 {
		return fmt.Errorf("idle_conn_timeout must be non-negative, got %v", c.IdleConnTimeout)
	}
	return nil
}

// NewHTTPClient creates an HTTP client with keep-alive connection pooling
// and the configured timeouts and TLS settings.
func NewHTTPClient(config *HTTPClientConfig) *http.Client {
	if config == nil {
		config = &HTTPClientConfig{}
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxIdle := config.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 100
	}
	maxIdlePerHost := config.MaxIdleConnsPerHost
	if maxIdlePerHost == 0 {
		maxIdlePerHost = 10
	}
	idleTimeout := config.IdleConnTimeout
	if idleTimeout == 0 {
		idleTimeout = 90 * time.Second
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxIdle,
			MaxIdleConnsPerHost: maxIdlePerHost,
			IdleConnTimeout:     idleTimeout,

			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 1 * time.Second,

			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: config.TLSInsecure,
			},
		},
	}
}

// ClassifyNetError classifies errors returned by http.Client.Do into
// structured *Error values. Timeouts and connection failures are retryable;
// caller cancellation and unrecognized transport failures are not.
func ClassifyNetError(err error) *Error {
	// Timeout before the context-string checks: the client's per-request
	// timeout firing mid body read surfaces as a "context deadline
	// exceeded (Client.Timeout ...)" error, but it is still a timeout.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{
			Type:      ErrorTypeTimeout,
			Message:   "request timeout",
			Retryable: true,
			Cause:     err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrorTypeTimeout,
			Message:   "request timeout",
			Retryable: true,
			Cause:     err,
		}
	}

	if errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "context canceled") {
		return &Error{
			Type:      ErrorTypeCancelled,
			Message:   "request cancelled",
			Retryable: false,
			Cause:     err,
		}
	}

	if isConnectionError(err) {
		return &Error{
			Type:      ErrorTypeConnection,
			Message:   "connection error",
			Retryable: true,
			Cause:     err,
		}
	}

	// Anything unrecognized (TLS verification, proxy configuration) is
	// not transient; only messages matching the transient keyword set
	// stay retryable.
	message := err.Error()
	return &Error{
		Type:      ErrorTypeConnection,
		Message:   fmt.Sprintf("transport error: %s", message),
		Retryable: ShouldRetry(message, 0),
		Cause:     err,
	}
}

// isConnectionError checks if an error is a connection-level failure.
func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network unreachable",
		"eof",
	}
	for _, keyword := range connectionKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}

	return false
}
