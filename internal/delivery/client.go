// Package delivery implements the authenticated HTTP client that writes
// entry batches to the remote logging API.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/logflume/logflume/internal/entry"
	logpkg "github.com/logflume/logflume/internal/log"
	"github.com/logflume/logflume/internal/metrics"
	"github.com/logflume/logflume/internal/transport"
)

// writePath is the entries:write method of the remote API, relative to the
// configured endpoint.
const writePath = "/entries:write"

// TokenSource supplies bearer tokens for outgoing requests.
// *auth.TokenManager satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config configures a delivery client for one destination.
type Config struct {
	// Endpoint is the base URL of the logging API.
	Endpoint string

	// ProjectID and LogID identify the destination log.
	ProjectID string
	LogID     string

	// Resource is the normalized monitored-resource descriptor attached
	// to every entry.
	Resource *entry.Resource

	// SourceLabel is the base "source" label merged under entry labels.
	SourceLabel string

	// Retry configures per-request retry behavior.
	Retry *transport.RetryConfig

	// RateLimit caps outgoing write calls per second. Zero disables
	// client-side rate limiting.
	RateLimit rate.Limit
	RateBurst int

	// MaxDebugBodyLogSize caps how much of an error response body is
	// logged at debug level. Zero disables body logging.
	MaxDebugBodyLogSize int
}

// Validate checks the destination configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return &transport.Error{
			Type:    transport.ErrorTypeConfiguration,
			Message: "delivery endpoint is required",
		}
	}
	if c.ProjectID == "" {
		return &transport.Error{
			Type:    transport.ErrorTypeConfiguration,
			Message: "project id is required",
		}
	}
	if c.LogID == "" {
		return &transport.Error{
			Type:    transport.ErrorTypeConfiguration,
			Message: "log id is required",
		}
	}
	if c.Resource == nil {
		return &transport.Error{
			Type:    transport.ErrorTypeConfiguration,
			Message: "resource descriptor is required",
		}
	}
	return nil
}

// Client delivers entry batches to one destination. Safe for concurrent
// use; the underlying HTTP client pools keep-alive connections across
// calls.
type Client struct {
	config     Config
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	logger     *slog.Logger
	logName    string
	writeURL   string
}

// New builds a delivery client. The HTTP client is shared with the
// session's token manager so both reuse one connection pool.
func New(config Config, httpClient *http.Client, tokens TokenSource, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(config.RateLimit, burst)
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    limiter,
		logger:     logger,
		logName:    entry.LogName(config.ProjectID, config.LogID),
		writeURL:   strings.TrimSuffix(config.Endpoint, "/") + writePath,
	}, nil
}

// Send delivers one batch, retrying transient failures per the client's
// retry policy. Persistent 401/403 responses surface as auth errors
// without being burned through the retry budget.
func (c *Client) Send(ctx context.Context, batch []entry.Entry) error {
	if len(batch) == 0 {
		return nil
	}

	wire := make([]entry.WireEntry, 0, len(batch))
	for _, e := range batch {
		wire = append(wire, entry.ToWire(e, c.logName, c.config.Resource, c.config.SourceLabel))
	}

	body, err := json.Marshal(entry.WriteRequest{Entries: wire, PartialSuccess: false})
	if err != nil {
		return &transport.Error{
			Type:    transport.ErrorTypeClient,
			Message: "failed to encode batch",
			Cause:   err,
		}
	}

	_, retries, err := transport.Execute(ctx, c.config.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.sendOnce(ctx, body)
	})
	if err != nil {
		c.logger.Warn("batch delivery failed",
			slog.Int(logpkg.BatchSizeKey, len(batch)),
			slog.Int(logpkg.AttemptsKey, retries+1),
			logpkg.Error(err),
		)
		return err
	}

	metrics.BatchesDelivered.Inc()
	c.logger.Debug("batch delivered",
		slog.Int(logpkg.BatchSizeKey, len(batch)),
		slog.Int(logpkg.AttemptsKey, retries+1),
	)
	return nil
}

// sendOnce performs a single entries:write call.
func (c *Client) sendOnce(ctx context.Context, body []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &transport.Error{
				Type:      transport.ErrorTypeCancelled,
				Message:   "rate limit wait cancelled",
				Retryable: false,
				Cause:     err,
			}
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.writeURL, bytes.NewReader(body))
	if err != nil {
		return &transport.Error{
			Type:    transport.ErrorTypeConfiguration,
			Message: "invalid delivery endpoint",
			Cause:   err,
		}
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transport.ClassifyNetError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transport.ClassifyNetError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if n := c.config.MaxDebugBodyLogSize; n > 0 && len(respBody) > 0 {
			body := respBody
			if len(body) > n {
				body = body[:n]
			}
			c.logger.Debug("delivery rejected",
				slog.Int("status", resp.StatusCode),
				slog.String("body", string(body)),
			)
		}
		return transport.ClassifyStatus(resp.StatusCode, respBody)
	}
	return nil
}
