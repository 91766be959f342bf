// Copyright 2026 The Logflume Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the YAML configuration surface of the shipping
// pipeline and its defaults.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/logflume/logflume/internal/entry"
	"github.com/logflume/logflume/internal/transport"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// CredentialsConfig identifies the service account used for token
// exchange. Immutable after load.
type CredentialsConfig struct {
	// PrivateKey is the RSA signing key in PEM form. Keys with literal
	// \n sequences, wrapping quotes, or missing PEM markers are
	// normalized before parsing.
	PrivateKey string `yaml:"privateKey"`

	// IssuerEmail is the service-account email used as the JWT issuer.
	IssuerEmail string `yaml:"issuerEmail"`

	// ProjectID is the destination project or tenant id.
	ProjectID string `yaml:"projectId"`

	// TokenEndpoint is the OAuth token exchange URL.
	// Default: https://oauth2.googleapis.com/token
	TokenEndpoint string `yaml:"tokenEndpoint"`
}

// RetryConfig bounds retries within a single network call.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget per call. Default: 3
	MaxAttempts int `yaml:"maxAttempts"`

	// BaseDelayMs is the first backoff delay. Default: 1000
	BaseDelayMs int `yaml:"baseDelayMs"`

	// MaxDelayMs caps the exponential backoff. Default: 30000
	MaxDelayMs int `yaml:"maxDelayMs"`

	// JitterFraction randomizes each delay by up to this fraction in
	// either direction. Default: 0.2
	JitterFraction float64 `yaml:"jitterFraction"`
}

// Config is the complete configuration for one shipping destination.
type Config struct {
	// Endpoint is the base URL of the logging API.
	// Default: https://logging.googleapis.com/v2
	Endpoint string `yaml:"endpoint,omitempty"`

	Credentials CredentialsConfig `yaml:"credentials"`

	// Resource is the monitored-resource descriptor attached to every
	// entry. Unknown types are coerced to "global" at session setup.
	Resource entry.Resource `yaml:"resource"`

	// LogID names the destination log stream. Slashes are URL-escaped
	// on the wire. Default: app
	LogID string `yaml:"logId"`

	// SourceLabel is the base "source" label merged under entry labels.
	SourceLabel string `yaml:"sourceLabel,omitempty"`

	// MaxBatchSize triggers a flush when this many entries are queued.
	// Default: 100
	MaxBatchSize int `yaml:"maxBatchSize,omitempty"`

	// FlushTimeoutSeconds triggers a flush when entries have waited this
	// long since the last flush. Default: 5
	FlushTimeoutSeconds int `yaml:"flushTimeoutSeconds,omitempty"`

	// QueueMaxRetryCount bounds how many failed flushes a batch survives
	// before being dropped. Counts flush cycles, not HTTP attempts.
	// Default: 3
	QueueMaxRetryCount int `yaml:"queueMaxRetryCount,omitempty"`

	Retry RetryConfig `yaml:"retry,omitempty"`

	// HTTPTimeoutMs is the per-request timeout for token exchange and
	// delivery calls. Default: 30000
	HTTPTimeoutMs int `yaml:"httpTimeoutMs,omitempty"`

	// TLSVerify controls server certificate verification. Default: true
	TLSVerify *bool `yaml:"tlsVerify,omitempty"`

	// MaxDebugBodyLogSize caps how much of an error response body is
	// echoed into logs and error messages. Default: 512
	MaxDebugBodyLogSize int `yaml:"maxDebugBodyLogSize,omitempty"`
}

// Default returns a configuration with every optional field set to its
// default. Credentials and resource are left empty; they have no safe
// defaults.
func Default() *Config {
	verify := true
	return &Config{
		Endpoint: "https://logging.googleapis.com/v2",
		Credentials: CredentialsConfig{
			TokenEndpoint: "https://oauth2.googleapis.com/token",
		},
		LogID:               "app",
		MaxBatchSize:        100,
		FlushTimeoutSeconds: 5,
		QueueMaxRetryCount:  3,
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelayMs:    1000,
			MaxDelayMs:     30000,
			JitterFraction: 0.2,
		},
		HTTPTimeoutMs:       30000,
		TLSVerify:           &verify,
		MaxDebugBodyLogSize: 512,
	}
}

// Load reads and parses a YAML configuration file, applies defaults for
// absent fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes over the defaults and
// validates. Absent fields keep their default; explicit zeros stick
// where a zero is meaningful (jitterFraction, tlsVerify).
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued optional fields with their defaults.
// Parse starts from Default and only needs this as a guard; it mainly
// serves configs built in code.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Credentials.TokenEndpoint == "" {
		c.Credentials.TokenEndpoint = d.Credentials.TokenEndpoint
	}
	if c.LogID == "" {
		c.LogID = d.LogID
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.FlushTimeoutSeconds <= 0 {
		c.FlushTimeoutSeconds = d.FlushTimeoutSeconds
	}
	if c.QueueMaxRetryCount <= 0 {
		c.QueueMaxRetryCount = d.QueueMaxRetryCount
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = d.Retry.BaseDelayMs
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = d.Retry.MaxDelayMs
	}
	if c.Retry.JitterFraction < 0 {
		c.Retry.JitterFraction = 0
	}
	if c.HTTPTimeoutMs <= 0 {
		c.HTTPTimeoutMs = d.HTTPTimeoutMs
	}
	if c.TLSVerify == nil {
		c.TLSVerify = d.TLSVerify
	}
	if c.MaxDebugBodyLogSize <= 0 {
		c.MaxDebugBodyLogSize = d.MaxDebugBodyLogSize
	}
}

// Validate checks fields whose defaults cannot compensate for bad
// values. Credential completeness is checked at session setup so a bad
// credential degrades the session rather than failing config load.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if c.LogID == "" {
		return fmt.Errorf("%w: logId is required", ErrInvalidConfig)
	}
	if c.Retry.JitterFraction > 1 {
		return fmt.Errorf("%w: retry.jitterFraction must be at most 1", ErrInvalidConfig)
	}
	if c.Retry.BaseDelayMs > c.Retry.MaxDelayMs {
		return fmt.Errorf("%w: retry.baseDelayMs exceeds retry.maxDelayMs", ErrInvalidConfig)
	}
	return nil
}

// FlushTimeout returns flushTimeoutSeconds as a duration.
func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutSeconds) * time.Second
}

// HTTPTimeout returns httpTimeoutMs as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMs) * time.Millisecond
}

// TLSVerifyEnabled reports whether certificate verification is on.
func (c *Config) TLSVerifyEnabled() bool {
	return c.TLSVerify == nil || *c.TLSVerify
}

// RetryPolicy converts the millisecond-based retry settings into the
// transport layer's form.
func (c *Config) RetryPolicy() *transport.RetryConfig {
	return &transport.RetryConfig{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		JitterFraction: c.Retry.JitterFraction,
	}
}

// Fingerprint derives the stable session key for this configuration.
// Two configs that ship to the same destination with the same identity
// share a session; the private key itself is hashed, never exposed.
func (c *Config) Fingerprint() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(
		c.Endpoint,
		c.Credentials.IssuerEmail,
		c.Credentials.ProjectID,
		c.Credentials.TokenEndpoint,
		c.Credentials.PrivateKey,
		c.LogID,
		c.SourceLabel,
		c.Resource.Type,
	)

	keys := make([]string, 0, len(c.Resource.Labels))
	for k := range c.Resource.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, c.Resource.Labels[k])
	}

	return hex.EncodeToString(h.Sum(nil)[:16])
}
