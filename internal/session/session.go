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

// Package session owns the per-destination pipeline: one credential
// manager, one delivery client, and one ingestion queue per
// configuration identity, created lazily and shared by all submitters.
package session

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/logflume/logflume/internal/auth"
	"github.com/logflume/logflume/internal/config"
	"github.com/logflume/logflume/internal/delivery"
	"github.com/logflume/logflume/internal/entry"
	logpkg "github.com/logflume/logflume/internal/log"
	"github.com/logflume/logflume/internal/queue"
	"github.com/logflume/logflume/internal/transport"
)

// Session binds a token manager, delivery client, and queue for one
// destination. At most one Session exists per configuration fingerprint
// process-wide; the Registry enforces that.
type Session struct {
	key    string
	tokens *auth.TokenManager
	client *delivery.Client
	queue  *queue.Queue
	logger *slog.Logger
}

// New builds the full pipeline for one destination. Construction fails
// with a configuration error when the credentials or the resource
// descriptor are unusable; the caller degrades the session rather than
// retrying, since bad configuration cannot heal on its own.
func New(key string, cfg *config.Config, logger *slog.Logger) (*Session, error) {
	return newSession(key, cfg, nil, logger)
}

// newSession is the construction path shared with tests, which inject
// an httptest server's client in place of the pooled one.
func newSession(key string, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logpkg.WithSession(logger, key)

	creds := auth.Credentials{
		IssuerEmail:   cfg.Credentials.IssuerEmail,
		PrivateKey:    cfg.Credentials.PrivateKey,
		TokenEndpoint: cfg.Credentials.TokenEndpoint,
		ProjectID:     cfg.Credentials.ProjectID,
	}

	resource, err := entry.NormalizeResource(cfg.Resource, creds.ProjectID)
	if err != nil {
		return nil, err
	}

	// One pooled HTTP client serves both the token exchange and the
	// delivery calls for this session.
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(&transport.HTTPClientConfig{
			Timeout:     cfg.HTTPTimeout(),
			TLSInsecure: !cfg.TLSVerifyEnabled(),
		})
	}
	retry := cfg.RetryPolicy()

	tokens, err := auth.NewTokenManager(creds, auth.DefaultScope, httpClient, retry, logger)
	if err != nil {
		return nil, err
	}

	client, err := delivery.New(delivery.Config{
		Endpoint:            cfg.Endpoint,
		ProjectID:           creds.ProjectID,
		LogID:               cfg.LogID,
		Resource:            &resource,
		SourceLabel:         cfg.SourceLabel,
		Retry:               retry,
		MaxDebugBodyLogSize: cfg.MaxDebugBodyLogSize,
	}, httpClient, tokens, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		key:    key,
		tokens: tokens,
		client: client,
		logger: logger,
	}
	s.queue = queue.New(queue.Config{
		MaxBatchSize:  cfg.MaxBatchSize,
		FlushTimeout:  cfg.FlushTimeout(),
		MaxRetryCount: cfg.QueueMaxRetryCount,
	}, s, logger)

	return s, nil
}

// Key returns the session's configuration fingerprint.
func (s *Session) Key() string {
	return s.key
}

// Queue exposes the session's ingestion queue for scheduler
// registration.
func (s *Session) Queue() *queue.Queue {
	return s.queue
}

// Submit finalizes an entry and hands it to the queue. Entries the host
// left unclassified get a severity derived from their response status,
// and entries without an insert id get one for duplicate suppression on
// redelivery.
func (s *Session) Submit(e entry.Entry) {
	if e.Severity == entry.SeverityDefault {
		status := 0
		if e.HTTPRequest != nil {
			status = e.HTTPRequest.Status
		}
		e.Severity = entry.SeverityFromStatus(status)
	}
	if e.InsertID == "" {
		e.InsertID = uuid.NewString()
	}
	s.queue.Enqueue(e)
}

// DeliverBatch satisfies queue.Deliverer by shipping the batch through
// the session's delivery client.
func (s *Session) DeliverBatch(ctx context.Context, batch []entry.Entry) error {
	return s.client.Send(ctx, batch)
}

// Close performs one best-effort final flush.
func (s *Session) Close(ctx context.Context) {
	s.queue.Cancel(ctx, true)
}
