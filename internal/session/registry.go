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

package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/logflume/logflume/internal/config"
	"github.com/logflume/logflume/internal/entry"
	logpkg "github.com/logflume/logflume/internal/log"
	"github.com/logflume/logflume/internal/metrics"
	"github.com/logflume/logflume/internal/queue"
)

// FallbackSink receives entries when the remote pipeline is unavailable
// for their destination, typically routing them to the host's native
// log stream.
type FallbackSink func(entry.Entry)

// Registry is the process-wide session map. It creates sessions lazily
// on first submit and guarantees at most one session per configuration
// fingerprint. A destination whose setup fails is marked degraded for
// the registry's lifetime; its entries flow to the fallback sink
// instead of erroring per call.
//
// The registry is injected rather than global so independent pipelines
// can coexist in one process.
type Registry struct {
	scheduler *queue.Scheduler
	fallback  FallbackSink
	logger    *slog.Logger

	// httpClient overrides the per-session pooled client in tests.
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*Session
	degraded map[string]bool
}

// NewRegistry creates an empty registry whose sessions are ticked by
// the given scheduler. A nil fallback discards degraded entries after
// counting them.
func NewRegistry(scheduler *queue.Scheduler, fallback FallbackSink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		scheduler: scheduler,
		fallback:  fallback,
		logger:    logger,
		sessions:  make(map[string]*Session),
		degraded:  make(map[string]bool),
	}
}

// Submit routes one entry to the session for the given configuration,
// creating the session on first use. Setup failure permanently degrades
// the destination to the fallback sink; Submit itself never fails.
func (r *Registry) Submit(cfg *config.Config, e entry.Entry) {
	key := cfg.Fingerprint()

	s := r.session(key, cfg)
	if s == nil {
		metrics.EntriesFallback.Inc()
		if r.fallback != nil {
			r.fallback(e)
		}
		return
	}
	s.Submit(e)
}

// session returns the live session for key, creating it under the lock
// on first use. A nil return means the destination is degraded.
func (r *Registry) session(key string, cfg *config.Config) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s
	}
	if r.degraded[key] {
		return nil
	}

	s, err := newSession(key, cfg, r.httpClient, r.logger)
	if err != nil {
		// Bad credentials or resource descriptors cannot heal without
		// a config change, which would arrive under a new fingerprint.
		r.logger.Error("session setup failed, degrading destination to fallback sink",
			slog.String(logpkg.SessionKey, key),
			logpkg.Error(err),
		)
		r.degraded[key] = true
		return nil
	}

	r.sessions[key] = s
	if r.scheduler != nil {
		r.scheduler.Register(key, s.Queue())
	}
	r.logger.Info("session created",
		slog.String(logpkg.SessionKey, key),
		slog.String(logpkg.LogIDKey, cfg.LogID),
	)
	return s
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Flush synchronously flushes every live session's queue. Used by hosts
// that want a delivery barrier without shutting down.
func (r *Registry) Flush(ctx context.Context) {
	for _, s := range r.snapshot() {
		if err := s.Queue().Flush(ctx); err != nil {
			r.logger.Warn("session flush failed",
				slog.String(logpkg.SessionKey, s.Key()),
				logpkg.Error(err),
			)
		}
	}
}

// Shutdown removes every session from the scheduler and performs one
// best-effort final flush per session. The registry is empty afterward.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for key, s := range sessions {
		if r.scheduler != nil {
			r.scheduler.Remove(key)
		}
		s.Close(ctx)
	}
}

// snapshot copies the live session set so callers iterate without
// holding the registry lock across network calls.
func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
