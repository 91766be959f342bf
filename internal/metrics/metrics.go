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

// Package metrics exposes Prometheus counters for the shipping pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesEnqueued counts entries accepted into session queues.
	EntriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logflume_entries_enqueued_total",
		Help: "Total log entries accepted into session queues",
	})

	// EntriesFallback counts entries routed to the host's native log
	// stream because the session is degraded.
	EntriesFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logflume_entries_fallback_total",
		Help: "Total log entries routed to the fallback sink",
	})

	// EntriesDropped counts entries dropped by cause (queue retry
	// exhaustion or permanent delivery failure).
	EntriesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logflume_entries_dropped_total",
			Help: "Total log entries dropped, by cause",
		},
		[]string{"cause"},
	)

	// BatchesDelivered counts successfully delivered batches.
	BatchesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logflume_batches_delivered_total",
		Help: "Total batches delivered to the remote API",
	})

	// BatchesRetried counts flush attempts that failed and left the
	// batch queued for a later tick.
	BatchesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logflume_batches_retried_total",
		Help: "Total failed flushes whose batch was retained for retry",
	})

	// TokenRefreshes counts successful token exchanges.
	TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logflume_token_refreshes_total",
		Help: "Total successful bearer token exchanges",
	})
)
