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

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/logflume/logflume/internal/config"
	"github.com/logflume/logflume/internal/entry"
	logpkg "github.com/logflume/logflume/internal/log"
	"github.com/logflume/logflume/internal/queue"
	"github.com/logflume/logflume/internal/session"
)

// maxRecordSize bounds a single NDJSON input line.
const maxRecordSize = 1 << 20

// shipFlags holds the ship subcommand's own flags.
type shipFlags struct {
	metricsAddr  string
	watch        bool
	tickInterval time.Duration
}

func newShipCommand(root *rootFlags) *cobra.Command {
	flags := &shipFlags{}

	cmd := &cobra.Command{
		Use:   "ship",
		Short: "Read NDJSON log records from stdin and ship them",
		Long: `Ship reads newline-delimited JSON records from standard input and
submits each to the delivery pipeline. Recognized record fields:

  timestamp    RFC3339 wall-clock time (defaults to now)
  severity     DEBUG|INFO|NOTICE|WARNING|ERROR|CRITICAL
  labels       string-to-string map
  httpRequest  {method, url, requestSize, responseSize, status,
                latencyMs, remoteIp, serverIp, userAgent}
  payload      structured payload object

Records without a payload field ship their remaining fields as the
payload. Pending batches are flushed before exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.verbose {
				logCfg := logpkg.FromEnv()
				logCfg.Level = "debug"
				slog.SetDefault(logpkg.New(logCfg))
			}
			return runShip(cmd.Context(), root.configPath, flags, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "Reload the configuration file on change")
	cmd.Flags().DurationVar(&flags.tickInterval, "tick-interval", time.Second, "Queue flush evaluation interval")

	return cmd
}

func runShip(ctx context.Context, configPath string, flags *shipFlags, stdin io.Reader) error {
	logger := logpkg.WithComponent(slog.Default(), "ship")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The active config is swapped atomically on reload; a changed
	// fingerprint routes subsequent records to a fresh session.
	var active atomic.Pointer[config.Config]
	active.Store(cfg)

	scheduler := queue.NewScheduler(flags.tickInterval, logpkg.WithComponent(slog.Default(), "scheduler"))
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	registry := session.NewRegistry(scheduler, fallbackSink(logger), logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		registry.Shutdown(shutdownCtx)
	}()

	if flags.metricsAddr != "" {
		go serveMetrics(flags.metricsAddr, logger)
	}

	if flags.watch {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				active.Store(next)
			})
			if err != nil {
				logger.Error("configuration watch failed", logpkg.Error(err))
			}
		}()
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var submitted, malformed int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			logger.Info("interrupted, flushing pending entries")
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		e, err := parseRecord(line)
		if err != nil {
			malformed++
			logger.Warn("skipping malformed record", logpkg.Error(err))
			continue
		}

		registry.Submit(active.Load(), e)
		submitted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	logger.Info("input drained",
		slog.Int("submitted", submitted),
		slog.Int("malformed", malformed),
	)
	return nil
}

// httpRequestRecord is the input shape of HTTP request metadata.
type httpRequestRecord struct {
	Method       string  `json:"method"`
	URL          string  `json:"url"`
	RequestSize  int64   `json:"requestSize"`
	ResponseSize int64   `json:"responseSize"`
	Status       int     `json:"status"`
	LatencyMs    float64 `json:"latencyMs"`
	RemoteIP     string  `json:"remoteIp"`
	ServerIP     string  `json:"serverIp"`
	UserAgent    string  `json:"userAgent"`
}

// shipRecord is the recognized envelope of one NDJSON input line.
type shipRecord struct {
	Timestamp   string             `json:"timestamp"`
	Severity    string             `json:"severity"`
	Labels      map[string]string  `json:"labels"`
	HTTPRequest *httpRequestRecord `json:"httpRequest"`
	Payload     map[string]any     `json:"payload"`
}

// parseRecord converts one input line into an entry. Envelope fields are
// optional; a record with no payload field ships its unrecognized fields
// as the payload.
func parseRecord(line []byte) (entry.Entry, error) {
	var rec shipRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return entry.Entry{}, err
	}

	e := entry.Entry{
		Severity: entry.SeverityFromName(rec.Severity),
		Labels:   rec.Labels,
		Payload:  rec.Payload,
	}

	if rec.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
		if err != nil {
			return entry.Entry{}, fmt.Errorf("invalid timestamp %q: %w", rec.Timestamp, err)
		}
		e.Timestamp = ts
	}

	if rec.HTTPRequest != nil {
		e.HTTPRequest = &entry.HTTPRequest{
			Method:       rec.HTTPRequest.Method,
			URL:          rec.HTTPRequest.URL,
			RequestSize:  rec.HTTPRequest.RequestSize,
			ResponseSize: rec.HTTPRequest.ResponseSize,
			Status:       rec.HTTPRequest.Status,
			Latency:      time.Duration(rec.HTTPRequest.LatencyMs * float64(time.Millisecond)),
			RemoteIP:     rec.HTTPRequest.RemoteIP,
			ServerIP:     rec.HTTPRequest.ServerIP,
			UserAgent:    rec.HTTPRequest.UserAgent,
		}
	}

	if e.Payload == nil {
		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			return entry.Entry{}, err
		}
		for _, known := range []string{"timestamp", "severity", "labels", "httpRequest"} {
			delete(raw, known)
		}
		e.Payload = raw
	}

	return e, nil
}

// fallbackSink routes entries from degraded destinations to the local
// log stream so they are not lost silently.
func fallbackSink(logger *slog.Logger) session.FallbackSink {
	return func(e entry.Entry) {
		logger.Info("entry routed to fallback",
			slog.String("severity", e.Severity.String()),
			slog.Any("payload", e.Payload),
		)
	}
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("metrics listening", slog.String("addr", addr))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", logpkg.Error(err))
	}
}
