package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/logflume/logflume/internal/entry"
	"github.com/logflume/logflume/internal/transport"
)

// staticTokens is a TokenSource returning a fixed token.
type staticTokens struct {
	token string
	err   error
	calls atomic.Int64
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	s.calls.Add(1)
	return s.token, s.err
}

func fastRetry() *transport.RetryConfig {
	return &transport.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFraction: 0,
	}
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:    endpoint,
		ProjectID:   "test-project",
		LogID:       "app/requests",
		Resource:    &entry.Resource{Type: "global", Labels: map[string]string{"project_id": "test-project"}},
		SourceLabel: "edge-proxy",
		Retry:       fastRetry(),
	}
}

func testBatch(n int) []entry.Entry {
	batch := make([]entry.Entry, n)
	for i := range batch {
		batch[i] = entry.Entry{
			Timestamp: time.Date(2026, 5, 1, 12, 0, i, 0, time.UTC),
			Severity:  entry.SeverityInfo,
			Payload:   map[string]any{"seq": i},
		}
	}
	return batch
}

func TestClient_Send(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL), server.Client(), &staticTokens{token: "tok-abc"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := client.Send(context.Background(), testBatch(3)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotPath != "/entries:write" {
		t.Errorf("path = %q, want /entries:write", gotPath)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Errorf("Authorization = %q, want Bearer tok-abc", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}

	var req entry.WriteRequest
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("request body is not valid JSON: %v", err)
	}
	if req.PartialSuccess {
		t.Error("partialSuccess = true, want false")
	}
	if len(req.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(req.Entries))
	}
	if req.Entries[0].LogName != "projects/test-project/logs/app%2Frequests" {
		t.Errorf("logName = %q, want slash-escaped log id", req.Entries[0].LogName)
	}
	if req.Entries[0].Labels["source"] != "edge-proxy" {
		t.Errorf("source label = %q, want edge-proxy", req.Entries[0].Labels["source"])
	}
}

func TestClient_SendEmptyBatch(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL), server.Client(), &staticTokens{token: "tok"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := client.Send(context.Background(), nil); err != nil {
		t.Fatalf("Send(nil) error = %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("empty batch issued %d requests, want 0", calls.Load())
	}
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL), server.Client(), &staticTokens{token: "tok"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := client.Send(context.Background(), testBatch(1)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}
}

func TestClient_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "malformed entry"}`))
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL), server.Client(), &staticTokens{token: "tok"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = client.Send(context.Background(), testBatch(1))
	if err == nil {
		t.Fatal("Send() error = nil, want error")
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (no retries on 400)", calls.Load())
	}

	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("error type = %T, want *transport.Error", err)
	}
	if terr.Type != transport.ErrorTypeClient {
		t.Errorf("error type = %v, want %v", terr.Type, transport.ErrorTypeClient)
	}
}

func TestClient_AuthFailureSurfacedDistinctly(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL), server.Client(), &staticTokens{token: "tok"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = client.Send(context.Background(), testBatch(1))
	if err == nil {
		t.Fatal("Send() error = nil, want error")
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (auth failures are not retried)", calls.Load())
	}

	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("error type = %T, want *transport.Error", err)
	}
	if terr.Type != transport.ErrorTypeAuth {
		t.Errorf("error type = %v, want %v", terr.Type, transport.ErrorTypeAuth)
	}
}

func TestClient_TokenSourceErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("delivery endpoint should not be reached without a token")
	}))
	defer server.Close()

	authErr := &transport.Error{Type: transport.ErrorTypeAuth, Message: "token exchange failed"}
	client, err := New(testConfig(server.URL), server.Client(), &staticTokens{err: authErr}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = client.Send(context.Background(), testBatch(1))
	if !errors.Is(err, authErr) {
		t.Errorf("Send() error = %v, want token source error", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }},
		{"missing project", func(c *Config) { c.ProjectID = "" }},
		{"missing log id", func(c *Config) { c.LogID = "" }},
		{"missing resource", func(c *Config) { c.Resource = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("https://logging.example.com/v2")
			tt.mutate(&cfg)
			if _, err := New(cfg, nil, &staticTokens{token: "tok"}, nil); err == nil {
				t.Error("New() error = nil, want configuration error")
			}
		})
	}
}
