package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  HTTPClientConfig
		wantErr bool
	}{
		{"zero config", HTTPClientConfig{}, false},
		{"negative timeout", HTTPClientConfig{Timeout: -time.Second}, true},
		{"negative pool", HTTPClientConfig{MaxIdleConns: -1}, true},
		{"negative idle timeout", HTTPClientConfig{IdleConnTimeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClassifyNetError_HeaderTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 50 * time.Millisecond}
	_, err := client.Get(server.URL)
	if err == nil {
		t.Fatal("expected a timeout error")
	}

	terr := ClassifyNetError(err)
	if terr.Type != ErrorTypeTimeout {
		t.Errorf("Type = %v, want %v", terr.Type, ErrorTypeTimeout)
	}
	if !terr.Retryable {
		t.Error("header-phase timeout must be retryable")
	}
}

func TestClassifyNetError_BodyReadTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("rest"))
	}))
	defer server.Close()

	client := &http.Client{Timeout: 50 * time.Millisecond}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v, want headers before timeout", err)
	}
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected a body read timeout")
	}

	// The client timeout firing during body read reports itself as a
	// context deadline, but it is a timeout and must stay retryable.
	terr := ClassifyNetError(err)
	if terr.Type != ErrorTypeTimeout {
		t.Errorf("Type = %v, want %v", terr.Type, ErrorTypeTimeout)
	}
	if !terr.Retryable {
		t.Error("body-read timeout must be retryable")
	}
}

func TestClassifyNetError_CallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = http.DefaultClient.Do(req)
	if err == nil {
		t.Fatal("expected a cancellation error")
	}

	terr := ClassifyNetError(err)
	if terr.Type != ErrorTypeCancelled {
		t.Errorf("Type = %v, want %v", terr.Type, ErrorTypeCancelled)
	}
	if terr.Retryable {
		t.Error("caller cancellation must not be retryable")
	}
}

func TestClassifyNetError_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := http.DefaultClient.Get(url)
	if err == nil {
		t.Fatal("expected a connection error")
	}

	terr := ClassifyNetError(err)
	if terr.Type != ErrorTypeConnection {
		t.Errorf("Type = %v, want %v", terr.Type, ErrorTypeConnection)
	}
	if !terr.Retryable {
		t.Error("connection refusal must be retryable")
	}
}

func TestClassifyNetError_TLSVerificationNotRetryable(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	// Default client does not trust the test server's certificate.
	_, err := http.DefaultClient.Get(server.URL)
	if err == nil {
		t.Fatal("expected a certificate verification error")
	}

	terr := ClassifyNetError(err)
	if terr.Retryable {
		t.Errorf("certificate verification failure classified retryable: %v", terr)
	}
}

func TestClassifyNetError_FallbackKeywordScan(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient keyword", errors.New("service temporarily unavailable"), true},
		{"socket keyword", errors.New("socket closed by peer"), true},
		{"unrecognized", errors.New("proxyconnect tcp: malformed proxy response"), false},
		{"certificate", errors.New("x509: certificate signed by unknown authority"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terr := ClassifyNetError(tt.err)
			if terr.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v for %q", terr.Retryable, tt.retryable, tt.err)
			}
		})
	}
}
