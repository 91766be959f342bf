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

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflume/logflume/internal/transport"
)

// testKey is generated once; RSA keygen is slow enough to matter across
// the package's tests.
var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyPEM  string
)

func testCredentials(t *testing.T, tokenEndpoint string) Credentials {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			panic(err)
		}
		testKey = key
		testKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	})
	return Credentials{
		IssuerEmail:   "shipper@test-project.example.com",
		PrivateKey:    testKeyPEM,
		TokenEndpoint: tokenEndpoint,
		ProjectID:     "test-project",
	}
}

// fastRetry keeps test backoff negligible.
func fastRetry() *transport.RetryConfig {
	return &transport.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFraction: 0,
	}
}

func TestTokenManager_ExchangeAndAssertion(t *testing.T) {
	var calls atomic.Int64
	var gotAssertion string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		gotAssertion = r.PostForm.Get("assertion")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "tok-1", "token_type": "Bearer", "expires_in": 3600}`))
	}))
	defer server.Close()

	creds := testCredentials(t, server.URL)
	manager, err := NewTokenManager(creds, "", server.Client(), fastRetry(), nil)
	require.NoError(t, err)

	token, err := manager.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int64(1), calls.Load())

	// The assertion must be a valid RS256 JWT with the expected claims.
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(gotAssertion, claims, func(tok *jwt.Token) (any, error) {
		require.Equal(t, "RS256", tok.Method.Alg())
		return &testKey.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	assert.Equal(t, creds.IssuerEmail, claims["iss"])
	assert.Equal(t, server.URL, claims["aud"])
	assert.Equal(t, DefaultScope, claims["scope"])

	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	assert.Equal(t, int64(3600), exp-iat)
}

func TestTokenManager_CacheReuse(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"access_token": "tok-cached", "expires_in": 3600}`))
	}))
	defer server.Close()

	manager, err := NewTokenManager(testCredentials(t, server.URL), "", server.Client(), fastRetry(), nil)
	require.NoError(t, err)

	first, err := manager.Token(context.Background())
	require.NoError(t, err)
	second, err := manager.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load(), "second call within safety margin must not hit the endpoint")
}

func TestTokenManager_RefreshAfterExpiry(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"access_token": "tok", "expires_in": 3600}`))
	}))
	defer server.Close()

	manager, err := NewTokenManager(testCredentials(t, server.URL), "", server.Client(), fastRetry(), nil)
	require.NoError(t, err)

	now := time.Now()
	manager.now = func() time.Time { return now }

	_, err = manager.Token(context.Background())
	require.NoError(t, err)

	// Inside the safety margin window the cache is still warm.
	now = now.Add(3600*time.Second - safetyMargin - time.Minute)
	_, err = manager.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// Past expiry - safetyMargin the next call refreshes.
	now = now.Add(2 * time.Minute)
	_, err = manager.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestTokenManager_SingleFlight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"access_token": "tok-sf", "expires_in": 3600}`))
	}))
	defer server.Close()

	manager, err := NewTokenManager(testCredentials(t, server.URL), "", server.Client(), fastRetry(), nil)
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = manager.Token(context.Background())
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight exchange.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-sf", tokens[i])
	}
	assert.Equal(t, int64(1), calls.Load(), "concurrent callers must share one exchange")
}

func TestTokenManager_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"access_token": "tok-retry", "expires_in": 3600}`))
	}))
	defer server.Close()

	manager, err := NewTokenManager(testCredentials(t, server.URL), "", server.Client(), fastRetry(), nil)
	require.NoError(t, err)

	token, err := manager.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-retry", token)
	assert.Equal(t, int64(3), calls.Load())
}

func TestTokenManager_RejectionIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	}))
	defer server.Close()

	manager, err := NewTokenManager(testCredentials(t, server.URL), "", server.Client(), fastRetry(), nil)
	require.NoError(t, err)

	_, err = manager.Token(context.Background())
	require.Error(t, err)

	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transport.ErrorTypeAuth, terr.Type)
}

func TestTokenManager_MissingAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token_type": "Bearer"}`))
	}))
	defer server.Close()

	manager, err := NewTokenManager(testCredentials(t, server.URL), "", server.Client(), fastRetry(), nil)
	require.NoError(t, err)

	_, err = manager.Token(context.Background())
	require.Error(t, err)

	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transport.ErrorTypeAuth, terr.Type)
}

func TestTokenManager_DefaultExpiresIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "tok-noexp"}`))
	}))
	defer server.Close()

	manager, err := NewTokenManager(testCredentials(t, server.URL), "", server.Client(), fastRetry(), nil)
	require.NoError(t, err)

	now := time.Now()
	manager.now = func() time.Time { return now }

	_, err = manager.Token(context.Background())
	require.NoError(t, err)

	manager.mu.Lock()
	expiry := manager.cached.expiry
	manager.mu.Unlock()
	assert.Equal(t, now.Add(3600*time.Second-safetyMargin), expiry)
}

func TestNewTokenManager_MalformedKey(t *testing.T) {
	creds := testCredentials(t, "https://oauth2.example.com/token")
	creds.PrivateKey = "not a key at all"

	_, err := NewTokenManager(creds, "", nil, nil, nil)
	require.Error(t, err)

	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transport.ErrorTypeConfiguration, terr.Type)
}

func TestNewTokenManager_MissingFields(t *testing.T) {
	_, err := NewTokenManager(Credentials{}, "", nil, nil, nil)
	require.Error(t, err)

	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transport.ErrorTypeConfiguration, terr.Type)
}
