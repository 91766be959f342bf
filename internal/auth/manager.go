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
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	logpkg "github.com/logflume/logflume/internal/log"
	"github.com/logflume/logflume/internal/metrics"
	"github.com/logflume/logflume/internal/transport"
)

const (
	// DefaultScope is the OAuth scope requested for log delivery.
	DefaultScope = "https://www.googleapis.com/auth/logging.write"

	// assertionLifetime is the exp-iat window of minted assertions.
	assertionLifetime = time.Hour

	// safetyMargin is subtracted from a token's reported lifetime so a
	// token is never used close enough to expiry that clock skew or
	// request latency could invalidate it mid-request.
	safetyMargin = 5 * time.Minute

	// defaultExpiresIn applies when the token response omits expires_in.
	defaultExpiresIn = 3600
)

// TokenResponse is the JSON body returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// cachedToken is a bearer token with its absolute reuse deadline.
type cachedToken struct {
	value  string
	expiry time.Time
}

func (t cachedToken) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiry)
}

// TokenManager mints signed JWT assertions, exchanges them for bearer
// tokens, and caches the result until near expiry. Concurrent callers
// during an in-flight exchange share the one in-progress call.
type TokenManager struct {
	creds      Credentials
	scope      string
	signingKey *rsa.PrivateKey
	client     *http.Client
	retry      *transport.RetryConfig
	logger     *slog.Logger

	// now is injectable for expiry tests.
	now func() time.Time

	mu     sync.Mutex
	cached cachedToken
	group  singleflight.Group
}

// NewTokenManager validates the credentials and parses the signing key.
// A malformed key fails here with a configuration error rather than on
// first use.
func NewTokenManager(creds Credentials, scope string, client *http.Client, retry *transport.RetryConfig, logger *slog.Logger) (*TokenManager, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	key, err := creds.ParseSigningKey()
	if err != nil {
		return nil, err
	}
	if scope == "" {
		scope = DefaultScope
	}
	if client == nil {
		client = transport.NewHTTPClient(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		creds:      creds,
		scope:      scope,
		signingKey: key,
		client:     client,
		retry:      retry,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Token returns a bearer token, reusing the cached one while it remains
// inside the safety margin. An expired or absent token triggers exactly
// one exchange; concurrent callers await that exchange instead of issuing
// their own.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cached.valid(m.now()) {
		token := m.cached.value
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	value, err, _ := m.group.Do("token", func() (any, error) {
		// A caller that waited on an in-flight exchange finds the
		// fresh token here without a second network call.
		m.mu.Lock()
		if m.cached.valid(m.now()) {
			token := m.cached.value
			m.mu.Unlock()
			return token, nil
		}
		m.mu.Unlock()

		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// refresh performs one assertion build + token exchange and stores the
// result in the cache.
func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	assertion, err := m.buildAssertion(m.now())
	if err != nil {
		return "", err
	}

	resp, retries, err := transport.Execute(ctx, m.retry, func(ctx context.Context) (*TokenResponse, error) {
		return m.exchange(ctx, assertion)
	})
	if err != nil {
		m.logger.Warn("token exchange failed",
			slog.Int("retries", retries),
			logpkg.Error(err),
		)
		return "", asAuthError(err)
	}

	expiresIn := resp.ExpiresIn
	if expiresIn == 0 {
		expiresIn = defaultExpiresIn
	}

	m.mu.Lock()
	m.cached = cachedToken{
		value:  resp.AccessToken,
		expiry: m.now().Add(time.Duration(expiresIn)*time.Second - safetyMargin),
	}
	m.mu.Unlock()

	metrics.TokenRefreshes.Inc()
	m.logger.Debug("bearer token refreshed",
		slog.String("token", logpkg.SanitizeToken(resp.AccessToken)),
		slog.Int64("expires_in", expiresIn),
		slog.Int("retries", retries),
	)
	return resp.AccessToken, nil
}

// buildAssertion constructs and signs the RS256 JWT assertion for the
// jwt-bearer grant.
func (m *TokenManager) buildAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   m.creds.IssuerEmail,
		"scope": m.scope,
		"aud":   m.creds.TokenEndpoint,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", &transport.Error{
			Type:    transport.ErrorTypeAuth,
			Message: "failed to sign token assertion",
			Cause:   err,
		}
	}
	return assertion, nil
}

// exchange posts the assertion to the token endpoint and decodes the
// response. Non-200 statuses and bodies without an access_token are
// errors.
func (m *TokenManager) exchange(ctx context.Context, assertion string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.creds.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &transport.Error{
			Type:    transport.ErrorTypeConfiguration,
			Message: "invalid token endpoint",
			Cause:   err,
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, transport.ClassifyNetError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.ClassifyNetError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, transport.ClassifyStatus(resp.StatusCode, body)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &transport.Error{
			Type:    transport.ErrorTypeAuth,
			Message: "token response is not valid JSON",
			Cause:   err,
		}
	}
	if token.AccessToken == "" {
		return nil, &transport.Error{
			Type:    transport.ErrorTypeAuth,
			Message: "token response missing access_token",
		}
	}
	return &token, nil
}

// asAuthError wraps a failed exchange as an auth error unless it already
// carries that classification.
func asAuthError(err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) && terr.Type == transport.ErrorTypeAuth {
		return err
	}
	return &transport.Error{
		Type:    transport.ErrorTypeAuth,
		Message: "token exchange failed",
		Cause:   err,
	}
}
