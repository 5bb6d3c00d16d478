package hubspot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// TOKEN PROVIDER
// =============================================================================

const (
	// DefaultBaseURL is the public HubSpot API host.
	DefaultBaseURL = "https://api.hubapi.com"

	tokenPath          = "/oauth/v1/token"
	defaultCacheMargin = 60 * time.Second
)

// Credential is the long-lived OAuth refresh credential. The values are
// opaque and must never be logged.
type Credential struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// AccessToken is a short-lived bearer credential minted from the refresh
// credential. It is never persisted.
type AccessToken struct {
	Value      string
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the token is still usable at now, keeping a safety
// margin before the upstream expiry. Tokens without a known expiry are
// always considered stale.
func (t AccessToken) Valid(now time.Time, margin time.Duration) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// TokenSource mints bearer tokens for API calls.
type TokenSource interface {
	Fetch(ctx context.Context) (AccessToken, error)
}

// TokenProviderConfig configures the refresh-token exchange.
type TokenProviderConfig struct {
	// BaseURL of the HubSpot API (default: DefaultBaseURL).
	BaseURL string

	// Credential used for the exchange.
	Credential Credential

	// Timeout for the exchange call (default: 30s).
	Timeout time.Duration

	// Cache enables single-entry token reuse until expiry minus
	// CacheMargin. Disabled, every Fetch performs a live exchange.
	Cache bool

	// CacheMargin subtracted from the upstream expiry (default: 60s).
	CacheMargin time.Duration

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// TokenProvider exchanges a refresh credential for bearer tokens via
// POST /oauth/v1/token. A non-2xx exchange fails with *AuthError.
type TokenProvider struct {
	config     *TokenProviderConfig
	httpClient *http.Client

	mu     sync.Mutex
	cached AccessToken
}

// NewTokenProvider creates a token provider with the given configuration.
func NewTokenProvider(config *TokenProviderConfig) *TokenProvider {
	if config == nil {
		config = &TokenProviderConfig{}
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.CacheMargin == 0 {
		config.CacheMargin = defaultCacheMargin
	}

	return &TokenProvider{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
	}
}

// Fetch returns a bearer token. With caching enabled the previous token is
// reused while it is still inside the expiry margin; otherwise every call
// is a live exchange.
func (p *TokenProvider) Fetch(ctx context.Context) (AccessToken, error) {
	if !p.config.Cache {
		return p.exchange(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached.Valid(time.Now(), p.config.CacheMargin) {
		return p.cached, nil
	}
	token, err := p.exchange(ctx)
	if err != nil {
		return AccessToken{}, err
	}
	p.cached = token
	return token, nil
}

// Invalidate drops the cached token so the next Fetch performs a live
// exchange. Called by the client after an unauthorized response.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.cached = AccessToken{}
	p.mu.Unlock()
}

func (p *TokenProvider) exchange(ctx context.Context) (AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", p.config.Credential.ClientID)
	form.Set("client_secret", p.config.Credential.ClientSecret)
	form.Set("refresh_token", p.config.Credential.RefreshToken)

	endpoint := strings.TrimSuffix(p.config.BaseURL, "/") + tokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AccessToken{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return AccessToken{}, &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return AccessToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return AccessToken{}, &AuthError{Status: resp.StatusCode, Body: "response carried no access_token"}
	}

	now := time.Now()
	token := AccessToken{Value: payload.AccessToken, ObtainedAt: now}
	if payload.ExpiresIn > 0 {
		token.ExpiresAt = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return token, nil
}
