package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/metrics"
)

// Record is a raw upstream document. The connector enforces no schema; CRM
// object payloads carry a properties sub-map with hs_lastmodifieddate.
type Record = map[string]any

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the API client behavior.
type ClientConfig struct {
	// BaseURL of the HubSpot API (default: DefaultBaseURL).
	BaseURL string

	// Tokens mints the bearer token attached to every attempt.
	Tokens TokenSource

	// Timeout for individual requests (default: 120s).
	Timeout time.Duration

	// MaxRetries for throttled or failing requests (default: 6).
	MaxRetries int

	// RateLimit requests per second (default: 10).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// UserAgent string (default: "hubspot-bronze/1.0").
	UserAgent string

	// Headers to add to all requests.
	Headers map[string]string

	// RetryUnauthorized retries a 401 once after invalidating the token
	// source's cache. Only useful when the token source caches.
	RetryUnauthorized bool

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper

	// Logger used for retry visibility (default: logrus standard logger).
	Logger *logrus.Logger

	// Metrics receives per-request observations when set.
	Metrics *metrics.Metrics
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:    DefaultBaseURL,
		Timeout:    120 * time.Second,
		MaxRetries: 6,
		RateLimit:  10.0,
		RateBurst:  5,
		UserAgent:  "hubspot-bronze/1.0",
		Headers:    make(map[string]string),
	}
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client is a rate-limited, retrying HubSpot API client. Every attempt
// authenticates through the token source, so a token expiring mid
// retry-storm heals itself on the next attempt.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	log         *logrus.Logger
}

// NewClient creates a new API client with the given configuration.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 6
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "hubspot-bronze/1.0"
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		log:         config.Logger,
	}
}

// response wraps a raw HTTP response for the retry loop.
type response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Request performs an authenticated call and returns the decoded JSON body,
// or nil for an empty body. Statuses in {429, 500, 502, 503, 504} are
// retried up to MaxRetries, honoring an integer Retry-After header and
// falling back to exponential backoff capped at 60s. Anything else fails
// with *ApiError; a failed token exchange fails with *AuthError.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body any) (any, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		payload = data
	}

	reauthed := false
	for attempt := 0; ; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := c.doOnce(ctx, method, path, query, payload)
		if err != nil {
			return nil, err
		}
		c.config.Metrics.ObserveRequest(path, resp.StatusCode)

		if resp.StatusCode < 300 {
			return decodeBody(resp.Body)
		}

		// A 401 against a cached token gets one refresh-and-retry.
		if resp.StatusCode == 401 && c.config.RetryUnauthorized && !reauthed {
			if inv, ok := c.config.Tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
				reauthed = true
				c.log.WithField("path", path).Warn("unauthorized, refreshing token and retrying once")
				continue
			}
		}

		if retryableStatus(resp.StatusCode) && attempt < c.config.MaxRetries {
			delay := RetryDelay(resp.Headers.Get("Retry-After"), attempt+1)
			c.config.Metrics.ObserveRetry(path)
			c.log.WithFields(logrus.Fields{
				"path":    path,
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
				"delay":   delay,
			}).Warn("retrying request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		return nil, &ApiError{
			Status:    resp.StatusCode,
			Path:      path,
			Body:      string(resp.Body),
			Exhausted: retryableStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single attempt, minting a fresh bearer token first.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte) (*response, error) {
	token, err := c.config.Tokens.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (any, error) {
	return c.Request(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (any, error) {
	return c.Request(ctx, http.MethodPost, path, nil, body)
}

// RetryDelay computes the wait before retry number attempt (1-based). A
// well-formed integer Retry-After header wins; otherwise exponential
// backoff capped at 60 seconds.
func RetryDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if attempt >= 6 {
		return 60 * time.Second
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

func decodeBody(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
