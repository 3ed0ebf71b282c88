// Package oura is a resilient client for the Oura V2 REST API.
//
// All user-data calls route through a single retrying request primitive that
// handles transient backoff (429/5xx), transparent single-shot token refresh
// on 401, and typed terminal errors.
package oura

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"oura-sync/internal/metrics"
)

const (
	defaultBaseURL  = "https://api.ouraring.com/v2"
	defaultTokenURL = "https://api.ouraring.com/oauth/token"

	// AuthorizeURL is where users grant access during the OAuth flow
	AuthorizeURL = "https://cloud.ouraring.com/oauth/authorize"

	maxRetries = 5
	baseDelay  = 1 * time.Second
	maxDelay   = 2 * time.Minute
)

// TokenStore persists refreshed token pairs. The client writes the new pair
// before retrying the failed request, so a crash mid-retry never leaves the
// stale pair stored.
type TokenStore interface {
	UpdateConnectionTokens(installationID, accessToken, refreshToken string, expiresAt int64) error
}

// Credentials carries the decrypted tokens for one installation through a
// sequence of API calls. The client mutates it in place after a refresh.
type Credentials struct {
	InstallationID string
	AccessToken    string
	RefreshToken   string
}

// Client is an Oura API client
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	tokens       TokenStore
	logger       *slog.Logger

	baseURL  string
	tokenURL string

	// sleep is injected so tests can replace backoff delays with a no-op
	sleep func(time.Duration)
}

// NewClient creates a new Oura API client
func NewClient(clientID, clientSecret string, tokens TokenStore) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		clientID:     clientID,
		clientSecret: clientSecret,
		tokens:       tokens,
		logger:       slog.Default(),
		baseURL:      defaultBaseURL,
		tokenURL:     defaultTokenURL,
		sleep:        time.Sleep,
	}
}

// WithEndpoints overrides the API endpoints. Intended for tests.
func (c *Client) WithEndpoints(baseURL, tokenURL string) *Client {
	c.baseURL = baseURL
	c.tokenURL = tokenURL
	return c
}

// WithSleep overrides the backoff sleep function. Intended for tests.
func (c *Client) WithSleep(sleep func(time.Duration)) *Client {
	c.sleep = sleep
	return c
}

// TokenResponse represents the response from a token exchange or refresh
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ExpiresAtUnix converts the relative expiry into an absolute timestamp
func (t *TokenResponse) ExpiresAtUnix() int64 {
	return time.Now().Add(time.Duration(t.ExpiresIn) * time.Second).Unix()
}

// ExchangeCode exchanges an authorization code for access and refresh tokens
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	return c.tokenGrant(ctx, metrics.OpExchangeCode, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	})
}

// RefreshToken obtains a fresh token pair using a refresh token
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenGrant(ctx, metrics.OpRefreshToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (c *Client) tokenGrant(ctx context.Context, operation string, form url.Values) (*TokenResponse, error) {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("token grant failed", "operation", operation, "error", err, "duration_ms", duration.Milliseconds())
		return nil, fmt.Errorf("%s failed: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	metrics.OuraAPIRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.OuraAPIRequestDuration.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Observe(duration.Seconds())
	c.logger.Info("oura_token_grant", "operation", operation, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(resp.StatusCode, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &tokenResp, nil
}

// doRequest performs an authenticated user-data request with bounded retries.
//
// Transient failures (429, 5xx, transport errors) are retried up to
// maxRetries additional attempts with exponential delay plus bounded jitter.
// A 401 triggers at most one transparent refresh: the new token pair is
// persisted through the TokenStore first, then the original request is
// retried once; a second 401 surfaces as a terminal HTTPError. The refresh
// path is independent of the transient retry budget.
func (c *Client) doRequest(ctx context.Context, operation, method, path string, creds *Credentials) ([]byte, error) {
	refreshed := false
	var lastErr error

	for attempt := 0; attempt <= maxRetries; {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)

		if err != nil {
			lastErr = err
			c.logger.Error("request failed", "method", method, "path", path, "error", err, "attempt", attempt)
			if attempt == maxRetries {
				break
			}
			attempt++
			c.backoff(attempt)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response: %w", readErr)
		}

		metrics.OuraAPIRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
		metrics.OuraAPIRequestDuration.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Observe(duration.Seconds())
		c.logger.Info("oura_api_request",
			"operation", operation,
			"method", method,
			"status", resp.StatusCode,
			"duration_ms", duration.Milliseconds(),
			"installation_id", creds.InstallationID)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil

		case resp.StatusCode == http.StatusUnauthorized && !refreshed && creds.RefreshToken != "" && c.tokens != nil:
			if err := c.refreshCredentials(ctx, creds); err != nil {
				metrics.TokenRefreshTotal.WithLabelValues(metrics.ResultFailure).Inc()
				return nil, fmt.Errorf("failed to refresh token: %w", err)
			}
			metrics.TokenRefreshTotal.WithLabelValues(metrics.ResultSuccess).Inc()
			refreshed = true
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = newHTTPError(resp.StatusCode, body)
			if attempt == maxRetries {
				return nil, lastErr
			}
			attempt++
			delay := c.retryAfter(resp.Header)
			if delay > 0 {
				c.sleep(delay)
			} else {
				c.backoff(attempt)
			}
			continue

		default:
			return nil, newHTTPError(resp.StatusCode, body)
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// refreshCredentials refreshes the token pair and persists it before the
// caller retries, so a crash between persist and retry never strands stale
// credentials in the store
func (c *Client) refreshCredentials(ctx context.Context, creds *Credentials) error {
	c.logger.Info("refreshing token", "installation_id", creds.InstallationID)

	tokenResp, err := c.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		return err
	}

	if err := c.tokens.UpdateConnectionTokens(creds.InstallationID, tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.ExpiresAtUnix()); err != nil {
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	creds.AccessToken = tokenResp.AccessToken
	creds.RefreshToken = tokenResp.RefreshToken
	return nil
}

// backoff sleeps for base * 2^(attempt-1) plus bounded random jitter
func (c *Client) backoff(attempt int) {
	delay := baseDelay << (attempt - 1)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(baseDelay)))
	c.sleep(delay + jitter)
}

// retryAfter extracts a server-requested delay from the Retry-After header
func (c *Client) retryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	seconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
