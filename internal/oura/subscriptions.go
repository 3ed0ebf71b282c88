package oura

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"oura-sync/internal/metrics"
)

// Subscription represents an Oura webhook subscription
type Subscription struct {
	ID             string `json:"id"`
	CallbackURL    string `json:"callback_url"`
	EventType      string `json:"event_type"`
	DataType       string `json:"data_type"`
	ExpirationTime string `json:"expiration_time"`
}

// ExpiresAt parses the subscription expiration. Returns the zero time when
// the provider sent none.
func (s *Subscription) ExpiresAt() time.Time {
	if s.ExpirationTime == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.ExpirationTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// subscriptionRequest is the create/update payload
type subscriptionRequest struct {
	CallbackURL       string `json:"callback_url"`
	VerificationToken string `json:"verification_token"`
	EventType         string `json:"event_type"`
	DataType          string `json:"data_type"`
}

// ListSubscriptions lists all webhook subscriptions registered for this
// application. Authenticated with app credentials, not a user token.
func (c *Client) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	body, err := c.doAppRequest(ctx, metrics.OpListSubscriptions, http.MethodGet, "/webhook/subscription", nil)
	if err != nil {
		return nil, err
	}

	var subs []*Subscription
	if err := json.Unmarshal(body, &subs); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	return subs, nil
}

// CreateSubscription registers a webhook subscription for one
// (event type, data type) pair
func (c *Client) CreateSubscription(ctx context.Context, eventType, dataType, callbackURL, verifyToken string) (*Subscription, error) {
	payload := subscriptionRequest{
		CallbackURL:       callbackURL,
		VerificationToken: verifyToken,
		EventType:         eventType,
		DataType:          dataType,
	}

	body, err := c.doAppRequest(ctx, metrics.OpCreateSubscription, http.MethodPost, "/webhook/subscription", &payload)
	if err != nil {
		return nil, err
	}

	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &sub, nil
}

// UpdateSubscription re-puts an existing subscription, which the provider
// treats as a renewal of its expiration
func (c *Client) UpdateSubscription(ctx context.Context, id, eventType, dataType, callbackURL, verifyToken string) (*Subscription, error) {
	payload := subscriptionRequest{
		CallbackURL:       callbackURL,
		VerificationToken: verifyToken,
		EventType:         eventType,
		DataType:          dataType,
	}

	body, err := c.doAppRequest(ctx, metrics.OpUpdateSubscription, http.MethodPut, "/webhook/subscription/"+id, &payload)
	if err != nil {
		return nil, err
	}

	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes a webhook subscription. Remote 404 is surfaced
// as an HTTPError; callers tolerating already-deleted subscriptions should
// check IsNotFound.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	_, err := c.doAppRequest(ctx, metrics.OpDeleteSubscription, http.MethodDelete, "/webhook/subscription/"+id, nil)
	return err
}

// doAppRequest performs a webhook-management request authenticated with the
// client id/secret header pair
func (c *Client) doAppRequest(ctx context.Context, operation, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-client-secret", c.clientSecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	metrics.OuraAPIRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.OuraAPIRequestDuration.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Observe(duration.Seconds())
	c.logger.Info("oura_webhook_api", "operation", operation, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newHTTPError(resp.StatusCode, body)
	}
	return body, nil
}
