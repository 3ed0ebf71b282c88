package oura

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"oura-sync/internal/metrics"
)

// collectionPage is one page of a paginated daily-collection response
type collectionPage struct {
	Data      []json.RawMessage `json:"data"`
	NextToken *string           `json:"next_token"`
}

// PersonalInfo is the subset of the Oura personal_info document we use to
// identify the account behind a token
type PersonalInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// FetchProfile looks up the account behind an access token. Used once during
// the OAuth callback, before any connection exists.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*PersonalInfo, error) {
	creds := &Credentials{AccessToken: accessToken}
	body, err := c.doRequest(ctx, metrics.OpFetchProfile, "GET", "/usercollection/personal_info", creds)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	var info PersonalInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &info, nil
}

// ListDailyCollection fetches every document of a daily collection within an
// inclusive date range, following next_token cursors until exhausted.
// An empty or malformed page yields zero results, not an error.
func (c *Client) ListDailyCollection(ctx context.Context, creds *Credentials, dataType, startDate, endDate string) ([]json.RawMessage, error) {
	var docs []json.RawMessage
	nextToken := ""

	for {
		params := url.Values{
			"start_date": {startDate},
			"end_date":   {endDate},
		}
		if nextToken != "" {
			params.Set("next_token", nextToken)
		}

		path := fmt.Sprintf("/usercollection/%s?%s", dataType, params.Encode())
		body, err := c.doRequest(ctx, metrics.OpListCollection, "GET", path, creds)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dataType, err)
		}

		var page collectionPage
		if err := json.Unmarshal(body, &page); err != nil {
			// Malformed pages are treated as empty; upstream data glitches
			// must not abort the whole range
			c.logger.Warn("malformed collection page, treating as empty", "data_type", dataType, "error", err)
			break
		}

		docs = append(docs, page.Data...)

		if page.NextToken == nil || *page.NextToken == "" {
			break
		}
		nextToken = *page.NextToken
	}

	return docs, nil
}

// FetchOne fetches a single document by id, used for targeted webhook
// re-fetches
func (c *Client) FetchOne(ctx context.Context, creds *Credentials, dataType, documentID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/usercollection/%s/%s", dataType, url.PathEscape(documentID))
	body, err := c.doRequest(ctx, metrics.OpFetchOne, "GET", path, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s: %w", dataType, documentID, err)
	}
	return json.RawMessage(body), nil
}
