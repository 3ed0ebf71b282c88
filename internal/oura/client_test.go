package oura

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeTokenStore struct {
	mu           sync.Mutex
	updates      int
	accessToken  string
	refreshToken string
}

func (s *fakeTokenStore) UpdateConnectionTokens(installationID, accessToken, refreshToken string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.accessToken = accessToken
	s.refreshToken = refreshToken
	return nil
}

func newTestClient(apiURL, tokenURL string, store TokenStore) *Client {
	return NewClient("client-id", "client-secret", store).
		WithEndpoints(apiURL, tokenURL).
		WithSleep(func(time.Duration) {})
}

func TestDoRequestRetriesTransientErrors(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL+"/token", nil)
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "token"}

	body, err := client.doRequest(context.Background(), "test", "GET", "/thing", creds)
	if err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}
	if string(body) != `{"ok": true}` {
		t.Errorf("Unexpected body: %s", body)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestDoRequestRetryBudgetExhausted(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL+"/token", nil)
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "token"}

	_, err := client.doRequest(context.Background(), "test", "GET", "/thing", creds)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}

	// Initial attempt plus maxRetries retries
	if attempts != maxRetries+1 {
		t.Errorf("Expected %d attempts, got %d", maxRetries+1, attempts)
	}
}

func TestDoRequestHonorsRetryAfter(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	var slept []time.Duration
	client := NewClient("client-id", "client-secret", nil).
		WithEndpoints(server.URL, server.URL+"/token").
		WithSleep(func(d time.Duration) { slept = append(slept, d) })

	creds := &Credentials{InstallationID: "inst-1", AccessToken: "token"}
	if _, err := client.doRequest(context.Background(), "test", "GET", "/thing", creds); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}

	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Errorf("Expected one 7s sleep from Retry-After, got %v", slept)
	}
}

func TestDoRequestRefreshesOnce(t *testing.T) {
	var refreshes int
	var apiCalls []string

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("Failed to parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "old-refresh" {
			t.Errorf("Unexpected refresh form: %v", r.Form)
		}
		refreshes++
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			ExpiresIn:    3600,
		})
	})
	mux.HandleFunc("/thing", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		apiCalls = append(apiCalls, auth)
		if auth != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := &fakeTokenStore{}
	client := newTestClient(server.URL, server.URL+"/token", store)
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "old-access", RefreshToken: "old-refresh"}

	body, err := client.doRequest(context.Background(), "test", "GET", "/thing", creds)
	if err != nil {
		t.Fatalf("Expected success after refresh, got %v", err)
	}
	if string(body) != `{"ok": true}` {
		t.Errorf("Unexpected body: %s", body)
	}

	if refreshes != 1 {
		t.Errorf("Expected exactly 1 refresh, got %d", refreshes)
	}
	if len(apiCalls) != 2 {
		t.Errorf("Expected 2 API calls (401 then retry), got %d", len(apiCalls))
	}
	if store.updates != 1 || store.accessToken != "new-access" || store.refreshToken != "new-refresh" {
		t.Error("Expected refreshed tokens persisted through the store")
	}
	if creds.AccessToken != "new-access" || creds.RefreshToken != "new-refresh" {
		t.Error("Expected credentials updated in place")
	}
}

func TestDoRequestSecondUnauthorizedIsTerminal(t *testing.T) {
	var refreshes int

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		refreshes++
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600})
	})
	mux.HandleFunc("/thing", func(w http.ResponseWriter, r *http.Request) {
		// Rejects even the refreshed token
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := &fakeTokenStore{}
	client := newTestClient(server.URL, server.URL+"/token", store)
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "old-access", RefreshToken: "old-refresh"}

	_, err := client.doRequest(context.Background(), "test", "GET", "/thing", creds)
	if !IsUnauthorized(err) {
		t.Fatalf("Expected terminal 401, got %v", err)
	}
	if refreshes != 1 {
		t.Errorf("Expected exactly 1 refresh before giving up, got %d", refreshes)
	}
}

func TestDoRequestNoRefreshTokenIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL+"/token", &fakeTokenStore{})
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "token"}

	_, err := client.doRequest(context.Background(), "test", "GET", "/thing", creds)
	if !IsUnauthorized(err) {
		t.Fatalf("Expected terminal 401 without refresh token, got %v", err)
	}
}

func TestDoRequestClientErrorNotRetried(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL+"/token", nil)
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "token"}

	_, err := client.doRequest(context.Background(), "test", "GET", "/thing", creds)
	if !IsForbidden(err) {
		t.Fatalf("Expected 403, got %v", err)
	}
	if !IsAuthError(err) {
		t.Error("Expected 403 to classify as auth error")
	}
	if attempts != 1 {
		t.Errorf("Expected single attempt for 403, got %d", attempts)
	}
}

func TestExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("Failed to parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "authorization_code" {
			t.Errorf("Expected authorization_code grant, got %s", r.Form.Get("grant_type"))
		}
		if r.Form.Get("code") != "auth-code" || r.Form.Get("redirect_uri") != "https://example.com/cb" {
			t.Errorf("Unexpected form: %v", r.Form)
		}
		if r.Form.Get("client_id") != "client-id" || r.Form.Get("client_secret") != "client-secret" {
			t.Error("Expected client credentials in form")
		}
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 86400})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL, nil)
	resp, err := client.ExchangeCode(context.Background(), "auth-code", "https://example.com/cb")
	if err != nil {
		t.Fatalf("Failed to exchange code: %v", err)
	}
	if resp.AccessToken != "access" || resp.RefreshToken != "refresh" {
		t.Errorf("Unexpected token response: %+v", resp)
	}

	expiresAt := resp.ExpiresAtUnix()
	want := time.Now().Add(86400 * time.Second).Unix()
	if expiresAt < want-5 || expiresAt > want+5 {
		t.Errorf("Expected expiry near %d, got %d", want, expiresAt)
	}
}

func TestListDailyCollectionPagination(t *testing.T) {
	var pages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("next_token")
		pages = append(pages, token)

		if r.URL.Query().Get("start_date") != "2026-08-01" || r.URL.Query().Get("end_date") != "2026-08-03" {
			t.Errorf("Unexpected range params: %v", r.URL.Query())
		}

		switch token {
		case "":
			fmt.Fprint(w, `{"data": [{"day": "2026-08-01"}, {"day": "2026-08-02"}], "next_token": "page2"}`)
		case "page2":
			fmt.Fprint(w, `{"data": [{"day": "2026-08-03"}], "next_token": null}`)
		default:
			t.Errorf("Unexpected next_token %q", token)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL+"/token", nil)
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "token"}

	docs, err := client.ListDailyCollection(context.Background(), creds, "daily_sleep", "2026-08-01", "2026-08-03")
	if err != nil {
		t.Fatalf("Failed to list collection: %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("Expected 3 documents across pages, got %d", len(docs))
	}
	if len(pages) != 2 {
		t.Errorf("Expected 2 page fetches, got %d", len(pages))
	}
}

func TestListDailyCollectionEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": [], "next_token": null}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL+"/token", nil)
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "token"}

	docs, err := client.ListDailyCollection(context.Background(), creds, "daily_activity", "2026-08-01", "2026-08-01")
	if err != nil {
		t.Fatalf("Failed to list collection: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("Expected no documents, got %d", len(docs))
	}
}

func TestFetchOneNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL+"/token", nil)
	creds := &Credentials{InstallationID: "inst-1", AccessToken: "token"}

	_, err := client.FetchOne(context.Background(), creds, "daily_sleep", "missing-doc")
	if !IsNotFound(err) {
		t.Fatalf("Expected not-found error, got %v", err)
	}
}

func TestSubscriptionRequestsUseAppCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-client-id") != "client-id" || r.Header.Get("x-client-secret") != "client-secret" {
			t.Error("Expected app credential headers")
		}

		switch {
		case r.Method == http.MethodGet:
			fmt.Fprint(w, `[{"id": "sub-1", "event_type": "create", "data_type": "daily_sleep",
				"callback_url": "https://example.com/cb", "expiration_time": "2026-09-08T00:00:00+00:00"}]`)
		case r.Method == http.MethodPost:
			var req subscriptionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("Failed to decode request: %v", err)
			}
			if req.VerificationToken != "verify-me" {
				t.Errorf("Expected verification token, got %q", req.VerificationToken)
			}
			fmt.Fprintf(w, `{"id": "sub-2", "event_type": %q, "data_type": %q, "callback_url": %q}`,
				req.EventType, req.DataType, req.CallbackURL)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL+"/token", nil)
	ctx := context.Background()

	subs, err := client.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("Failed to list subscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "sub-1" {
		t.Errorf("Unexpected subscriptions: %+v", subs)
	}
	if subs[0].ExpiresAt().IsZero() {
		t.Error("Expected parsed expiration time")
	}

	created, err := client.CreateSubscription(ctx, "update", "daily_readiness", "https://example.com/cb", "verify-me")
	if err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}
	if created.ID != "sub-2" || created.EventType != "update" {
		t.Errorf("Unexpected created subscription: %+v", created)
	}
	if !created.ExpiresAt().IsZero() {
		t.Error("Expected zero expiry when provider sends none")
	}

	if err := client.DeleteSubscription(ctx, "sub-2"); err != nil {
		t.Fatalf("Failed to delete subscription: %v", err)
	}
}
