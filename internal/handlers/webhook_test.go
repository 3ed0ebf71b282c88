package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"oura-sync/internal/config"
	"oura-sync/internal/database"
	"oura-sync/internal/secrets"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()

	key := make([]byte, secrets.KeyLen)
	codec, err := secrets.NewCodec(key)
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}
	db, err := database.Open(t.TempDir()+"/test.db", codec)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		OuraClientID:       "client-id",
		OuraClientSecret:   "client-secret",
		WebhookVerifyToken: "verify-me",
		PublicBaseURL:      "https://sync.example.com",
	}
}

func signedEventRequest(t *testing.T, secret string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}

	timestamp := "1756700000"
	r := httptest.NewRequest(http.MethodPost, "/webhook-callback", bytes.NewReader(body))
	r.Header.Set("x-oura-timestamp", timestamp)
	r.Header.Set("x-oura-signature", secrets.Sign(secret, timestamp, body))
	return r
}

func TestWebhookVerification(t *testing.T) {
	handler := NewWebhookHandler(openTestDB(t), testConfig())

	t.Run("ValidToken", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/webhook-callback?verification_token=verify-me&challenge=abc123", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var resp map[string]string
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp["challenge"] != "abc123" {
			t.Errorf("Expected echoed challenge, got %q", resp["challenge"])
		}
	})

	t.Run("BadToken", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/webhook-callback?verification_token=wrong&challenge=abc123", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})

	t.Run("MissingToken", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/webhook-callback?challenge=abc123", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})
}

func TestWebhookEventDelivery(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	handler := NewWebhookHandler(db, cfg)

	inst, err := db.CreateInstallation("hash-webhook")
	if err != nil {
		t.Fatalf("Failed to create installation: %v", err)
	}
	err = db.UpsertConnection(inst.ID, "remote-user-1", "access", "refresh", "daily", time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("Failed to upsert connection: %v", err)
	}

	event := map[string]string{
		"event_type": "update",
		"data_type":  "daily_sleep",
		"object_id":  "doc-1",
		"user_id":    "remote-user-1",
	}

	t.Run("ValidDelivery", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, signedEventRequest(t, cfg.OuraClientSecret, event))

		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
		}

		job, err := db.ClaimWebhookJob()
		if err != nil {
			t.Fatalf("Failed to claim job: %v", err)
		}
		if job == nil {
			t.Fatal("Expected a webhook job to be enqueued")
		}
		if job.InstallationID != inst.ID || job.EventType != "update" || job.ObjectID != "doc-1" {
			t.Errorf("Unexpected job: %+v", job)
		}
		if err := db.DeleteWebhookJob(job.ID); err != nil {
			t.Fatalf("Failed to delete job: %v", err)
		}
	})

	t.Run("BadSignature", func(t *testing.T) {
		r := signedEventRequest(t, "wrong-secret", event)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 for bad signature, got %d", w.Code)
		}

		job, err := db.ClaimWebhookJob()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if job != nil {
			t.Error("Expected no job for rejected delivery")
		}
	})

	t.Run("SignatureCheckedBeforeParsing", func(t *testing.T) {
		// Garbage body with no valid signature never reaches the decoder
		r := httptest.NewRequest(http.MethodPost, "/webhook-callback", bytes.NewReader([]byte("{not json")))
		r.Header.Set("x-oura-timestamp", "1756700000")
		r.Header.Set("x-oura-signature", "BOGUS")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 before parse, got %d", w.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		partial := map[string]string{"event_type": "update", "user_id": "remote-user-1"}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, signedEventRequest(t, cfg.OuraClientSecret, partial))

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for missing fields, got %d", w.Code)
		}
	})

	t.Run("UnknownUserAcknowledged", func(t *testing.T) {
		unknown := map[string]string{
			"event_type": "update",
			"data_type":  "daily_sleep",
			"object_id":  "doc-2",
			"user_id":    "nobody",
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, signedEventRequest(t, cfg.OuraClientSecret, unknown))

		if w.Code != http.StatusAccepted {
			t.Errorf("Expected 202 for unknown user, got %d", w.Code)
		}

		job, err := db.ClaimWebhookJob()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if job != nil {
			t.Error("Expected no job for unknown user")
		}
	})
}
