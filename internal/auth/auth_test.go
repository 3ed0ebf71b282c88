package auth

import (
	"net/http/httptest"
	"testing"

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

func TestNewTokenIsUnique(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	b, err := NewToken()
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if a == b {
		t.Error("Expected distinct tokens")
	}
	if len(a) < 40 {
		t.Errorf("Expected high-entropy token, got %d chars", len(a))
	}
}

func TestAuthenticate(t *testing.T) {
	db := openTestDB(t)
	authenticator := NewAuthenticator(db)

	token, err := NewToken()
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	inst, err := db.CreateInstallation(HashToken(token))
	if err != nil {
		t.Fatalf("Failed to create installation: %v", err)
	}

	t.Run("ValidToken", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/status", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		got, err := authenticator.Authenticate(r)
		if err != nil {
			t.Fatalf("Expected successful auth, got %v", err)
		}
		if got.ID != inst.ID {
			t.Errorf("Expected installation %s, got %s", inst.ID, got.ID)
		}

		// Authentication touches last_seen_at
		refreshed, err := db.GetInstallation(inst.ID)
		if err != nil {
			t.Fatalf("Failed to get installation: %v", err)
		}
		if refreshed.LastSeenAt == nil {
			t.Error("Expected last_seen_at to be set")
		}
	})

	t.Run("UnknownToken", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/status", nil)
		r.Header.Set("Authorization", "Bearer not-a-real-token")

		if _, err := authenticator.Authenticate(r); err != ErrUnauthorized {
			t.Errorf("Expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("MissingHeader", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/status", nil)
		if _, err := authenticator.Authenticate(r); err != ErrUnauthorized {
			t.Errorf("Expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("MalformedHeader", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/status", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		if _, err := authenticator.Authenticate(r); err != ErrUnauthorized {
			t.Errorf("Expected ErrUnauthorized, got %v", err)
		}
	})
}
