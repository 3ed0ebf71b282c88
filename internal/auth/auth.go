// Package auth maps inbound bearer tokens to installations.
//
// Tokens are opaque high-entropy random values; only their SHA-256 hash is
// stored, so a database leak never exposes usable credentials.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"oura-sync/internal/database"
)

// ErrUnauthorized is returned for any authentication failure. The same error
// is used for malformed headers and unknown tokens so responses never reveal
// which case occurred.
var ErrUnauthorized = errors.New("unauthorized")

// NewToken generates a bearer token for a new installation. The plaintext is
// returned to the caller exactly once and never stored.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HashToken returns the stored lookup key for a bearer token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticator validates bearer tokens against the installation store
type Authenticator struct {
	db *database.DB
}

// NewAuthenticator creates an Authenticator backed by the given store
func NewAuthenticator(db *database.DB) *Authenticator {
	return &Authenticator{db: db}
}

// Authenticate resolves the installation behind a request's bearer token and
// touches its last-seen timestamp. Any failure yields ErrUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (*database.Installation, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrUnauthorized
	}

	inst, err := a.db.GetInstallationByTokenHash(HashToken(token))
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrUnauthorized
	}

	if err := a.db.TouchInstallationSeen(inst.ID); err != nil {
		return nil, err
	}
	return inst, nil
}
