// Package secrets contains the primitives for token encryption at rest and
// webhook signature verification.
package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyLen is the required length of the pre-shared encryption key
const KeyLen = chacha20poly1305.KeySize

var (
	// ErrInvalidKeyLength indicates the configured key is not 32 bytes
	ErrInvalidKeyLength = errors.New("encryption key must be 32 bytes")
	// ErrDecryptFailed indicates a malformed envelope or a wrong key
	ErrDecryptFailed = errors.New("failed to decrypt secret")
)

// Envelope is the decoded form of an encrypted secret. The wire format is
// base64(nonce) + ":" + base64(ciphertext) so decryption is self-contained.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
}

// String encodes the envelope into its stored wire format
func (e Envelope) String() string {
	return base64.StdEncoding.EncodeToString(e.Nonce) + ":" + base64.StdEncoding.EncodeToString(e.Ciphertext)
}

// ParseEnvelope decodes a stored envelope string
func ParseEnvelope(s string) (Envelope, error) {
	nonceStr, ctStr, ok := strings.Cut(s, ":")
	if !ok {
		return Envelope{}, ErrDecryptFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceStr)
	if err != nil {
		return Envelope{}, ErrDecryptFailed
	}
	ct, err := base64.StdEncoding.DecodeString(ctStr)
	if err != nil {
		return Envelope{}, ErrDecryptFailed
	}
	return Envelope{Nonce: nonce, Ciphertext: ct}, nil
}

// Codec encrypts and decrypts secrets with a 32-byte pre-shared key
type Codec struct {
	key []byte
}

// NewCodec creates a Codec. A key of the wrong length is a fatal
// configuration error.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidKeyLength, len(key))
	}
	return &Codec{key: key}, nil
}

// Encrypt seals a secret with a fresh random nonce and returns the
// encoded envelope
func (c *Codec) Encrypt(secret string) (string, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(secret), nil)
	return Envelope{Nonce: nonce, Ciphertext: ct}.String(), nil
}

// Decrypt opens a stored envelope and returns the plaintext secret
func (c *Codec) Decrypt(envelope string) (string, error) {
	env, err := ParseEnvelope(envelope)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return "", err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return "", ErrDecryptFailed
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Sign computes the webhook signature: an uppercase hex HMAC-SHA256 over the
// timestamp header concatenated with the raw request body
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks an inbound webhook signature against the expected HMAC.
// The comparison is case-sensitive: Oura sends uppercase hex.
func Verify(signature, secret, timestamp string, body []byte) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}
