package config

import (
	"encoding/base64"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string `env:"HOST" envDefault:"localhost"`
	Port int    `env:"PORT" envDefault:"4102"`

	// Database configuration
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data.db"`

	// Oura API configuration
	OuraClientID     string `env:"OURA_CLIENT_ID,required"`
	OuraClientSecret string `env:"OURA_CLIENT_SECRET,required"`

	// Webhook verification token shared with Oura during subscription setup
	WebhookVerifyToken string `env:"OURA_WEBHOOK_VERIFY_TOKEN,required"`

	// Base64-encoded 32-byte key used to encrypt tokens at rest
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY,required"`

	// Public base URL used to build the webhook callback URL, e.g. https://sync.example.com
	PublicBaseURL string `env:"PUBLIC_BASE_URL,required"`

	// Metrics configuration
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"false"`
	MetricsHost    string `env:"METRICS_HOST" envDefault:"localhost"`
	MetricsPort    int    `env:"METRICS_PORT" envDefault:"9102"`

	// Logging configuration
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	encryptionKey []byte
}

// Load reads configuration from environment variables
// It fails fast if required variables are missing or malformed
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.encryptionKey = key

	return cfg, nil
}

// EncryptionKey returns the decoded 32-byte token encryption key
func (c *Config) EncryptionKey() []byte {
	return c.encryptionKey
}

// SetEncryptionKey sets the decoded key directly. Intended for tests that build
// a Config without going through Load.
func (c *Config) SetEncryptionKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	c.encryptionKey = key
	return nil
}

// WebhookCallbackURL returns the URL Oura delivers webhook events to
func (c *Config) WebhookCallbackURL() string {
	return c.PublicBaseURL + "/webhook-callback"
}
