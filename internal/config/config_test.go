package config

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func validKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func setTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func requiredEnv() map[string]string {
	return map[string]string{
		"OURA_CLIENT_ID":            "test_client_id",
		"OURA_CLIENT_SECRET":        "test_client_secret",
		"OURA_WEBHOOK_VERIFY_TOKEN": "test_verify_token",
		"TOKEN_ENCRYPTION_KEY":      validKey(),
		"PUBLIC_BASE_URL":           "https://sync.example.com",
	}
}

func TestLoadConfigWithDefaults(t *testing.T) {
	setTestEnv(t, requiredEnv())

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "localhost" {
		t.Errorf("Expected default host 'localhost', got %s", config.Host)
	}
	if config.Port != 4102 {
		t.Errorf("Expected default port 4102, got %d", config.Port)
	}
	if config.DatabasePath != "./data.db" {
		t.Errorf("Expected default database path './data.db', got %s", config.DatabasePath)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", config.LogLevel)
	}
	if config.MetricsEnabled {
		t.Error("Expected metrics disabled by default")
	}

	if config.OuraClientID != "test_client_id" {
		t.Errorf("Expected OURA_CLIENT_ID 'test_client_id', got %s", config.OuraClientID)
	}
	if config.WebhookVerifyToken != "test_verify_token" {
		t.Errorf("Expected verify token 'test_verify_token', got %s", config.WebhookVerifyToken)
	}
	if !bytes.Equal(config.EncryptionKey(), make([]byte, 32)) {
		t.Error("Expected decoded encryption key")
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	env := requiredEnv()
	env["HOST"] = "0.0.0.0"
	env["PORT"] = "8080"
	env["DATABASE_PATH"] = "/tmp/test.db"
	env["LOG_LEVEL"] = "debug"
	env["METRICS_ENABLED"] = "true"
	env["METRICS_PORT"] = "9999"
	setTestEnv(t, env)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "0.0.0.0" {
		t.Errorf("Expected host '0.0.0.0', got %s", config.Host)
	}
	if config.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Port)
	}
	if config.DatabasePath != "/tmp/test.db" {
		t.Errorf("Expected database path '/tmp/test.db', got %s", config.DatabasePath)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %s", config.LogLevel)
	}
	if !config.MetricsEnabled {
		t.Error("Expected metrics enabled")
	}
	if config.MetricsPort != 9999 {
		t.Errorf("Expected metrics port 9999, got %d", config.MetricsPort)
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	env := requiredEnv()
	delete(env, "OURA_CLIENT_SECRET")
	setTestEnv(t, env)

	if _, err := Load(); err == nil {
		t.Error("Expected error when OURA_CLIENT_SECRET is missing")
	}
}

func TestLoadConfigBadEncryptionKey(t *testing.T) {
	t.Run("NotBase64", func(t *testing.T) {
		env := requiredEnv()
		env["TOKEN_ENCRYPTION_KEY"] = "not base64!!!"
		setTestEnv(t, env)

		if _, err := Load(); err == nil {
			t.Error("Expected error for non-base64 key")
		}
	})

	t.Run("WrongLength", func(t *testing.T) {
		env := requiredEnv()
		env["TOKEN_ENCRYPTION_KEY"] = base64.StdEncoding.EncodeToString(make([]byte, 16))
		setTestEnv(t, env)

		if _, err := Load(); err == nil {
			t.Error("Expected error for 16-byte key")
		}
	})
}

func TestWebhookCallbackURL(t *testing.T) {
	setTestEnv(t, requiredEnv())

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	want := "https://sync.example.com/webhook-callback"
	if got := config.WebhookCallbackURL(); got != want {
		t.Errorf("Expected callback URL %s, got %s", want, got)
	}
}
