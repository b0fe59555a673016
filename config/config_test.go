package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
redis:
  address: "redis.internal:6379"
  prefix: "tb:"
stripe:
  apiKey: "sk_test_123"
auth:
  jwtSecret: "file-secret"
  issuer: "tiffinbox"
renewal:
  interval: 30m
  daysThreshold: 5
expirySweepInterval: 2h
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Redis.Address != "redis.internal:6379" || cfg.Redis.Prefix != "tb:" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Stripe.APIKey != "sk_test_123" {
		t.Errorf("Stripe.APIKey = %q", cfg.Stripe.APIKey)
	}
	if cfg.Auth.Issuer != "tiffinbox" {
		t.Errorf("Auth.Issuer = %q", cfg.Auth.Issuer)
	}
	if cfg.Renewal.Interval != 30*time.Minute || cfg.Renewal.DaysThreshold != 5 {
		t.Errorf("Renewal = %+v", cfg.Renewal)
	}
	if cfg.ExpirySweepInterval != 2*time.Hour {
		t.Errorf("ExpirySweepInterval = %v", cfg.ExpirySweepInterval)
	}
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `addr: ":9090"`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Errorf("Redis.Address = %q, want default", cfg.Redis.Address)
	}
	if cfg.Renewal.DaysThreshold != 3 {
		t.Errorf("Renewal.DaysThreshold = %d, want default 3", cfg.Renewal.DaysThreshold)
	}
	if cfg.Notifier.MaxRetries != 3 {
		t.Errorf("Notifier.MaxRetries = %d, want default 3", cfg.Notifier.MaxRetries)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestLoadFromFileInvalidYAML(t *testing.T) {
	path := writeConfig(t, "addr: [unclosed")
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("invalid yaml should error")
	}
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("STRIPE_API_KEY", "sk_env")
	t.Setenv("REDIS_ADDR", "env-redis:6379")

	cfg := FromEnv()
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Stripe.APIKey != "sk_env" {
		t.Errorf("Stripe.APIKey = %q", cfg.Stripe.APIKey)
	}
	if cfg.Redis.Address != "env-redis:6379" {
		t.Errorf("Redis.Address = %q", cfg.Redis.Address)
	}
}

func TestFileValuesBeatEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	path := writeConfig(t, `
auth:
  jwtSecret: "file-secret"
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Auth.JWTSecret != "file-secret" {
		t.Errorf("JWTSecret = %q, file value should win", cfg.Auth.JWTSecret)
	}
}
