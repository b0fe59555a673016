// Package config loads the server configuration from a YAML file with
// environment-variable fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tiffinbox/tiffinbox/notify"
	"github.com/tiffinbox/tiffinbox/store"
	"github.com/tiffinbox/tiffinbox/subscription"
)

// StripeConfig holds the payment-provider credentials.
type StripeConfig struct {
	APIKey        string `yaml:"apiKey"`
	WebhookSecret string `yaml:"webhookSecret"`
}

// AuthConfig holds the identity-provider settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
}

// Config is the full server configuration.
type Config struct {
	Addr     string                      `yaml:"addr"`
	Redis    store.RedisConfig           `yaml:"redis"`
	Stripe   StripeConfig                `yaml:"stripe"`
	Notifier notify.HTTPConfig           `yaml:"notifier"`
	Auth     AuthConfig                  `yaml:"auth"`
	Renewal  subscription.ReminderConfig `yaml:"renewal"`
	// ExpirySweepInterval is how often expired delivery records are
	// reclaimed.
	ExpirySweepInterval time.Duration `yaml:"expirySweepInterval"`
}

// Default returns a Config with sensible defaults for local development.
func Default() Config {
	return Config{
		Addr: ":8080",
		Redis: store.RedisConfig{
			Prefix: "tiffinbox:",
		},
		Notifier:            notify.DefaultHTTPConfig(""),
		Renewal:             subscription.DefaultReminderConfig(),
		ExpirySweepInterval: time.Hour,
	}
}

// LoadFromFile loads a configuration from a YAML file, applying defaults
// for unset fields and environment fallbacks for secrets.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return &cfg, nil
}

// FromEnv returns the default configuration with environment fallbacks
// applied, for running without a config file.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return &cfg
}

// applyEnv fills secrets from the environment when the file left them
// empty. File values win so a config file remains self-contained; the
// Redis address falls back to localhost last.
func (c *Config) applyEnv() {
	setIfEmpty(&c.Stripe.APIKey, "STRIPE_API_KEY")
	setIfEmpty(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setIfEmpty(&c.Auth.JWTSecret, "JWT_SECRET")
	setIfEmpty(&c.Notifier.APIKey, "NOTIFIER_API_KEY")
	setIfEmpty(&c.Notifier.Endpoint, "NOTIFIER_ENDPOINT")
	setIfEmpty(&c.Redis.Password, "REDIS_PASSWORD")
	setIfEmpty(&c.Redis.Address, "REDIS_ADDR")
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
}

func setIfEmpty(dst *string, env string) {
	if *dst == "" {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}
