package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// HTTPConfig holds configuration for the HTTP notification provider.
type HTTPConfig struct {
	// Endpoint receives one POSTed JSON Message per notification.
	Endpoint string `yaml:"endpoint"`
	// APIKey, when set, is sent as a bearer token.
	APIKey            string        `yaml:"apiKey"`
	MaxRetries        int           `yaml:"maxRetries"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	JitterFraction    float64       `yaml:"jitterFraction"`
	Timeout           time.Duration `yaml:"timeout"`
}

// DefaultHTTPConfig returns an HTTPConfig with sensible defaults.
func DefaultHTTPConfig(endpoint string) HTTPConfig {
	return HTTPConfig{
		Endpoint:          endpoint,
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		Timeout:           15 * time.Second,
	}
}

// HTTPNotifier implements Notifier by POSTing messages to a provider
// endpoint, retrying transient failures with exponential backoff and
// jitter.
type HTTPNotifier struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPNotifier creates an HTTPNotifier with the given config.
func NewHTTPNotifier(cfg HTTPConfig) *HTTPNotifier {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPNotifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// SetClient sets a custom HTTP client (useful for testing).
func (n *HTTPNotifier) SetClient(client *http.Client) {
	n.client = client
}

// Send posts the message, retrying on network errors and non-2xx responses
// until the retry budget is exhausted.
func (n *HTTPNotifier) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := n.post(ctx, payload); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("notify: send %s to %s: %w", msg.Template, msg.To, lastErr)
}

func (n *HTTPNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.config.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("provider returned status %d", resp.StatusCode)
}

func (n *HTTPNotifier) backoff(attempt int) time.Duration {
	base := float64(n.config.InitialBackoff) * math.Pow(n.config.BackoffMultiplier, float64(attempt-1))
	if base > float64(n.config.MaxBackoff) {
		base = float64(n.config.MaxBackoff)
	}
	if n.config.JitterFraction > 0 {
		jitter := base * n.config.JitterFraction * (cryptoFloat64()*2 - 1)
		base += jitter
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	// Use top 53 bits for a uniform float64 in [0, 1)
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}
