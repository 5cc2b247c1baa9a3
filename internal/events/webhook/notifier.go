// Package webhook delivers ledger events to an HTTP endpoint, signed with a
// shared secret so the receiver can authenticate them.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/models/events"
)

const (
	HeaderEvent     = "X-Karma-Event"
	HeaderSignature = "X-Karma-Signature"
	HeaderDelivery  = "X-Karma-Delivery"
)

// Config points the notifier at a receiver. Leaving URL or Secret empty
// disables delivery.
type Config struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) Enabled() bool { return c.URL != "" && c.Secret != "" }

type Notifier struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Notifier{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Notify posts the envelope once. A non-2xx response is an error; the caller
// decides whether that matters.
func (n *Notifier) Notify(ctx context.Context, env events.Envelope) error {
	if !n.cfg.Enabled() {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", env.Type, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, env.Type)
	req.Header.Set(HeaderDelivery, env.ID)
	req.Header.Set(HeaderSignature, Sign(n.cfg.Secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s event: %w", env.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver %s event: receiver returned %d", env.Type, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

var _ interfaces.Notifier = (*Notifier)(nil)
