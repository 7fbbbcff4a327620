// Package webhook delivers run and step events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/oarkflow/json"
	"github.com/oarkflow/log"

	"github.com/oarkflow/sqlflow/pkg/events"
)

type Notifier struct {
	config Config
	client *http.Client
	logger *log.Logger
}

func New(cfg Config, logger *log.Logger) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &log.DefaultLogger
	}
	return &Notifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.timeout()},
		logger: logger,
	}, nil
}

// Subscribe attaches the notifier to bus for its configured event types.
func (n *Notifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(n.Handle, n.config.types()...)
}

// Handle posts the event as JSON. Non-2xx responses are errors.
func (n *Notifier) Handle(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sqlflow-Event", string(e.Type))
	if n.config.Secret != "" {
		req.Header.Set("X-Hub-Signature", "sha256="+computeHmac(body, n.config.Secret))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", n.config.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: unexpected status %d", n.config.URL, resp.StatusCode)
	}
	n.logger.Debug().Str("url", n.config.URL).Str("event", string(e.Type)).Msg("webhook delivered")
	return nil
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	expected := "sha256=" + computeHmac(body, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func computeHmac(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
