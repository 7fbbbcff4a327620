package webhook

import (
	"fmt"
	"net/url"
	"time"

	"github.com/oarkflow/errors"

	"github.com/oarkflow/sqlflow/pkg/events"
)

const DefaultTimeout = 5 * time.Second

// Config describes one notification endpoint.
type Config struct {
	URL string `json:"url" yaml:"url"`
	// Secret signs the payload; the signature is sent as X-Hub-Signature.
	Secret string `json:"secret" yaml:"secret"`
	// Events limits delivery to these event types; empty means all.
	Events  []string `json:"events" yaml:"events"`
	Timeout string   `json:"timeout" yaml:"timeout"`
}

var known = map[events.EventType]bool{
	events.RunStarted:    true,
	events.RunCompleted:  true,
	events.RunFailed:     true,
	events.StepStarted:   true,
	events.StepCompleted: true,
	events.StepFailed:    true,
	events.StepSkipped:   true,
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("webhook url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("webhook url %q must be an http(s) url", c.URL)
	}
	for _, e := range c.Events {
		if !known[events.EventType(e)] {
			return fmt.Errorf("webhook %s: unknown event type %q", c.URL, e)
		}
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("webhook %s timeout: %w", c.URL, err)
		}
	}
	return nil
}

func (c Config) timeout() time.Duration {
	if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
		return d
	}
	return DefaultTimeout
}

func (c Config) types() []events.EventType {
	out := make([]events.EventType, len(c.Events))
	for i, e := range c.Events {
		out[i] = events.EventType(e)
	}
	return out
}
