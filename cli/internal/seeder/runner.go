// Package seeder generates synthetic billing traffic for development and
// load testing.
package seeder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/signature"
)

// Sink delivers seeded events.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// EnvelopePublisher is satisfied by the billing publisher.
type EnvelopePublisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// PublisherFunc adapts a function to EnvelopePublisher.
type PublisherFunc func(ctx context.Context, env *envelope.Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// PublisherSink publishes envelopes straight to the consumer queues.
type PublisherSink struct {
	Publisher EnvelopePublisher
}

func (s PublisherSink) Send(ctx context.Context, e Event) error {
	return s.Publisher.Publish(ctx, e.Envelope)
}

// WebhookSink posts signed provider notifications to the billing service.
type WebhookSink struct {
	URL        string
	Signer     *signature.Signer
	HTTPClient *http.Client
}

func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Signer: signature.NewSigner(secret, signature.DefaultTolerance),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *WebhookSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e.Notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, s.Signer.Sign(time.Now(), body))

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("billing returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// Config controls a seeding run.
type Config struct {
	Tenants int
	Seed    int64

	// Interval is the pause between events.
	Interval time.Duration
	Start    time.Time
}

// Summary reports what a run sent.
type Summary struct {
	Tenants []Tenant `json:"tenants" yaml:"tenants"`
	Sent    int      `json:"sent" yaml:"sent"`
	Failed  int      `json:"failed" yaml:"failed"`
}

// Runner handles the seeding execution.
type Runner struct {
	Config Config
	Sink   Sink

	// Progress, when set, is called after every event.
	Progress func(t Tenant, e Event, err error)
}

func NewRunner(cfg Config, sink Sink) *Runner {
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().Add(-4 * time.Hour)
	}
	return &Runner{Config: cfg, Sink: sink}
}

// Run sends a full lifecycle per tenant. Events of one tenant are sent in
// order; a failed step skips the rest of that tenant's lifecycle.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	gen := NewGenerator(r.Config.Seed)
	var sum Summary

	for i := 0; i < r.Config.Tenants; i++ {
		t := gen.Tenant()
		sum.Tenants = append(sum.Tenants, t)

		events, err := gen.Lifecycle(t, r.Config.Start)
		if err != nil {
			return sum, err
		}
		for j, e := range events {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			err := r.Sink.Send(ctx, e)
			if r.Progress != nil {
				r.Progress(t, e, err)
			}
			if err != nil {
				sum.Failed += len(events) - j
				break
			}
			sum.Sent++

			if r.Config.Interval > 0 {
				select {
				case <-ctx.Done():
					return sum, ctx.Err()
				case <-time.After(r.Config.Interval):
				}
			}
		}
	}
	return sum, nil
}
