package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/telhawk-systems/controlplane/common/failure"
)

// WebhookSender posts messages to an HTTP mail relay.
type WebhookSender struct {
	URL    string
	token  string
	client *http.Client
}

// NewWebhook creates a relay sender. token is sent as a bearer token when set.
func NewWebhook(url, token string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		URL:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookSender) Name() string {
	return "webhook"
}

func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	if _, err := ParseRecipient(msg); err != nil {
		return err
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return failure.Payload(fmt.Errorf("marshal relay payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(jsonData))
	if err != nil {
		return failure.Configf("create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "controlplane-notification/1.0")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey())
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return failure.Transient(fmt.Errorf("send to relay: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return failure.Transient(fmt.Errorf("relay returned status %d", resp.StatusCode))
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return failure.BusinessRule(fmt.Errorf("relay rejected message with status %d: %s", resp.StatusCode, bytes.TrimSpace(detail)))
	}
}
