package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/controlplane/common/failure"
)

// SubscriptionCreated is the payload of subscription.created.
type SubscriptionCreated struct {
	Plan          string `json:"plan"`
	Seats         int    `json:"seats,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// SubscriptionCancelled is the payload of subscription.cancelled.
type SubscriptionCancelled struct {
	Reason      string     `json:"reason,omitempty"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

// PaymentFailed is the payload of payment.failed.
type PaymentFailed struct {
	InvoiceID     string     `json:"invoice_id"`
	AmountDue     int64      `json:"amount_due"`
	Currency      string     `json:"currency"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// PaymentRecovered is the payload of payment.recovered.
type PaymentRecovered struct {
	InvoiceID  string `json:"invoice_id"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
}

// DecodePayload unmarshals the envelope payload into v. An empty payload
// leaves v untouched. Malformed JSON is a permanent payload error.
func DecodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return failure.Payload(fmt.Errorf("decode %s payload for event %s: %w", env.EventType, env.EventID, err))
	}
	return nil
}
