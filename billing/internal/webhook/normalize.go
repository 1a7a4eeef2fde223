// Package webhook accepts payment-provider notifications, verifies them and
// turns them into pipeline envelopes.
package webhook

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
)

// Source namespaces event IDs derived from provider notifications.
const Source = "payments"

// Provider notification types.
const (
	ProviderSubscriptionCreated = "customer.subscription.created"
	ProviderSubscriptionUpdated = "customer.subscription.updated"
	ProviderSubscriptionDeleted = "customer.subscription.deleted"
	ProviderPaymentFailed       = "invoice.payment_failed"
	ProviderPaymentSucceeded    = "invoice.payment_succeeded"
)

// Provider subscription statuses.
const (
	statusActive  = "active"
	statusPastDue = "past_due"
)

// Notification is the provider's webhook body.
type Notification struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    Data   `json:"data"`
}

// Data carries the fields of every supported notification type.
type Data struct {
	TenantRef string `json:"tenant_ref"`

	Plan          string `json:"plan,omitempty"`
	Seats         int    `json:"seats,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`

	Status         string `json:"status,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	CancelReason   string `json:"cancel_reason,omitempty"`
	CanceledAt     int64  `json:"canceled_at,omitempty"`

	InvoiceID        string `json:"invoice_id,omitempty"`
	AmountDue        int64  `json:"amount_due,omitempty"`
	AmountPaid       int64  `json:"amount_paid,omitempty"`
	Currency         string `json:"currency,omitempty"`
	NextAttemptAt    int64  `json:"next_payment_attempt,omitempty"`
	FinalAttempt     bool   `json:"final_attempt,omitempty"`
	PreviouslyFailed bool   `json:"previously_failed,omitempty"`
}

var (
	ErrMissingID     = errors.New("notification id is required")
	ErrMissingTenant = errors.New("data.tenant_ref is required")
)

// Normalize maps a provider notification to zero or more envelopes. A nil
// result with a nil error means the notification type is not relevant to
// the pipeline.
func Normalize(n Notification) ([]*envelope.Envelope, error) {
	if n.ID == "" {
		return nil, failure.Payload(ErrMissingID)
	}

	types := mapTypes(n)
	if len(types) == 0 {
		return nil, nil
	}
	if n.Data.TenantRef == "" {
		return nil, failure.Payload(ErrMissingTenant)
	}

	occurredAt := time.Now().UTC()
	if n.Created > 0 {
		occurredAt = time.Unix(n.Created, 0).UTC()
	}

	out := make([]*envelope.Envelope, 0, len(types))
	for _, t := range types {
		env, err := envelope.New(
			envelope.NewEventID(Source, n.ID, t),
			t,
			n.Data.TenantRef,
			occurredAt,
			payloadFor(t, n.Data),
		)
		if err != nil {
			return nil, failure.Payload(err)
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func mapTypes(n Notification) []envelope.Type {
	d := n.Data
	switch n.Type {
	case ProviderSubscriptionCreated:
		return []envelope.Type{envelope.TypeSubscriptionCreated}
	case ProviderSubscriptionDeleted:
		return []envelope.Type{envelope.TypeSubscriptionCancelled}
	case ProviderPaymentFailed:
		if d.FinalAttempt {
			return []envelope.Type{envelope.TypePaymentFailed, envelope.TypeSubscriptionCancelled}
		}
		return []envelope.Type{envelope.TypePaymentFailed}
	case ProviderPaymentSucceeded:
		if d.PreviouslyFailed {
			return []envelope.Type{envelope.TypePaymentRecovered}
		}
	case ProviderSubscriptionUpdated:
		switch {
		case d.Status == statusPastDue && d.PreviousStatus != statusPastDue:
			return []envelope.Type{envelope.TypePaymentFailed}
		case d.Status == statusActive && d.PreviousStatus == statusPastDue:
			return []envelope.Type{envelope.TypePaymentRecovered}
		}
	}
	return nil
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func payloadFor(t envelope.Type, d Data) any {
	switch t {
	case envelope.TypeSubscriptionCreated:
		return envelope.SubscriptionCreated{
			Plan:          d.Plan,
			Seats:         d.Seats,
			CustomerEmail: d.CustomerEmail,
		}
	case envelope.TypeSubscriptionCancelled:
		reason := d.CancelReason
		if reason == "" && d.FinalAttempt {
			reason = "payment_failed"
		}
		return envelope.SubscriptionCancelled{
			Reason:      reason,
			EffectiveAt: unixPtr(d.CanceledAt),
		}
	case envelope.TypePaymentFailed:
		return envelope.PaymentFailed{
			InvoiceID:     d.InvoiceID,
			AmountDue:     d.AmountDue,
			Currency:      d.Currency,
			NextAttemptAt: unixPtr(d.NextAttemptAt),
		}
	case envelope.TypePaymentRecovered:
		return envelope.PaymentRecovered{
			InvoiceID:  d.InvoiceID,
			AmountPaid: d.AmountPaid,
			Currency:   d.Currency,
		}
	}
	return nil
}

// Decode parses a webhook body. Malformed JSON is a payload error.
func Decode(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, failure.Payload(err)
	}
	return n, nil
}
