package seeder

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/controlplane/common/envelope"
)

// Source is the event-ID namespace of provider notifications. It matches
// the billing service, so seeding through either path yields the same IDs.
const Source = "payments"

// Provider notification types the seeder emits.
const (
	ProviderSubscriptionCreated = "customer.subscription.created"
	ProviderSubscriptionDeleted = "customer.subscription.deleted"
	ProviderPaymentFailed       = "invoice.payment_failed"
	ProviderPaymentSucceeded    = "invoice.payment_succeeded"
)

var plans = []string{"starter", "team", "business", "enterprise"}

// Tenant is a synthetic customer.
type Tenant struct {
	Ref     string `json:"tenant_ref" yaml:"tenant_ref"`
	Company string `json:"company" yaml:"company"`
	Email   string `json:"email" yaml:"email"`
	Plan    string `json:"plan" yaml:"plan"`
	Seats   int    `json:"seats" yaml:"seats"`
}

// Notification is a provider webhook body.
type Notification struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Created int64          `json:"created"`
	Data    map[string]any `json:"data"`
}

// Event is one lifecycle step in both provider and pipeline form.
type Event struct {
	Notification Notification
	Envelope     *envelope.Envelope
}

// Generator produces synthetic tenants and their billing lifecycles.
type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator returns a generator. A zero seed picks a random one.
func NewGenerator(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

func (g *Generator) Tenant() Tenant {
	company := g.faker.Company()
	slug := strings.ToLower(strings.Join(strings.Fields(company), "-"))
	return Tenant{
		Ref:     fmt.Sprintf("t-%s-%s", slug, g.faker.LetterN(6)),
		Company: company,
		Email:   g.faker.Email(),
		Plan:    plans[g.faker.IntRange(0, len(plans)-1)],
		Seats:   g.faker.IntRange(1, 250),
	}
}

// Lifecycle returns created, payment failed, payment recovered and
// cancelled events for t, an hour apart starting at start.
func (g *Generator) Lifecycle(t Tenant, start time.Time) ([]Event, error) {
	invoice := "in_" + g.faker.LetterN(14)
	amount := int64(t.Seats) * int64(g.faker.IntRange(500, 4900))
	currency := strings.ToLower(g.faker.RandomString([]string{"usd", "eur", "gbp"}))
	at := func(step int) time.Time { return start.Add(time.Duration(step) * time.Hour).UTC() }

	steps := []struct {
		kind    string
		typ     envelope.Type
		data    map[string]any
		payload any
	}{
		{
			ProviderSubscriptionCreated, envelope.TypeSubscriptionCreated,
			map[string]any{"plan": t.Plan, "seats": t.Seats, "customer_email": t.Email},
			envelope.SubscriptionCreated{Plan: t.Plan, Seats: t.Seats, CustomerEmail: t.Email},
		},
		{
			ProviderPaymentFailed, envelope.TypePaymentFailed,
			map[string]any{"invoice_id": invoice, "amount_due": amount, "currency": currency, "next_payment_attempt": at(25).Unix()},
			envelope.PaymentFailed{InvoiceID: invoice, AmountDue: amount, Currency: currency, NextAttemptAt: ptr(at(25))},
		},
		{
			ProviderPaymentSucceeded, envelope.TypePaymentRecovered,
			map[string]any{"invoice_id": invoice, "amount_paid": amount, "currency": currency, "previously_failed": true},
			envelope.PaymentRecovered{InvoiceID: invoice, AmountPaid: amount, Currency: currency},
		},
		{
			ProviderSubscriptionDeleted, envelope.TypeSubscriptionCancelled,
			map[string]any{"cancel_reason": "customer_request", "canceled_at": at(3).Unix()},
			envelope.SubscriptionCancelled{Reason: "customer_request", EffectiveAt: ptr(at(3))},
		},
	}

	events := make([]Event, 0, len(steps))
	for i, s := range steps {
		id := "evt_" + g.faker.LetterN(24)
		s.data["tenant_ref"] = t.Ref

		env, err := envelope.New(envelope.NewEventID(Source, id, s.typ), s.typ, t.Ref, at(i), s.payload)
		if err != nil {
			return nil, err
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
		events = append(events, Event{
			Notification: Notification{ID: id, Type: s.kind, Created: at(i).Unix(), Data: s.data},
			Envelope:     env,
		})
	}
	return events, nil
}

func ptr(t time.Time) *time.Time {
	return &t
}
