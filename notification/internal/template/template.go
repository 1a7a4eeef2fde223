// Package template selects and renders the notification sent for each
// billing event.
package template

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
)

// Name identifies a notification template.
type Name string

const (
	Welcome          Name = "welcome"
	PaymentFailed    Name = "payment-failed"
	PaymentRecovered Name = "payment-recovered"
	Goodbye          Name = "goodbye"
)

// Names lists every template.
var Names = []Name{Welcome, PaymentFailed, PaymentRecovered, Goodbye}

// For returns the template for an event type.
func For(t envelope.Type) (Name, error) {
	switch t {
	case envelope.TypeSubscriptionCreated:
		return Welcome, nil
	case envelope.TypePaymentFailed:
		return PaymentFailed, nil
	case envelope.TypePaymentRecovered:
		return PaymentRecovered, nil
	case envelope.TypeSubscriptionCancelled:
		return Goodbye, nil
	default:
		return "", failure.Payloadf("no notification template for event type %q", t)
	}
}

// Data is what templates render.
type Data struct {
	Name      string
	Email     string
	TenantRef string
	EventID   string

	Plan  string
	Seats int

	InvoiceID   string
	Amount      string
	NextAttempt string

	Reason      string
	EffectiveAt string
}

// Rendered is a rendered notification.
type Rendered struct {
	Template Name
	Subject  string
	Body     string
}

//go:embed templates/*.tmpl
var files embed.FS

// Renderer renders the embedded templates.
type Renderer struct {
	templates map[Name]*template.Template
}

// NewRenderer parses every template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[Name]*template.Template, len(Names))}
	for _, name := range Names {
		t, err := template.New(string(name)).Option("missingkey=error").ParseFS(files, "templates/"+string(name)+".tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = t
	}
	return r, nil
}

// Render renders name with data. Template errors are payload errors.
func (r *Renderer) Render(name Name, data Data) (Rendered, error) {
	t, ok := r.templates[name]
	if !ok {
		return Rendered{}, failure.Payloadf("unknown template %q", name)
	}
	if data.Name == "" {
		data.Name = "there"
	}

	var subject, body bytes.Buffer
	if err := t.ExecuteTemplate(&subject, "subject", data); err != nil {
		return Rendered{}, failure.Payload(fmt.Errorf("render %s subject: %w", name, err))
	}
	if err := t.ExecuteTemplate(&body, "body", data); err != nil {
		return Rendered{}, failure.Payload(fmt.Errorf("render %s body: %w", name, err))
	}
	return Rendered{
		Template: name,
		Subject:  strings.TrimSpace(subject.String()),
		Body:     strings.TrimLeft(body.String(), "\n"),
	}, nil
}

// DataFor fills the event-specific fields of Data from the envelope payload.
func DataFor(env *envelope.Envelope) (Data, error) {
	d := Data{TenantRef: env.TenantRef, EventID: env.EventID}

	switch env.EventType {
	case envelope.TypeSubscriptionCreated:
		var p envelope.SubscriptionCreated
		if err := envelope.DecodePayload(env, &p); err != nil {
			return Data{}, err
		}
		d.Plan, d.Seats, d.Email = p.Plan, p.Seats, p.CustomerEmail
	case envelope.TypePaymentFailed:
		var p envelope.PaymentFailed
		if err := envelope.DecodePayload(env, &p); err != nil {
			return Data{}, err
		}
		d.InvoiceID = p.InvoiceID
		d.Amount = FormatAmount(p.AmountDue, p.Currency)
		d.NextAttempt = formatDate(p.NextAttemptAt)
	case envelope.TypePaymentRecovered:
		var p envelope.PaymentRecovered
		if err := envelope.DecodePayload(env, &p); err != nil {
			return Data{}, err
		}
		d.InvoiceID = p.InvoiceID
		d.Amount = FormatAmount(p.AmountPaid, p.Currency)
	case envelope.TypeSubscriptionCancelled:
		var p envelope.SubscriptionCancelled
		if err := envelope.DecodePayload(env, &p); err != nil {
			return Data{}, err
		}
		d.Reason = strings.ReplaceAll(p.Reason, "_", " ")
		d.EffectiveAt = formatDate(p.EffectiveAt)
	default:
		return Data{}, failure.Payloadf("no notification data for event type %q", env.EventType)
	}
	return d, nil
}

// FormatAmount renders minor currency units, e.g. 4900 usd as "49.00 USD".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("January 2, 2006")
}
