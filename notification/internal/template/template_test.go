package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
)

func TestFor(t *testing.T) {
	tests := []struct {
		typ  envelope.Type
		want Name
	}{
		{envelope.TypeSubscriptionCreated, Welcome},
		{envelope.TypePaymentFailed, PaymentFailed},
		{envelope.TypePaymentRecovered, PaymentRecovered},
		{envelope.TypeSubscriptionCancelled, Goodbye},
	}
	for _, tt := range tests {
		got, err := For(tt.typ)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := For("subscription.paused")
	require.Error(t, err)
	assert.Equal(t, failure.KindPayload, failure.KindOf(err))
}

func TestRenderer_RendersEveryTemplate(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	for _, name := range Names {
		t.Run(string(name), func(t *testing.T) {
			out, err := r.Render(name, Data{Name: "Ada", TenantRef: "t-42", Amount: "49.00 USD", InvoiceID: "in_1"})
			require.NoError(t, err)
			assert.Equal(t, name, out.Template)
			assert.NotEmpty(t, out.Subject)
			assert.NotContains(t, out.Subject, "\n")
			assert.Contains(t, out.Body, "Hi Ada,")
			assert.Contains(t, out.Body, "t-42")
		})
	}
}

func TestRenderer_Welcome(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render(Welcome, Data{TenantRef: "t-42", Plan: "pro", Seats: 5})
	require.NoError(t, err)
	assert.Equal(t, "Welcome to your new workspace", out.Subject)
	assert.Contains(t, out.Body, "Hi there,")
	assert.Contains(t, out.Body, "Your pro subscription is confirmed for 5 seats.")
}

func TestRenderer_UnknownTemplate(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	_, err = r.Render("invoice", Data{})
	assert.Equal(t, failure.KindPayload, failure.KindOf(err))
}

func TestDataFor(t *testing.T) {
	next := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	env, err := envelope.New("evt-1", envelope.TypePaymentFailed, "t-42", time.Now(),
		envelope.PaymentFailed{InvoiceID: "in_9", AmountDue: 4950, Currency: "eur", NextAttemptAt: &next})
	require.NoError(t, err)

	d, err := DataFor(env)
	require.NoError(t, err)
	assert.Equal(t, "in_9", d.InvoiceID)
	assert.Equal(t, "49.50 EUR", d.Amount)
	assert.Equal(t, "March 5, 2024", d.NextAttempt)
	assert.Equal(t, "evt-1", d.EventID)

	env, err = envelope.New("evt-2", envelope.TypeSubscriptionCancelled, "t-42", time.Now(),
		envelope.SubscriptionCancelled{Reason: "payment_failed"})
	require.NoError(t, err)
	d, err = DataFor(env)
	require.NoError(t, err)
	assert.Equal(t, "payment failed", d.Reason)
	assert.Empty(t, d.EffectiveAt)

	env.Payload = []byte(`{"reason": 12}`)
	_, err = DataFor(env)
	assert.Equal(t, failure.KindPayload, failure.KindOf(err))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.05 USD", FormatAmount(5, "usd"))
	assert.Equal(t, "1200.00 JPY", FormatAmount(120000, "jpy"))
	assert.Equal(t, "-3.10 GBP", FormatAmount(-310, "gbp"))
}
