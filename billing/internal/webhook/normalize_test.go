package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
)

func TestNormalize_TypeMapping(t *testing.T) {
	tests := []struct {
		name string
		n    Notification
		want []envelope.Type
	}{
		{
			name: "subscription created",
			n:    Notification{ID: "evt_1", Type: ProviderSubscriptionCreated, Data: Data{TenantRef: "t-1", Plan: "pro"}},
			want: []envelope.Type{envelope.TypeSubscriptionCreated},
		},
		{
			name: "subscription deleted",
			n:    Notification{ID: "evt_2", Type: ProviderSubscriptionDeleted, Data: Data{TenantRef: "t-1"}},
			want: []envelope.Type{envelope.TypeSubscriptionCancelled},
		},
		{
			name: "payment failed",
			n:    Notification{ID: "evt_3", Type: ProviderPaymentFailed, Data: Data{TenantRef: "t-1"}},
			want: []envelope.Type{envelope.TypePaymentFailed},
		},
		{
			name: "final payment failure cancels",
			n:    Notification{ID: "evt_4", Type: ProviderPaymentFailed, Data: Data{TenantRef: "t-1", FinalAttempt: true}},
			want: []envelope.Type{envelope.TypePaymentFailed, envelope.TypeSubscriptionCancelled},
		},
		{
			name: "payment succeeded after failure",
			n:    Notification{ID: "evt_5", Type: ProviderPaymentSucceeded, Data: Data{TenantRef: "t-1", PreviouslyFailed: true}},
			want: []envelope.Type{envelope.TypePaymentRecovered},
		},
		{
			name: "routine payment ignored",
			n:    Notification{ID: "evt_6", Type: ProviderPaymentSucceeded, Data: Data{TenantRef: "t-1"}},
		},
		{
			name: "status moves to past_due",
			n:    Notification{ID: "evt_7", Type: ProviderSubscriptionUpdated, Data: Data{TenantRef: "t-1", Status: "past_due", PreviousStatus: "active"}},
			want: []envelope.Type{envelope.TypePaymentFailed},
		},
		{
			name: "status recovers to active",
			n:    Notification{ID: "evt_8", Type: ProviderSubscriptionUpdated, Data: Data{TenantRef: "t-1", Status: "active", PreviousStatus: "past_due"}},
			want: []envelope.Type{envelope.TypePaymentRecovered},
		},
		{
			name: "plan change ignored",
			n:    Notification{ID: "evt_9", Type: ProviderSubscriptionUpdated, Data: Data{TenantRef: "t-1", Status: "active", PreviousStatus: "active"}},
		},
		{
			name: "unknown type ignored",
			n:    Notification{ID: "evt_10", Type: "charge.refunded", Data: Data{TenantRef: "t-1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs, err := Normalize(tt.n)
			require.NoError(t, err)

			var got []envelope.Type
			for _, env := range envs {
				got = append(got, env.EventType)
				assert.Equal(t, "t-1", env.TenantRef)
				assert.Equal(t, envelope.NewEventID(Source, tt.n.ID, env.EventType), env.EventID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_StableEventIDs(t *testing.T) {
	n := Notification{ID: "evt_1", Type: ProviderSubscriptionCreated, Created: 1700000000, Data: Data{TenantRef: "t-1", Plan: "pro"}}

	first, err := Normalize(n)
	require.NoError(t, err)
	second, err := Normalize(n)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].EventID, second[0].EventID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), first[0].OccurredAt)
}

func TestNormalize_Payloads(t *testing.T) {
	envs, err := Normalize(Notification{
		ID:   "evt_1",
		Type: ProviderPaymentFailed,
		Data: Data{
			TenantRef:     "t-1",
			InvoiceID:     "in_1",
			AmountDue:     4900,
			Currency:      "usd",
			NextAttemptAt: 1700003600,
			FinalAttempt:  true,
		},
	})
	require.NoError(t, err)
	require.Len(t, envs, 2)

	var failed envelope.PaymentFailed
	require.NoError(t, envelope.DecodePayload(envs[0], &failed))
	assert.Equal(t, "in_1", failed.InvoiceID)
	assert.Equal(t, int64(4900), failed.AmountDue)
	require.NotNil(t, failed.NextAttemptAt)
	assert.Equal(t, time.Unix(1700003600, 0).UTC(), *failed.NextAttemptAt)

	var cancelled envelope.SubscriptionCancelled
	require.NoError(t, envelope.DecodePayload(envs[1], &cancelled))
	assert.Equal(t, "payment_failed", cancelled.Reason)
	assert.Nil(t, cancelled.EffectiveAt)
}

func TestNormalize_Rejects(t *testing.T) {
	_, err := Normalize(Notification{Type: ProviderSubscriptionCreated, Data: Data{TenantRef: "t-1"}})
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Equal(t, failure.KindPayload, failure.KindOf(err))

	_, err = Normalize(Notification{ID: "evt_1", Type: ProviderSubscriptionCreated})
	assert.ErrorIs(t, err, ErrMissingTenant)
	assert.True(t, failure.IsPermanent(err))
}

func TestNormalize_IgnoredTypeNeedsNoTenant(t *testing.T) {
	envs, err := Normalize(Notification{ID: "evt_1", Type: "charge.refunded"})
	require.NoError(t, err)
	assert.Nil(t, envs)
}

func TestDecode(t *testing.T) {
	n, err := Decode([]byte(`{"id":"evt_1","type":"customer.subscription.created","created":1,"data":{"tenant_ref":"t-1","plan":"pro","seats":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", n.ID)
	assert.Equal(t, 3, n.Data.Seats)

	_, err = Decode([]byte(`{"id":`))
	require.Error(t, err)
	assert.Equal(t, failure.KindPayload, failure.KindOf(err))
}
