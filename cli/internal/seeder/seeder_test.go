package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/signature"
)

func TestGenerator_Deterministic(t *testing.T) {
	a, b := NewGenerator(42), NewGenerator(42)
	ta, tb := a.Tenant(), b.Tenant()
	assert.Equal(t, ta, tb)
	assert.NotEmpty(t, ta.Ref)
	assert.Contains(t, ta.Email, "@")
	assert.Contains(t, plans, ta.Plan)
	assert.GreaterOrEqual(t, ta.Seats, 1)
}

func TestGenerator_Lifecycle(t *testing.T) {
	g := NewGenerator(7)
	tn := g.Tenant()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events, err := g.Lifecycle(tn, start)
	require.NoError(t, err)
	require.Len(t, events, 4)

	wantTypes := []envelope.Type{
		envelope.TypeSubscriptionCreated,
		envelope.TypePaymentFailed,
		envelope.TypePaymentRecovered,
		envelope.TypeSubscriptionCancelled,
	}
	seen := map[string]bool{}
	for i, e := range events {
		assert.Equal(t, wantTypes[i], e.Envelope.EventType)
		assert.Equal(t, tn.Ref, e.Envelope.TenantRef)
		assert.Equal(t, tn.Ref, e.Notification.Data["tenant_ref"])
		assert.True(t, start.Add(time.Duration(i)*time.Hour).Equal(e.Envelope.OccurredAt))
		assert.Equal(t, envelope.NewEventID(Source, e.Notification.ID, e.Envelope.EventType), e.Envelope.EventID)
		assert.False(t, seen[e.Envelope.EventID], "event ids are unique")
		seen[e.Envelope.EventID] = true
	}

	var created envelope.SubscriptionCreated
	require.NoError(t, envelope.DecodePayload(events[0].Envelope, &created))
	assert.Equal(t, tn.Email, created.CustomerEmail)
	assert.Equal(t, ProviderPaymentSucceeded, events[2].Notification.Type)
	assert.Equal(t, true, events[2].Notification.Data["previously_failed"])
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	failAt int
}

func (s *recordingSink) Send(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 == s.failAt {
		s.failAt = 0
		return errors.New("broker unavailable")
	}
	s.events = append(s.events, e)
	return nil
}

func TestRunner_Run(t *testing.T) {
	sink := &recordingSink{}
	var progress int
	r := NewRunner(Config{Tenants: 3, Seed: 1}, sink)
	r.Progress = func(Tenant, Event, error) { progress++ }

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.Tenants, 3)
	assert.Equal(t, 12, sum.Sent)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 12, progress)
	assert.Len(t, sink.events, 12)
}

func TestRunner_FailureSkipsRestOfTenant(t *testing.T) {
	sink := &recordingSink{failAt: 2}
	sum, err := NewRunner(Config{Tenants: 2, Seed: 1}, sink).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Sent)
	assert.Equal(t, 3, sum.Failed)
	require.Len(t, sink.events, 5)
	assert.Equal(t, envelope.TypeSubscriptionCreated, sink.events[1].Envelope.EventType, "second tenant starts from created")
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(Config{Tenants: 1}, &recordingSink{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublisherSink(t *testing.T) {
	var got []*envelope.Envelope
	sink := PublisherSink{Publisher: PublisherFunc(func(_ context.Context, env *envelope.Envelope) error {
		got = append(got, env)
		return nil
	})}
	events, err := NewGenerator(3).Lifecycle(Tenant{Ref: "t-1", Plan: "team", Seats: 2}, time.Now())
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), events[0]))
	require.Len(t, got, 1)
	assert.Equal(t, events[0].Envelope, got[0])
}

func TestWebhookSink_Signed(t *testing.T) {
	signer := signature.NewSigner("whsec_test", signature.DefaultTolerance)
	var received Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := signer.Verify(r.Header.Get(signature.Header), body, time.Now()); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	events, err := NewGenerator(5).Lifecycle(Tenant{Ref: "t-9", Plan: "team", Seats: 2, Email: "a@b.example"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, NewWebhookSink(server.URL, "whsec_test").Send(context.Background(), events[0]))
	assert.Equal(t, ProviderSubscriptionCreated, received.Type)
	assert.Equal(t, "t-9", received.Data["tenant_ref"])

	err = NewWebhookSink(server.URL, "wrong-secret").Send(context.Background(), events[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
