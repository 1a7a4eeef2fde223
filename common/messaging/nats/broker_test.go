package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
)

func TestConnectWithin_UnreachableIsConfigFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond

	start := time.Now()
	conn, err := ConnectWithin(context.Background(), cfg, time.Second, logging.Discard())

	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, failure.KindConfig, failure.KindOf(err))
	assert.Contains(t, err.Error(), "nats not reachable at nats://127.0.0.1:1")
	assert.Less(t, time.Since(start), 10*time.Second)
}

// startNATS runs a JetStream-enabled server in a container.
func startNATS(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	return url
}

func newTestBroker(t *testing.T, url string) *Broker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = url

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := ConnectWithin(ctx, cfg, 10*time.Second, logging.Discard())
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.AckWait = 5 * time.Second
	opts.RetryCeiling = 3
	opts.Backoff = []time.Duration{100 * time.Millisecond}
	opts.ResubscribeTimeout = 20 * time.Second

	b, err := NewBroker(ctx, conn, opts, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testEnvelope(t *testing.T, id string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(id, envelope.TypeSubscriptionCreated, "t-42", time.Now(), envelope.SubscriptionCreated{Plan: "pro"})
	require.NoError(t, err)
	return env
}

func next(t *testing.T, sub messaging.Subscription) *messaging.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	d, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, d.DecodeErr)
	return d
}

func TestBroker_Integration(t *testing.T) {
	b := newTestBroker(t, startNATS(t))
	ctx := context.Background()
	queue := messaging.QueueProvisioning

	t.Run("publish deduplicates on event id", func(t *testing.T) {
		env := testEnvelope(t, "evt-dup")
		first, err := b.Publish(ctx, messaging.QueueNotification, env)
		require.NoError(t, err)
		assert.False(t, first.Duplicate)

		second, err := b.Publish(ctx, messaging.QueueNotification, env)
		require.NoError(t, err)
		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Sequence, second.Sequence)
	})

	t.Run("nack redelivers then dead letter is listed", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, queue, 2)
		require.NoError(t, err)
		defer sub.Stop()

		_, err = b.Publish(ctx, queue, testEnvelope(t, "evt-1"))
		require.NoError(t, err)

		d := next(t, sub)
		assert.Equal(t, "evt-1", d.Envelope.EventID)
		assert.Equal(t, 0, d.Attempt)
		require.NoError(t, d.Nack(ctx, true))

		d = next(t, sub)
		assert.Equal(t, "evt-1", d.Envelope.EventID)
		assert.Equal(t, 1, d.Attempt)
		assert.Equal(t, 1, d.Envelope.Attempt)
		require.NoError(t, d.DeadLetter(ctx, "permanent_business_rule", errors.New("tenant is deprovisioned")))
		assert.ErrorIs(t, d.Ack(ctx), messaging.ErrSettled)

		dead, err := b.ListDeadLetters(ctx, queue, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, messaging.DeadLetterSubject(queue), dead[0].Subject)
		rec := dead[0].Record
		assert.Equal(t, queue, rec.Queue)
		assert.Equal(t, "permanent_business_rule", rec.Reason)
		assert.Equal(t, "tenant is deprovisioned", rec.Error)
		assert.Equal(t, 2, rec.Attempts)
		require.NotNil(t, rec.Envelope)
		assert.Equal(t, "evt-1", rec.Envelope.EventID)

		stats, err := b.DeadLetterStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stats.Messages)

		require.NoError(t, b.DeleteDeadLetter(ctx, dead[0].Sequence))
		dead, err = b.ListDeadLetters(ctx, queue, 10)
		require.NoError(t, err)
		assert.Empty(t, dead)
	})

	t.Run("purge removes only the named queue", func(t *testing.T) {
		for _, q := range []string{queue, messaging.QueueNotification} {
			require.NoError(t, b.deadLetter(ctx, messaging.DeadLetterRecord{
				Queue:          q,
				Envelope:       testEnvelope(t, "evt-purge-"+q),
				Reason:         "retry_ceiling",
				Attempts:       4,
				DeadLetteredAt: time.Now().UTC(),
			}, nil))
		}

		require.NoError(t, b.PurgeDeadLetters(ctx, queue))
		dead, err := b.ListDeadLetters(ctx, queue, 10)
		require.NoError(t, err)
		assert.Empty(t, dead)

		dead, err = b.ListDeadLetters(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, messaging.QueueNotification, dead[0].Record.Queue)

		require.NoError(t, b.PurgeDeadLetters(ctx, ""))
		dead, err = b.ListDeadLetters(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, dead)
	})

	t.Run("subscription rebinds after its consumer is deleted", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, queue, 1)
		require.NoError(t, err)
		defer sub.Stop()

		require.NoError(t, b.js.DeleteConsumer(ctx, StreamName(queue), DurableName(queue)))

		_, err = b.Publish(ctx, queue, testEnvelope(t, "evt-after-delete"))
		require.NoError(t, err)

		d := next(t, sub)
		assert.Equal(t, "evt-after-delete", d.Envelope.EventID)
		require.NoError(t, d.Ack(ctx))
	})
}
