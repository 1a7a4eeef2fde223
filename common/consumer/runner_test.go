package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/ledger"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
	"github.com/telhawk-systems/controlplane/common/messaging/memory"
)

const (
	testConsumer = "provisioning"
	testQueue    = messaging.QueueProvisioning
)

type results struct {
	mu  sync.Mutex
	all []Result
}

func (r *results) hook(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, res)
}

func (r *results) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.all))
	for i, res := range r.all {
		out[i] = res.Outcome
	}
	return out
}

type harness struct {
	broker  *memory.Broker
	ledger  *ledger.MemoryLedger
	runner  *Runner
	results *results
}

func newHarness(t *testing.T, cfg Config, h Handler) *harness {
	t.Helper()
	hs := &harness{
		broker:  memory.New(),
		ledger:  ledger.NewMemory(),
		results: &results{},
	}
	r, err := New(cfg, hs.broker, hs.ledger, h, logging.Discard(), hs.results.hook)
	require.NoError(t, err)
	hs.runner = r
	return hs
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.runner.Start(context.Background()))
	t.Cleanup(func() { _ = h.runner.Stop(context.Background()) })
}

func (h *harness) publish(t *testing.T, id, tenant string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(id, envelope.TypeSubscriptionCreated, tenant, time.Now(), envelope.SubscriptionCreated{Plan: "pro"})
	require.NoError(t, err)
	_, err = h.broker.Publish(context.Background(), testQueue, env)
	require.NoError(t, err)
	return env
}

func (h *harness) waitDrained(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.broker.WaitFor(ctx, testQueue, memory.Drained))
	// Hooks run after settlement; wait for the workers to finish reporting.
	require.Eventually(t, func() bool { return h.runner.inflight.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func testConfig() Config {
	cfg := DefaultConfig(testConsumer, testQueue)
	cfg.Workers = 2
	cfg.HandlerTimeout = time.Second
	cfg.RetryCeiling = 3
	cfg.DrainTimeout = time.Second
	return cfg
}

type countingHandler struct {
	calls atomic.Int32
	fn    func(call int32, env *envelope.Envelope) error
}

func (c *countingHandler) Handle(_ context.Context, env *envelope.Envelope) error {
	n := c.calls.Add(1)
	if c.fn == nil {
		return nil
	}
	return c.fn(n, env)
}

func TestRunner_Success(t *testing.T) {
	h := &countingHandler{}
	hs := newHarness(t, testConfig(), h)
	hs.start(t)

	hs.publish(t, "evt-1", "t-42")
	hs.waitDrained(t)

	assert.Equal(t, int32(1), h.calls.Load())
	entry, err := hs.ledger.Lookup(context.Background(), testConsumer, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ledger.OutcomeSucceeded, entry.Outcome)
	assert.Equal(t, "t-42", entry.TenantRef)
	assert.Equal(t, []Outcome{OutcomeSucceeded}, hs.results.outcomes())
	assert.Equal(t, 1, hs.broker.Stats(testQueue).Acked)
}

func TestRunner_IdempotentReplay(t *testing.T) {
	h := &countingHandler{}
	hs := newHarness(t, testConfig(), h)
	hs.start(t)

	env := hs.publish(t, "evt-1", "t-42")
	hs.waitDrained(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, hs.broker.Redeliver(testQueue, env, i))
	}
	hs.waitDrained(t)

	assert.Equal(t, int32(1), h.calls.Load(), "handler must run once across redeliveries")
	assert.Equal(t, []Outcome{OutcomeSucceeded, OutcomeDuplicate, OutcomeDuplicate, OutcomeDuplicate}, hs.results.outcomes())
	assert.Equal(t, 4, hs.broker.Stats(testQueue).Acked)
}

func TestRunner_RetryCeiling(t *testing.T) {
	outage := errors.New("database unavailable")
	h := &countingHandler{fn: func(int32, *envelope.Envelope) error { return failure.Transient(outage) }}
	cfg := testConfig()
	hs := newHarness(t, cfg, h)
	hs.start(t)

	hs.publish(t, "evt-1", "t-42")
	hs.waitDrained(t)

	assert.Equal(t, int32(cfg.RetryCeiling+1), h.calls.Load())

	dead := hs.broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonRetryCeiling, dead[0].Reason)
	assert.Equal(t, cfg.RetryCeiling+1, dead[0].Attempts)
	assert.Contains(t, dead[0].Error, "database unavailable")

	entry, err := hs.ledger.Lookup(context.Background(), testConsumer, "evt-1")
	require.NoError(t, err)
	assert.Nil(t, entry, "ceiling dead letters leave no ledger entry so a replay can retry")

	outcomes := hs.results.outcomes()
	require.Len(t, outcomes, cfg.RetryCeiling+1)
	assert.Equal(t, OutcomeDeadLettered, outcomes[len(outcomes)-1])
}

func TestRunner_TransientThenSuccess(t *testing.T) {
	h := &countingHandler{fn: func(call int32, _ *envelope.Envelope) error {
		if call < 3 {
			return errors.New("connection reset")
		}
		return nil
	}}
	hs := newHarness(t, testConfig(), h)
	hs.start(t)

	hs.publish(t, "evt-1", "t-42")
	hs.waitDrained(t)

	assert.Equal(t, int32(3), h.calls.Load())
	assert.Equal(t, []Outcome{OutcomeRequeued, OutcomeRequeued, OutcomeSucceeded}, hs.results.outcomes())
	assert.Empty(t, hs.broker.DeadLetters())
}

func TestRunner_PermanentFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind failure.Kind
	}{
		{"payload", failure.Payloadf("unknown plan"), failure.KindPayload},
		{"business rule", failure.BusinessRulef("tenant is deprovisioned"), failure.KindBusinessRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &countingHandler{fn: func(int32, *envelope.Envelope) error { return tt.err }}
			hs := newHarness(t, testConfig(), h)
			hs.start(t)

			env := hs.publish(t, "evt-1", "t-42")
			hs.waitDrained(t)

			assert.Equal(t, int32(1), h.calls.Load())
			entry, err := hs.ledger.Lookup(context.Background(), testConsumer, "evt-1")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, ledger.OutcomeFailedPermanent, entry.Outcome)
			assert.Equal(t, tt.err.Error(), entry.Detail)

			dead := hs.broker.DeadLetters()
			require.Len(t, dead, 1)
			assert.Equal(t, tt.kind.String(), dead[0].Reason)

			// A redelivery of a permanently failed event is dead-lettered again
			// without rerunning the handler.
			require.NoError(t, hs.broker.Redeliver(testQueue, env, 1))
			hs.waitDrained(t)
			assert.Equal(t, int32(1), h.calls.Load())
			assert.Equal(t, []Outcome{OutcomeFailedPermanent, OutcomeFailedPermanent}, hs.results.outcomes())
			dead = hs.broker.DeadLetters()
			require.Len(t, dead, 2)
			assert.Equal(t, tt.kind.String(), dead[1].Reason)
			assert.Equal(t, tt.err.Error(), dead[1].Error)
		})
	}
}

// flakySubscriber fails the first DeadLetter call of its deliveries.
type flakySubscriber struct {
	messaging.Subscriber
	deadLetterFailures atomic.Int32
}

func (f *flakySubscriber) Subscribe(ctx context.Context, queue string, prefetch int) (messaging.Subscription, error) {
	sub, err := f.Subscriber.Subscribe(ctx, queue, prefetch)
	if err != nil {
		return nil, err
	}
	return &flakySubscription{Subscription: sub, parent: f}, nil
}

type flakySubscription struct {
	messaging.Subscription
	parent *flakySubscriber
}

func (s *flakySubscription) Next(ctx context.Context) (*messaging.Delivery, error) {
	d, err := s.Subscription.Next(ctx)
	if err != nil {
		return nil, err
	}
	return messaging.NewDelivery(d.Queue, d.Raw, d.Attempt, &flakyAcker{inner: d, parent: s.parent}), nil
}

type flakyAcker struct {
	inner  *messaging.Delivery
	parent *flakySubscriber
}

func (a *flakyAcker) Ack(ctx context.Context) error { return a.inner.Ack(ctx) }

func (a *flakyAcker) Nack(ctx context.Context, requeue bool) error { return a.inner.Nack(ctx, requeue) }

func (a *flakyAcker) DeadLetter(ctx context.Context, rec messaging.DeadLetterRecord) error {
	if a.parent.deadLetterFailures.Add(-1) >= 0 {
		return errors.New("deadletter stream unavailable")
	}
	return a.inner.DeadLetter(ctx, rec.Reason, errors.New(rec.Error))
}

func TestRunner_PermanentFailureSurvivesFailedDeadLetter(t *testing.T) {
	broker := memory.New()
	flaky := &flakySubscriber{Subscriber: broker}
	flaky.deadLetterFailures.Store(1)

	l := ledger.NewMemory()
	res := &results{}
	h := &countingHandler{fn: func(int32, *envelope.Envelope) error {
		return failure.BusinessRulef("tenant t-42 is deprovisioned")
	}}
	r, err := New(testConfig(), flaky, l, h, logging.Discard(), res.hook)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	env, err := envelope.New("evt-1", envelope.TypeSubscriptionCreated, "t-42", time.Now(), envelope.SubscriptionCreated{Plan: "pro"})
	require.NoError(t, err)
	_, err = broker.Publish(context.Background(), testQueue, env)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(res.outcomes()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []Outcome{OutcomeAbandoned}, res.outcomes())
	assert.Empty(t, broker.DeadLetters())

	// The broker redelivers the unsettled message after its ack wait.
	require.Equal(t, 1, broker.RequeueInFlight(testQueue))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, broker.WaitFor(ctx, testQueue, memory.Drained))
	require.Eventually(t, func() bool { return len(res.outcomes()) == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []Outcome{OutcomeAbandoned, OutcomeFailedPermanent}, res.outcomes())
	assert.Equal(t, int32(1), h.calls.Load(), "handler is not rerun")

	dead := broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, failure.KindBusinessRule.String(), dead[0].Reason)
	assert.Contains(t, dead[0].Error, "tenant t-42 is deprovisioned")
	assert.Equal(t, 2, dead[0].Attempts)

	res.mu.Lock()
	last := res.all[1]
	res.mu.Unlock()
	assert.False(t, last.HandlerRan)
	assert.Equal(t, failure.KindBusinessRule, last.Kind)
}

func TestKindFromDetail(t *testing.T) {
	tests := []struct {
		detail string
		want   failure.Kind
	}{
		{"permanent_payload: unknown plan", failure.KindPayload},
		{"permanent_business_rule: tenant is deprovisioned", failure.KindBusinessRule},
		{"notify: permanent_business_rule: recipient missing (permanent_payload: bad)", failure.KindBusinessRule},
		{"free text", failure.KindBusinessRule},
	}
	for _, tt := range tests {
		t.Run(tt.detail, func(t *testing.T) {
			assert.Equal(t, tt.want, kindFromDetail(tt.detail))
		})
	}
}

func TestRunner_PanicIsTransient(t *testing.T) {
	h := &countingHandler{fn: func(call int32, _ *envelope.Envelope) error {
		if call == 1 {
			panic("nil map write")
		}
		return nil
	}}
	hs := newHarness(t, testConfig(), h)
	hs.start(t)

	hs.publish(t, "evt-1", "t-42")
	hs.waitDrained(t)

	assert.Equal(t, int32(2), h.calls.Load())
	assert.Equal(t, []Outcome{OutcomeRequeued, OutcomeSucceeded}, hs.results.outcomes())
}

func TestRunner_HandlerTimeoutIsTransient(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, _ *envelope.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	cfg.RetryCeiling = 1
	hs := newHarness(t, cfg, h)
	hs.start(t)

	hs.publish(t, "evt-1", "t-42")
	hs.waitDrained(t)

	assert.Equal(t, []Outcome{OutcomeRequeued, OutcomeDeadLettered}, hs.results.outcomes())
}

func TestRunner_LedgerLookupFailureRequeues(t *testing.T) {
	h := &countingHandler{}
	hs := newHarness(t, testConfig(), h)
	hs.ledger.FailNext(1, errors.New("ledger unavailable"))
	hs.start(t)

	hs.publish(t, "evt-1", "t-42")
	hs.waitDrained(t)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, []Outcome{OutcomeRequeued, OutcomeSucceeded}, hs.results.outcomes())
}

func TestRunner_UndecodableIsDeadLettered(t *testing.T) {
	h := &countingHandler{}
	hs := newHarness(t, testConfig(), h)
	hs.start(t)

	hs.broker.InjectRaw(testQueue, []byte(`{"event_id":"evt-9","event_type":"tenant.exploded","tenant_ref":"t-1"}`))
	hs.waitDrained(t)

	assert.Zero(t, h.calls.Load())
	dead := hs.broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonUndecodable, dead[0].Reason)
	assert.Equal(t, []Outcome{OutcomeDeadLettered}, hs.results.outcomes())
}

func TestRunner_PerTenantSerialization(t *testing.T) {
	var (
		mu        sync.Mutex
		active    = map[string]int{}
		maxTenant int
		maxTotal  int
		total     int
	)
	h := HandlerFunc(func(_ context.Context, env *envelope.Envelope) error {
		mu.Lock()
		active[env.TenantRef]++
		total++
		if active[env.TenantRef] > maxTenant {
			maxTenant = active[env.TenantRef]
		}
		if total > maxTotal {
			maxTotal = total
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active[env.TenantRef]--
		total--
		mu.Unlock()
		return nil
	})

	cfg := testConfig()
	cfg.Workers = 4
	hs := newHarness(t, cfg, h)

	for i := 0; i < 4; i++ {
		hs.publish(t, fmt.Sprintf("evt-a-%d", i), "t-a")
		hs.publish(t, fmt.Sprintf("evt-b-%d", i), "t-b")
	}
	hs.start(t)
	hs.waitDrained(t)

	assert.Equal(t, 1, maxTenant, "one tenant's events must never run concurrently")
	assert.Equal(t, 2, maxTotal, "different tenants run in parallel")
	assert.Zero(t, hs.runner.locks.size())
}

func TestRunner_PrefetchBoundsInFlight(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	h := HandlerFunc(func(context.Context, *envelope.Envelope) error {
		started.Add(1)
		<-release
		return nil
	})

	cfg := testConfig()
	cfg.Workers = 2
	hs := newHarness(t, cfg, h)
	for i := 0; i < 5; i++ {
		hs.publish(t, fmt.Sprintf("evt-%d", i), fmt.Sprintf("t-%d", i))
	}
	hs.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hs.broker.WaitFor(ctx, testQueue, func(s memory.QueueStats) bool { return s.InFlight == 2 }))
	time.Sleep(20 * time.Millisecond)

	stats := hs.broker.Stats(testQueue)
	assert.Equal(t, 2, stats.InFlight)
	assert.Equal(t, 3, stats.Ready)

	close(release)
	hs.waitDrained(t)
	assert.Equal(t, int32(5), started.Load())
}

func TestRunner_StopDrainsInFlight(t *testing.T) {
	entered := make(chan struct{})
	h := HandlerFunc(func(context.Context, *envelope.Envelope) error {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	hs := newHarness(t, testConfig(), h)
	require.NoError(t, hs.runner.Start(context.Background()))

	hs.publish(t, "evt-1", "t-42")
	<-entered

	require.NoError(t, hs.runner.Stop(context.Background()))
	assert.Equal(t, []Outcome{OutcomeSucceeded}, hs.results.outcomes())
	assert.Equal(t, 1, hs.broker.Stats(testQueue).Acked)
}

func TestRunner_StopAbandonsAfterDrainTimeout(t *testing.T) {
	entered := make(chan struct{})
	var calls atomic.Int32
	h := HandlerFunc(func(ctx context.Context, _ *envelope.Envelope) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	cfg := testConfig()
	cfg.DrainTimeout = 30 * time.Millisecond
	cfg.HandlerTimeout = 5 * time.Second
	hs := newHarness(t, cfg, h)
	require.NoError(t, hs.runner.Start(context.Background()))

	hs.publish(t, "evt-1", "t-42")
	<-entered

	err := hs.runner.Stop(context.Background())
	require.ErrorIs(t, err, ErrDrainTimeout)
	hs.runner.Wait()

	stats := hs.broker.Stats(testQueue)
	assert.Equal(t, 1, stats.InFlight, "abandoned delivery is neither acked nor nacked")
	assert.Zero(t, stats.Acked)
	assert.Zero(t, stats.Nacked)
	assert.Equal(t, []Outcome{OutcomeAbandoned}, hs.results.outcomes())

	// The broker redelivers to a fresh replica, which applies it.
	assert.Equal(t, 1, hs.broker.RequeueInFlight(testQueue))
	replica, err := New(testConfig(), hs.broker, hs.ledger, h, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, replica.Start(context.Background()))
	defer func() { _ = replica.Stop(context.Background()) }()
	hs.waitDrained(t)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunner_HooksRunInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	hook := func(name string) func(Result) {
		return func(Result) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	b := memory.New()
	r, err := New(testConfig(), b, ledger.NewMemory(), &countingHandler{}, logging.Discard(),
		hook("first"), hook("second"), MetricsHook, hook("third"))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop(context.Background()) }()

	env, err := envelope.New("evt-1", envelope.TypePaymentFailed, "t-42", time.Now(), nil)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), testQueue, env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitFor(ctx, testQueue, memory.Drained))
	require.Eventually(t, func() bool { return r.inflight.Load() == 0 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRunner_StartTwice(t *testing.T) {
	hs := newHarness(t, testConfig(), &countingHandler{})
	hs.start(t)
	assert.Error(t, hs.runner.Start(context.Background()))
}

// endedSubscriber hands out subscriptions whose Next fails with err.
type endedSubscriber struct{ err error }

func (e endedSubscriber) Subscribe(context.Context, string, int) (messaging.Subscription, error) {
	return endedSubscription{err: e.err}, nil
}

type endedSubscription struct{ err error }

func (e endedSubscription) Next(context.Context) (*messaging.Delivery, error) { return nil, e.err }
func (e endedSubscription) Stop()                                          {}

func TestRunner_SubscriptionEnded(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"lost", fmt.Errorf("%w: provisioning.events: consumer deleted", messaging.ErrSubscriptionLost)},
		{"closed without stop", messaging.ErrClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(testConfig(), endedSubscriber{err: tt.err}, ledger.NewMemory(), &countingHandler{}, logging.Discard())
			require.NoError(t, err)
			require.NoError(t, r.Start(context.Background()))

			select {
			case <-r.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("runner kept running after its subscription ended")
			}

			require.Error(t, r.Err())
			assert.ErrorIs(t, r.Err(), tt.err)
			assert.Contains(t, r.Err().Error(), "consumer "+testConsumer)
			assert.ErrorIs(t, r.Ready(context.Background()), tt.err)
			assert.NoError(t, r.Stop(context.Background()))
		})
	}
}

func TestRunner_ReadyAndCleanStop(t *testing.T) {
	hs := newHarness(t, testConfig(), &countingHandler{})
	assert.Error(t, hs.runner.Ready(context.Background()), "not started")

	hs.start(t)
	assert.NoError(t, hs.runner.Ready(context.Background()))

	require.NoError(t, hs.runner.Stop(context.Background()))
	<-hs.runner.Done()
	assert.NoError(t, hs.runner.Err(), "a requested stop is not a failure")
	assert.Error(t, hs.runner.Ready(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Name = "" }},
		{"missing queue", func(c *Config) { c.Queue = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"zero handler timeout", func(c *Config) { c.HandlerTimeout = 0 }},
		{"negative ceiling", func(c *Config) { c.RetryCeiling = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, failure.KindConfig, failure.KindOf(err))
		})
	}

	assert.NoError(t, testConfig().Validate())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(testConfig(), nil, ledger.NewMemory(), &countingHandler{}, nil)
	assert.Error(t, err)
}
