// Package consumer runs the worker pool shared by the event consumers.
//
// A Runner pulls deliveries from one queue, serializes them per tenant,
// consults the idempotency ledger and settles each delivery with the broker
// according to the error kind its Handler returns.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/ledger"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
	"github.com/telhawk-systems/controlplane/common/metrics"
)

// ErrDrainTimeout is returned by Stop when in-flight deliveries were abandoned.
var ErrDrainTimeout = errors.New("consumer: drain timeout, in-flight deliveries abandoned")

// Handler applies one event's effect. Errors are classified with the
// failure package; unclassified errors are transient.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Config tunes a Runner.
type Config struct {
	// Name is the consumer group and ledger namespace.
	Name  string
	Queue string

	// Workers is the pool size and the broker prefetch.
	Workers int

	HandlerTimeout time.Duration

	// RetryCeiling is the attempt at which a transient failure is
	// dead-lettered instead of requeued. The handler runs RetryCeiling+1 times.
	RetryCeiling int

	DrainTimeout time.Duration

	// SettleTimeout bounds each ledger and broker call.
	SettleTimeout time.Duration
}

// DefaultConfig returns the defaults for a consumer on queue.
func DefaultConfig(name, queue string) Config {
	return Config{
		Name:           name,
		Queue:          queue,
		Workers:        4,
		HandlerTimeout: 10 * time.Second,
		RetryCeiling:   10,
		DrainTimeout:   30 * time.Second,
		SettleTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return failure.Configf("consumer name is required")
	case c.Queue == "":
		return failure.Configf("consumer %s: queue is required", c.Name)
	case c.Workers <= 0:
		return failure.Configf("consumer %s: workers must be positive, got %d", c.Name, c.Workers)
	case c.HandlerTimeout <= 0:
		return failure.Configf("consumer %s: handler timeout must be positive", c.Name)
	case c.RetryCeiling < 0:
		return failure.Configf("consumer %s: retry ceiling must not be negative", c.Name)
	}
	return nil
}

// Runner owns a subscription and a fixed pool of workers.
type Runner struct {
	cfg     Config
	broker  messaging.Subscriber
	ledger  ledger.Ledger
	handler Handler
	logger  *logging.Logger
	hooks   []func(Result)
	locks   *keyLock

	sub        messaging.Subscription
	pullCtx    context.Context
	stopPull   context.CancelFunc
	workCtx    context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
	done       chan struct{}

	failOnce sync.Once
	failErr  atomic.Pointer[error]

	started   atomic.Bool
	abandoned atomic.Bool
	inflight  atomic.Int64
}

// New creates a Runner. Hooks are called in order after every settled delivery.
func New(cfg Config, broker messaging.Subscriber, l ledger.Ledger, h Handler, logger *logging.Logger, hooks ...func(Result)) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if broker == nil || l == nil || h == nil {
		return nil, failure.Configf("consumer %s: broker, ledger and handler are required", cfg.Name)
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}

	return &Runner{
		cfg:     cfg,
		broker:  broker,
		ledger:  l,
		handler: h,
		logger:  logger.With(logging.Consumer(cfg.Name), logging.Queue(cfg.Queue)),
		hooks:   hooks,
		locks:   newKeyLock(),
	}, nil
}

// Start subscribes with prefetch = Workers and launches the workers.
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("consumer %s already started", r.cfg.Name)
	}

	sub, err := r.broker.Subscribe(ctx, r.cfg.Queue, r.cfg.Workers)
	if err != nil {
		r.started.Store(false)
		return fmt.Errorf("subscribe %s: %w", r.cfg.Queue, err)
	}
	r.sub = sub

	r.pullCtx, r.stopPull = context.WithCancel(ctx)
	// Handlers outlive the pull context so Stop can drain them.
	r.workCtx, r.cancelWork = context.WithCancel(context.WithoutCancel(ctx))

	r.done = make(chan struct{})
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	go func() {
		r.wg.Wait()
		close(r.done)
	}()

	r.logger.Info("consumer started", "workers", r.cfg.Workers, "retry_ceiling", r.cfg.RetryCeiling)
	return nil
}

// Stop stops pulling and waits up to DrainTimeout (or ctx) for in-flight
// deliveries. Deliveries still running after that are abandoned: they are
// not acked or nacked, so the broker redelivers them.
func (r *Runner) Stop(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}

	r.stopPull()
	r.sub.Stop()

	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-r.done:
		r.cancelWork()
		r.logger.Info("consumer drained")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.abandoned.Store(true)
	r.cancelWork()
	n := r.inflight.Load()
	r.logger.Warn("drain timeout, abandoning in-flight deliveries", "in_flight", n)
	return fmt.Errorf("%w: %d", ErrDrainTimeout, n)
}

// Wait blocks until every worker has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Done is closed once every worker has returned, either after Stop or
// because the subscription failed. It is nil before Start.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Err reports why the runner stopped on its own, or nil.
func (r *Runner) Err() error {
	if p := r.failErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Ready reports an error once the runner stopped consuming.
func (r *Runner) Ready(context.Context) error {
	if err := r.Err(); err != nil {
		return err
	}
	if !r.started.Load() {
		return fmt.Errorf("consumer %s not started", r.cfg.Name)
	}
	select {
	case <-r.done:
		return fmt.Errorf("consumer %s stopped", r.cfg.Name)
	default:
		return nil
	}
}

// fail records a subscription failure and stops every worker from pulling.
func (r *Runner) fail(err error) {
	r.failOnce.Do(func() {
		err = fmt.Errorf("consumer %s: %w", r.cfg.Name, err)
		r.failErr.Store(&err)
		r.logger.Error("subscription ended, consumer stopping", logging.Error(err))
		r.stopPull()
	})
}

func (r *Runner) worker() {
	defer r.wg.Done()

	for {
		d, err := r.sub.Next(r.pullCtx)
		if err != nil {
			if r.pullCtx.Err() != nil {
				return
			}
			if errors.Is(err, messaging.ErrClosed) || errors.Is(err, messaging.ErrSubscriptionLost) {
				r.fail(err)
				return
			}
			r.logger.Warn("receive failed", logging.Error(err))
			select {
			case <-time.After(time.Second):
			case <-r.pullCtx.Done():
				return
			}
			continue
		}

		r.inflight.Add(1)
		metrics.InFlight.WithLabelValues(r.cfg.Name).Inc()
		r.process(d)
		metrics.InFlight.WithLabelValues(r.cfg.Name).Dec()
		r.inflight.Add(-1)
	}
}

func (r *Runner) process(d *messaging.Delivery) {
	start := time.Now()
	res := Result{
		Consumer: r.cfg.Name,
		Queue:    d.Queue,
		Attempt:  d.Attempt,
	}
	defer func() {
		res.Duration = time.Since(start)
		r.emit(res)
	}()

	if d.DecodeErr != nil {
		res.Err, res.Kind = d.DecodeErr, failure.KindPayload
		r.logger.Error("undecodable delivery", logging.Attempt(d.Attempt), logging.Error(d.DecodeErr))
		res.Outcome = r.deadLetter(d, ReasonUndecodable, d.DecodeErr)
		return
	}

	env := d.Envelope
	res.EventID, res.EventType, res.TenantRef = env.EventID, string(env.EventType), env.TenantRef
	ctx := logging.ContextWithEvent(r.workCtx, r.cfg.Name, env.EventID, string(env.EventType), env.TenantRef)
	log := r.logger.With(
		logging.EventID(env.EventID),
		logging.EventType(string(env.EventType)),
		logging.TenantRef(env.TenantRef),
		logging.Attempt(d.Attempt),
	)

	unlock, err := r.locks.Lock(ctx, env.TenantRef)
	if err != nil {
		res.Outcome, res.Err = OutcomeAbandoned, err
		return
	}
	defer unlock()

	entry, err := r.lookup(env.EventID)
	if err != nil {
		res.Err, res.Kind = err, failure.KindTransient
		log.Warn("ledger lookup failed, requeueing", logging.Error(err))
		res.Outcome = r.nack(d)
		return
	}
	if entry != nil && entry.Outcome == ledger.OutcomeFailedPermanent {
		// The earlier dead-letter may not have landed. Route it again without
		// rerunning the handler.
		res.Kind = kindFromDetail(entry.Detail)
		res.Err = errors.New(entry.Detail)
		log.Warn("permanently failed event redelivered, dead-lettering", "kind", res.Kind.String())
		res.Outcome = r.deadLetterPermanent(d, res.Kind, res.Err)
		return
	}
	if entry != nil {
		log.Debug("already applied, skipping", "ledger_outcome", string(entry.Outcome))
		res.Outcome = r.ack(d, OutcomeDuplicate)
		return
	}

	res.HandlerRan = true
	handlerErr := r.invoke(ctx, env)

	if r.abandoned.Load() {
		// Shutdown gave up on this delivery. A completed effect is still
		// recorded so the redelivery is skipped.
		if handlerErr == nil {
			_, _ = r.record(env, ledger.OutcomeSucceeded, "")
		}
		res.Outcome, res.Err = OutcomeAbandoned, handlerErr
		return
	}

	if handlerErr == nil {
		if _, err := r.record(env, ledger.OutcomeSucceeded, ""); err != nil {
			res.Err, res.Kind = err, failure.KindTransient
			log.Warn("ledger write failed, requeueing", logging.Error(err))
			res.Outcome = r.nack(d)
			return
		}
		log.Info("event applied")
		res.Outcome = r.ack(d, OutcomeSucceeded)
		return
	}

	res.Err, res.Kind = handlerErr, failure.KindOf(handlerErr)

	if res.Kind.Permanent() {
		if _, err := r.record(env, ledger.OutcomeFailedPermanent, handlerErr.Error()); err != nil {
			log.Warn("ledger write failed, requeueing", logging.Error(err))
			res.Outcome = r.nack(d)
			return
		}
		log.Error("permanent failure, dead-lettering", "kind", res.Kind.String(), logging.Error(handlerErr))
		res.Outcome = r.deadLetterPermanent(d, res.Kind, handlerErr)
		return
	}

	if d.Attempt >= r.cfg.RetryCeiling {
		log.Error("retry ceiling reached, dead-lettering", logging.Error(handlerErr))
		res.Outcome = r.deadLetter(d, ReasonRetryCeiling, handlerErr)
		return
	}

	log.Warn("transient failure, requeueing", logging.Error(handlerErr))
	res.Outcome = r.nack(d)
}

// invoke runs the handler with the configured timeout. A panic is reported
// as an unclassified, and therefore transient, error.
func (r *Runner) invoke(ctx context.Context, env *envelope.Envelope) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "handler panic", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	return r.handler.Handle(ctx, env)
}

func (r *Runner) settleContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.SettleTimeout)
}

func (r *Runner) lookup(eventID string) (*ledger.Entry, error) {
	ctx, cancel := r.settleContext()
	defer cancel()
	return r.ledger.Lookup(ctx, r.cfg.Name, eventID)
}

func (r *Runner) record(env *envelope.Envelope, outcome ledger.Outcome, detail string) (bool, error) {
	ctx, cancel := r.settleContext()
	defer cancel()
	return r.ledger.Record(ctx, ledger.Entry{
		Consumer:  r.cfg.Name,
		EventID:   env.EventID,
		EventType: string(env.EventType),
		TenantRef: env.TenantRef,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// The settle helpers return the outcome to report. A failed broker call
// leaves the delivery unsettled; the broker redelivers it after its ack
// wait, so the outcome is reported as abandoned.

func (r *Runner) ack(d *messaging.Delivery, outcome Outcome) Outcome {
	ctx, cancel := r.settleContext()
	defer cancel()
	if err := d.Ack(ctx); err != nil {
		r.logger.Warn("ack failed", logging.Attempt(d.Attempt), logging.Error(err))
		return OutcomeAbandoned
	}
	return outcome
}

func (r *Runner) nack(d *messaging.Delivery) Outcome {
	ctx, cancel := r.settleContext()
	defer cancel()
	if err := d.Nack(ctx, true); err != nil {
		r.logger.Warn("nack failed", logging.Attempt(d.Attempt), logging.Error(err))
		return OutcomeAbandoned
	}
	return OutcomeRequeued
}

func (r *Runner) deadLetter(d *messaging.Delivery, reason string, cause error) Outcome {
	ctx, cancel := r.settleContext()
	defer cancel()
	if err := d.DeadLetter(ctx, reason, cause); err != nil {
		r.logger.Error("dead-letter failed", logging.Attempt(d.Attempt), logging.Error(err))
		return OutcomeAbandoned
	}
	return OutcomeDeadLettered
}

func (r *Runner) deadLetterPermanent(d *messaging.Delivery, kind failure.Kind, cause error) Outcome {
	if out := r.deadLetter(d, kind.String(), cause); out != OutcomeDeadLettered {
		return out
	}
	return OutcomeFailedPermanent
}

// kindFromDetail recovers the permanent kind from a ledger detail written
// from a classified error ("permanent_payload: ...").
func kindFromDetail(detail string) failure.Kind {
	kind, at := failure.KindBusinessRule, -1
	for _, k := range []failure.Kind{failure.KindPayload, failure.KindBusinessRule, failure.KindConfig} {
		i := strings.Index(detail, k.String()+": ")
		if i >= 0 && (at < 0 || i < at) {
			kind, at = k, i
		}
	}
	return kind
}

func (r *Runner) emit(res Result) {
	for _, hook := range r.hooks {
		hook(res)
	}
}
