// Package publisher hands validated envelopes to the broker once per
// consumer queue and waits for the broker's confirmation.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
	"github.com/telhawk-systems/controlplane/common/metrics"
)

// RetryPolicy bounds the exponential backoff used while the broker is unavailable.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is 200ms doubling up to 5s, five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 5,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// QueueAck is the broker confirmation for one queue.
type QueueAck struct {
	Queue     string `json:"queue"`
	Sequence  uint64 `json:"sequence"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Ack confirms an envelope is durably stored on every queue.
type Ack struct {
	EventID string     `json:"event_id"`
	Queues  []QueueAck `json:"queues"`
}

// PublishError is returned when an envelope could not be published.
type PublishError struct {
	EventID string
	Queue   string

	// Permanent is set when retrying the same envelope cannot succeed.
	Permanent bool
	Err       error
}

func (e *PublishError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Queue != "" {
		return fmt.Sprintf("publish %s to %s (%s): %v", e.EventID, e.Queue, kind, e.Err)
	}
	return fmt.Sprintf("publish %s (%s): %v", e.EventID, kind, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a permanent PublishError.
func IsPermanent(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe) && pe.Permanent
}

// Publisher fans an envelope out to the configured queues.
type Publisher struct {
	broker messaging.Publisher
	queues []string
	policy RetryPolicy
	logger *logging.Logger
}

// New creates a Publisher for queues.
func New(broker messaging.Publisher, queues []string, policy RetryPolicy, logger *logging.Logger) (*Publisher, error) {
	if broker == nil {
		return nil, failure.Configf("publisher: broker is required")
	}
	if len(queues) == 0 {
		return nil, failure.Configf("publisher: at least one queue is required")
	}
	if policy.MaxAttempts <= 0 {
		return nil, failure.Configf("publisher: max attempts must be positive")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		broker: broker,
		queues: append([]string(nil), queues...),
		policy: policy,
		logger: logger,
	}, nil
}

// Queues returns the queues every envelope is published to.
func (p *Publisher) Queues() []string {
	return append([]string(nil), p.queues...)
}

// Publish validates env and stores it on every queue. It returns only after
// each queue confirmed durable storage. A queue that already holds the
// event ID confirms it as a duplicate, which makes a full retry after a
// partial failure safe.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope) (Ack, error) {
	if env == nil {
		return Ack{}, &PublishError{Permanent: true, Err: errors.New("envelope is nil")}
	}
	if err := env.Validate(); err != nil {
		metrics.PublishedTotal.WithLabelValues("", string(env.EventType), "invalid").Inc()
		return Ack{}, &PublishError{EventID: env.EventID, Permanent: true, Err: err}
	}

	ack := Ack{EventID: env.EventID, Queues: make([]QueueAck, 0, len(p.queues))}
	for _, queue := range p.queues {
		receipt, err := p.publishQueue(ctx, queue, env)
		if err != nil {
			metrics.PublishedTotal.WithLabelValues(queue, string(env.EventType), "failed").Inc()
			return ack, &PublishError{EventID: env.EventID, Queue: queue, Err: err}
		}

		result := "stored"
		if receipt.Duplicate {
			result = "duplicate"
		}
		metrics.PublishedTotal.WithLabelValues(queue, string(env.EventType), result).Inc()
		ack.Queues = append(ack.Queues, QueueAck{
			Queue:     queue,
			Sequence:  receipt.Sequence,
			Duplicate: receipt.Duplicate,
		})
	}

	p.logger.Info("event published",
		logging.EventID(env.EventID),
		logging.EventType(string(env.EventType)),
		logging.TenantRef(env.TenantRef),
		"queues", len(ack.Queues),
	)
	return ack, nil
}

func (p *Publisher) publishQueue(ctx context.Context, queue string, env *envelope.Envelope) (messaging.PublishReceipt, error) {
	start := time.Now()
	defer func() {
		metrics.PublishDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	}()

	var receipt messaging.PublishReceipt
	attempt := 0
	op := func() error {
		attempt++
		r, err := p.broker.Publish(ctx, queue, env)
		if err != nil {
			if errors.Is(err, messaging.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		receipt = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.PublishRetries.WithLabelValues(queue).Inc()
		p.logger.Warn("publish failed, retrying",
			logging.EventID(env.EventID),
			logging.Queue(queue),
			logging.Attempt(attempt),
			"retry_in", wait.String(),
			logging.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, p.policy.backOff(ctx), notify); err != nil {
		return messaging.PublishReceipt{}, fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return receipt, nil
}
