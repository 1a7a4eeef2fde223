// Package messaging defines the broker contract used by the billing publisher
// and the event consumers. It keeps the pipeline independent of a specific
// broker: JetStream backs production, an in-memory broker backs tests.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/controlplane/common/envelope"
)

var (
	// ErrClosed is returned by operations on a stopped subscription or a
	// closed broker.
	ErrClosed = errors.New("messaging: closed")

	// ErrSubscriptionLost is returned by Next when the broker side of a
	// subscription failed and could not be re-established.
	ErrSubscriptionLost = errors.New("messaging: subscription lost")

	// ErrSettled is returned when a delivery is acked, nacked or dead-lettered twice.
	ErrSettled = errors.New("messaging: delivery already settled")
)

// PublishReceipt is the broker's confirmation that a message was durably stored.
type PublishReceipt struct {
	Queue    string
	Sequence uint64

	// Duplicate is set when the broker recognised the event ID and kept the
	// earlier copy instead of storing a new one.
	Duplicate bool
}

// Publisher hands envelopes to the broker.
type Publisher interface {
	// Publish stores env on queue and returns only after the broker has
	// durably accepted it.
	Publish(ctx context.Context, queue string, env *envelope.Envelope) (PublishReceipt, error)
}

// Subscriber opens pull subscriptions.
type Subscriber interface {
	// Subscribe starts pulling from queue. At most prefetch deliveries are
	// outstanding (unsettled) at any time.
	Subscribe(ctx context.Context, queue string, prefetch int) (Subscription, error)
}

// Broker combines publishing, subscribing and connection health.
type Broker interface {
	Publisher
	Subscriber

	// IsConnected returns true if the broker connection is up.
	IsConnected() bool

	// Close releases the broker connection.
	Close() error
}

// Subscription is a lazy sequence of deliveries.
type Subscription interface {
	// Next blocks until a delivery is available, ctx is done or the
	// subscription is stopped (ErrClosed).
	Next(ctx context.Context) (*Delivery, error)

	// Stop ends the subscription. Unsettled deliveries are left for the
	// broker to redeliver.
	Stop()
}

// Acknowledger settles a single delivery with the broker.
type Acknowledger interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
	DeadLetter(ctx context.Context, rec DeadLetterRecord) error
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Queue string

	// Envelope is nil when the body could not be decoded; DecodeErr says why.
	Envelope  *envelope.Envelope
	Raw       []byte
	DecodeErr error

	// Attempt mirrors Envelope.Attempt and is also set for undecodable bodies.
	Attempt int

	ack Acknowledger
}

// NewDelivery binds a delivery to the acknowledger that settles it. Broker
// adapters call it; consumers only see the result.
func NewDelivery(queue string, raw []byte, attempt int, ack Acknowledger) *Delivery {
	d := &Delivery{
		Queue:   queue,
		Raw:     raw,
		Attempt: attempt,
		ack:     ack,
	}

	env, err := envelope.Unmarshal(raw)
	if err != nil {
		d.DecodeErr = err
		return d
	}
	env.Attempt = attempt
	d.Envelope = env
	return d
}

// Ack tells the broker the delivery was handled and can be discarded.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack.Ack(ctx)
}

// Nack tells the broker the delivery failed. With requeue it is redelivered
// with an incremented attempt, otherwise it is dropped.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	return d.ack.Nack(ctx, requeue)
}

// DeadLetter routes the delivery to the dead-letter queue and settles it.
func (d *Delivery) DeadLetter(ctx context.Context, reason string, cause error) error {
	rec := DeadLetterRecord{
		Queue:          d.Queue,
		Envelope:       d.Envelope,
		Raw:            d.Raw,
		Reason:         reason,
		Attempts:       d.Attempt + 1,
		DeadLetteredAt: time.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return d.ack.DeadLetter(ctx, rec)
}

// DeadLetterRecord captures a message that will not be retried, for operator
// inspection and replay.
type DeadLetterRecord struct {
	Queue          string             `json:"queue"`
	Envelope       *envelope.Envelope `json:"envelope,omitempty"`
	Raw            []byte             `json:"raw,omitempty"`
	Reason         string             `json:"reason"`
	Error          string             `json:"error,omitempty"`
	Attempts       int                `json:"attempts"`
	DeadLetteredAt time.Time          `json:"dead_lettered_at"`
}
