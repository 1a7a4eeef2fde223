// Package memory is an in-process implementation of messaging.Broker.
//
// It honours the same contract as the JetStream adapter: per-queue FIFO,
// prefetch-bounded in-flight deliveries, requeue with an incremented attempt
// and dead-letter capture. Tests drive it directly and use the inspection and
// fault-injection helpers to simulate crashes and outages.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/messaging"
)

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Ready        int
	InFlight     int
	Published    int
	Acked        int
	Nacked       int
	Dropped      int
	DeadLettered int
}

// Broker is safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	changed chan struct{}

	queues      map[string]*queue
	deadLetters []messaging.DeadLetterRecord
	seq         uint64

	connected    bool
	closed       bool
	publishFails int
	publishErr   error
}

type queue struct {
	ready    []*message
	inflight map[uint64]*message
	seen     map[string]uint64
	stats    QueueStats
}

type message struct {
	seq     uint64
	body    []byte
	attempt int
	lease   uint64
	sub     *subscription
}

// New returns an empty, connected broker.
func New() *Broker {
	return &Broker{
		changed:   make(chan struct{}),
		queues:    make(map[string]*queue),
		connected: true,
	}
}

var _ messaging.Broker = (*Broker)(nil)

func (b *Broker) queue(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			inflight: make(map[uint64]*message),
			seen:     make(map[string]uint64),
		}
		b.queues[name] = q
	}
	return q
}

// notify wakes every goroutine blocked in Next or WaitFor. Callers hold b.mu.
func (b *Broker) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Publish stores env on queue. A repeated event ID on the same queue is
// reported as a duplicate and not stored again, like a broker-side
// deduplication window.
func (b *Broker) Publish(ctx context.Context, queueName string, env *envelope.Envelope) (messaging.PublishReceipt, error) {
	if err := ctx.Err(); err != nil {
		return messaging.PublishReceipt{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return messaging.PublishReceipt{}, messaging.ErrClosed
	}
	if !b.connected {
		return messaging.PublishReceipt{}, fmt.Errorf("memory broker: not connected")
	}
	if b.publishFails > 0 {
		b.publishFails--
		return messaging.PublishReceipt{}, b.publishErr
	}

	q := b.queue(queueName)
	if seq, dup := q.seen[env.EventID]; dup {
		return messaging.PublishReceipt{Queue: queueName, Sequence: seq, Duplicate: true}, nil
	}

	seq, err := b.enqueue(q, env, 0)
	if err != nil {
		return messaging.PublishReceipt{}, err
	}
	q.seen[env.EventID] = seq
	q.stats.Published++
	return messaging.PublishReceipt{Queue: queueName, Sequence: seq}, nil
}

// Redeliver enqueues env as if the broker delivered it again, bypassing
// deduplication. attempt is the redelivery counter the consumer will see.
func (b *Broker) Redeliver(queueName string, env *envelope.Envelope, attempt int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.enqueue(b.queue(queueName), env, attempt)
	return err
}

// InjectRaw enqueues an arbitrary body, e.g. one that is not a valid envelope.
func (b *Broker) InjectRaw(queueName string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	q := b.queue(queueName)
	q.ready = append(q.ready, &message{seq: b.seq, body: body})
	b.notify()
}

func (b *Broker) enqueue(q *queue, env *envelope.Envelope, attempt int) (uint64, error) {
	wire := *env
	wire.Attempt = 0
	body, err := wire.Marshal()
	if err != nil {
		return 0, err
	}

	b.seq++
	q.ready = append(q.ready, &message{seq: b.seq, body: body, attempt: attempt})
	b.notify()
	return b.seq, nil
}

// Subscribe opens a pull subscription on queue.
func (b *Broker) Subscribe(ctx context.Context, queueName string, prefetch int) (messaging.Subscription, error) {
	if prefetch <= 0 {
		return nil, fmt.Errorf("memory broker: prefetch must be positive, got %d", prefetch)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, messaging.ErrClosed
	}
	b.queue(queueName)
	return &subscription{broker: b, queue: queueName, prefetch: prefetch}, nil
}

// IsConnected reports the simulated connection state.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

// Close shuts the broker down and wakes blocked subscribers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.notify()
	return nil
}

// SetConnected simulates losing or regaining the broker connection.
func (b *Broker) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// FailPublishes makes the next n publishes fail with err.
func (b *Broker) FailPublishes(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishFails = n
	b.publishErr = err
}

// RequeueInFlight returns every unsettled delivery on queue to the ready
// list with an incremented attempt, as the broker does when a consumer dies
// without acknowledging. Settling one of the old deliveries afterwards fails.
func (b *Broker) RequeueInFlight(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queueName)
	n := 0
	for seq, msg := range q.inflight {
		delete(q.inflight, seq)
		if msg.sub != nil {
			msg.sub.inflight--
			msg.sub = nil
		}
		msg.attempt++
		msg.lease++
		q.ready = append(q.ready, msg)
		n++
	}
	if n > 0 {
		b.notify()
	}
	return n
}

// Stats returns counters for queue.
func (b *Broker) Stats(queueName string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queueName)
	s := q.stats
	s.Ready = len(q.ready)
	s.InFlight = len(q.inflight)
	return s
}

// DeadLetters returns a copy of every dead-letter record captured so far.
func (b *Broker) DeadLetters() []messaging.DeadLetterRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]messaging.DeadLetterRecord, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// WaitFor blocks until cond holds for queue's stats or ctx is done.
func (b *Broker) WaitFor(ctx context.Context, queueName string, cond func(QueueStats) bool) error {
	for {
		b.mu.Lock()
		q := b.queue(queueName)
		s := q.stats
		s.Ready = len(q.ready)
		s.InFlight = len(q.inflight)
		changed := b.changed
		b.mu.Unlock()

		if cond(s) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w (last stats %+v)", queueName, ctx.Err(), s)
		case <-changed:
		}
	}
}

// Drained is a WaitFor condition: nothing ready and nothing in flight.
func Drained(s QueueStats) bool {
	return s.Ready == 0 && s.InFlight == 0
}
