package memory

import (
	"context"

	"github.com/telhawk-systems/controlplane/common/messaging"
)

type subscription struct {
	broker   *Broker
	queue    string
	prefetch int

	// guarded by broker.mu
	inflight int
	stopped  bool
}

// Next hands out the oldest ready message once the subscription has fewer
// than prefetch unsettled deliveries.
func (s *subscription) Next(ctx context.Context) (*messaging.Delivery, error) {
	b := s.broker
	for {
		b.mu.Lock()
		if s.stopped || b.closed {
			b.mu.Unlock()
			return nil, messaging.ErrClosed
		}

		q := b.queue(s.queue)
		if s.inflight < s.prefetch && len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			msg.sub = s
			q.inflight[msg.seq] = msg
			s.inflight++

			ack := &acker{broker: b, queue: s.queue, msg: msg, lease: msg.lease}
			d := messaging.NewDelivery(s.queue, msg.body, msg.attempt, ack)
			b.notify()
			b.mu.Unlock()
			return d, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Stop ends the subscription. Its unsettled deliveries stay in flight until
// they are settled or RequeueInFlight is called.
func (s *subscription) Stop() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	s.stopped = true
	b.notify()
}

type acker struct {
	broker *Broker
	queue  string
	msg    *message
	lease  uint64
}

// settle removes the message from the in-flight set. Callers hold broker.mu.
func (a *acker) settle() (*queue, error) {
	q := a.broker.queue(a.queue)
	current, ok := q.inflight[a.msg.seq]
	if !ok || current != a.msg || a.msg.lease != a.lease {
		return nil, messaging.ErrSettled
	}
	delete(q.inflight, a.msg.seq)
	if a.msg.sub != nil {
		a.msg.sub.inflight--
		a.msg.sub = nil
	}
	return q, nil
}

func (a *acker) Ack(ctx context.Context) error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := a.settle()
	if err != nil {
		return err
	}
	q.stats.Acked++
	b.notify()
	return nil
}

func (a *acker) Nack(ctx context.Context, requeue bool) error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := a.settle()
	if err != nil {
		return err
	}
	if requeue {
		q.stats.Nacked++
		a.msg.attempt++
		a.msg.lease++
		q.ready = append(q.ready, a.msg)
	} else {
		q.stats.Dropped++
	}
	b.notify()
	return nil
}

func (a *acker) DeadLetter(ctx context.Context, rec messaging.DeadLetterRecord) error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := a.settle()
	if err != nil {
		return err
	}
	q.stats.DeadLettered++
	b.deadLetters = append(b.deadLetters, rec)
	b.notify()
	return nil
}
