package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
)

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType

	// Duplicates is the message-id deduplication window.
	Duplicates time.Duration
}

// Options tune the streams and durable consumers the broker creates.
type Options struct {
	// AckWait is how long an unacknowledged delivery stays leased to a
	// worker before the server redelivers it.
	AckWait time.Duration

	// RetryCeiling is the attempt at which the consumer runtime dead-letters a
	// transient failure. The server-side MaxDeliver is set above it so the
	// runtime always sees the last attempt.
	RetryCeiling int

	// Backoff is the redelivery delay schedule indexed by attempt. The last
	// value repeats.
	Backoff []time.Duration

	// MaxAge bounds how long an undelivered message is retained.
	MaxAge time.Duration

	// Duplicates is the publish deduplication window keyed on event ID.
	Duplicates time.Duration

	// DeadLetterMaxAge bounds how long dead letters are kept for replay.
	DeadLetterMaxAge time.Duration

	// ResubscribeTimeout bounds how long a failed subscription keeps
	// rebinding to its durable consumer before Next reports it lost.
	ResubscribeTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		AckWait:      30 * time.Second,
		RetryCeiling: 10,
		Backoff: []time.Duration{
			time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second,
			30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute,
		},
		MaxAge:             7 * 24 * time.Hour,
		Duplicates:         10 * time.Minute,
		DeadLetterMaxAge:   14 * 24 * time.Hour,
		ResubscribeTimeout: 2 * time.Minute,
	}
}

// DeadLetterStream is the stream capturing every deadletter.<queue> subject.
const DeadLetterStream = "DEADLETTER"

// StreamName maps a queue name to its stream name.
// Example: provisioning.events -> PROVISIONING_EVENTS
func StreamName(queue string) string {
	r := strings.NewReplacer(".", "_", "-", "_", ">", "", "*", "")
	return strings.ToUpper(r.Replace(queue))
}

// DurableName maps a queue name to the durable consumer shared by every
// replica of that queue's consumer service.
func DurableName(queue string) string {
	return strings.ToLower(StreamName(queue)) + "_workers"
}

// QueueStream returns the work-queue stream for queue.
func (o Options) QueueStream(queue string) StreamConfig {
	return StreamConfig{
		Name:       StreamName(queue),
		Subjects:   []string{queue},
		MaxAge:     o.MaxAge,
		MaxBytes:   1024 * 1024 * 1024,
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: o.Duplicates,
	}
}

// DeadLetterStreamConfig returns the dead-letter stream definition.
func (o Options) DeadLetterStreamConfig() StreamConfig {
	return StreamConfig{
		Name:      DeadLetterStream,
		Subjects:  []string{messaging.DeadLetterSubjectPrefix + ">"},
		MaxAge:    o.DeadLetterMaxAge,
		MaxBytes:  512 * 1024 * 1024,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
}

// ConsumerConfig returns the durable pull consumer for queue.
func (o Options) ConsumerConfig(queue string, prefetch int) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:          DurableName(queue),
		Durable:       DurableName(queue),
		FilterSubject: queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       o.AckWait,
		MaxDeliver:    o.RetryCeiling + 2,
		MaxAckPending: prefetch,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// RedeliveryDelay is the delay applied to a requeued delivery that has
// already been attempted attempt times.
func (o Options) RedeliveryDelay(attempt int) time.Duration {
	if len(o.Backoff) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(o.Backoff) {
		attempt = len(o.Backoff) - 1
	}
	return o.Backoff[attempt]
}

// RetryWindow is the total redelivery delay a delivery accumulates before
// it reaches the retry ceiling.
func (o Options) RetryWindow() time.Duration {
	var total time.Duration
	for attempt := 0; attempt < o.RetryCeiling; attempt++ {
		total += o.RedeliveryDelay(attempt)
	}
	return total
}

// Broker implements messaging.Broker on JetStream.
type Broker struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

var _ messaging.Broker = (*Broker)(nil)

// NewBroker creates a JetStream broker on an established connection and
// makes sure the dead-letter stream exists.
func NewBroker(ctx context.Context, conn *nats.Conn, opts Options, logger *logging.Logger) (*Broker, error) {
	if conn == nil {
		return nil, errors.New("nats connection is nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &Broker{
		conn:    conn,
		js:      js,
		opts:    opts,
		logger:  logger,
		streams: make(map[string]jetstream.Stream),
	}

	if _, err := b.ensureStream(ctx, opts.DeadLetterStreamConfig()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[cfg.Name]; ok {
		return s, nil
	}

	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
		Duplicates: cfg.Duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	b.streams[cfg.Name] = stream
	b.logger.Info("jetstream stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// EnsureQueue creates the stream backing queue if it does not exist.
func (b *Broker) EnsureQueue(ctx context.Context, queue string) error {
	_, err := b.ensureStream(ctx, b.opts.QueueStream(queue))
	return err
}

// Publish stores env on queue and waits for the server's PubAck. The event
// ID is the JetStream message ID, so a republish inside the deduplication
// window is acknowledged as a duplicate and not stored twice.
func (b *Broker) Publish(ctx context.Context, queue string, env *envelope.Envelope) (messaging.PublishReceipt, error) {
	if b.conn.IsClosed() {
		return messaging.PublishReceipt{}, messaging.ErrClosed
	}
	if err := b.EnsureQueue(ctx, queue); err != nil {
		return messaging.PublishReceipt{}, err
	}

	wire := *env
	wire.Attempt = 0
	data, err := wire.Marshal()
	if err != nil {
		return messaging.PublishReceipt{}, err
	}

	ack, err := b.js.Publish(ctx, queue, data, jetstream.WithMsgID(env.EventID))
	if err != nil {
		return messaging.PublishReceipt{}, fmt.Errorf("publish %s to %s: %w", env.EventID, queue, err)
	}

	return messaging.PublishReceipt{
		Queue:     queue,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
	}, nil
}

// Subscribe binds to the queue's durable consumer, creating or updating it
// with MaxAckPending = prefetch.
func (b *Broker) Subscribe(ctx context.Context, queue string, prefetch int) (messaging.Subscription, error) {
	if prefetch <= 0 {
		return nil, fmt.Errorf("prefetch must be positive, got %d", prefetch)
	}

	s := &subscription{
		broker:   b,
		queue:    queue,
		prefetch: prefetch,
		msgs:     make(chan jetstream.Msg),
		done:     make(chan struct{}),
	}
	iter, err := s.bind(ctx)
	if err != nil {
		return nil, err
	}
	s.iter = iter
	go s.pump()

	b.logger.Info("subscribed", logging.Queue(queue), "consumer", DurableName(queue), "prefetch", prefetch)
	return s, nil
}

// IsConnected returns true if connected to NATS.
func (b *Broker) IsConnected() bool {
	return b.conn.IsConnected()
}

// Ping measures a round trip to the server.
func (b *Broker) Ping(ctx context.Context) error {
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return b.conn.FlushTimeout(timeout)
}

// Close drains the connection so pending publishes are flushed.
func (b *Broker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}

// deadLetter publishes rec to the DLQ stream. The message ID makes a retried
// dead-letter publish for the same delivery idempotent.
func (b *Broker) deadLetter(ctx context.Context, rec messaging.DeadLetterRecord, meta *jetstream.MsgMetadata) error {
	data, err := encodeDeadLetter(rec)
	if err != nil {
		return err
	}

	var opts []jetstream.PublishOpt
	if meta != nil {
		opts = append(opts, jetstream.WithMsgID(fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)))
	}

	if _, err := b.js.Publish(ctx, messaging.DeadLetterSubject(rec.Queue), data, opts...); err != nil {
		return fmt.Errorf("publish dead letter for %s: %w", rec.Queue, err)
	}
	return nil
}

type subscription struct {
	broker   *Broker
	queue    string
	prefetch int
	msgs     chan jetstream.Msg
	done     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	iter jetstream.MessagesContext

	// err is set before msgs is closed when the subscription was lost.
	err error
}

// bind creates or updates the durable consumer and starts pulling from it.
func (s *subscription) bind(ctx context.Context) (jetstream.MessagesContext, error) {
	b := s.broker
	stream, err := b.ensureStream(ctx, b.opts.QueueStream(s.queue))
	if err != nil {
		return nil, err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, b.opts.ConsumerConfig(s.queue, s.prefetch))
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", DurableName(s.queue), err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(s.prefetch))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", s.queue, err)
	}
	return iter, nil
}

func (s *subscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// rebind retries bind with exponential backoff until it succeeds, the
// subscription is stopped, the connection is closed or ResubscribeTimeout
// passes.
func (s *subscription) rebind() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 250 * time.Millisecond
	exp.MaxInterval = 10 * time.Second
	exp.MaxElapsedTime = s.broker.opts.ResubscribeTimeout

	op := func() error {
		if s.broker.conn.IsClosed() {
			return backoff.Permanent(nats.ErrConnectionClosed)
		}
		iter, err := s.bind(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped() {
			iter.Stop()
			return backoff.Permanent(messaging.ErrClosed)
		}
		s.iter = iter
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.broker.logger.Warn("resubscribe failed, retrying", logging.Queue(s.queue),
			logging.Error(err), logging.Duration(wait))
	}
	return backoff.RetryNotify(op, backoff.WithContext(exp, ctx), notify)
}

func (s *subscription) current() jetstream.MessagesContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iter
}

// pump moves messages from the blocking iterator onto a channel so Next can
// honour its context. A message held here when Stop is called is never
// settled and the server redelivers it after AckWait. When the iterator
// fails for any reason other than Stop, pump rebinds to the durable consumer.
func (s *subscription) pump() {
	defer close(s.msgs)
	for {
		iter := s.current()
		msg, err := iter.Next()
		if err != nil {
			if s.stopped() {
				return
			}
			s.broker.logger.Warn("jetstream iterator stopped, resubscribing", logging.Queue(s.queue), logging.Error(err))
			iter.Stop()
			if rerr := s.rebind(); rerr != nil {
				if s.stopped() {
					return
				}
				s.err = fmt.Errorf("%w: %s: %v", messaging.ErrSubscriptionLost, s.queue, rerr)
				s.broker.logger.Error("subscription lost", logging.Queue(s.queue), logging.Error(s.err))
				return
			}
			s.broker.logger.Info("resubscribed", logging.Queue(s.queue))
			continue
		}
		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Next(ctx context.Context) (*messaging.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, messaging.ErrClosed
	case msg, ok := <-s.msgs:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, messaging.ErrClosed
		}
		attempt := 0
		meta, err := msg.Metadata()
		if err == nil && meta.NumDelivered > 0 {
			attempt = int(meta.NumDelivered - 1)
		}
		ack := &acker{broker: s.broker, msg: msg, meta: meta, attempt: attempt}
		return messaging.NewDelivery(s.queue, msg.Data(), attempt, ack), nil
	}
}

func (s *subscription) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.iter.Stop()
		s.mu.Unlock()
	})
}

type acker struct {
	broker  *Broker
	msg     jetstream.Msg
	meta    *jetstream.MsgMetadata
	attempt int
}

func (a *acker) Ack(ctx context.Context) error {
	return settleErr(a.msg.DoubleAck(ctx))
}

// Nack with requeue hands the delivery back with the delay scheduled for
// its attempt. Without requeue the delivery is terminated.
func (a *acker) Nack(_ context.Context, requeue bool) error {
	if !requeue {
		return settleErr(a.msg.Term())
	}
	return settleErr(a.msg.NakWithDelay(a.broker.opts.RedeliveryDelay(a.attempt)))
}

func (a *acker) DeadLetter(ctx context.Context, rec messaging.DeadLetterRecord) error {
	if err := a.broker.deadLetter(ctx, rec, a.meta); err != nil {
		return err
	}
	return settleErr(a.msg.TermWithReason(rec.Reason))
}

func settleErr(err error) error {
	if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		return messaging.ErrSettled
	}
	return err
}
