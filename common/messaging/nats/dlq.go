package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/controlplane/common/messaging"
)

// DeadLetter is a dead-letter record as stored in the DLQ stream.
type DeadLetter struct {
	Sequence uint64                     `json:"sequence"`
	Subject  string                     `json:"subject"`
	Record   messaging.DeadLetterRecord `json:"record"`
}

// DLQStats summarizes the dead-letter stream.
type DLQStats struct {
	Messages uint64 `json:"messages"`
	Bytes    uint64 `json:"bytes"`
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
}

func encodeDeadLetter(rec messaging.DeadLetterRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	return data, nil
}

func deadLetterFilter(queue string) string {
	if queue == "" {
		return messaging.DeadLetterSubjectPrefix + ">"
	}
	return messaging.DeadLetterSubject(queue)
}

func (b *Broker) deadLetterStream(ctx context.Context) (jetstream.Stream, error) {
	return b.ensureStream(ctx, b.opts.DeadLetterStreamConfig())
}

// DeadLetterStats returns the DLQ stream state.
func (b *Broker) DeadLetterStats(ctx context.Context) (DLQStats, error) {
	stream, err := b.deadLetterStream(ctx)
	if err != nil {
		return DLQStats{}, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return DLQStats{}, fmt.Errorf("dlq stream info: %w", err)
	}
	return DLQStats{
		Messages: info.State.Msgs,
		Bytes:    info.State.Bytes,
		FirstSeq: info.State.FirstSeq,
		LastSeq:  info.State.LastSeq,
	}, nil
}

// ListDeadLetters reads up to limit dead letters, oldest first, without
// removing them. An empty queue lists every queue.
func (b *Broker) ListDeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	stream, err := b.deadLetterStream(ctx)
	if err != nil {
		return nil, err
	}

	// Ephemeral reader; it disappears once the fetch completes.
	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{deadLetterFilter(queue)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}

	var out []DeadLetter
	for msg := range msgs.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		var rec messaging.DeadLetterRecord
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			b.logger.Warn("skipping unreadable dead letter", "sequence", meta.Sequence.Stream, "error", err)
			continue
		}
		out = append(out, DeadLetter{
			Sequence: meta.Sequence.Stream,
			Subject:  msg.Subject(),
			Record:   rec,
		})
	}
	if err := msgs.Error(); err != nil && len(out) == 0 {
		b.logger.Debug("dead letter fetch completed with error", "error", err)
	}
	return out, nil
}

// DeleteDeadLetter removes one dead letter, e.g. after a successful replay.
func (b *Broker) DeleteDeadLetter(ctx context.Context, seq uint64) error {
	stream, err := b.deadLetterStream(ctx)
	if err != nil {
		return err
	}
	if err := stream.DeleteMsg(ctx, seq); err != nil {
		return fmt.Errorf("delete dead letter %d: %w", seq, err)
	}
	return nil
}

// PurgeDeadLetters removes dead letters of queue, or of every queue when
// queue is empty.
func (b *Broker) PurgeDeadLetters(ctx context.Context, queue string) error {
	stream, err := b.deadLetterStream(ctx)
	if err != nil {
		return err
	}

	var opts []jetstream.StreamPurgeOpt
	if queue != "" {
		opts = append(opts, jetstream.WithPurgeSubject(deadLetterFilter(queue)))
	}
	if err := stream.Purge(ctx, opts...); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}

	b.logger.Info("purged dead letters", "queue", queue)
	return nil
}
