// Package dlq replays dead-lettered envelopes to the queues they came from.
package dlq

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/controlplane/common/messaging"
	natsclient "github.com/telhawk-systems/controlplane/common/messaging/nats"
)

// Store is the dead-letter stream as cpctl sees it.
type Store interface {
	ListDeadLetters(ctx context.Context, queue string, limit int) ([]natsclient.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, seq uint64) error
	PurgeDeadLetters(ctx context.Context, queue string) error
}

var _ Store = (*natsclient.Broker)(nil)

// Replay statuses.
const (
	StatusReplayed   = "replayed"
	StatusDuplicate  = "duplicate"
	StatusUnreadable = "unreadable"
	StatusFailed     = "failed"
)

// Result is the outcome of replaying one dead letter.
type Result struct {
	Sequence  uint64 `json:"sequence" yaml:"sequence"`
	Queue     string `json:"queue" yaml:"queue"`
	EventID   string `json:"event_id,omitempty" yaml:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Status    string `json:"status" yaml:"status"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Replay republishes up to limit dead letters of queue (every queue when
// empty) with their original event IDs, and deletes each one the broker
// stored.
//
// A dead letter the broker reports as a duplicate is kept: its event ID is
// still inside the publish deduplication window, so the copy was dropped.
// Undecodable bodies cannot be replayed and are kept for inspection.
func Replay(ctx context.Context, store Store, pub messaging.Publisher, queue string, limit int) ([]Result, error) {
	letters, err := store.ListDeadLetters(ctx, queue, limit)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(letters))
	var errs []error
	for _, dl := range letters {
		rec := dl.Record
		res := Result{Sequence: dl.Sequence, Queue: rec.Queue}
		if rec.Envelope == nil {
			res.Status = StatusUnreadable
			results = append(results, res)
			continue
		}
		env := *rec.Envelope
		env.Attempt = 0
		res.EventID, res.EventType = env.EventID, string(env.EventType)

		receipt, err := pub.Publish(ctx, rec.Queue, &env)
		switch {
		case err != nil:
			res.Status, res.Error = StatusFailed, err.Error()
			errs = append(errs, fmt.Errorf("replay %s: %w", env.EventID, err))
		case receipt.Duplicate:
			res.Status = StatusDuplicate
		default:
			res.Status = StatusReplayed
			if err := store.DeleteDeadLetter(ctx, dl.Sequence); err != nil {
				res.Error = err.Error()
				errs = append(errs, err)
			}
		}
		results = append(results, res)

		if ctx.Err() != nil {
			break
		}
	}
	return results, errors.Join(errs...)
}
