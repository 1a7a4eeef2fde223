package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores each entry as a JSON string under
// ledger:<consumer>:<event_id>, written with SETNX.
type RedisLedger struct {
	client *redis.Client

	// ttl is an optional retention bound. Zero keeps entries forever.
	ttl time.Duration
}

// NewRedis wraps an existing client. The client is owned by the caller.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

var _ Ledger = (*RedisLedger)(nil)

func redisKey(consumer, eventID string) string {
	return fmt.Sprintf("ledger:%s:%s", consumer, eventID)
}

func (l *RedisLedger) Lookup(ctx context.Context, consumer, eventID string) (*Entry, error) {
	data, err := l.client.Get(ctx, redisKey(consumer, eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up ledger entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry %s: %w", redisKey(consumer, eventID), err)
	}
	return &e, nil
}

func (l *RedisLedger) Record(ctx context.Context, e Entry) (bool, error) {
	if err := e.validate(); err != nil {
		return false, err
	}
	e = stamp(e)

	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	ok, err := l.client.SetNX(ctx, redisKey(e.Consumer, e.EventID), data, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return ok, nil
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLedger) Close() error {
	return nil
}
