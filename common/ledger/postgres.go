package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/controlplane/common/database"
)

// PostgresLedger stores entries in the processed_events table created by
// each consumer service's migrations.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

var _ Ledger = (*PostgresLedger)(nil)

func (l *PostgresLedger) Lookup(ctx context.Context, consumer, eventID string) (*Entry, error) {
	query := `
		SELECT consumer, event_id, event_type, tenant_ref, outcome, detail, applied_at
		FROM processed_events
		WHERE consumer = $1 AND event_id = $2
	`

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var e Entry
	err := l.pool.QueryRow(ctx, query, consumer, eventID).Scan(
		&e.Consumer, &e.EventID, &e.EventType, &e.TenantRef, &e.Outcome, &e.Detail, &e.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up ledger entry: %w", err)
	}
	e.AppliedAt = e.AppliedAt.UTC()
	return &e, nil
}

func (l *PostgresLedger) Record(ctx context.Context, e Entry) (bool, error) {
	if err := e.validate(); err != nil {
		return false, err
	}
	e = stamp(e)

	query := `
		INSERT INTO processed_events (consumer, event_id, event_type, tenant_ref, outcome, detail, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (consumer, event_id) DO NOTHING
	`

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := l.pool.Exec(ctx, query,
		e.Consumer, e.EventID, e.EventType, e.TenantRef, string(e.Outcome), e.Detail, e.AppliedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Close is a no-op; the pool belongs to the caller.
func (l *PostgresLedger) Close() error {
	return nil
}
