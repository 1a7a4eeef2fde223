package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/controlplane/common/database"
)

// PostgresDirectory reads the recipients table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

var _ Directory = (*PostgresDirectory)(nil)

func (d *PostgresDirectory) Resolve(ctx context.Context, tenantRef string) (*Recipient, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	// Billing contacts first, then the oldest active user.
	query := `
		SELECT tenant_ref, email, display_name
		FROM recipients
		WHERE tenant_ref = $1 AND disabled_at IS NULL
		ORDER BY billing_contact DESC, created_at ASC
		LIMIT 1
	`

	var r Recipient
	err := d.pool.QueryRow(ctx, query, tenantRef).Scan(&r.TenantRef, &r.Email, &r.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecipientNotFound
		}
		return nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}
	return &r, nil
}
