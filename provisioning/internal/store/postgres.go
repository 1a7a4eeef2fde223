package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/controlplane/common/database"
	"github.com/telhawk-systems/controlplane/provisioning/internal/tenant"
)

// ResourceWorkspace is the resource every active tenant holds.
const ResourceWorkspace = "workspace"

// PostgresStore implements Store and Resources on the tenants and
// tenant_resources tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var (
	_ Store     = (*PostgresStore)(nil)
	_ Resources = (*PostgresStore)(nil)
)

const tenantColumns = `ref, state, plan, seats, created_at, updated_at`

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var t tenant.Tenant
	var state string
	if err := row.Scan(&t.Ref, &state, &t.Plan, &t.Seats, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.State = tenant.State(state)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (s *PostgresStore) Get(ctx context.Context, ref string) (*tenant.Tenant, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE ref = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) CreatePending(ctx context.Context, t tenant.Tenant) (*tenant.Tenant, error) {
	writeCtx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO tenants (ref, state, plan, seats)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ref) DO NOTHING
	`
	if _, err := s.pool.Exec(writeCtx, query, t.Ref, string(tenant.StatePending), t.Plan, t.Seats); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return s.Get(ctx, t.Ref)
}

func (s *PostgresStore) Transition(ctx context.Context, ref string, from, to tenant.State) (*tenant.Tenant, error) {
	if err := tenant.Transition(from, to); err != nil {
		return nil, err
	}

	writeCtx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE tenants
		SET state = $3, updated_at = now()
		WHERE ref = $1 AND state = $2
		RETURNING ` + tenantColumns

	t, err := scanTenant(s.pool.QueryRow(writeCtx, query, ref, string(from), string(to)))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition tenant: %w", err)
	}

	current, getErr := s.Get(ctx, ref)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStateConflict, ref, current.State, from)
}

func (s *PostgresStore) Setup(ctx context.Context, t *tenant.Tenant) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate resource id: %w", err)
	}

	query := `
		INSERT INTO tenant_resources (id, tenant_ref, kind, plan, seats)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_ref, kind) DO UPDATE
		SET plan = EXCLUDED.plan, seats = EXCLUDED.seats, released_at = NULL
	`
	if _, err := s.pool.Exec(ctx, query, id, t.Ref, ResourceWorkspace, t.Plan, t.Seats); err != nil {
		return fmt.Errorf("failed to set up tenant resources: %w", err)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, ref string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE tenant_resources
		SET released_at = now()
		WHERE tenant_ref = $1 AND released_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, ref); err != nil {
		return fmt.Errorf("failed to release tenant resources: %w", err)
	}
	return nil
}

// ActiveResources counts unreleased resources held by ref.
func (s *PostgresStore) ActiveResources(ctx context.Context, ref string) (int, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tenant_resources WHERE tenant_ref = $1 AND released_at IS NULL`, ref,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tenant resources: %w", err)
	}
	return n, nil
}
