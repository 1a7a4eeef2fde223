package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("notification_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.up.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return pool
}

func insertRecipient(t *testing.T, pool *pgxpool.Pool, r Recipient, billing bool, createdAt time.Time) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO recipients (id, tenant_ref, email, display_name, billing_contact, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), r.TenantRef, r.Email, r.Name, billing, createdAt)
	require.NoError(t, err)
}

func TestPostgresDirectory(t *testing.T) {
	pool := setupTestDatabase(t)
	d := NewPostgres(pool)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := fakeRecipient("t-42")
	billing := fakeRecipient("t-42")
	insertRecipient(t, pool, first, false, base)
	insertRecipient(t, pool, billing, true, base.Add(time.Hour))

	got, err := d.Resolve(ctx, "t-42")
	require.NoError(t, err)
	assert.Equal(t, billing.Email, got.Email, "billing contact wins over older users")

	_, err = pool.Exec(ctx, `UPDATE recipients SET disabled_at = now() WHERE email = $1`, billing.Email)
	require.NoError(t, err)
	got, err = d.Resolve(ctx, "t-42")
	require.NoError(t, err)
	assert.Equal(t, first.Email, got.Email)

	_, err = d.Resolve(ctx, "t-unknown")
	assert.ErrorIs(t, err, ErrRecipientNotFound)
}
