// Package store persists tenant lifecycle state and the resources a tenant
// owns. Every state change is a compare-and-set so concurrent replicas never
// apply conflicting transitions.
package store

import (
	"context"
	"errors"

	"github.com/telhawk-systems/controlplane/provisioning/internal/tenant"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrStateConflict means the tenant was not in the expected state when a
	// transition was attempted.
	ErrStateConflict = errors.New("tenant state changed concurrently")
)

// Store reads and transitions tenants.
type Store interface {
	// Get returns ErrTenantNotFound when the tenant does not exist.
	Get(ctx context.Context, ref string) (*tenant.Tenant, error)

	// CreatePending inserts t in the pending state unless a tenant with the
	// same ref exists. It returns the stored tenant either way.
	CreatePending(ctx context.Context, t tenant.Tenant) (*tenant.Tenant, error)

	// Transition moves ref from one state to another. Disallowed edges are
	// business-rule errors; a tenant no longer in from yields ErrStateConflict.
	Transition(ctx context.Context, ref string, from, to tenant.State) (*tenant.Tenant, error)
}

// Resources sets up and releases what a tenant owns. Both operations are
// idempotent.
type Resources interface {
	Setup(ctx context.Context, t *tenant.Tenant) error
	Release(ctx context.Context, ref string) error
}
