// Package handler applies billing events to the tenant lifecycle.
//
// The handler is idempotent on current state alone: replaying any event
// against the state it produced is a no-op, so redelivery after a crash
// between the effect and the ledger write never provisions twice.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/metrics"
	"github.com/telhawk-systems/controlplane/provisioning/internal/store"
	"github.com/telhawk-systems/controlplane/provisioning/internal/tenant"
)

// Consumer is the ledger namespace and consumer group of this service.
const Consumer = "provisioning"

// DefaultStaleAfter is how long a tenant may sit in provisioning before a
// redelivered subscription.created resumes it.
const DefaultStaleAfter = 2 * time.Minute

var (
	// ErrAwaitingTenant means the event arrived before the tenant was
	// provisioned. Redelivery waits for subscription.created to land.
	ErrAwaitingTenant = errors.New("tenant not provisioned yet")

	// ErrProvisioningInProgress means another worker is provisioning the
	// tenant right now.
	ErrProvisioningInProgress = errors.New("tenant provisioning in progress")
)

// Handler implements consumer.Handler for the provisioning queue.
type Handler struct {
	store      store.Store
	resources  store.Resources
	logger     *logging.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.staleAfter = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler.
func New(s store.Store, r store.Resources, logger *logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		store:      s,
		resources:  r,
		logger:     logger.With(logging.Consumer(Consumer)),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle dispatches on the event type.
func (h *Handler) Handle(ctx context.Context, env *envelope.Envelope) error {
	switch env.EventType {
	case envelope.TypeSubscriptionCreated:
		return h.subscriptionCreated(ctx, env)
	case envelope.TypePaymentFailed:
		return h.paymentFailed(ctx, env)
	case envelope.TypePaymentRecovered:
		return h.paymentRecovered(ctx, env)
	case envelope.TypeSubscriptionCancelled:
		return h.subscriptionCancelled(ctx, env)
	default:
		return failure.Payloadf("unsupported event type %q", env.EventType)
	}
}

func (h *Handler) subscriptionCreated(ctx context.Context, env *envelope.Envelope) error {
	var p envelope.SubscriptionCreated
	if err := envelope.DecodePayload(env, &p); err != nil {
		return err
	}

	t, err := h.store.Get(ctx, env.TenantRef)
	if errors.Is(err, store.ErrTenantNotFound) {
		t, err = h.store.CreatePending(ctx, tenant.Tenant{Ref: env.TenantRef, Plan: p.Plan, Seats: p.Seats})
	}
	if err != nil {
		return err
	}

	switch t.State {
	case tenant.StatePending, tenant.StateFailed:
		if t, err = h.move(ctx, env, t, tenant.StateProvisioning); err != nil {
			return err
		}
	case tenant.StateProvisioning:
		if age := h.now().Sub(t.UpdatedAt); age < h.staleAfter {
			return failure.Transient(fmt.Errorf("%w: %s for %s", ErrProvisioningInProgress, t.Ref, age.Round(time.Second)))
		}
		h.logger.Warn("resuming stale provisioning",
			logging.EventID(env.EventID),
			logging.TenantRef(t.Ref),
			"since", t.UpdatedAt,
		)
		if t, err = h.move(ctx, env, t, tenant.StateFailed); err != nil {
			return err
		}
		if t, err = h.move(ctx, env, t, tenant.StateProvisioning); err != nil {
			return err
		}
	case tenant.StateActive, tenant.StateSuspended:
		h.skip(env, t, "already provisioned")
		return nil
	default:
		return failure.BusinessRulef("tenant %s is %s, cannot provision", t.Ref, t.State)
	}

	return h.provision(ctx, env, t)
}

// provision sets up resources for a tenant in the provisioning state. A
// setup failure parks the tenant in failed so the next attempt re-enters
// through the failed -> provisioning edge.
func (h *Handler) provision(ctx context.Context, env *envelope.Envelope, t *tenant.Tenant) error {
	if err := h.resources.Setup(ctx, t); err != nil {
		setupErr := fmt.Errorf("failed to set up tenant %s: %w", t.Ref, err)
		if _, moveErr := h.move(ctx, env, t, tenant.StateFailed); moveErr != nil {
			h.logger.Error("failed to park tenant after setup failure",
				logging.EventID(env.EventID),
				logging.TenantRef(t.Ref),
				logging.Error(moveErr),
			)
		}
		return setupErr
	}
	_, err := h.move(ctx, env, t, tenant.StateActive)
	return err
}

func (h *Handler) paymentFailed(ctx context.Context, env *envelope.Envelope) error {
	t, err := h.get(ctx, env)
	if err != nil {
		return err
	}
	switch {
	case t.State == tenant.StateActive:
		_, err = h.move(ctx, env, t, tenant.StateSuspended)
		return err
	case t.State == tenant.StateSuspended:
		h.skip(env, t, "already suspended")
		return nil
	case t.State.Winding():
		h.skip(env, t, "tenant winding down")
		return nil
	default:
		return awaiting(t)
	}
}

func (h *Handler) paymentRecovered(ctx context.Context, env *envelope.Envelope) error {
	t, err := h.get(ctx, env)
	if err != nil {
		return err
	}
	switch {
	case t.State == tenant.StateSuspended:
		_, err = h.move(ctx, env, t, tenant.StateActive)
		return err
	case t.State == tenant.StateActive:
		h.skip(env, t, "already active")
		return nil
	case t.State.Winding():
		h.skip(env, t, "tenant winding down")
		return nil
	default:
		return awaiting(t)
	}
}

func (h *Handler) subscriptionCancelled(ctx context.Context, env *envelope.Envelope) error {
	var p envelope.SubscriptionCancelled
	if err := envelope.DecodePayload(env, &p); err != nil {
		return err
	}

	t, err := h.get(ctx, env)
	if err != nil {
		return err
	}

	switch t.State {
	case tenant.StateDeprovisioned:
		h.skip(env, t, "already deprovisioned")
		return nil
	case tenant.StatePending:
		return awaiting(t)
	case tenant.StateDeprovisioning:
	default:
		if t, err = h.move(ctx, env, t, tenant.StateDeprovisioning); err != nil {
			return err
		}
	}

	if err := h.resources.Release(ctx, t.Ref); err != nil {
		return fmt.Errorf("failed to release tenant %s: %w", t.Ref, err)
	}
	if _, err := h.move(ctx, env, t, tenant.StateDeprovisioned); err != nil {
		return err
	}
	h.logger.Info("tenant deprovisioned",
		logging.EventID(env.EventID),
		logging.TenantRef(t.Ref),
		"reason", p.Reason,
	)
	return nil
}

func (h *Handler) get(ctx context.Context, env *envelope.Envelope) (*tenant.Tenant, error) {
	t, err := h.store.Get(ctx, env.TenantRef)
	if errors.Is(err, store.ErrTenantNotFound) {
		return nil, failure.Transient(fmt.Errorf("%w: %s does not exist", ErrAwaitingTenant, env.TenantRef))
	}
	return t, err
}

// move applies one compare-and-set transition. A concurrent change is
// transient: the redelivery re-reads the tenant and decides again.
func (h *Handler) move(ctx context.Context, env *envelope.Envelope, t *tenant.Tenant, to tenant.State) (*tenant.Tenant, error) {
	next, err := h.store.Transition(ctx, t.Ref, t.State, to)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, failure.Transient(err)
		}
		return nil, err
	}
	metrics.TenantTransitions.WithLabelValues(string(t.State), string(to)).Inc()
	h.logger.Info("tenant transitioned",
		logging.EventID(env.EventID),
		logging.EventType(string(env.EventType)),
		logging.TenantRef(t.Ref),
		"from", t.State,
		"to", to,
	)
	return next, nil
}

func (h *Handler) skip(env *envelope.Envelope, t *tenant.Tenant, why string) {
	h.logger.Debug("event has no effect",
		logging.EventID(env.EventID),
		logging.EventType(string(env.EventType)),
		logging.TenantRef(t.Ref),
		"state", t.State,
		"reason", why,
	)
}

func awaiting(t *tenant.Tenant) error {
	return failure.Transient(fmt.Errorf("%w: %s is %s", ErrAwaitingTenant, t.Ref, t.State))
}
