// Package handler sends the customer notification for each billing event.
//
// Delivery is at-least-once: a crash between a successful send and the
// ledger write resends the message on redelivery. Senders pass the
// event id as an idempotency key so relays that support it can drop the
// duplicate.
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
	"github.com/telhawk-systems/controlplane/notification/internal/directory"
	"github.com/telhawk-systems/controlplane/notification/internal/sender"
	"github.com/telhawk-systems/controlplane/notification/internal/template"
)

// Consumer is the ledger namespace and consumer group of this service.
const Consumer = "notification"

// Handler implements consumer.Handler for the notification queue.
type Handler struct {
	directory directory.Directory
	renderer  *template.Renderer
	sender    sender.Sender
	logger    *logging.Logger
}

// New creates a Handler.
func New(dir directory.Directory, renderer *template.Renderer, s sender.Sender, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		directory: dir,
		renderer:  renderer,
		sender:    s,
		logger:    logger.With(logging.Consumer(Consumer)),
	}
}

func (h *Handler) Handle(ctx context.Context, env *envelope.Envelope) error {
	name, err := template.For(env.EventType)
	if err != nil {
		return err
	}
	data, err := template.DataFor(env)
	if err != nil {
		return err
	}

	recipient, err := h.recipient(ctx, env, data)
	if err != nil {
		return err
	}
	data.Name, data.Email = recipient.Name, recipient.Email

	rendered, err := h.renderer.Render(name, data)
	if err != nil {
		return err
	}

	msg := sender.Message{
		To:        recipient.Email,
		ToName:    recipient.Name,
		Subject:   rendered.Subject,
		Body:      rendered.Body,
		Template:  string(name),
		EventID:   env.EventID,
		TenantRef: env.TenantRef,
	}

	start := time.Now()
	err = h.sender.Send(ctx, msg)
	metrics.NotificationsSent.WithLabelValues(string(name), h.sender.Name(), result(err)).Inc()
	if err != nil {
		return fmt.Errorf("send %s to tenant %s: %w", name, env.TenantRef, err)
	}

	h.logger.Info("notification sent",
		logging.EventID(env.EventID),
		logging.EventType(string(env.EventType)),
		logging.TenantRef(env.TenantRef),
		"template", name,
		"sender", h.sender.Name(),
		logging.Duration(time.Since(start)),
	)
	return nil
}

// recipient resolves the tenant's billing contact. A new subscription may
// be notified before the directory knows the tenant, so the welcome email
// falls back to the address on the event.
func (h *Handler) recipient(ctx context.Context, env *envelope.Envelope, data template.Data) (*directory.Recipient, error) {
	r, err := h.directory.Resolve(ctx, env.TenantRef)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, directory.ErrRecipientNotFound):
		if env.EventType == envelope.TypeSubscriptionCreated && data.Email != "" {
			return &directory.Recipient{TenantRef: env.TenantRef, Email: data.Email}, nil
		}
		return nil, failure.BusinessRule(fmt.Errorf("tenant %s: %w", env.TenantRef, err))
	default:
		return nil, failure.Transient(fmt.Errorf("resolve recipient for tenant %s: %w", env.TenantRef, err))
	}
}

func result(err error) string {
	if err == nil {
		return "sent"
	}
	return failure.KindOf(err).String()
}
