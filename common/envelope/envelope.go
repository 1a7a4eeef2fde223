// Package envelope defines the message contract shared by the billing publisher
// and every consumer of billing events.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/telhawk-systems/controlplane/common/failure"
)

// Type is the enumerated tag of a billing event.
type Type string

const (
	TypeSubscriptionCreated   Type = "subscription.created"
	TypeSubscriptionCancelled Type = "subscription.cancelled"
	TypePaymentFailed         Type = "payment.failed"
	TypePaymentRecovered      Type = "payment.recovered"
)

// Types lists every event type the pipeline understands.
var Types = []Type{
	TypeSubscriptionCreated,
	TypeSubscriptionCancelled,
	TypePaymentFailed,
	TypePaymentRecovered,
}

// Known reports whether t is one of Types.
func (t Type) Known() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Envelope is one business event as carried on a queue.
type Envelope struct {
	// EventID is assigned once per logical business event and is the
	// deduplication key everywhere downstream.
	EventID string `json:"event_id"`

	EventType Type `json:"event_type"`

	// TenantRef correlates the event with a tenant. Never empty.
	TenantRef string `json:"tenant_ref"`

	// Payload is the type-specific body. Opaque to the broker.
	Payload json.RawMessage `json:"payload,omitempty"`

	// OccurredAt is the source system's timestamp, not the enqueue time.
	OccurredAt time.Time `json:"occurred_at"`

	// Attempt counts redeliveries. Set by the broker adapter, starts at 0.
	Attempt int `json:"attempt"`
}

var (
	ErrMissingEventID   = errors.New("event_id is required")
	ErrMissingTenantRef = errors.New("tenant_ref is required")
	ErrUnknownType      = errors.New("unknown event_type")
	ErrNegativeAttempt  = errors.New("attempt must not be negative")
)

// Validate checks the fields every consumer relies on. Failures are permanent
// payload errors.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return failure.Payload(ErrMissingEventID)
	}
	if strings.TrimSpace(e.TenantRef) == "" {
		return failure.Payload(ErrMissingTenantRef)
	}
	if !e.EventType.Known() {
		return failure.Payload(fmt.Errorf("%w: %q", ErrUnknownType, e.EventType))
	}
	if e.Attempt < 0 {
		return failure.Payload(ErrNegativeAttempt)
	}
	return nil
}

// Marshal encodes the envelope in its wire format.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a wire-format envelope. It does not validate.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, failure.Payload(fmt.Errorf("decode envelope: %w", err))
	}
	return &env, nil
}

// eventNamespace scopes derived event IDs so they cannot collide with other
// UUIDv5 users.
var eventNamespace = uuid.MustParse("6f1d2c4e-3b8a-5e7f-9a10-2c4b6d8e0f13")

// NewEventID derives a stable event ID from the originating system's own event
// identifier. A provider retrying the same notification yields the same ID, so
// downstream deduplication collapses the duplicates.
func NewEventID(source, sourceEventID string, t Type) string {
	name := source + ":" + sourceEventID + ":" + string(t)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// New builds an envelope with an encoded payload.
func New(eventID string, t Type, tenantRef string, occurredAt time.Time, payload any) (*Envelope, error) {
	env := &Envelope{
		EventID:    eventID,
		EventType:  t,
		TenantRef:  tenantRef,
		OccurredAt: occurredAt.UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}
