package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across services.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldConsumer  = "consumer"
	FieldQueue     = "queue"
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldTenantRef = "tenant_ref"
	FieldAttempt   = "attempt"
	FieldOutcome   = "outcome"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Consumer returns a slog attribute for the consumer group name.
func Consumer(name string) slog.Attr {
	return slog.String(FieldConsumer, name)
}

// Queue returns a slog attribute for a queue name.
func Queue(name string) slog.Attr {
	return slog.String(FieldQueue, name)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// TenantRef returns a slog attribute for a tenant reference.
func TenantRef(ref string) slog.Attr {
	return slog.String(FieldTenantRef, ref)
}

// Attempt returns a slog attribute for a redelivery counter.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Outcome returns a slog attribute for a delivery outcome.
func Outcome(o string) slog.Attr {
	return slog.String(FieldOutcome, o)
}

// Duration returns a slog attribute for an elapsed duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
