// Package ledger records which events a consumer has already applied.
//
// An entry is keyed by (consumer, event ID) and only ever goes from absent to
// present. The pipeline never overwrites or deletes one; retention is an
// operator concern.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Outcome is the terminal result recorded for an event.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeFailedPermanent Outcome = "failed-permanent"
)

// Valid reports whether o is a recordable outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailedPermanent
}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger: closed")

	// ErrInvalidEntry is returned by Record for an entry missing its key or outcome.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
)

// Entry is one applied event.
type Entry struct {
	Consumer  string    `json:"consumer"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type,omitempty"`
	TenantRef string    `json:"tenant_ref,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	AppliedAt time.Time `json:"applied_at"`

	// Detail is free text for operators, e.g. the permanent error.
	Detail string `json:"detail,omitempty"`
}

func (e Entry) validate() error {
	if e.Consumer == "" || e.EventID == "" || !e.Outcome.Valid() {
		return ErrInvalidEntry
	}
	return nil
}

// Ledger is shared by every replica of a consumer.
type Ledger interface {
	// Lookup returns the entry for (consumer, eventID), or nil when absent.
	Lookup(ctx context.Context, consumer, eventID string) (*Entry, error)

	// Record inserts e unless an entry with the same key exists. It reports
	// whether e was inserted; an existing entry is left untouched.
	Record(ctx context.Context, e Entry) (bool, error)

	Close() error
}

func stamp(e Entry) Entry {
	if e.AppliedAt.IsZero() {
		e.AppliedAt = time.Now()
	}
	e.AppliedAt = e.AppliedAt.UTC()
	return e
}
