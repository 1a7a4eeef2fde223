package database

import (
	"context"
	"time"
)

// Store call budgets. The consumer runtime's handler timeout bounds the
// whole event; these bound one statement inside it.
const (
	// QueryTimeout covers single-row reads: tenant, recipient and ledger lookups.
	QueryTimeout = 5 * time.Second

	// WriteTimeout covers compare-and-set transitions, resource rows and
	// ledger inserts.
	WriteTimeout = 10 * time.Second
)

// QueryContext derives a context bounded by QueryTimeout. A sooner parent
// deadline still applies.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, QueryTimeout)
}

// WriteContext derives a context bounded by WriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, WriteTimeout)
}
