package consumer

import (
	"time"

	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/metrics"
)

// Outcome is how a delivery was settled.
type Outcome string

const (
	// OutcomeSucceeded: handler succeeded, ledger written, acked.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeDuplicate: a ledger entry already existed, acked without running the handler.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeRequeued: nacked for redelivery.
	OutcomeRequeued Outcome = "requeued"

	// OutcomeFailedPermanent: permanent error, ledger written, dead-lettered.
	OutcomeFailedPermanent Outcome = "failed_permanent"

	// OutcomeDeadLettered: dead-lettered without a ledger entry (undecodable
	// body or retry ceiling reached).
	OutcomeDeadLettered Outcome = "dead_lettered"

	// OutcomeAbandoned: left unsettled at shutdown for the broker to redeliver.
	OutcomeAbandoned Outcome = "abandoned"
)

// Dead-letter reasons.
const (
	ReasonUndecodable  = "undecodable"
	ReasonRetryCeiling = "retry_ceiling"
)

// Result describes one processed delivery. Hooks receive it after the
// delivery is settled.
type Result struct {
	Consumer  string
	Queue     string
	EventID   string
	EventType string
	TenantRef string
	Attempt   int
	Outcome   Outcome

	// Err is the handler, ledger or broker error behind a non-success outcome.
	Err  error
	Kind failure.Kind

	// HandlerRan is false when the handler was not invoked.
	HandlerRan bool
	Duration   time.Duration
}

// MetricsHook records results in the shared Prometheus collectors.
func MetricsHook(r Result) {
	metrics.DeliveriesTotal.WithLabelValues(r.Consumer, r.EventType, string(r.Outcome)).Inc()
	if r.HandlerRan {
		metrics.HandlerDuration.WithLabelValues(r.Consumer, r.EventType).Observe(r.Duration.Seconds())
	}
	switch r.Outcome {
	case OutcomeDeadLettered, OutcomeFailedPermanent:
		reason := r.Kind.String()
		if r.Outcome == OutcomeDeadLettered && r.Kind == failure.KindTransient {
			reason = ReasonRetryCeiling
		}
		metrics.DeadLettersTotal.WithLabelValues(r.Consumer, reason).Inc()
	case OutcomeAbandoned:
		metrics.AbandonedTotal.WithLabelValues(r.Consumer).Inc()
	}
}
