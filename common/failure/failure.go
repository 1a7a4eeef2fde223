// Package failure classifies pipeline errors into the kinds that decide how a
// message is settled with the broker.
//
// Handlers wrap their errors with one of the constructors below. Anything left
// unclassified is treated as Transient, so an unexpected error requeues the
// message instead of dropping it.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the broker-facing category of an error.
type Kind int

const (
	// KindTransient covers infrastructure that is temporarily unreachable.
	// The message is requeued and retried up to the configured ceiling.
	KindTransient Kind = iota

	// KindPayload covers malformed or unknown events. Dead-lettered, never retried.
	KindPayload

	// KindBusinessRule covers events that are well formed but violate a
	// lifecycle rule, usually pointing at corrupted upstream sequencing.
	// Dead-lettered and alerted on.
	KindBusinessRule

	// KindConfig covers missing or invalid startup configuration. The process
	// refuses to start.
	KindConfig
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPayload:
		return "permanent_payload"
	case KindBusinessRule:
		return "permanent_business_rule"
	case KindConfig:
		return "configuration_fatal"
	default:
		return "unknown"
	}
}

// Permanent reports whether errors of this kind must never be retried.
func (k Kind) Permanent() bool {
	return k == KindPayload || k == KindBusinessRule || k == KindConfig
}

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as a retryable infrastructure failure.
func Transient(err error) error {
	return wrap(KindTransient, err)
}

// Payload marks err as a permanent payload failure.
func Payload(err error) error {
	return wrap(KindPayload, err)
}

// BusinessRule marks err as a permanent business-rule violation.
func BusinessRule(err error) error {
	return wrap(KindBusinessRule, err)
}

// Config marks err as a fatal configuration error.
func Config(err error) error {
	return wrap(KindConfig, err)
}

// Payloadf formats a permanent payload failure.
func Payloadf(format string, args ...any) error {
	return Payload(fmt.Errorf(format, args...))
}

// BusinessRulef formats a permanent business-rule violation.
func BusinessRulef(format string, args ...any) error {
	return BusinessRule(fmt.Errorf(format, args...))
}

// Configf formats a fatal configuration error.
func Configf(format string, args ...any) error {
	return Config(fmt.Errorf(format, args...))
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are Transient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err).Permanent()
}
