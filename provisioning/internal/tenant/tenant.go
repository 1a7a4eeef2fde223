// Package tenant defines the tenant lifecycle and the transitions the
// provisioning consumer may apply to it.
package tenant

import (
	"fmt"
	"time"

	"github.com/telhawk-systems/controlplane/common/failure"
)

// State is a tenant lifecycle state.
type State string

const (
	StatePending        State = "pending"
	StateProvisioning   State = "provisioning"
	StateActive         State = "active"
	StateSuspended      State = "suspended"
	StateFailed         State = "failed"
	StateDeprovisioning State = "deprovisioning"
	StateDeprovisioned  State = "deprovisioned"
)

// States lists every lifecycle state.
var States = []State{
	StatePending,
	StateProvisioning,
	StateActive,
	StateSuspended,
	StateFailed,
	StateDeprovisioning,
	StateDeprovisioned,
}

var edges = map[State][]State{
	StatePending:        {StateProvisioning},
	StateProvisioning:   {StateActive, StateFailed, StateDeprovisioning},
	StateActive:         {StateSuspended, StateDeprovisioning},
	StateSuspended:      {StateActive, StateDeprovisioning},
	StateFailed:         {StateProvisioning, StateDeprovisioning},
	StateDeprovisioning: {StateDeprovisioned},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDeprovisioned
}

// Winding reports whether s is on the way out: deprovisioning or done.
func (s State) Winding() bool {
	return s == StateDeprovisioning || s == StateDeprovisioned
}

// Live reports whether the tenant has reached active at least once and is
// not winding down.
func (s State) Live() bool {
	return s == StateActive || s == StateSuspended
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns a business-rule error for a disallowed edge.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return failure.BusinessRulef("tenant transition %s -> %s is not allowed", from, to)
	}
	return nil
}

// Tenant is the narrow view of a tenant the pipeline reads and writes.
type Tenant struct {
	Ref       string
	State     State
	Plan      string
	Seats     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Tenant) String() string {
	return fmt.Sprintf("%s(%s)", t.Ref, t.State)
}
