package reconcile

import (
	"encoding/json"
	"fmt"
)

// Phase is the reconciliation state machine position.
type Phase string

const (
	// PhaseBlocked means a mandatory dependency is not ready.
	PhaseBlocked Phase = "blocked"

	// PhaseConfiguring means configuration is being synthesized.
	PhaseConfiguring Phase = "configuring"

	// PhaseStarting means configuration was applied and the workload has
	// not confirmed health yet.
	PhaseStarting Phase = "starting"

	// PhaseActive means the workload confirmed health.
	PhaseActive Phase = "active"

	// PhaseError means the pass failed; the next trigger re-attempts from
	// scratch.
	PhaseError Phase = "error"
)

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseBlocked, PhaseConfiguring, PhaseStarting, PhaseActive, PhaseError:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	phase := Phase(s)
	if err := phase.Validate(); err != nil {
		return err
	}
	*p = phase
	return nil
}

// StatusKind is the externally reported status class.
type StatusKind string

const (
	// StatusBlocked reports that reconciliation cannot proceed.
	StatusBlocked StatusKind = "blocked"

	// StatusMaintenance reports ongoing activity.
	StatusMaintenance StatusKind = "maintenance"

	// StatusActive reports a healthy converged workload.
	StatusActive StatusKind = "active"

	// StatusError reports a failed pass.
	StatusError StatusKind = "error"
)

// Validate checks if the status kind is valid.
func (k StatusKind) Validate() error {
	switch k {
	case StatusBlocked, StatusMaintenance, StatusActive, StatusError:
		return nil
	default:
		return fmt.Errorf("invalid status kind: %s", k)
	}
}

// Status is the externally reported workload status after a pass.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

// String renders the status the way operators see it.
func (s Status) String() string {
	if s.Message == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}

// Blocked reports that a mandatory dependency is missing.
func Blocked(reason string) Status {
	return Status{Kind: StatusBlocked, Message: reason}
}

// Maintenance reports what the pass is currently doing.
func Maintenance(activity string) Status {
	return Status{Kind: StatusMaintenance, Message: activity}
}

// Active reports a healthy converged workload.
func Active() Status {
	return Status{Kind: StatusActive}
}

// Errored reports a failed pass with its detail.
func Errored(detail string) Status {
	return Status{Kind: StatusError, Message: detail}
}
