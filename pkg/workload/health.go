package workload

import "fmt"

// HealthState classifies a single health observation of the managed
// service.
type HealthState string

const (
	// HealthHealthy means the service answered its probe successfully.
	HealthHealthy HealthState = "healthy"

	// HealthUnhealthy means the service was reachable and reported a
	// failing condition.
	HealthUnhealthy HealthState = "unhealthy"

	// HealthUnknown means the probe could not determine the state, for
	// example because the endpoint was unreachable.
	HealthUnknown HealthState = "unknown"
)

// Validate checks if the health state is valid.
func (s HealthState) Validate() error {
	switch s {
	case HealthHealthy, HealthUnhealthy, HealthUnknown:
		return nil
	default:
		return fmt.Errorf("invalid health state: %s", s)
	}
}

// Health is one observation of the managed service. Probes never fail;
// anything that prevents a determination is reported as HealthUnknown
// with the reason attached.
type Health struct {
	State  HealthState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// Healthy returns a healthy observation.
func Healthy() Health {
	return Health{State: HealthHealthy}
}

// Unhealthy returns an unhealthy observation with its reason.
func Unhealthy(reason string) Health {
	return Health{State: HealthUnhealthy, Reason: reason}
}

// Unknown returns an indeterminate observation with its reason.
func Unknown(reason string) Health {
	return Health{State: HealthUnknown, Reason: reason}
}
