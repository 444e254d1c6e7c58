package gate

import (
	"time"
)

// Severity classifies how a violation affects admission.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the bundle.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the bundle.
	SeverityError Severity = "error"

	// SeverityCritical blocks the bundle.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a single admission policy with its Rego source.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled marks the policy as active.
	Enabled bool `json:"enabled"`
}

// Violation is a single admission finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Rule identifies the rule within the policy.
	Rule string `json:"rule,omitempty"`

	// Message describes what the bundle violated.
	Message string `json:"message"`

	// Severity is the finding severity.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating a bundle against all policies.
type Decision struct {
	// Allowed is true when no blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking findings, including policies that failed
	// to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Denial returns the first blocking violation, or nil when allowed.
func (d Decision) Denial() *Violation {
	if len(d.Violations) == 0 {
		return nil
	}
	return &d.Violations[0]
}
