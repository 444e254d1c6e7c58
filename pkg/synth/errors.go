package synth

import "fmt"

// InvalidConfigurationError reports a synthesis-time validation failure.
// Synthesis is all-or-nothing: when this error is returned no bundle was
// produced and nothing was partially rendered.
type InvalidConfigurationError struct {
	// Field is the option or derived input that failed.
	Field string

	// Rule describes the violated constraint.
	Rule string
}

// Error implements the error interface.
func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Rule)
}
