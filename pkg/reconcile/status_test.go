package reconcile

import (
	"encoding/json"
	"testing"
)

func TestPhase_Validate(t *testing.T) {
	valid := []Phase{PhaseBlocked, PhaseConfiguring, PhaseStarting, PhaseActive, PhaseError}
	for _, p := range valid {
		if err := p.Validate(); err != nil {
			t.Errorf("Expected phase %q to be valid, got %v", p, err)
		}
	}
	if err := Phase("rebooting").Validate(); err == nil {
		t.Error("Expected error for unknown phase, got nil")
	}
}

func TestPhase_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(PhaseConfiguring)
	if err != nil {
		t.Fatalf("Failed to marshal phase: %v", err)
	}
	if string(data) != `"configuring"` {
		t.Errorf("Expected %q, got %q", `"configuring"`, string(data))
	}

	var p Phase
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("Failed to unmarshal phase: %v", err)
	}
	if p != PhaseConfiguring {
		t.Errorf("Expected %q, got %q", PhaseConfiguring, p)
	}

	if err := json.Unmarshal([]byte(`"rebooting"`), &p); err == nil {
		t.Error("Expected error for unknown phase, got nil")
	}
}

func TestStatusKind_Validate(t *testing.T) {
	valid := []StatusKind{StatusBlocked, StatusMaintenance, StatusActive, StatusError}
	for _, k := range valid {
		if err := k.Validate(); err != nil {
			t.Errorf("Expected kind %q to be valid, got %v", k, err)
		}
	}
	if err := StatusKind("degraded").Validate(); err == nil {
		t.Error("Expected error for unknown kind, got nil")
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   string
	}{
		{"blocked", Blocked("missing mandatory dependency: database"), "blocked: missing mandatory dependency: database"},
		{"maintenance", Maintenance("applying configuration"), "maintenance: applying configuration"},
		{"active", Active(), "active"},
		{"error", Errored("apply failed: disk full"), "error: apply failed: disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
