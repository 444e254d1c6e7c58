package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind identifies the class of an external integration point.
type Kind string

const (
	// KindDatabase is the relational database backing the workload. Mandatory.
	KindDatabase Kind = "database"

	// KindDirectoryService is the LDAP directory used for user/group sync.
	KindDirectoryService Kind = "directory-service"

	// KindPeerUnit is another unit of the same application.
	KindPeerUnit Kind = "peer-unit"

	// KindDownstreamConsumer is an application consuming facts from this one.
	KindDownstreamConsumer Kind = "downstream-consumer"
)

// Kinds returns all known dependency kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindDatabase, KindDirectoryService, KindPeerUnit, KindDownstreamConsumer}
}

// Mandatory returns true if the workload cannot be configured without
// at least one ready dependency of this kind.
func (k Kind) Mandatory() bool {
	return k == KindDatabase
}

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindDatabase, KindDirectoryService, KindPeerUnit, KindDownstreamConsumer:
		return nil
	default:
		return fmt.Errorf("invalid dependency kind: %s", k)
	}
}

// State represents the current known state of a dependency.
type State string

const (
	// StateAbsent indicates the integration is declared but has made no contact.
	StateAbsent State = "absent"

	// StatePending indicates the integration exists but is not yet usable.
	StatePending State = "pending"

	// StateReady indicates the integration is usable and its attributes are complete.
	StateReady State = "ready"

	// StateErrored indicates the integration reported a failure on its side.
	StateErrored State = "errored"
)

// IsReady returns true if the dependency can be consumed.
func (s State) IsReady() bool {
	return s == StateReady
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateAbsent, StatePending, StateReady, StateErrored:
		return nil
	default:
		return fmt.Errorf("invalid dependency state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}

// Dependency represents one external integration point.
//
// Attributes are populated only while State is StateReady; for every other
// state the map is empty. The registry enforces this at the upsert boundary.
type Dependency struct {
	// Kind identifies the integration class.
	Kind Kind `json:"kind"`

	// ID distinguishes multiple integrations of the same kind.
	ID string `json:"id"`

	// State is the current known state of the integration.
	State State `json:"state"`

	// Attributes carries endpoint, credential, and search parameters.
	Attributes map[string]string `json:"attributes,omitempty"`

	// UpdatedAt is when this entry was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the unique "<kind>/<id>" key of this dependency.
func (d Dependency) Key() string {
	return string(d.Kind) + "/" + d.ID
}

// Attribute returns the named attribute value, or "" if unset.
func (d Dependency) Attribute(key string) string {
	return d.Attributes[key]
}

// clone returns a deep copy so callers can never alias registry state.
func (d Dependency) clone() Dependency {
	out := d
	if d.Attributes != nil {
		out.Attributes = make(map[string]string, len(d.Attributes))
		for k, v := range d.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Snapshot is an immutable view of all registry entries at one moment.
//
// Entries are sorted by key so iteration order is deterministic, which the
// synthesizer relies on for stable fingerprints.
type Snapshot struct {
	entries []Dependency
	takenAt time.Time
}

// NewSnapshot builds a snapshot from a set of dependencies.
// Intended for tests and for rendering offline; the registry produces
// snapshots of live state via Registry.Snapshot.
func NewSnapshot(deps ...Dependency) Snapshot {
	entries := make([]Dependency, 0, len(deps))
	for _, d := range deps {
		entries = append(entries, d.clone())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key() < entries[j].Key() })
	return Snapshot{entries: entries, takenAt: time.Now()}
}

// All returns every entry in key order.
func (s Snapshot) All() []Dependency {
	out := make([]Dependency, 0, len(s.entries))
	for _, d := range s.entries {
		out = append(out, d.clone())
	}
	return out
}

// ByKind returns all entries of the given kind in key order.
func (s Snapshot) ByKind(kind Kind) []Dependency {
	var out []Dependency
	for _, d := range s.entries {
		if d.Kind == kind {
			out = append(out, d.clone())
		}
	}
	return out
}

// First returns the first ready entry of the given kind, falling back to the
// first entry of any state when none is ready.
func (s Snapshot) First(kind Kind) (Dependency, bool) {
	var fallback *Dependency
	for i := range s.entries {
		if s.entries[i].Kind != kind {
			continue
		}
		if s.entries[i].State.IsReady() {
			return s.entries[i].clone(), true
		}
		if fallback == nil {
			fallback = &s.entries[i]
		}
	}
	if fallback != nil {
		return fallback.clone(), true
	}
	return Dependency{}, false
}

// Get returns the entry with the given kind and id.
func (s Snapshot) Get(kind Kind, id string) (Dependency, bool) {
	for i := range s.entries {
		if s.entries[i].Kind == kind && s.entries[i].ID == id {
			return s.entries[i].clone(), true
		}
	}
	return Dependency{}, false
}

// Satisfied returns true iff every mandatory kind has at least one ready entry.
func (s Snapshot) Satisfied() bool {
	for _, kind := range Kinds() {
		if !kind.Mandatory() {
			continue
		}
		ready := false
		for i := range s.entries {
			if s.entries[i].Kind == kind && s.entries[i].State.IsReady() {
				ready = true
				break
			}
		}
		if !ready {
			return false
		}
	}
	return true
}

// MissingMandatory returns the mandatory kinds without a ready entry.
func (s Snapshot) MissingMandatory() []Kind {
	var missing []Kind
	for _, kind := range Kinds() {
		if !kind.Mandatory() {
			continue
		}
		ready := false
		for i := range s.entries {
			if s.entries[i].Kind == kind && s.entries[i].State.IsReady() {
				ready = true
				break
			}
		}
		if !ready {
			missing = append(missing, kind)
		}
	}
	return missing
}

// Len returns the number of entries in the snapshot.
func (s Snapshot) Len() int {
	return len(s.entries)
}

// TakenAt returns when the snapshot was taken.
func (s Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// InvalidAttributeSetError reports a ready upsert missing required attribute keys.
// The dependency stays in its prior state when this error is returned.
type InvalidAttributeSetError struct {
	// Kind is the dependency kind of the rejected upsert.
	Kind Kind

	// ID is the dependency id of the rejected upsert.
	ID string

	// Missing lists the required attribute keys that were absent or empty.
	Missing []string
}

// Error implements the error interface.
func (e *InvalidAttributeSetError) Error() string {
	return fmt.Sprintf("invalid attribute set for %s/%s: missing %v", e.Kind, e.ID, e.Missing)
}
