// Package registry tracks the lifecycle and attributes of every external
// integration point the workload depends on.
//
// The registry is the single source of truth the reconcile loop reads
// through immutable snapshots. All mutations are atomic: concurrent readers
// see either the previous entry or the new one, never a partial write.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rangerd/rangerd/pkg/telemetry"
)

// Requirements supplies the attribute keys a dependency of a given kind
// must carry before it can be marked ready. Implemented by role profiles.
type Requirements interface {
	// RequiredAttributes returns the attribute keys required for the kind.
	// An empty slice means any attribute set is acceptable.
	RequiredAttributes(kind Kind) []string
}

// RequirementsFunc adapts a function to the Requirements interface.
type RequirementsFunc func(kind Kind) []string

// RequiredAttributes implements Requirements.
func (f RequirementsFunc) RequiredAttributes(kind Kind) []string {
	return f(kind)
}

// Journal persists registry mutations so state survives restarts.
// A failed journal write aborts the mutation.
type Journal interface {
	// DependencyUpserted records an inserted or replaced entry.
	DependencyUpserted(dep Dependency) error

	// DependencyRemoved records a removal.
	DependencyRemoved(kind Kind, id string) error
}

// Config configures a Registry.
type Config struct {
	// Requirements validates attribute completeness on ready upserts.
	Requirements Requirements

	// Journal, if set, is notified of every mutation before it commits.
	Journal Journal

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *telemetry.Logger

	// Metrics, if set, receives dependency gauges after every mutation.
	Metrics *telemetry.Metrics

	// Clock overrides the timestamp source. Defaults to time.Now.
	Clock func() time.Time
}

// Registry is a thread-safe dependency registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Dependency

	reqs    Requirements
	journal Journal
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	clock   func() time.Time
}

// New creates a registry. Mandatory kinds start with no entries; callers
// declare them at startup via Declare so absence is visible immediately.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		entries: make(map[string]Dependency),
		reqs:    cfg.Requirements,
		journal: cfg.Journal,
		logger:  logger.NewComponentLogger("registry"),
		metrics: cfg.Metrics,
		clock:   clock,
	}
}

// Declare creates an absent entry for the given kind and id if none exists.
// Declaring an existing entry is a no-op. Mandatory kinds are declared
// statically at startup so a missing database shows up as absent rather
// than as an unknown key.
func (r *Registry) Declare(kind Kind, id string) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("dependency id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(kind) + "/" + id
	if _, ok := r.entries[key]; ok {
		return nil
	}

	dep := Dependency{Kind: kind, ID: id, State: StateAbsent, UpdatedAt: r.clock()}
	if r.journal != nil {
		if err := r.journal.DependencyUpserted(dep); err != nil {
			return fmt.Errorf("journaling declaration of %s: %w", key, err)
		}
	}
	r.entries[key] = dep
	r.logger.WithDependency(string(kind), id).Debug("dependency declared")
	r.updateGaugesLocked()
	return nil
}

// Upsert inserts or atomically replaces the entry for (kind, id).
//
// A ready upsert must carry every required attribute key for the kind with
// a non-empty value; otherwise it fails with *InvalidAttributeSetError and
// the prior entry is kept untouched. Attributes passed with a non-ready
// state are dropped, never stored.
func (r *Registry) Upsert(kind Kind, id string, state State, attributes map[string]string) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("dependency id must not be empty")
	}

	dep := Dependency{Kind: kind, ID: id, State: state, UpdatedAt: r.clock()}
	if state.IsReady() {
		if missing := r.missingAttributes(kind, attributes); len(missing) > 0 {
			return &InvalidAttributeSetError{Kind: kind, ID: id, Missing: missing}
		}
		dep.Attributes = make(map[string]string, len(attributes))
		for k, v := range attributes {
			dep.Attributes[k] = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.journal != nil {
		if err := r.journal.DependencyUpserted(dep); err != nil {
			return fmt.Errorf("journaling upsert of %s: %w", dep.Key(), err)
		}
	}
	r.entries[dep.Key()] = dep
	r.logger.WithDependency(string(kind), id).
		WithField("state", string(state)).
		Info("dependency upserted")
	r.updateGaugesLocked()
	return nil
}

// Remove deletes the entry for (kind, id). Mandatory kinds are not deleted
// but reverted to absent, so their absence stays visible. Removing an
// unknown key is a no-op.
func (r *Registry) Remove(kind Kind, id string) error {
	if err := kind.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(kind) + "/" + id
	prev, ok := r.entries[key]
	if !ok {
		return nil
	}

	if kind.Mandatory() {
		dep := Dependency{Kind: kind, ID: id, State: StateAbsent, UpdatedAt: r.clock()}
		if r.journal != nil {
			if err := r.journal.DependencyUpserted(dep); err != nil {
				return fmt.Errorf("journaling removal of %s: %w", key, err)
			}
		}
		r.entries[key] = dep
	} else {
		if r.journal != nil {
			if err := r.journal.DependencyRemoved(kind, id); err != nil {
				return fmt.Errorf("journaling removal of %s: %w", key, err)
			}
		}
		delete(r.entries, key)
	}

	r.logger.WithDependency(string(kind), id).
		WithField("previous_state", string(prev.State)).
		Info("dependency removed")
	r.updateGaugesLocked()
	return nil
}

// Snapshot returns an immutable copy of all entries. Later mutations of the
// registry do not affect snapshots already taken.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deps := make([]Dependency, 0, len(r.entries))
	for _, d := range r.entries {
		deps = append(deps, d)
	}
	return NewSnapshot(deps...)
}

// Satisfied reports whether every mandatory kind has at least one ready entry.
func (r *Registry) Satisfied() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, kind := range Kinds() {
		if !kind.Mandatory() {
			continue
		}
		if !r.readyLocked(kind) {
			return false
		}
	}
	return true
}

// Restore seeds the registry from persisted entries at startup. Entries are
// validated the same way upserts are; an invalid persisted entry aborts the
// restore. Restore does not write to the journal.
func (r *Registry) Restore(deps []Dependency) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range deps {
		if err := d.Kind.Validate(); err != nil {
			return fmt.Errorf("restoring %s/%s: %w", d.Kind, d.ID, err)
		}
		if err := d.State.Validate(); err != nil {
			return fmt.Errorf("restoring %s/%s: %w", d.Kind, d.ID, err)
		}
		if d.State.IsReady() {
			if missing := r.missingAttributes(d.Kind, d.Attributes); len(missing) > 0 {
				return &InvalidAttributeSetError{Kind: d.Kind, ID: d.ID, Missing: missing}
			}
		} else {
			d.Attributes = nil
		}
		r.entries[d.Key()] = d.clone()
	}
	r.logger.WithField("entries", len(deps)).Info("registry restored from store")
	r.updateGaugesLocked()
	return nil
}

// missingAttributes returns required keys absent or empty in attrs.
func (r *Registry) missingAttributes(kind Kind, attrs map[string]string) []string {
	if r.reqs == nil {
		return nil
	}
	var missing []string
	for _, key := range r.reqs.RequiredAttributes(kind) {
		if attrs[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// readyLocked reports whether any entry of kind is ready. Callers hold r.mu.
func (r *Registry) readyLocked(kind Kind) bool {
	for _, d := range r.entries {
		if d.Kind == kind && d.State.IsReady() {
			return true
		}
	}
	return false
}

// updateGaugesLocked recomputes dependency gauges. Callers hold r.mu.
func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	counts := make(map[Kind]map[State]int)
	for _, d := range r.entries {
		if counts[d.Kind] == nil {
			counts[d.Kind] = make(map[State]int)
		}
		counts[d.Kind][d.State]++
	}
	for _, kind := range Kinds() {
		for _, state := range []State{StateAbsent, StatePending, StateReady, StateErrored} {
			r.metrics.SetDependencyCount(string(kind), string(state), float64(counts[kind][state]))
		}
	}

	satisfied := true
	for _, kind := range Kinds() {
		if kind.Mandatory() && !r.readyLocked(kind) {
			satisfied = false
			break
		}
	}
	r.metrics.SetSatisfied(satisfied)
}
