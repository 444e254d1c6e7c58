package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// Mock requirements for testing
type mockRequirements struct {
	required map[Kind][]string
}

func newMockRequirements() *mockRequirements {
	return &mockRequirements{
		required: map[Kind][]string{
			KindDatabase:         {"dbname", "host", "port", "user", "password"},
			KindDirectoryService: {"admin_password", "base_dn", "ldap_url"},
		},
	}
}

func (m *mockRequirements) RequiredAttributes(kind Kind) []string {
	return m.required[kind]
}

// Mock journal for testing
type mockJournal struct {
	mu       sync.Mutex
	upserts  []Dependency
	removals []string
	failNext bool
}

func (m *mockJournal) DependencyUpserted(dep Dependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("journal write failed")
	}
	m.upserts = append(m.upserts, dep)
	return nil
}

func (m *mockJournal) DependencyRemoved(kind Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("journal write failed")
	}
	m.removals = append(m.removals, string(kind)+"/"+id)
	return nil
}

func readyDatabaseAttrs() map[string]string {
	return map[string]string{
		"dbname":   "ranger",
		"host":     "db.example.internal",
		"port":     "5432",
		"user":     "ranger",
		"password": "s3cretpw1",
	}
}

func TestRegistry_Upsert_Ready(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Upsert(KindDatabase, "primary", StateReady, readyDatabaseAttrs()); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}

	dep, ok := r.Snapshot().Get(KindDatabase, "primary")
	if !ok {
		t.Fatal("Expected entry after upsert")
	}
	if dep.State != StateReady {
		t.Errorf("Expected ready state, got %s", dep.State)
	}
	if dep.Attribute("host") != "db.example.internal" {
		t.Errorf("Expected host attribute, got %s", dep.Attribute("host"))
	}
}

func TestRegistry_Upsert_ReadyMissingAttributes(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	// Seed a pending entry so we can verify the failed upsert keeps it.
	if err := r.Upsert(KindDatabase, "primary", StatePending, nil); err != nil {
		t.Fatalf("Expected pending upsert to succeed, got error: %v", err)
	}

	attrs := readyDatabaseAttrs()
	delete(attrs, "password")
	attrs["port"] = ""

	err := r.Upsert(KindDatabase, "primary", StateReady, attrs)
	if err == nil {
		t.Fatal("Expected error for missing attributes, got nil")
	}

	var invalid *InvalidAttributeSetError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidAttributeSetError, got %T", err)
	}
	if len(invalid.Missing) != 2 {
		t.Errorf("Expected 2 missing keys, got %v", invalid.Missing)
	}

	// Prior entry must be untouched.
	dep, ok := r.Snapshot().Get(KindDatabase, "primary")
	if !ok {
		t.Fatal("Expected prior entry to survive failed upsert")
	}
	if dep.State != StatePending {
		t.Errorf("Expected pending state after failed upsert, got %s", dep.State)
	}
}

func TestRegistry_Upsert_NonReadyDropsAttributes(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Upsert(KindDatabase, "primary", StatePending, readyDatabaseAttrs()); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}

	dep, _ := r.Snapshot().Get(KindDatabase, "primary")
	if len(dep.Attributes) != 0 {
		t.Errorf("Expected no attributes on pending entry, got %v", dep.Attributes)
	}
}

func TestRegistry_Upsert_InvalidInputs(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Upsert(Kind("cache"), "x", StateReady, nil); err == nil {
		t.Error("Expected error for unknown kind, got nil")
	}
	if err := r.Upsert(KindPeerUnit, "x", State("bogus"), nil); err == nil {
		t.Error("Expected error for unknown state, got nil")
	}
	if err := r.Upsert(KindPeerUnit, "", StatePending, nil); err == nil {
		t.Error("Expected error for empty id, got nil")
	}
}

func TestRegistry_Upsert_Replaces(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Upsert(KindDatabase, "primary", StateReady, readyDatabaseAttrs()); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}

	attrs := readyDatabaseAttrs()
	attrs["host"] = "db2.example.internal"
	if err := r.Upsert(KindDatabase, "primary", StateReady, attrs); err != nil {
		t.Fatalf("Expected replacement upsert to succeed, got error: %v", err)
	}

	snap := r.Snapshot()
	if snap.Len() != 1 {
		t.Fatalf("Expected 1 entry after replacement, got %d", snap.Len())
	}
	dep, _ := snap.Get(KindDatabase, "primary")
	if dep.Attribute("host") != "db2.example.internal" {
		t.Errorf("Expected replaced host, got %s", dep.Attribute("host"))
	}
}

func TestRegistry_Remove_Optional(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Upsert(KindPeerUnit, "unit-1", StateReady, map[string]string{"address": "10.0.0.2"}); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}
	if err := r.Remove(KindPeerUnit, "unit-1"); err != nil {
		t.Fatalf("Expected remove to succeed, got error: %v", err)
	}

	if _, ok := r.Snapshot().Get(KindPeerUnit, "unit-1"); ok {
		t.Error("Expected optional entry to be deleted")
	}
}

func TestRegistry_Remove_MandatoryRevertsToAbsent(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Upsert(KindDatabase, "primary", StateReady, readyDatabaseAttrs()); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}
	if !r.Satisfied() {
		t.Fatal("Expected registry to be satisfied with ready database")
	}

	if err := r.Remove(KindDatabase, "primary"); err != nil {
		t.Fatalf("Expected remove to succeed, got error: %v", err)
	}

	dep, ok := r.Snapshot().Get(KindDatabase, "primary")
	if !ok {
		t.Fatal("Expected mandatory entry to survive removal as absent")
	}
	if dep.State != StateAbsent {
		t.Errorf("Expected absent state, got %s", dep.State)
	}
	if len(dep.Attributes) != 0 {
		t.Errorf("Expected attributes cleared, got %v", dep.Attributes)
	}
	if r.Satisfied() {
		t.Error("Expected registry to be unsatisfied after database removal")
	}
}

func TestRegistry_Remove_UnknownIsNoop(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Remove(KindPeerUnit, "never-seen"); err != nil {
		t.Errorf("Expected no-op remove to succeed, got error: %v", err)
	}
}

func TestRegistry_Declare(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Declare(KindDatabase, "primary"); err != nil {
		t.Fatalf("Expected declare to succeed, got error: %v", err)
	}

	dep, ok := r.Snapshot().Get(KindDatabase, "primary")
	if !ok {
		t.Fatal("Expected declared entry")
	}
	if dep.State != StateAbsent {
		t.Errorf("Expected absent state, got %s", dep.State)
	}

	// Declaring again must not clobber live state.
	if err := r.Upsert(KindDatabase, "primary", StateReady, readyDatabaseAttrs()); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}
	if err := r.Declare(KindDatabase, "primary"); err != nil {
		t.Fatalf("Expected repeated declare to succeed, got error: %v", err)
	}
	dep, _ = r.Snapshot().Get(KindDatabase, "primary")
	if dep.State != StateReady {
		t.Errorf("Expected declare to leave ready entry alone, got %s", dep.State)
	}
}

func TestRegistry_Satisfied_OrderIndependent(t *testing.T) {
	// The same set of events in different orders must converge on the
	// same answer.
	type event struct {
		kind  Kind
		id    string
		state State
		attrs map[string]string
	}
	events := []event{
		{KindDatabase, "primary", StateReady, readyDatabaseAttrs()},
		{KindDirectoryService, "ldap", StatePending, nil},
		{KindPeerUnit, "unit-1", StateReady, map[string]string{"address": "10.0.0.2"}},
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}}

	for i, order := range orders {
		r := New(Config{Requirements: newMockRequirements()})
		for _, idx := range order {
			e := events[idx]
			if err := r.Upsert(e.kind, e.id, e.state, e.attrs); err != nil {
				t.Fatalf("order %d: Expected upsert to succeed, got error: %v", i, err)
			}
		}
		if !r.Satisfied() {
			t.Errorf("order %d: Expected satisfied registry", i)
		}
		if r.Snapshot().Len() != 3 {
			t.Errorf("order %d: Expected 3 entries, got %d", i, r.Snapshot().Len())
		}
	}
}

func TestRegistry_JournalFailureAbortsMutation(t *testing.T) {
	journal := &mockJournal{}
	r := New(Config{Requirements: newMockRequirements(), Journal: journal})

	journal.failNext = true
	err := r.Upsert(KindDatabase, "primary", StateReady, readyDatabaseAttrs())
	if err == nil {
		t.Fatal("Expected error when journal fails, got nil")
	}
	if _, ok := r.Snapshot().Get(KindDatabase, "primary"); ok {
		t.Error("Expected no entry after failed journal write")
	}

	// Journal recovered: the upsert goes through and is recorded.
	if err := r.Upsert(KindDatabase, "primary", StateReady, readyDatabaseAttrs()); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}
	if len(journal.upserts) != 1 {
		t.Errorf("Expected 1 journaled upsert, got %d", len(journal.upserts))
	}
}

func TestRegistry_Restore(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	err := r.Restore([]Dependency{
		{Kind: KindDatabase, ID: "primary", State: StateReady, Attributes: readyDatabaseAttrs()},
		{Kind: KindDirectoryService, ID: "ldap", State: StatePending},
	})
	if err != nil {
		t.Fatalf("Expected restore to succeed, got error: %v", err)
	}

	if !r.Satisfied() {
		t.Error("Expected restored registry to be satisfied")
	}
	if r.Snapshot().Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", r.Snapshot().Len())
	}
}

func TestRegistry_Restore_RejectsInvalid(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	err := r.Restore([]Dependency{
		{Kind: KindDatabase, ID: "primary", State: StateReady, Attributes: map[string]string{"host": "db"}},
	})
	if err == nil {
		t.Fatal("Expected restore to reject ready entry with missing attributes")
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	if err := r.Upsert(KindDatabase, "primary", StateReady, readyDatabaseAttrs()); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}
	before := r.Snapshot()

	if err := r.Remove(KindDatabase, "primary"); err != nil {
		t.Fatalf("Expected remove to succeed, got error: %v", err)
	}

	dep, ok := before.Get(KindDatabase, "primary")
	if !ok || dep.State != StateReady {
		t.Error("Expected earlier snapshot to keep the ready entry")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(Config{Requirements: newMockRequirements()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("unit-%d", n)
			for j := 0; j < 50; j++ {
				_ = r.Upsert(KindPeerUnit, id, StateReady, map[string]string{"address": "10.0.0.1"})
				_ = r.Snapshot()
				_ = r.Remove(KindPeerUnit, id)
			}
		}(i)
	}
	wg.Wait()
}
