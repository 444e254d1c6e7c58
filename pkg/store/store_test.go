package store

import (
	"context"
	"testing"
	"time"

	"github.com/rangerd/rangerd/pkg/registry"
)

// setupTestStore creates a migrated in-memory store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Expected store, got error: %v", err)
	}

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Expected init to succeed, got error: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Expected migrations to succeed, got error: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreLifecycle(t *testing.T) {
	s, err := NewStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Expected store, got error: %v", err)
	}

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Expected init to succeed, got error: %v", err)
	}
	if err := s.HealthCheck(ctx); err != nil {
		t.Errorf("Expected health check to pass, got error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected close to succeed, got error: %v", err)
	}
}

func TestNewStore_RequiresPath(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Error("Expected error for empty path, got nil")
	}
}

func TestStoreMigrations(t *testing.T) {
	s := setupTestStore(t)

	ctx := context.Background()
	tables := []string{"dependencies", "workload_state", "published_facts", "passes"}
	for _, table := range tables {
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("Expected table %s to exist, got error: %v", table, err)
		}
	}
}

func TestStore_DependencyJournal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	dep := registry.Dependency{
		Kind:  registry.KindDatabase,
		ID:    "primary",
		State: registry.StateReady,
		Attributes: map[string]string{
			"host": "db.internal",
			"port": "5432",
		},
		UpdatedAt: time.Now().UTC(),
	}

	if err := s.DependencyUpserted(dep); err != nil {
		t.Fatalf("Expected upsert to succeed, got error: %v", err)
	}

	loaded, err := s.LoadDependencies(ctx)
	if err != nil {
		t.Fatalf("Expected load to succeed, got error: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 dependency, got %d", len(loaded))
	}
	if loaded[0].Kind != registry.KindDatabase || loaded[0].ID != "primary" {
		t.Errorf("Expected database/primary, got %s/%s", loaded[0].Kind, loaded[0].ID)
	}
	if loaded[0].State != registry.StateReady {
		t.Errorf("Expected ready state, got %s", loaded[0].State)
	}
	if loaded[0].Attributes["host"] != "db.internal" {
		t.Errorf("Expected host attribute, got %v", loaded[0].Attributes)
	}

	// Upserting the same key replaces the row.
	dep.State = registry.StatePending
	dep.Attributes = nil
	if err := s.DependencyUpserted(dep); err != nil {
		t.Fatalf("Expected second upsert to succeed, got error: %v", err)
	}

	loaded, _ = s.LoadDependencies(ctx)
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 dependency after replace, got %d", len(loaded))
	}
	if loaded[0].State != registry.StatePending {
		t.Errorf("Expected pending state after replace, got %s", loaded[0].State)
	}

	if err := s.DependencyRemoved(registry.KindDatabase, "primary"); err != nil {
		t.Fatalf("Expected remove to succeed, got error: %v", err)
	}
	loaded, _ = s.LoadDependencies(ctx)
	if len(loaded) != 0 {
		t.Errorf("Expected no dependencies after remove, got %d", len(loaded))
	}
}

func TestStore_LoadDependencies_Ordering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, dep := range []registry.Dependency{
		{Kind: registry.KindPeerUnit, ID: "unit-1", State: registry.StateReady, UpdatedAt: time.Now()},
		{Kind: registry.KindDatabase, ID: "primary", State: registry.StatePending, UpdatedAt: time.Now()},
		{Kind: registry.KindDatabase, ID: "backup", State: registry.StateAbsent, UpdatedAt: time.Now()},
	} {
		if err := s.DependencyUpserted(dep); err != nil {
			t.Fatalf("Expected upsert to succeed, got error: %v", err)
		}
	}

	loaded, err := s.LoadDependencies(ctx)
	if err != nil {
		t.Fatalf("Expected load to succeed, got error: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("Expected 3 dependencies, got %d", len(loaded))
	}
	if loaded[0].ID != "backup" || loaded[1].ID != "primary" || loaded[2].ID != "unit-1" {
		t.Errorf("Expected kind/id ordering, got %s %s %s", loaded[0].ID, loaded[1].ID, loaded[2].ID)
	}
}

func TestStore_Fingerprints(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	fp, err := s.LoadFingerprint(ctx, "ranger-admin")
	if err != nil {
		t.Fatalf("Expected load to succeed, got error: %v", err)
	}
	if fp != "" {
		t.Errorf("Expected empty fingerprint before any apply, got %q", fp)
	}

	if err := s.SaveFingerprint(ctx, "ranger-admin", "fp-1"); err != nil {
		t.Fatalf("Expected save to succeed, got error: %v", err)
	}
	if err := s.SaveFingerprint(ctx, "ranger-admin", "fp-2"); err != nil {
		t.Fatalf("Expected overwrite to succeed, got error: %v", err)
	}

	fp, _ = s.LoadFingerprint(ctx, "ranger-admin")
	if fp != "fp-2" {
		t.Errorf("Expected fp-2, got %q", fp)
	}

	// Other services are unaffected.
	fp, _ = s.LoadFingerprint(ctx, "ranger-usersync")
	if fp != "" {
		t.Errorf("Expected empty fingerprint for other service, got %q", fp)
	}
}

func TestStore_Publications(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	hash, err := s.LoadFactHash(ctx, "trino")
	if err != nil {
		t.Fatalf("Expected load to succeed, got error: %v", err)
	}
	if hash != "" {
		t.Errorf("Expected empty hash before publication, got %q", hash)
	}

	if err := s.SavePublication(ctx, "trino", "hash-1", "policy_manager_url: http://ranger:6080\n"); err != nil {
		t.Fatalf("Expected save to succeed, got error: %v", err)
	}
	if err := s.SavePublication(ctx, "superset", "hash-2", "policy_manager_url: http://ranger:6080\n"); err != nil {
		t.Fatalf("Expected save to succeed, got error: %v", err)
	}

	hash, _ = s.LoadFactHash(ctx, "trino")
	if hash != "hash-1" {
		t.Errorf("Expected hash-1, got %q", hash)
	}

	pubs, err := s.ListPublications(ctx)
	if err != nil {
		t.Fatalf("Expected list to succeed, got error: %v", err)
	}
	if len(pubs) != 2 {
		t.Fatalf("Expected 2 publications, got %d", len(pubs))
	}
	if pubs[0].Consumer != "superset" || pubs[1].Consumer != "trino" {
		t.Errorf("Expected consumer ordering, got %s %s", pubs[0].Consumer, pubs[1].Consumer)
	}

	if err := s.RemovePublication(ctx, "trino"); err != nil {
		t.Fatalf("Expected remove to succeed, got error: %v", err)
	}
	hash, _ = s.LoadFactHash(ctx, "trino")
	if hash != "" {
		t.Errorf("Expected empty hash after removal, got %q", hash)
	}
}

func TestStore_PassHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := PassRecord{
			ID:        string(rune('a' + i)),
			Trigger:   "dependency-change",
			Status:    "active",
			Phase:     "active",
			Mutated:   i%2 == 0,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:  250 * time.Millisecond,
		}
		if err := s.RecordPass(ctx, rec); err != nil {
			t.Fatalf("Expected record to succeed, got error: %v", err)
		}
	}

	recent, err := s.RecentPasses(ctx, 3)
	if err != nil {
		t.Fatalf("Expected list to succeed, got error: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 passes, got %d", len(recent))
	}
	if recent[0].ID != "e" {
		t.Errorf("Expected newest pass first, got %s", recent[0].ID)
	}
	if recent[0].Duration != 250*time.Millisecond {
		t.Errorf("Expected duration roundtrip, got %v", recent[0].Duration)
	}

	pruned, err := s.PrunePasses(ctx, 2)
	if err != nil {
		t.Fatalf("Expected prune to succeed, got error: %v", err)
	}
	if pruned != 3 {
		t.Errorf("Expected 3 pruned rows, got %d", pruned)
	}

	recent, _ = s.RecentPasses(ctx, 10)
	if len(recent) != 2 {
		t.Errorf("Expected 2 passes after prune, got %d", len(recent))
	}
}
