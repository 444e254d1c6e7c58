// Package store persists the agent's durable state in SQLite: the
// dependency registry journal, the fingerprint of the last applied
// bundle per service, published fact documents, and a bounded history of
// reconciliation passes. The schema is managed through embedded
// migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/rangerd/rangerd/pkg/registry"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is how timestamps are stored; TEXT columns keep the driver
// out of time mapping.
const timeLayout = time.RFC3339Nano

// journalTimeout bounds the registry journal writes, which run inside
// registry mutations and carry no caller context.
const journalTimeout = 5 * time.Second

// Config holds store configuration.
type Config struct {
	// Path is the database file path, or ":memory:".
	Path string

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration

	// Logger is the structured logger. A no-op logger is used when nil.
	Logger *telemetry.Logger
}

// Store is the SQLite-backed state store.
type Store struct {
	db     *sql.DB
	path   string
	busy   time.Duration
	logger *telemetry.Logger
}

// NewStore creates a store instance. Init must be called before use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Store{
		path:   cfg.Path,
		busy:   cfg.BusyTimeout,
		logger: logger.NewComponentLogger("store"),
	}, nil
}

// Init opens the database and applies the connection pragmas. The pool
// is pinned to a single connection: the agent is a single writer, and
// one connection keeps :memory: databases alive across calls.
func (s *Store) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.busy.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s.db = db
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.WithField("path", s.path).Debug("migrations applied")
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Dependency journal

// DependencyUpserted implements registry.Journal.
func (s *Store) DependencyUpserted(dep registry.Dependency) error {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	attrs, err := json.Marshal(dep.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}

	query := `
		INSERT INTO dependencies (kind, id, state, attributes, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			state = excluded.state,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		string(dep.Kind),
		dep.ID,
		string(dep.State),
		string(attrs),
		dep.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("journaling dependency %s: %w", dep.Key(), err)
	}
	return nil
}

// DependencyRemoved implements registry.Journal.
func (s *Store) DependencyRemoved(kind registry.Kind, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	query := `DELETE FROM dependencies WHERE kind = ? AND id = ?`
	if _, err := s.db.ExecContext(ctx, query, string(kind), id); err != nil {
		return fmt.Errorf("removing dependency %s/%s: %w", kind, id, err)
	}
	return nil
}

// LoadDependencies returns every journaled dependency, for restoring the
// registry at startup.
func (s *Store) LoadDependencies(ctx context.Context) ([]registry.Dependency, error) {
	query := `
		SELECT kind, id, state, attributes, updated_at
		FROM dependencies
		ORDER BY kind, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("loading dependencies: %w", err)
	}
	defer rows.Close()

	deps := []registry.Dependency{}
	for rows.Next() {
		var kind, id, state, attrs, updatedAt string
		if err := rows.Scan(&kind, &id, &state, &attrs, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}

		dep := registry.Dependency{
			Kind:  registry.Kind(kind),
			ID:    id,
			State: registry.State(state),
		}
		if attrs != "" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &dep.Attributes); err != nil {
				return nil, fmt.Errorf("decoding attributes of %s/%s: %w", kind, id, err)
			}
		}
		if ts, err := time.Parse(timeLayout, updatedAt); err == nil {
			dep.UpdatedAt = ts
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dependencies: %w", err)
	}
	return deps, nil
}

// Workload fingerprints

// LoadFingerprint implements the workload fingerprint store; "" means no
// bundle was applied yet.
func (s *Store) LoadFingerprint(ctx context.Context, service string) (string, error) {
	query := `SELECT fingerprint FROM workload_state WHERE service = ?`

	var fingerprint string
	err := s.db.QueryRowContext(ctx, query, service).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading fingerprint of %s: %w", service, err)
	}
	return fingerprint, nil
}

// SaveFingerprint implements the workload fingerprint store.
func (s *Store) SaveFingerprint(ctx context.Context, service, fingerprint string) error {
	query := `
		INSERT INTO workload_state (service, fingerprint, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			applied_at = excluded.applied_at
	`

	_, err := s.db.ExecContext(ctx, query, service, fingerprint, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("saving fingerprint of %s: %w", service, err)
	}
	return nil
}

// Published facts

// Publication is one stored fact publication.
type Publication struct {
	Consumer    string
	FactHash    string
	Document    string
	PublishedAt time.Time
}

// LoadFactHash returns the hash of the facts last published to a
// consumer, or "" when nothing was published yet.
func (s *Store) LoadFactHash(ctx context.Context, consumer string) (string, error) {
	query := `SELECT fact_hash FROM published_facts WHERE consumer = ?`

	var hash string
	err := s.db.QueryRowContext(ctx, query, consumer).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading fact hash of %s: %w", consumer, err)
	}
	return hash, nil
}

// SavePublication records a fact publication to a consumer.
func (s *Store) SavePublication(ctx context.Context, consumer, factHash, document string) error {
	query := `
		INSERT INTO published_facts (consumer, fact_hash, document, published_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(consumer) DO UPDATE SET
			fact_hash = excluded.fact_hash,
			document = excluded.document,
			published_at = excluded.published_at
	`

	_, err := s.db.ExecContext(ctx, query, consumer, factHash, document, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("saving publication to %s: %w", consumer, err)
	}
	return nil
}

// RemovePublication forgets the stored publication of a consumer.
func (s *Store) RemovePublication(ctx context.Context, consumer string) error {
	query := `DELETE FROM published_facts WHERE consumer = ?`
	if _, err := s.db.ExecContext(ctx, query, consumer); err != nil {
		return fmt.Errorf("removing publication of %s: %w", consumer, err)
	}
	return nil
}

// ListPublications returns every stored publication.
func (s *Store) ListPublications(ctx context.Context) ([]Publication, error) {
	query := `
		SELECT consumer, fact_hash, document, published_at
		FROM published_facts
		ORDER BY consumer
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing publications: %w", err)
	}
	defer rows.Close()

	pubs := []Publication{}
	for rows.Next() {
		var pub Publication
		var publishedAt string
		if err := rows.Scan(&pub.Consumer, &pub.FactHash, &pub.Document, &publishedAt); err != nil {
			return nil, fmt.Errorf("scanning publication: %w", err)
		}
		if ts, err := time.Parse(timeLayout, publishedAt); err == nil {
			pub.PublishedAt = ts
		}
		pubs = append(pubs, pub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating publications: %w", err)
	}
	return pubs, nil
}

// Pass history

// PassRecord is one reconciliation pass as stored.
type PassRecord struct {
	ID        string
	Trigger   string
	Status    string
	Phase     string
	Detail    string
	Mutated   bool
	StartedAt time.Time
	Duration  time.Duration
}

// RecordPass appends a pass to the history.
func (s *Store) RecordPass(ctx context.Context, rec PassRecord) error {
	query := `
		INSERT INTO passes (id, trigger_kind, status, phase, detail, mutated, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	mutated := 0
	if rec.Mutated {
		mutated = 1
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Trigger,
		rec.Status,
		rec.Phase,
		rec.Detail,
		mutated,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording pass %s: %w", rec.ID, err)
	}
	return nil
}

// RecentPasses returns the latest passes, newest first.
func (s *Store) RecentPasses(ctx context.Context, limit int) ([]PassRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, trigger_kind, status, phase, detail, mutated, started_at, duration_ms
		FROM passes
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing passes: %w", err)
	}
	defer rows.Close()

	passes := []PassRecord{}
	for rows.Next() {
		var rec PassRecord
		var mutated int
		var startedAt string
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.Trigger, &rec.Status, &rec.Phase, &rec.Detail, &mutated, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning pass: %w", err)
		}
		rec.Mutated = mutated != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if ts, err := time.Parse(timeLayout, startedAt); err == nil {
			rec.StartedAt = ts
		}
		passes = append(passes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating passes: %w", err)
	}
	return passes, nil
}

// PrunePasses deletes history beyond keep entries.
func (s *Store) PrunePasses(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		keep = 500
	}

	query := `
		DELETE FROM passes
		WHERE id NOT IN (
			SELECT id FROM passes ORDER BY started_at DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning passes: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned count: %w", err)
	}
	return rows, nil
}
