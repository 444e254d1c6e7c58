// Package intake turns dependency declaration documents on disk into
// registry mutations. Each file under the declaration directory describes
// one dependency; creating or rewriting a file upserts it, deleting the
// file removes it, and every applied change wakes the reconcile loop.
package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rangerd/rangerd/pkg/reconcile"
	"github.com/rangerd/rangerd/pkg/registry"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

// Declaration is the on-disk document shape: one dependency per file.
type Declaration struct {
	Kind       string            `yaml:"kind"`
	ID         string            `yaml:"id"`
	State      string            `yaml:"state"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

// Notifier wakes the reconcile loop after a registry mutation.
type Notifier interface {
	Trigger(reason string)
}

// PublicationStore clears per-consumer publication state when a consumer
// departs, so a rejoining consumer gets a fresh write.
type PublicationStore interface {
	RemovePublication(ctx context.Context, consumer string) error
}

// Config holds the watcher dependencies.
type Config struct {
	// Dir is the declaration directory. Created if missing. Required.
	Dir string

	// Registry receives the declared dependencies. Required.
	Registry *registry.Registry

	// Notifier is triggered after every applied change. Required.
	Notifier Notifier

	// Store, if set, is told when a downstream consumer departs. Optional.
	Store PublicationStore

	Logger *telemetry.Logger
}

type declKey struct {
	kind registry.Kind
	id   string
}

// Watcher keeps the registry in step with the declaration directory.
type Watcher struct {
	dir      string
	registry *registry.Registry
	notifier Notifier
	store    PublicationStore
	logger   *telemetry.Logger

	// declared maps file paths to the dependency they last applied, so
	// deletions know what to remove.
	mu       sync.Mutex
	declared map[string]declKey
}

// New creates a declaration watcher and ensures the directory exists.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("declaration directory is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating declaration directory: %w", err)
	}

	return &Watcher{
		dir:      cfg.Dir,
		registry: cfg.Registry,
		notifier: cfg.Notifier,
		store:    cfg.Store,
		logger:   logger.NewComponentLogger("intake"),
		declared: make(map[string]declKey),
	}, nil
}

// Scan applies every declaration currently in the directory and returns
// how many were accepted. Callers run it once before Run so the first
// reconcile pass sees restored state; Scan itself does not trigger.
func (w *Watcher) Scan() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", w.dir, err)
	}

	applied := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if !isDeclarationFile(path) {
			continue
		}
		if w.applyFile(path) {
			applied++
		}
	}
	return applied, nil
}

// Run watches the directory until the context ends. Malformed documents
// are logged and skipped; the registry keeps its prior state.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.WithField("dir", w.dir).Info("watching dependency declarations")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("declaration watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !isDeclarationFile(event.Name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if w.applyFile(event.Name) {
			w.notifier.Trigger(reconcile.TriggerDependencyChanged)
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if w.removeFile(ctx, event.Name) {
			w.notifier.Trigger(reconcile.TriggerDependencyChanged)
		}
	}
}

// applyFile reads one declaration and upserts it, recording which
// dependency the path declared.
func (w *Watcher) applyFile(path string) bool {
	key, ok := applyPath(path, w.registry, w.logger)
	if !ok {
		return false
	}

	w.mu.Lock()
	w.declared[path] = key
	w.mu.Unlock()
	return true
}

// removeFile removes the dependency a deleted file declared. A renamed
// file reappears under a new path before the old one is removed, so the
// registry entry is only dropped when no other file still declares it.
func (w *Watcher) removeFile(ctx context.Context, path string) bool {
	w.mu.Lock()
	key, ok := w.declared[path]
	if ok {
		delete(w.declared, path)
	}
	retained := false
	for _, other := range w.declared {
		if other == key {
			retained = true
			break
		}
	}
	w.mu.Unlock()

	if !ok || retained {
		return false
	}

	if err := w.registry.Remove(key.kind, key.id); err != nil {
		w.logger.WithError(err).WithDependency(string(key.kind), key.id).Warn("failed to remove dependency")
		return false
	}
	if key.kind == registry.KindDownstreamConsumer && w.store != nil {
		if err := w.store.RemovePublication(ctx, key.id); err != nil {
			w.logger.WithError(err).WithConsumer(key.id).Warn("failed to clear publication state")
		}
	}

	w.logger.WithDependency(string(key.kind), key.id).Info("declaration removed")
	return true
}

// LoadDirectory applies every declaration document under dir to the
// registry. Used by one-shot commands that need the declared state
// without watching for changes.
func LoadDirectory(dir string, reg *registry.Registry, logger *telemetry.Logger) (int, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}

	applied := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !isDeclarationFile(path) {
			continue
		}
		if _, ok := applyPath(path, reg, logger); ok {
			applied++
		}
	}
	return applied, nil
}

func applyPath(path string, reg *registry.Registry, logger *telemetry.Logger) (declKey, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("failed to read declaration")
		return declKey{}, false
	}

	doc, err := ParseDeclaration(data)
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("skipping malformed declaration")
		return declKey{}, false
	}

	kind := registry.Kind(doc.Kind)
	if err := reg.Upsert(kind, doc.ID, registry.State(doc.State), doc.Attributes); err != nil {
		logger.WithError(err).WithDependency(doc.Kind, doc.ID).Warn("declaration rejected")
		return declKey{}, false
	}

	logger.WithDependency(doc.Kind, doc.ID).WithField("state", doc.State).Debug("declaration applied")
	return declKey{kind: kind, id: doc.ID}, true
}

// ParseDeclaration decodes and structurally validates one document. Kind
// and state values are validated by the registry on upsert.
func ParseDeclaration(data []byte) (Declaration, error) {
	var doc Declaration
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Declaration{}, fmt.Errorf("parsing declaration: %w", err)
	}
	if doc.Kind == "" {
		return Declaration{}, fmt.Errorf("declaration missing kind")
	}
	if doc.ID == "" {
		return Declaration{}, fmt.Errorf("declaration missing id")
	}
	if doc.State == "" {
		return Declaration{}, fmt.Errorf("declaration missing state")
	}
	return doc, nil
}

// isDeclarationFile filters watcher events down to declaration documents,
// ignoring editor droppings and partial writes.
func isDeclarationFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml")
}
