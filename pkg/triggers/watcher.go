package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/config"
	"github.com/openfroyo/froyoflow/pkg/engine"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 300 * time.Millisecond

// WorkflowStore creates and versions workflows. *engine.Engine implements it.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, def engine.WorkflowDefinition) (string, error)
	UpdateWorkflow(ctx context.Context, workflowID string, def engine.WorkflowDefinition) (int, error)
	GetWorkflow(ctx context.Context, workflowID string, version int) (*engine.WorkflowDefinition, error)
}

// DirectoryWatcher keeps the workflows of a definitions directory in sync
// with the engine. A file without workflow_id is identified by its base
// name, so "orders.yaml" becomes workflow "orders". Deleting a file leaves
// its workflow in place.
type DirectoryWatcher struct {
	// Debounce delays applying a file after its last change.
	Debounce time.Duration

	// OnApply, if set, is called after a workflow is created or updated.
	OnApply func(def *engine.WorkflowDefinition)

	dir    string
	loader *config.DefinitionLoader
	store  WorkflowStore
	logger zerolog.Logger

	// applyMu serializes apply so a create never races an update of the
	// same file.
	applyMu sync.Mutex
}

// NewDirectoryWatcher creates a watcher for dir.
func NewDirectoryWatcher(dir string, loader *config.DefinitionLoader, store WorkflowStore, logger zerolog.Logger) *DirectoryWatcher {
	return &DirectoryWatcher{
		Debounce: DefaultDebounce,
		dir:      dir,
		loader:   loader,
		store:    store,
		logger:   logger.With().Str("component", "definitions").Str("dir", dir).Logger(),
	}
}

// Sync applies every definition file in the directory.
func (w *DirectoryWatcher) Sync(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read definitions directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if _, _, err := w.Apply(ctx, filepath.Join(w.dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply loads one file and creates or updates its workflow. It reports
// whether anything was stored; an unchanged file stores nothing.
func (w *DirectoryWatcher) Apply(ctx context.Context, path string) (*engine.WorkflowDefinition, bool, error) {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	def, err := w.loader.LoadFile(path)
	if err != nil {
		return nil, false, err
	}
	if def.ID == "" {
		def.ID = WorkflowIDFromPath(path)
	}

	current, err := w.store.GetWorkflow(ctx, def.ID, 0)
	switch {
	case engine.IsNotFound(err):
		if _, err := w.store.CreateWorkflow(ctx, *def); err != nil {
			return nil, false, fmt.Errorf("%s: failed to create workflow: %w", path, err)
		}
		def.Version = 1
		w.logger.Info().Str("file", path).Str("workflow_id", def.ID).Msg("Workflow created from file")

	case err != nil:
		return nil, false, fmt.Errorf("%s: failed to read workflow: %w", path, err)

	default:
		same, err := sameDefinition(current, def)
		if err != nil {
			return nil, false, err
		}
		if same {
			return current, false, nil
		}
		version, err := w.store.UpdateWorkflow(ctx, def.ID, *def)
		if err != nil {
			return nil, false, fmt.Errorf("%s: failed to update workflow: %w", path, err)
		}
		def.Version = version
		w.logger.Info().Str("file", path).Str("workflow_id", def.ID).Int("version", version).
			Msg("Workflow updated from file")
	}

	if w.OnApply != nil {
		w.OnApply(def)
	}
	return def, true, nil
}

// Run syncs the directory, then applies changes until ctx is done.
func (w *DirectoryWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	if err := w.Sync(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Some definitions could not be applied")
	}
	w.logger.Info().Msg("Watching definitions")

	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Warn().Str("file", event.Name).Msg("Definition file removed; workflow kept")
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			path := event.Name
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(w.Debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if _, _, err := w.Apply(ctx, path); err != nil {
					w.logger.Error().Err(err).Str("file", path).Msg("Failed to apply definition")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// WorkflowIDFromPath derives a workflow ID from a file name.
func WorkflowIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isDefinitionFile(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	_, ok := config.FormatFromPath(path)
	return ok
}

// sameDefinition compares the graph and settings of two definitions,
// ignoring version bookkeeping.
func sameDefinition(a, b *engine.WorkflowDefinition) (bool, error) {
	norm := func(d *engine.WorkflowDefinition) ([]byte, error) {
		c := *d
		c.Version = 0
		c.CreatedAt = time.Time{}
		return json.Marshal(c)
	}
	ja, err := norm(a)
	if err != nil {
		return false, fmt.Errorf("failed to encode workflow: %w", err)
	}
	jb, err := norm(b)
	if err != nil {
		return false, fmt.Errorf("failed to encode workflow: %w", err)
	}
	return string(ja) == string(jb), nil
}
