package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watcher re-imports the catalog file into storage whenever it changes on disk.
// It watches the parent directory because editors commonly replace files by rename.
type Watcher struct {
	path     string
	store    domain.GameStore
	events   chan<- domain.Event
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a catalog watcher. events may be nil.
func NewWatcher(path string, store domain.GameStore, events chan<- domain.Event, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		store:    store,
		events:   events,
		debounce: defaultReloadDebounce,
		logger:   logger,
	}
}

// Run watches until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	target, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	w.logger.Info("catalog watcher started", zap.String("path", target))

	var (
		debounceTimer *time.Timer
		fire          <-chan time.Time
	)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors emit bursts of events per save; reload once they settle.
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			fire = debounceTimer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	n, err := Import(w.path, w.store)
	if err != nil {
		w.logger.Warn("catalog reload failed, keeping previous catalog",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.logger.Info("catalog reloaded", zap.String("path", w.path), zap.Int("games", n))

	if w.events == nil {
		return
	}
	select {
	case w.events <- domain.Event{Kind: domain.EventCatalogChanged, At: time.Now()}:
	default:
	}
}
