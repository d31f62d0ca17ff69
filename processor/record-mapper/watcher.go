package recordmapper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// mappingWatcher watches the directories behind the mapping patterns and
// signals once per debounce period when a matching document changed.
type mappingWatcher struct {
	patterns []string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// Capacity 1: several changes before a reload collapse into one signal.
	changes chan struct{}
}

// newMappingWatcher creates a watcher for the given path patterns.
func newMappingWatcher(patterns []string, debounce time.Duration, logger *slog.Logger) (*mappingWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	cleaned := make([]string, len(patterns))
	for i, p := range patterns {
		cleaned[i] = filepath.ToSlash(filepath.Clean(p))
	}

	return &mappingWatcher{
		patterns: cleaned,
		debounce: debounce,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[string]fsnotify.Op),
		changes:  make(chan struct{}, 1),
	}, nil
}

// Changes returns the reload signal channel. It is closed when the watcher
// stops.
func (w *mappingWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Start adds watches and begins processing events.
func (w *mappingWatcher) Start(ctx context.Context) error {
	for _, pattern := range w.patterns {
		base, _ := doublestar.SplitPattern(pattern)
		if err := w.addWatchesRecursive(filepath.FromSlash(base)); err != nil {
			return err
		}
	}

	go w.processEvents(ctx)

	w.logger.Info("Mapping watcher started",
		"patterns", w.patterns,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
func (w *mappingWatcher) Stop() error {
	return w.watcher.Close()
}

// addWatchesRecursive adds watches to root and every directory below it.
func (w *mappingWatcher) addWatchesRecursive(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		root = filepath.Dir(root)
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != root && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// matches reports whether path is covered by one of the patterns.
func (w *mappingWatcher) matches(path string) bool {
	slashed := filepath.ToSlash(filepath.Clean(path))
	for _, pattern := range w.patterns {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
	}
	return false
}

// processEvents handles fsnotify events with debouncing.
func (w *mappingWatcher) processEvents(ctx context.Context) {
	defer close(w.changes)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent records a change to a mapping document.
func (w *mappingWatcher) handleFSEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addWatchesRecursive(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.matches(event.Name) {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] |= event.Op
	w.pendingMu.Unlock()

	w.logger.Debug("Mapping change detected", "path", event.Name, "op", event.Op.String())
}

// flushPending emits one reload signal for all accumulated changes.
func (w *mappingWatcher) flushPending() {
	w.pendingMu.Lock()
	n := len(w.pending)
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	if n == 0 {
		return
	}
	select {
	case w.changes <- struct{}{}:
	default:
		// A reload is already queued.
	}
}
