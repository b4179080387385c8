package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"tabsync/internal/fingerprint"
)

// Tracker watches the configuration root and remembers whether anything
// changed since the last reset. Watch mode uses it to decide whether an
// upload is warranted when the monitored application exits: no edits,
// no upload.
type Tracker struct {
	root    string
	exclude *fingerprint.Excluder
	logger  *slog.Logger

	mu    sync.Mutex
	dirty bool
}

// NewTracker creates a tracker over the configuration root.
func NewTracker(root string, exclude *fingerprint.Excluder, logger *slog.Logger) *Tracker {
	return &Tracker{root: root, exclude: exclude, logger: logger}
}

// Dirty reports whether any tracked file changed since the last reset.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.dirty
}

// Reset clears the dirty flag, typically right after a sync applied or
// captured the pending changes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()
}

func (t *Tracker) markDirty(path string) {
	t.mu.Lock()
	was := t.dirty
	t.dirty = true
	t.mu.Unlock()

	if !was {
		t.logger.Debug("local config changed", slog.String("path", path))
	}
}

// Run watches until ctx is cancelled. fsnotify watches are not
// recursive, so every subdirectory is registered up front and new
// directories are added as they appear.
func (t *Tracker) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := t.addRecursive(watcher, t.root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if t.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				// A new directory needs its own watch.
				if err := t.addRecursive(watcher, event.Name); err != nil {
					t.logger.Debug("watching new path failed",
						slog.String("path", event.Name),
						slog.String("error", err.Error()),
					)
				}
			}

			t.markDirty(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			t.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// addRecursive registers path and, when it is a directory, everything
// beneath it. Non-directories and vanished paths are fine to skip.
func (t *Tracker) addRecursive(watcher *fsnotify.Watcher, path string) error {
	return filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if t.shouldIgnore(walkPath) && walkPath != path {
			return filepath.SkipDir
		}

		if err := watcher.Add(walkPath); err != nil {
			t.logger.Debug("adding watch failed",
				slog.String("path", walkPath),
				slog.String("error", err.Error()),
			)
		}

		return nil
	})
}

// shouldIgnore filters out tabsync's own bookkeeping and excluded
// entries so state writes never count as user edits.
func (t *Tracker) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if base == ".tabsync" || strings.Contains(filepath.ToSlash(path), "/.tabsync/") {
		return true
	}

	return t.exclude.Match(base)
}
