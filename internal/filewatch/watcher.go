// Package filewatch reports file changes under a workspace root as batches of
// repo-relative paths.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"kiln/internal/logging"
	"kiln/internal/workspace"
)

// DefaultDebounce is used when New receives a non-positive window.
const DefaultDebounce = 75 * time.Millisecond

// Handler receives one sorted, deduplicated batch per quiet window.
type Handler func(paths []string)

// Watcher recursively watches a directory tree. Directories created after
// start are picked up as they appear.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	handler  Handler
	fs       *fsnotify.Watcher
}

// New registers watches for every directory under root except the ones the
// workspace never hashes.
func New(root string, debounce time.Duration, logger *slog.Logger, handler Handler) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("filewatch: handler is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{root: absRoot, debounce: debounce, logger: logger, handler: handler, fs: fsw}
	if _, err := w.addTree(absRoot); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run delivers batches until ctx is cancelled. It closes the underlying
// watcher on return and flushes any pending batch first.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := make([]string, 0, len(pending))
		for rel := range pending {
			batch = append(batch, rel)
		}
		sort.Strings(batch)
		clear(pending)
		w.handler(batch)
	}

	for {
		select {
		case <-ctx.Done():
			if armed && !timer.Stop() {
				<-timer.C
			}
			flush()
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				flush()
				return nil
			}
			for _, rel := range w.handle(event) {
				pending[rel] = struct{}{}
			}
			if len(pending) == 0 {
				continue
			}
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			armed = true
		case <-timer.C:
			armed = false
			flush()
		case err, ok := <-w.fs.Errors:
			if !ok {
				flush()
				return nil
			}
			logging.WarnWithContext(w.logger, "file watcher reported an error", "watch_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "changes may be missed until the daemon restarts"),
			)
		}
	}
}

// handle turns one event into the repo-relative paths it touched. New
// directories are watched and their existing files reported, since events
// for files written before the watch was added are lost.
func (w *Watcher) handle(event fsnotify.Event) []string {
	rel, ok := w.rel(event.Name)
	if !ok || workspace.IsIgnoredPath(rel) {
		return nil
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			files, err := w.addTree(event.Name)
			if err != nil {
				w.logger.Debug("watch new directory failed", logging.String("path", rel), logging.Error(err))
			}
			return files
		}
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return nil
	}
	return []string{rel}
}

func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if p != w.root && workspace.IsIgnoredDir(d.Name()) {
				return filepath.SkipDir
			}
			if addErr := w.fs.Add(p); addErr != nil {
				return fmt.Errorf("watch %s: %w", p, addErr)
			}
			return nil
		}
		if dir != w.root {
			if rel, ok := w.rel(p); ok {
				files = append(files, rel)
			}
		}
		return nil
	})
	return files, err
}

func (w *Watcher) rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
