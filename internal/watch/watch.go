// Package watch mirrors external file changes into the LSP manager.
//
// The watcher monitors workspace source trees with fsnotify. When a
// source file changes on disk it invalidates the manager's cached
// results for that file and, for documents the manager already tracks,
// queues a re-synchronization through the document update loop. Rapid
// bursts of writes to the same file are debounced into one update.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lexicore/lexicore/internal/lsp"
)

const (
	defaultDebounce = 200 * time.Millisecond

	// Files above this size are invalidated but not re-synced; pushing
	// huge buffers at a language server does more harm than a cold
	// cache.
	maxSyncFileSize = 4 << 20
)

// ignoredDirs are directory names never worth watching.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	"build":        true,
}

// Watcher connects a filesystem watch set to a manager.
type Watcher struct {
	mgr      *lsp.Manager
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a file must stay quiet before its change
// is applied.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger used for watch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a watcher bound to mgr. Add paths, then call Run.
func New(mgr *lsp.Manager, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		mgr:      mgr,
		fsw:      fsw,
		debounce: defaultDebounce,
		logger:   slog.Default(),
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watch")
	return w, nil
}

// Add watches a directory tree. fsnotify reports changes to files in
// watched directories, so only directories join the watch set; new
// subdirectories are added as they appear.
func (w *Watcher) Add(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fsw.Add(filepath.Dir(abs))
	}

	return filepath.WalkDir(abs, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("watch add failed", "path", p, "error", err)
		}
		return nil
	})
}

// Run consumes file events until ctx is cancelled or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Close stops pending timers and releases the underlying watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	// New directories join the watch set.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !skipDir(filepath.Base(ev.Name)) {
				if err := w.fsw.Add(ev.Name); err != nil {
					w.logger.Warn("watch add failed", "path", ev.Name, "error", err)
				}
			}
			return
		}
	}

	if lsp.DetectLanguageID(ev.Name) == "" || skipPath(ev.Name) {
		return
	}

	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		w.cancelPending(ev.Name)
		w.applyRemove(ev.Name)
		return
	}

	w.schedule(ctx, ev.Name)
}

// schedule arms, or re-arms, the debounce timer for a path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		closed := w.closed
		w.mu.Unlock()

		if closed || ctx.Err() != nil {
			return
		}
		w.applyWrite(path)
	})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
}

// applyWrite invalidates cached results derived from the file and
// queues a re-sync when the manager already tracks the document.
func (w *Watcher) applyWrite(path string) {
	uri := lsp.FilePathToURI(path)
	if n := w.mgr.Invalidate(uri); n > 0 {
		w.logger.Debug("cache invalidated", "path", path, "entries", n)
	}

	if !w.mgr.TracksDocument(uri) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxSyncFileSize {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read for re-sync failed", "path", path, "error", err)
		return
	}
	w.mgr.QueueDocumentUpdate(uri, string(content), lsp.DetectLanguageID(path))
}

func (w *Watcher) applyRemove(path string) {
	uri := lsp.FilePathToURI(path)
	if n := w.mgr.Invalidate(uri); n > 0 {
		w.logger.Debug("cache invalidated", "path", path, "entries", n)
	}
}

func skipDir(name string) bool {
	if len(name) > 1 && name[0] == '.' {
		return true
	}
	return ignoredDirs[name]
}

func skipPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if skipDir(part) {
			return true
		}
	}
	return false
}
