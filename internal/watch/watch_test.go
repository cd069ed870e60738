package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lexicore/lexicore/internal/lsp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(t *testing.T, opts ...Option) *Watcher {
	t.Helper()
	mgr := lsp.NewManager(lsp.ManagerConfig{}, lsp.WithLogger(testLogger()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.ShutdownAll(ctx)
	})

	w, err := New(mgr, append([]Option{WithLogger(testLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestSkipDir(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".git", true},
		{".venv", true},
		{".anything-hidden", true},
		{"node_modules", true},
		{"vendor", true},
		{"target", true},
		{"__pycache__", true},
		{"dist", true},
		{"src", false},
		{"internal", false},
		{".", false},
	}
	for _, tt := range tests {
		if got := skipDir(tt.name); got != tt.want {
			t.Errorf("skipDir(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSkipPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/proj/src/main.py", false},
		{"/proj/node_modules/pkg/index.js", true},
		{"/proj/.git/hooks/pre-commit", true},
		{"/proj/vendor/lib/a.go", true},
		{"/proj/internal/a.go", false},
	}
	for _, tt := range tests {
		if got := skipPath(tt.path); got != tt.want {
			t.Errorf("skipPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestAddWatchesTreeSkippingIgnored(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"src", "src/sub", "node_modules/pkg", ".git/hooks"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	w := newTestWatcher(t)
	if err := w.Add(root); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	watched := make(map[string]bool)
	for _, p := range w.fsw.WatchList() {
		watched[p] = true
	}

	for _, dir := range []string{"", "src", "src/sub"} {
		if !watched[filepath.Join(root, dir)] {
			t.Errorf("%s not in the watch set", filepath.Join(root, dir))
		}
	}
	for _, dir := range []string{"node_modules", "node_modules/pkg", ".git", ".git/hooks"} {
		if watched[filepath.Join(root, dir)] {
			t.Errorf("%s joined the watch set, want ignored", filepath.Join(root, dir))
		}
	}
}

func TestAddFileWatchesParentDir(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := newTestWatcher(t)
	if err := w.Add(path); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	for _, p := range w.fsw.WatchList() {
		if p == root {
			return
		}
	}
	t.Errorf("parent directory %s not watched for a file argument", root)
}

func TestHandleFiltersEvents(t *testing.T) {
	w := newTestWatcher(t, WithDebounce(time.Hour))
	ctx := context.Background()

	// Unsupported extensions and ignored trees never arm a timer.
	w.handle(ctx, fsnotify.Event{Name: "/proj/README.md", Op: fsnotify.Write})
	w.handle(ctx, fsnotify.Event{Name: "/proj/node_modules/pkg/index.js", Op: fsnotify.Write})
	w.handle(ctx, fsnotify.Event{Name: "/proj/src/main.py", Op: fsnotify.Chmod})
	if n := len(w.pending); n != 0 {
		t.Fatalf("pending = %d after filtered events, want 0", n)
	}

	w.handle(ctx, fsnotify.Event{Name: "/proj/src/main.py", Op: fsnotify.Write})
	if n := len(w.pending); n != 1 {
		t.Fatalf("pending = %d after a source write, want 1", n)
	}

	// A second write re-arms the same timer instead of stacking one.
	w.handle(ctx, fsnotify.Event{Name: "/proj/src/main.py", Op: fsnotify.Write})
	if n := len(w.pending); n != 1 {
		t.Errorf("pending = %d after a burst, want 1", n)
	}

	// Removal cancels the pending update.
	w.handle(ctx, fsnotify.Event{Name: "/proj/src/main.py", Op: fsnotify.Remove})
	if n := len(w.pending); n != 0 {
		t.Errorf("pending = %d after remove, want 0", n)
	}
}

func TestDebounceFires(t *testing.T) {
	w := newTestWatcher(t, WithDebounce(20*time.Millisecond))

	w.schedule(context.Background(), "/proj/src/main.py")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		n := len(w.pending)
		w.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("debounce timer never fired")
}

func TestCloseCancelsPending(t *testing.T) {
	w := newTestWatcher(t, WithDebounce(time.Hour))

	w.schedule(context.Background(), "/proj/src/a.py")
	w.schedule(context.Background(), "/proj/src/b.py")
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if n := len(w.pending); n != 0 {
		t.Errorf("pending = %d after close, want 0", n)
	}

	// Scheduling after close is a no-op.
	w.schedule(context.Background(), "/proj/src/c.py")
	if n := len(w.pending); n != 0 {
		t.Errorf("pending = %d after close+schedule, want 0", n)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}
