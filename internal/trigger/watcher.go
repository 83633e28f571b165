package trigger

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fnrun/gateway/internal/spec"
	"github.com/fsnotify/fsnotify"
)

// defaultDebounceWindow is the trailing-edge idle interval of spec.md
// §4.4/§5 used when a Watcher is not given an explicit one: multiple
// filesystem events within the window coalesce into one reload.
const defaultDebounceWindow = time.Second

// Watcher debounces filesystem changes under a functions directory into
// Loader.Load calls, ignoring node_modules subtrees, dot-prefixed path
// components, and *.log files.
type Watcher struct {
	loader   *Loader
	dir      string
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	reloads chan struct{}
}

// NewWatcher returns a Watcher over dir, not yet started. debounce, when
// its zero value (spec.Duration{}.IsZero()), falls back to
// defaultDebounceWindow — callers configure it via the gateway's
// reload-debounce flag/config field.
func NewWatcher(loader *Loader, dir string, debounce spec.Duration, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	window := debounce.Duration
	if debounce.IsZero() {
		window = defaultDebounceWindow
	}
	return &Watcher{loader: loader, dir: dir, debounce: window, log: log, reloads: make(chan struct{}, 1)}
}

// Run performs the immediate first load, then watches dir and debounces
// subsequent changes into further loads until ctx is cancelled. Loader
// errors are logged WARN; the previous trigger table is left in place.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.loader.Load(ctx); err != nil {
		w.log.Warn("trigger load failed", "error", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addRecursive(fw, w.dir); err != nil {
		return err
	}

	go w.runReloadLoop(ctx)

	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ignoredPath(ev.Name) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runReloadLoop issues Loader.Load calls triggered by scheduleReload.
// Load itself holds loadMu for its full body, so a debounce fire racing
// an external Load call (e.g. handleEnumerate) still never runs two
// diagnostic workers at once — this loop only needs to keep debounce
// fires from queuing up against each other.
func (w *Watcher) runReloadLoop(ctx context.Context) {
	for {
		select {
		case <-w.reloads:
			if err := w.loader.Load(ctx); err != nil {
				w.log.Warn("trigger reload failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// scheduleReload arms (or re-arms) the trailing-edge debounce timer.
// Every call within the window pushes the fire time out by w.debounce;
// the timer fires exactly once per idle period.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.reloads <- struct{}{}:
		default:
			// a reload is already queued; this one coalesces into it
		}
	})
}

// ignoredPath reports whether path falls under a node_modules subtree, has
// a dot-prefixed path component, or is a *.log file.
func ignoredPath(path string) bool {
	if strings.HasSuffix(path, ".log") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "node_modules" {
			return true
		}
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

// addRecursive registers fw on dir and every subdirectory beneath it that
// isn't itself ignored, since fsnotify watches are not recursive.
func addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != dir && ignoredPath(path) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
