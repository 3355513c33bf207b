// Package watch rebuilds the workspace when package sources change.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gophersatwork/monocache"
	"github.com/gophersatwork/monocache/internal/logging"
	"github.com/gophersatwork/monocache/internal/workspace"
	"github.com/rs/zerolog"
)

// BuildFunc is called once at start and after every burst of changes.
type BuildFunc func(ctx context.Context) error

// Watcher watches a workspace root and calls a BuildFunc on change.
type Watcher struct {
	root     string
	debounce time.Duration
	build    BuildFunc
	ignore   func(path string) bool
	log      zerolog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithIgnore adds a filter for changed paths. Paths for which ignore returns
// true never trigger a build.
func WithIgnore(ignore func(path string) bool) Option {
	return func(w *Watcher) {
		w.ignore = ignore
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) {
		w.log = l
	}
}

// New creates a Watcher for root.
func New(root string, debounce time.Duration, build BuildFunc, options ...Option) *Watcher {
	w := &Watcher{
		root:     root,
		debounce: debounce,
		build:    build,
		ignore:   func(string) bool { return false },
		log:      zerolog.Nop(),
	}
	for _, option := range options {
		option(w)
	}
	w.log = logging.GetLogger(w.log, "watch")
	return w
}

// Run builds once, then rebuilds on change until ctx is done. Build errors
// are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer fw.Close()

	if err := w.addDirsRecursive(fw, w.root); err != nil {
		return err
	}

	d := newDebouncer(w.debounce)
	defer d.stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.rebuildLoop(ctx, d.requests)
	}()
	d.fire()

	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, ev, d.trigger)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// rebuildLoop serializes builds. Requests arriving during a build collapse
// into one follow-up build.
func (w *Watcher) rebuildLoop(ctx context.Context, requests chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-requests:
			w.log.Info().Msg("Change detected, rebuilding")
			if err := w.build(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("Rebuild failed")
			}
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event, trigger func()) {
	if shouldIgnoreEvent(ev.Name) || w.ignore(ev.Name) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.addDirsRecursive(fw, ev.Name)
		}
	}
	w.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("File change detected")
	trigger()
}

func (w *Watcher) addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && (skipDir(d.Name()) || w.ignore(path)) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			w.log.Warn().Err(err).Str("dir", path).Msg("Watch add failed")
		}
		return nil
	})
}

func skipDir(name string) bool {
	return name == "node_modules" || strings.HasPrefix(name, ".")
}

// shouldIgnoreEvent reports editor temp files and other noise.
func shouldIgnoreEvent(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".swx") ||
		strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#") {
		return true
	}
	return base == "Thumbs.db" || base == "4913"
}

// IgnoreOutputs returns a filter matching paths that a build writes or that
// packages exclude from their fingerprint, so builds do not retrigger
// themselves.
func IgnoreOutputs(ws *workspace.Workspace) func(path string) bool {
	return func(path string) bool {
		pkg, err := ws.FindByDir(path)
		if err != nil {
			return false
		}
		rel, err := filepath.Rel(pkg.Dir, path)
		if err != nil || rel == "." {
			return false
		}
		rel = filepath.ToSlash(rel)
		for _, patterns := range [][]string{pkg.Outputs, pkg.Exclude} {
			for _, p := range patterns {
				if monocache.MatchPattern(p, rel) || monocache.MatchPattern(p, rel+"/x") {
					return true
				}
			}
		}
		return false
	}
}

// debouncer coalesces bursts of triggers into single requests.
type debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	timer    *time.Timer
	requests chan struct{}
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:    delay,
		requests: make(chan struct{}, 1),
	}
}

// trigger (re)starts the delay; the request fires when it elapses quietly.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *debouncer) fire() {
	select {
	case d.requests <- struct{}{}:
	default:
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
