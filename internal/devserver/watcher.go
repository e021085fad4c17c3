package devserver

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Ignore patterns applied under every watch root
const (
	globGit         = "**/.git"
	globNodeModules = "**/node_modules"
)

// Watcher reports changes to files matching a set of doublestar patterns.
type Watcher struct {
	log     *slog.Logger
	fsWatch *fsnotify.Watcher

	watchedDirs sync.Map

	// absolute, forward slashes
	patterns []string
	ignored  []string
}

// NewWatcher watches every file matching one of patterns. A plain path
// watches that file alone. Directories matching ignore are never descended.
func NewWatcher(patterns, ignore []string, log *slog.Logger) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{log: log, fsWatch: fsWatch}

	for _, p := range ignore {
		w.ignored = append(w.ignored, norm(p), norm(p)+"/**")
	}

	for _, p := range patterns {
		np := norm(p)
		if !doublestar.ValidatePattern(np) {
			fsWatch.Close()
			return nil, &fs.PathError{Op: "watch", Path: p, Err: doublestar.ErrBadPattern}
		}
		w.patterns = append(w.patterns, np)

		base, rest := doublestar.SplitPattern(np)
		for _, g := range []string{globGit, globNodeModules} {
			w.ignored = append(w.ignored, base+"/"+g, base+"/"+g+"/**")
		}
		if rest == filepath.Base(np) && !hasMeta(rest) {
			// single file: watch its directory so renames and recreates are seen
			err = w.addDir(base, false)
		} else {
			err = w.addDir(base, true)
		}
		if err != nil {
			fsWatch.Close()
			return nil, err
		}
	}
	return w, nil
}

func hasMeta(s string) bool {
	for _, c := range s {
		switch c {
		case '*', '?', '[', '{', '\\':
			return true
		}
	}
	return false
}

func norm(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(abs)
}

func (w *Watcher) Close() error {
	return w.fsWatch.Close()
}

func (w *Watcher) addDir(root string, recursive bool) error {
	root = filepath.FromSlash(root)
	if !recursive {
		return w.add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if w.isIgnored(path) {
			return filepath.SkipDir
		}
		return w.add(path)
	})
}

func (w *Watcher) add(dir string) error {
	key := norm(dir)
	if _, exists := w.watchedDirs.Load(key); exists {
		return nil
	}
	if err := w.fsWatch.Add(dir); err != nil {
		return err
	}
	w.watchedDirs.Store(key, true)
	return nil
}

func (w *Watcher) isIgnored(path string) bool {
	np := norm(path)
	for _, p := range w.ignored {
		if ok, _ := doublestar.Match(p, np); ok {
			return true
		}
	}
	return false
}

// Matches reports whether path is one of the watched files.
func (w *Watcher) Matches(path string) bool {
	if w.isIgnored(path) {
		return false
	}
	np := norm(path)
	for _, p := range w.patterns {
		if ok, _ := doublestar.Match(p, np); ok {
			return true
		}
	}
	return false
}

// Run delivers debounced batches of relevant events to onChange until ctx is
// done. Batches never overlap.
func (w *Watcher) Run(ctx context.Context, onChange func([]fsnotify.Event)) error {
	debouncer := NewDebouncer(30*time.Millisecond, onChange)
	defer debouncer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.fsWatch.Events:
			if !ok {
				return nil
			}
			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() && !w.isIgnored(evt.Name) {
					if err := w.addDir(evt.Name, true); err != nil {
						w.log.Warn("failed to watch new directory", "dir", evt.Name, "error", err)
					}
				}
			}
			if !w.Matches(evt.Name) || isNonEmptyChmodOnly(evt) {
				continue
			}
			debouncer.Add(evt)
		case err, ok := <-w.fsWatch.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

// Debouncer batches rapid file events and ensures callbacks don't overlap.
type Debouncer struct {
	duration time.Duration
	callback func([]fsnotify.Event)
	mu       sync.Mutex
	timer    *time.Timer
	events   []fsnotify.Event
	stopped  bool
	inFlight bool
	pending  []fsnotify.Event
}

func NewDebouncer(d time.Duration, cb func([]fsnotify.Event)) *Debouncer {
	return &Debouncer{duration: d, callback: cb}
}

func (d *Debouncer) Add(evt fsnotify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.events = append(d.events, evt)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	if d.stopped || len(d.events) == 0 {
		d.mu.Unlock()
		return
	}
	events := d.events
	d.events = nil

	// a batch is running; it reschedules these when done
	if d.inFlight {
		d.pending = append(d.pending, events...)
		d.mu.Unlock()
		return
	}
	d.inFlight = true
	d.mu.Unlock()

	d.callback(events)

	d.mu.Lock()
	d.inFlight = false
	if len(d.pending) > 0 && !d.stopped {
		d.events = d.pending
		d.pending = nil
		d.timer = time.AfterFunc(d.duration, d.flush)
	}
	d.mu.Unlock()
}

// Stop cancels any pending callback and drops future events.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.events = nil
	d.pending = nil
}

// isNonEmptyChmodOnly skips permission changes. A chmod on an empty file may
// be part of an editor's create sequence, so those still count.
func isNonEmptyChmodOnly(evt fsnotify.Event) bool {
	if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Remove) ||
		evt.Has(fsnotify.Rename) {
		return false
	}
	info, err := os.Stat(evt.Name)
	if err != nil {
		return false
	}
	return info.Size() > 0
}
