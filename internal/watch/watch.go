// Package watch reports changes below a plugin root so that callers can
// rescan. Bursts of file system events are coalesced into one Change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/packdock/internal/plugin/candidates"
)

// DefaultDebounce is how long the watcher waits for events to settle.
const DefaultDebounce = 500 * time.Millisecond

// Change lists the paths touched during one debounce window.
type Change struct {
	Paths []string
}

// Watcher watches a plugin root and every directory below it.
type Watcher struct {
	root       string
	fs         *fsnotify.Watcher
	dirs       map[string]struct{}
	debounce   time.Duration
	exclusions *candidates.Exclusions
	logger     hclog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the settle delay.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithExclusions ignores module files whose names are deny-listed.
func WithExclusions(e *candidates.Exclusions) Option {
	return func(w *Watcher) {
		w.exclusions = e
	}
}

// New starts watching root and every directory below it.
func New(root string, opts ...Option) (*Watcher, error) {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("plugin root is not a directory: %s", root)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{root: filepath.Clean(root), fs: fw, dirs: make(map[string]struct{}), debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = hclog.NewNullLogger()
	}

	if err := fw.Add(w.root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}
	w.dirs[w.root] = struct{}{}
	w.addTree(w.root)
	return w, nil
}

// addTree watches dir and the directories below it. Errors are logged.
func (w *Watcher) addTree(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			w.add(path)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("failed to walk plugin folder", "path", dir, "error", err)
	}
}

func (w *Watcher) add(dir string) {
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.logger.Warn("failed to watch plugin folder", "path", dir, "error", err)
		return
	}
	w.dirs[dir] = struct{}{}
	w.logger.Trace("watching plugin folder", "path", dir)
}

// Run delivers coalesced changes to onChange until ctx is done, then closes
// the watcher. onChange runs on Run's goroutine.
func (w *Watcher) Run(ctx context.Context, onChange func(Change)) error {
	defer w.fs.Close()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = map[string]struct{}{}
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("plugin change", "path", ev.Name, "op", ev.Op.String())
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)

		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			onChange(Change{Paths: paths})
		}
	}
}

// relevant reports whether ev concerns a plugin folder or module file.
// Directories are watched as they appear.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ev.Name)
			return true
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, ok := w.dirs[ev.Name]; ok {
			w.forget(ev.Name)
			return true
		}
		if filepath.Dir(ev.Name) == w.root {
			return true
		}
	}

	name := filepath.Base(ev.Name)
	return candidates.IsCandidateName(name) && !w.exclusions.Match(name)
}

// forget drops dir and the directories below it. The kernel watches are
// already gone with the directories.
func (w *Watcher) forget(dir string) {
	prefix := dir + string(filepath.Separator)
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
}
