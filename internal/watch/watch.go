// Package watch reruns work when suite files or the files they depend on
// change, coalescing bursts of filesystem events.
package watch

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for events to settle.
const DefaultDebounce = 300 * time.Millisecond

// ErrClosed is returned when operations are called on a closed Watcher.
var ErrClosed = errors.New("watch: watcher is closed")

// EventType represents the type of file system event.
type EventType uint32

const (
	Create EventType = 1 << iota
	Write
	Remove
	Rename
	Chmod

	All = Create | Write | Remove | Rename | Chmod
)

func eventTypeFromFsnotify(op fsnotify.Op) EventType {
	var t EventType
	if op.Has(fsnotify.Create) {
		t |= Create
	}
	if op.Has(fsnotify.Write) {
		t |= Write
	}
	if op.Has(fsnotify.Remove) {
		t |= Remove
	}
	if op.Has(fsnotify.Rename) {
		t |= Rename
	}
	if op.Has(fsnotify.Chmod) {
		t |= Chmod
	}
	return t
}

// Event represents a file system event.
type Event struct {
	Path string
	Type EventType
}

// Handler is called once per settled burst of events. Calls never overlap.
type Handler func(ctx context.Context, events []Event)

// Watcher watches files and directory trees.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	filter    EventType
	ignore    []string
	logger    *log.Logger

	mu     sync.Mutex
	dirs   map[string]bool // Watched directories.
	files  map[string]bool // Individually watched files.
	trees  []string        // Roots added as directories.
	closed bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long to wait for events to settle.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithEventFilter sets which event types trigger the handler.
func WithEventFilter(filter EventType) Option {
	return func(w *Watcher) { w.filter = filter }
}

// WithIgnore adds glob patterns matched against base names and absolute
// paths. Matching events and directories are skipped.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) { w.ignore = append(w.ignore, patterns...) }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Watcher. Editor swap files and VCS directories are ignored by
// default; Chmod events are filtered out.
func New(opts ...Option) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsWatcher: fsWatcher,
		debounce:  DefaultDebounce,
		filter:    All &^ Chmod,
		ignore:    []string{".git", ".hg", "*.swp", "*.swx", "*~", ".#*", "4913"},
		logger:    log.New(io.Discard),
		dirs:      make(map[string]bool),
		files:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add watches path. A directory is watched with all its subdirectories. A
// file is watched through its parent directory so editors that save by
// renaming are still seen.
func (w *Watcher) Add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if !w.inTree(abs) {
			w.trees = append(w.trees, abs)
		}
		return w.addRecursive(abs)
	}

	w.files[abs] = true
	parent := filepath.Dir(abs)
	if w.dirs[parent] {
		return nil
	}
	if err := w.fsWatcher.Add(parent); err != nil {
		return err
	}
	w.dirs[parent] = true
	return nil
}

// addRecursive adds a directory and all its subdirectories.
// Must be called with w.mu held.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		if w.dirs[path] {
			return nil
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return err
		}
		w.dirs[path] = true
		return nil
	})
}

// WatchedPaths returns the watched directories, sorted.
func (w *Watcher) WatchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.dirs))
	for p := range w.dirs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fsWatcher.Close()
}

// Run delivers settled bursts of relevant events to fn until ctx is done or
// the watcher is closed. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, fn Handler) error {
	var (
		pending []Event
		timer   *time.Timer
		fire    <-chan time.Time
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
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			e, relevant := w.handleEvent(ev)
			if !relevant {
				continue
			}
			pending = append(pending, e)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)
		case <-fire:
			fire = nil
			events := pending
			pending = nil
			w.logger.Debug("change detected", "events", len(events))
			fn(ctx, events)
		}
	}
}

// handleEvent converts an fsnotify event, tracks new directories, and
// reports whether the event should trigger the handler.
func (w *Watcher) handleEvent(ev fsnotify.Event) (Event, bool) {
	t := eventTypeFromFsnotify(ev.Op)
	e := Event{Path: ev.Name, Type: t}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ignored(ev.Name) {
		return e, false
	}

	inTree := w.inTree(ev.Name)
	if t&Create != 0 && inTree {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.closed {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("watching new directory", "path", ev.Name, "err", err)
			}
		}
	}
	if t&(Remove|Rename) != 0 {
		delete(w.dirs, ev.Name)
	}

	if t&w.filter == 0 {
		return e, false
	}
	return e, inTree || w.files[ev.Name]
}

// inTree reports whether path lies under a directory added with Add.
// Must be called with w.mu held.
func (w *Watcher) inTree(path string) bool {
	for _, root := range w.trees {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
		if filepath.IsAbs(pattern) && strings.HasPrefix(path, pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
