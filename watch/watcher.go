/*
Copyright © 2026 Hmrcore Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package watch wraps fsnotify into the single-file-at-a-time ordered
// event stream spec.md §5's "File-system events" paragraph requires:
// events arrive in order, each is processed atomically with respect to the
// HMR propagator, and further events queue during processing.
package watch

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"bennypowers.dev/hmrcore/resolve"
)

// EventKind classifies a change per spec.md §4.A/§4.E's change/add/unlink
// distinction.
type EventKind int

const (
	Change EventKind = iota
	Add
	Unlink
)

func (k EventKind) String() string {
	switch k {
	case Add:
		return "add"
	case Unlink:
		return "unlink"
	default:
		return "change"
	}
}

// Event is one file-system change, already classified and de-duplicated.
type Event struct {
	Kind EventKind
	Path string
}

// Handler processes one Event. Implementations are called serially, in
// arrival order, never concurrently — this is what "each event is
// processed atomically with respect to the HMR propagator" means in
// practice.
type Handler func(Event)

// Watcher wraps fsnotify.Watcher, watching a set of root directories
// (implicitly recursive: WatchTree registers every subdirectory it finds)
// and serializing delivery onto a single goroutine so watch.Handler never
// needs its own locking.
type Watcher struct {
	fsw     *fsnotify.Watcher
	handler Handler
	logger  resolve.Logger

	mu          sync.Mutex
	watchedDirs map[string]bool

	done chan struct{}
}

type noopLogger struct{}

func (noopLogger) Warning(format string, args ...any) {}
func (noopLogger) Debug(format string, args ...any)   {}

// New constructs a Watcher that invokes handler for every observed change,
// in the order fsnotify reports them.
func New(handler Handler, logger resolve.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Watcher{
		fsw:         fsw,
		handler:     handler,
		logger:      logger,
		watchedDirs: make(map[string]bool),
		done:        make(chan struct{}),
	}, nil
}

// WatchTree adds root and every directory beneath it to the watch set,
// skipping directories under a standard ignore list (node_modules, .git).
func (w *Watcher) WatchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if isIgnoredDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func isIgnoredDir(name string) bool {
	switch name {
	case "node_modules", ".git":
		return true
	default:
		return false
	}
}

// Run processes fsnotify events on the calling goroutine until Close is
// called or the underlying watcher's channels close. Events for newly
// created directories are added to the watch set as they appear, so
// WatchTree's recursion stays current without a second full walk.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warning("watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
			return
		}
		w.handler(Event{Kind: Add, Path: ev.Name})
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.handler(Event{Kind: Unlink, Path: ev.Name})
	case ev.Op.Has(fsnotify.Write):
		w.handler(Event{Kind: Change, Path: ev.Name})
	}
}

// Close stops Run and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

// Watch implements transform.Watcher: ensure_entry calls Watch to register
// a single file's containing directory so subsequent edits are observed
// even if the directory wasn't covered by an earlier WatchTree call.
func (w *Watcher) Watch(file string) error {
	w.mu.Lock()
	dir := filepath.Dir(file)
	already := w.watchedDirs[dir]
	w.mu.Unlock()
	if already {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.watchedDirs[dir] = true
	w.mu.Unlock()
	return nil
}
