// internal/diff/watcher.go
package diff

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher surfaces external writes to files that carry pending hunks.
// Directories are watched rather than files so edits via rename (most
// editors) are still seen. Events are debounced per path.
type watcher struct {
	root     string
	fs       *fsnotify.Watcher
	callback func(path string)

	mu        sync.Mutex
	tracked   map[string]bool // workspace-relative file paths
	dirs      map[string]bool // absolute watched directories
	debouncer map[string]*time.Timer
	closed    bool

	done chan struct{}
}

const debounceInterval = 100 * time.Millisecond

func newWatcher(root string, callback func(path string)) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		root:      root,
		fs:        fs,
		callback:  callback,
		tracked:   make(map[string]bool),
		dirs:      make(map[string]bool),
		debouncer: make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// watch starts observing a workspace-relative file path
func (w *watcher) watch(relPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.tracked[relPath] {
		return
	}
	w.tracked[relPath] = true

	dir := filepath.Dir(filepath.Join(w.root, relPath))
	if !w.dirs[dir] {
		if err := w.fs.Add(dir); err == nil {
			w.dirs[dir] = true
		}
	}
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			w.mu.Lock()
			tracked := w.tracked[rel]
			w.mu.Unlock()
			if tracked {
				w.fire(rel)
			}
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		}
	}
}

// fire debounces and then invokes the callback for a path
func (w *watcher) fire(relPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.debouncer[relPath]; ok {
		timer.Stop()
	}
	w.debouncer[relPath] = time.AfterFunc(debounceInterval, func() {
		w.callback(relPath)
	})
}

func (w *watcher) close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, timer := range w.debouncer {
		timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	return w.fs.Close()
}
