// Package watcher observes the source files behind live sessions and fires a
// change callback when a file is written on disk. Editors commonly save via
// atomic rename, so the watcher subscribes to each file's parent directory
// and filters events by name instead of watching the file inode directly.
//
// Rapid event bursts for one file are coalesced with a per-file debounce
// timer; the callback sees one change per save, not one per syscall.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/livemd/livemd/internal/logging"
)

// ChangeHandler is invoked (on the watcher goroutine's timer) with the
// document whose source file changed.
type ChangeHandler func(doc string)

// Watcher maps watched source files to document ids and coalesces filesystem
// events per file.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	handler  ChangeHandler
	logger   logging.Logger

	mu       sync.Mutex
	fileDocs map[string]string      // absolute file path -> document id
	dirRefs  map[string]int         // watched directory -> reference count
	timers   map[string]*time.Timer // per-file debounce timers
	closed   bool
}

// New creates a watcher. The handler runs outside the watcher's mutex and
// may call back into the pipeline freely.
func New(debounce time.Duration, handler ChangeHandler, logger logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Watcher{
		fsw:      fsw,
		debounce: debounce,
		handler:  handler,
		logger:   logger.WithComponent("watcher"),
		fileDocs: make(map[string]string),
		dirRefs:  make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Watch registers a document's source file.
func (w *Watcher) Watch(doc, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if w.dirRefs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	w.dirRefs[dir]++
	w.fileDocs[abs] = doc
	return nil
}

// Unwatch drops the registration for a document. Idempotent.
func (w *Watcher) Unwatch(doc string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, d := range w.fileDocs {
		if d != doc {
			continue
		}
		delete(w.fileDocs, path)
		if timer, ok := w.timers[path]; ok {
			timer.Stop()
			delete(w.timers, path)
		}
		dir := filepath.Dir(path)
		w.dirRefs[dir]--
		if w.dirRefs[dir] <= 0 {
			delete(w.dirRefs, dir)
			_ = w.fsw.Remove(dir)
		}
	}
}

// Run processes filesystem events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, err, "filesystem watch error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	path, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	doc, watched := w.fileDocs[path]
	if !watched || w.closed {
		return
	}

	// Reset the per-file timer: only the last event in a burst fires.
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.handler(doc)
		}
	})
}

// Close stops the watcher and cancels pending debounce timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
