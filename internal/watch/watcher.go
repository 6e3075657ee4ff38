// Package watch detects external tampering with open documents' files.
// Each watched document gets an OS-level watch on the file's parent
// directory (watching the file itself misses rename and delete events
// on some platforms) and a debounce timer that coalesces event bursts
// into one logical check.
package watch

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/vellum/internal/checksum"
	"github.com/starford/vellum/internal/document"
)

// DefaultDebounce is the coalescing window for filesystem events.
const DefaultDebounce = 100 * time.Millisecond

// Handler receives tampering verdicts. Both callbacks run on the
// watcher goroutine of the affected document; the watch on a vanished
// file is already stopped when DocumentMissing fires, so the handler
// may block on user input without racing further events.
type Handler interface {
	// DocumentMoved reports that the file was found at a new path by
	// its embedded id. The watcher re-points itself to newPath after
	// the callback returns.
	DocumentMoved(id document.ID, oldPath, newPath string)
	// DocumentMissing reports that the file is gone and no sibling
	// carries the document's id: an external delete.
	DocumentMissing(id document.ID, oldPath string)
}

type watched struct {
	id     document.ID
	path   string
	sum    string
	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	done   chan struct{}
}

// Watcher manages the per-document watches.
type Watcher struct {
	logger   *slog.Logger
	handler  Handler
	debounce time.Duration

	mu   sync.Mutex
	docs map[document.ID]*watched
}

// New creates a watcher delivering verdicts to handler. A debounce of
// zero selects DefaultDebounce. A nil handler may be supplied and set
// later with SetHandler, which must happen before the first Watch.
func New(handler Handler, logger *slog.Logger, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		logger:   logger,
		handler:  handler,
		debounce: debounce,
		docs:     make(map[document.ID]*watched),
	}
}

// SetHandler wires the verdict handler; it exists to break the
// construction cycle with the action coordinator.
func (w *Watcher) SetHandler(h Handler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

// Watch starts observing path for the given document. Watching a
// document that is already watched re-points it.
func (w *Watcher) Watch(id document.ID, path string) error {
	w.Unwatch(id)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return err
	}

	d := &watched{
		id:     id,
		path:   path,
		fsw:    fsw,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if data, err := os.ReadFile(path); err == nil {
		d.sum = checksum.Sum(data)
	}

	w.mu.Lock()
	w.docs[id] = d
	w.mu.Unlock()

	go w.loop(d)
	w.logger.Debug("watch: started",
		slog.String("doc", string(id)), slog.String("path", path))
	return nil
}

// Unwatch stops observing the document. It must be called before any
// app-initiated rename of the watched path, with Watch re-establishing
// the watch afterwards, so the watcher never mistakes the app's own
// rename for an external deletion.
func (w *Watcher) Unwatch(id document.ID) {
	w.mu.Lock()
	d, ok := w.docs[id]
	if ok {
		delete(w.docs, id)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	close(d.stopCh)
	_ = d.fsw.Close()
	<-d.done
	w.logger.Debug("watch: stopped", slog.String("doc", string(id)))
}

// Path returns the currently watched path for the document, if any.
func (w *Watcher) Path(id document.ID) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.docs[id]
	if !ok {
		return "", false
	}
	return d.path, true
}

// Close stops every watch.
func (w *Watcher) Close() {
	w.mu.Lock()
	var ids []document.ID
	for id := range w.docs {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	for _, id := range ids {
		w.Unwatch(id)
	}
}

func (w *Watcher) loop(d *watched) {
	defer close(d.done)

	var timer *time.Timer
	var timerC <-chan time.Time
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		} else {
			timer.Reset(w.debounce)
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-d.stopCh:
			return

		case _, ok := <-d.fsw.Events:
			if !ok {
				return
			}
			arm()

		case err, ok := <-d.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch: error",
				slog.String("doc", string(d.id)),
				slog.String("error", err.Error()))

		case <-timerC:
			if w.check(d) {
				return
			}
		}
	}
}

// check runs the debounced verdict. It returns true when the loop must
// exit because the watch was retired (file moved or missing).
func (w *Watcher) check(d *watched) bool {
	if data, err := os.ReadFile(d.path); err == nil {
		// Still present: an in-place modification is harmless.
		sum := checksum.Sum(data)
		if sum != d.sum {
			w.logger.Debug("watch: file modified in place",
				slog.String("doc", string(d.id)))
			d.sum = sum
		}
		return false
	} else if !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("watch: stat failed",
			slog.String("doc", string(d.id)),
			slog.String("error", err.Error()))
		return false
	}

	// The file is confirmed gone. Stop the now-invalid watch before
	// resolving, so no further events race the recovery flow.
	w.mu.Lock()
	if w.docs[d.id] == d {
		delete(w.docs, d.id)
	}
	handler := w.handler
	w.mu.Unlock()
	_ = d.fsw.Close()
	if handler == nil {
		return true
	}

	if newPath, ok := document.FindByID(filepath.Dir(d.path), d.id); ok {
		w.logger.Info("watch: file renamed externally",
			slog.String("doc", string(d.id)),
			slog.String("path", newPath))
		handler.DocumentMoved(d.id, d.path, newPath)
		if err := w.Watch(d.id, newPath); err != nil {
			w.logger.Warn("watch: re-point failed",
				slog.String("doc", string(d.id)),
				slog.String("error", err.Error()))
		}
		return true
	}

	w.logger.Info("watch: file deleted externally",
		slog.String("doc", string(d.id)),
		slog.String("path", d.path))
	handler.DocumentMissing(d.id, d.path)
	return true
}
