// Package windows tracks live window handles, their document
// association, and window geometry across display changes. Window
// identity is an opaque token: it is never assumed reusable or
// monotonic, and liveness is checked before any send.
package windows

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/document"
	"github.com/starford/vellum/internal/ipc"
	"github.com/starford/vellum/internal/relay"
	"github.com/starford/vellum/internal/store"
)

// DefaultCloseDebounce is the settle window after a window closes
// before checking whether any windows remain; closing several windows
// in the same tick triggers the check once.
const DefaultCloseDebounce = 50 * time.Millisecond

// Factory creates the platform window identified by windowID and
// returns the coordinator's transport end for it.
type Factory func(windowID string) (ipc.Transport, error)

// Window is one live window handle.
type Window struct {
	id        string
	transport ipc.Transport

	mu        sync.Mutex
	doc       document.ID
	destroyed atomic.Bool
}

// ID returns the window's opaque identity token.
func (w *Window) ID() string { return w.id }

// DocumentID returns the document the window currently displays.
func (w *Window) DocumentID() document.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc
}

// Destroyed reports whether the handle is no longer addressable.
func (w *Window) Destroyed() bool { return w.destroyed.Load() }

// Transport exposes the window's channel for invoke calls.
func (w *Window) Transport() ipc.Transport { return w.transport }

// Registry owns the window table, the warm spare, and teardown.
type Registry struct {
	logger        *slog.Logger
	hub           *relay.Hub
	st            *store.Store
	factory       Factory
	warmEnabled   bool
	closeDebounce time.Duration
	onAllClosed   func()

	mu         sync.Mutex
	windows    map[string]*Window
	warm       *Window
	closeTimer *time.Timer
	closed     bool
}

// Options tunes registry behavior.
type Options struct {
	// Warm keeps one hidden window pre-initialized so new/open latency
	// is hidden. It must be off under automated tests, whose timing
	// its background preparation would race.
	Warm bool
	// CloseDebounce overrides DefaultCloseDebounce when positive.
	CloseDebounce time.Duration
	// OnAllClosed runs after the debounce when the last window closed.
	OnAllClosed func()
}

// NewRegistry creates the registry. The hub may be set later via
// SetHub to break construction ordering with the relay.
func NewRegistry(st *store.Store, factory Factory, logger *slog.Logger, opts Options) *Registry {
	debounce := opts.CloseDebounce
	if debounce <= 0 {
		debounce = DefaultCloseDebounce
	}
	r := &Registry{
		logger:        logger,
		st:            st,
		factory:       factory,
		warmEnabled:   opts.Warm,
		closeDebounce: debounce,
		onAllClosed:   opts.OnAllClosed,
		windows:       make(map[string]*Window),
	}
	return r
}

// SetHub wires the relay hub used during teardown.
func (r *Registry) SetHub(h *relay.Hub) {
	r.mu.Lock()
	r.hub = h
	r.mu.Unlock()
}

// CreateWindow produces a window for the given document, consuming the
// warm spare when one is ready. The document association is recorded
// and the window registered with the relay hub; a replacement spare is
// prepared asynchronously.
func (r *Registry) CreateWindow(docID document.ID) (*Window, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("windows: registry closed")
	}
	w := r.warm
	r.warm = nil
	r.mu.Unlock()

	if w == nil {
		var err error
		w, err = r.newWindow()
		if err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	w.doc = docID
	w.mu.Unlock()

	r.mu.Lock()
	r.windows[w.id] = w
	hub := r.hub
	r.mu.Unlock()

	if hub != nil {
		hub.Register(docID, w.id)
	}
	if r.warmEnabled {
		go r.prepareWarm()
	}
	r.logger.Debug("windows: created",
		slog.String("window", w.id), slog.String("doc", string(docID)))
	return w, nil
}

func (r *Registry) newWindow() (*Window, error) {
	id := ulid.Make().String()
	transport, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("windows: create: %w", err)
	}
	return &Window{id: id, transport: transport}, nil
}

// prepareWarm replaces the consumed spare.
func (r *Registry) prepareWarm() {
	w, err := r.newWindow()
	if err != nil {
		r.logger.Warn("windows: warm prepare failed", slog.String("error", err.Error()))
		return
	}
	r.mu.Lock()
	if r.closed || r.warm != nil {
		r.mu.Unlock()
		_ = w.transport.Close()
		return
	}
	r.warm = w
	r.mu.Unlock()
}

// Get returns the live window for id. Destroyed or unknown tokens
// report false; a stale token is never dereferenced.
func (r *Registry) Get(id string) (*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[id]
	if !ok || w.Destroyed() {
		return nil, false
	}
	return w, true
}

// ByDocument returns any live window displaying docID.
func (r *Registry) ByDocument(docID document.ID) (*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.windows {
		if !w.Destroyed() && w.DocumentID() == docID {
			return w, true
		}
	}
	return nil, false
}

// Count returns the number of live windows.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.windows {
		if !w.Destroyed() {
			n++
		}
	}
	return n
}

// SendToWindow delivers an event to a live window; sends to unknown or
// destroyed windows are skipped and report false.
func (r *Registry) SendToWindow(id string, ev ipc.Event) bool {
	w, ok := r.Get(id)
	if !ok {
		return false
	}
	if err := w.transport.Send(ev); err != nil {
		r.logger.Debug("windows: send skipped",
			slog.String("window", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

// Broadcast sends an event to every live window.
func (r *Registry) Broadcast(ev ipc.Event) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.SendToWindow(id, ev)
	}
}

// Focus asks the window to come to front.
func (r *Registry) Focus(id string) error {
	ev, err := ipc.NewEvent(ipc.EventWindowFocus, map[string]string{"windowId": id})
	if err != nil {
		return err
	}
	if !r.SendToWindow(id, ev) {
		return fmt.Errorf("windows: focus %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// UpdateGeometry records a move/resize. Geometry updates are
// best-effort idempotent overwrites; a failure only means the entry is
// already gone.
func (r *Registry) UpdateGeometry(id string, bounds store.Bounds, displayID string) {
	w, ok := r.Get(id)
	if !ok {
		return
	}
	ref := store.WindowRef{
		WindowID:       id,
		LastActiveTime: time.Now(),
		ScreenBounds:   bounds,
		DisplayID:      displayID,
	}
	if err := r.st.UpdateOpenDocument(w.DocumentID(), store.OpenDocumentUpdate{Window: &ref}); err != nil {
		r.logger.Debug("windows: geometry update dropped",
			slog.String("window", id), slog.String("error", err.Error()))
	}
}

// Reassociate moves a window from its current document to newID, as
// Save As does when it forks a document: the old registration and open
// entry are retired and newEntry takes their place.
func (r *Registry) Reassociate(windowID string, newID document.ID, newEntry store.OpenDocument) error {
	w, ok := r.Get(windowID)
	if !ok {
		return fmt.Errorf("windows: reassociate %s: %w", windowID, apperr.ErrNotFound)
	}
	oldID := w.DocumentID()

	r.mu.Lock()
	hub := r.hub
	r.mu.Unlock()

	if hub != nil && oldID != "" {
		hub.Unregister(oldID, windowID)
	}
	if oldID != "" {
		if err := r.st.RemoveOpenDocument(oldID, windowID); err != nil {
			r.logger.Debug("windows: old entry already gone",
				slog.String("window", windowID), slog.String("error", err.Error()))
		}
	}

	w.mu.Lock()
	w.doc = newID
	w.mu.Unlock()

	if err := r.st.CreateOpenDocument(newEntry); err != nil {
		return err
	}
	if hub != nil {
		hub.Register(newID, windowID)
	}
	return nil
}

// CloseWindow tears a window down: it is unregistered from the relay
// hub, its open entry (and per-document file) is removed, its channel
// is closed, and after the settle debounce the registry reports when no
// windows remain.
func (r *Registry) CloseWindow(id string) error {
	r.mu.Lock()
	w, ok := r.windows[id]
	if ok {
		delete(r.windows, id)
	}
	hub := r.hub
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("windows: close %s: %w", id, apperr.ErrNotFound)
	}

	w.destroyed.Store(true)
	docID := w.DocumentID()
	if hub != nil && docID != "" {
		hub.Unregister(docID, id)
	}
	if docID != "" {
		if err := r.st.RemoveOpenDocument(docID, id); err != nil {
			r.logger.Debug("windows: open entry already gone",
				slog.String("window", id), slog.String("error", err.Error()))
		}
	}
	_ = w.transport.Close()
	r.logger.Debug("windows: closed", slog.String("window", id))

	r.scheduleAllClosedCheck()
	return nil
}

func (r *Registry) scheduleAllClosedCheck() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onAllClosed == nil || r.closed {
		return
	}
	if r.closeTimer != nil {
		r.closeTimer.Stop()
	}
	r.closeTimer = time.AfterFunc(r.closeDebounce, func() {
		if r.Count() == 0 {
			r.onAllClosed()
		}
	})
}

// Close tears down every window and the warm spare.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	if r.closeTimer != nil {
		r.closeTimer.Stop()
	}
	warm := r.warm
	r.warm = nil
	ids := make([]string, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if warm != nil {
		_ = warm.transport.Close()
	}
	for _, id := range ids {
		_ = r.CloseWindow(id)
	}
}
