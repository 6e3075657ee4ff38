// Package api exposes the local HTTP bridge that window processes
// attach to: a per-window SSE stream for coordinator→window events and
// invoke requests, POST endpoints for window→coordinator traffic, and
// the user-action endpoints whose outcomes are returned as structured
// results rather than raised across the boundary.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vellum/internal/actions"
	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/ipc"
	"github.com/starford/vellum/internal/relay"
	"github.com/starford/vellum/internal/store"
	"github.com/starford/vellum/internal/windows"
)

// Handler serves the window bridge.
type Handler struct {
	bridge *Bridge
	coord  *actions.Coordinator
	reg    *windows.Registry
	st     *store.Store
	logger *slog.Logger
}

// NewHandler wires the bridge endpoints.
func NewHandler(bridge *Bridge, coord *actions.Coordinator, reg *windows.Registry, st *store.Store, logger *slog.Logger) *Handler {
	return &Handler{bridge: bridge, coord: coord, reg: reg, st: st, logger: logger}
}

// NewRouter creates a chi router with every bridge route mounted.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/windows/{windowID}/stream", h.Stream)
	r.Post("/windows/{windowID}/events", h.WindowEvent)
	r.Post("/windows/{windowID}/invoke/{requestID}", h.InvokeResult)

	r.Post("/actions/new", h.ActionNew)
	r.Post("/actions/open", h.ActionOpen)
	r.Post("/actions/save", h.ActionSave)
	r.Post("/actions/save-as", h.ActionSaveAs)
	r.Post("/actions/rename", h.ActionRename)
	r.Post("/actions/close", h.ActionClose)

	r.Get("/recents", h.Recents)
	r.Get("/preferences", h.GetPreferences)
	r.Put("/preferences", h.PutPreferences)

	return r
}

// Stream attaches a window process to its event stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	windowID := chi.URLParam(r, "windowID")
	t, ok := h.bridge.Get(windowID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("unknown window"))
		return
	}
	t.serveStream(w, r)
}

// WindowEvent receives a fire-and-forget event from a window.
func (h *Handler) WindowEvent(w http.ResponseWriter, r *http.Request) {
	windowID := chi.URLParam(r, "windowID")
	if _, ok := h.reg.Get(windowID); !ok {
		// A stale token racing teardown; drop silently.
		writeJSON(w, http.StatusAccepted, map[string]bool{"dropped": true})
		return
	}
	var ev ipc.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed event"))
		return
	}

	switch ev.Type {
	case ipc.EventDocumentPatch:
		var submit relay.PatchSubmit
		if err := json.Unmarshal(ev.Payload, &submit); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("malformed patch"))
			return
		}
		h.coord.ApplyPatch(submit.DocumentID, submit.Patch, windowID)

	case ipc.EventWindowGeometry:
		var g struct {
			Bounds    store.Bounds `json:"bounds"`
			DisplayID string       `json:"displayId"`
		}
		if err := json.Unmarshal(ev.Payload, &g); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("malformed geometry"))
			return
		}
		h.reg.UpdateGeometry(windowID, g.Bounds, g.DisplayID)

	case ipc.EventPreferences:
		var prefs store.Preferences
		if err := json.Unmarshal(ev.Payload, &prefs); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("malformed preferences"))
			return
		}
		h.st.UpdatePreferences(func(p *store.Preferences) { *p = prefs })

	default:
		h.logger.Debug("api: unhandled window event",
			slog.String("window", windowID), slog.String("type", ev.Type))
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// InvokeResult resolves a pending coordinator→window invoke.
func (h *Handler) InvokeResult(w http.ResponseWriter, r *http.Request) {
	windowID := chi.URLParam(r, "windowID")
	requestID := chi.URLParam(r, "requestID")
	t, ok := h.bridge.Get(windowID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("unknown window"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("read body"))
		return
	}
	var res ipc.InvokeResult
	if err := json.Unmarshal(body, &res); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed result"))
		return
	}
	var settled bool
	if res.Error != "" {
		settled = t.pending.Reject(requestID, ipc.ErrInvoke(res.Error))
	} else {
		settled = t.pending.Resolve(requestID, res.Payload)
	}
	if !settled {
		// Second resolution or post-timeout arrival; dropped.
		writeJSON(w, http.StatusConflict, errorBody("request already settled"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type windowRequest struct {
	WindowID string `json:"windowId"`
}

func (h *Handler) windowAction(w http.ResponseWriter, r *http.Request, run func(windowID string) error) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed request"))
		return
	}
	err := run(req.WindowID)
	status := http.StatusOK
	if err != nil && !errors.Is(err, apperr.ErrCancelled) {
		status = http.StatusUnprocessableEntity
		if errors.Is(err, apperr.ErrNotFound) {
			status = http.StatusNotFound
		}
	}
	writeJSON(w, status, actions.ResultOf(err))
}

// ActionNew opens a fresh document in a new window.
func (h *Handler) ActionNew(w http.ResponseWriter, r *http.Request) {
	win, err := h.coord.NewDocument()
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, actions.ResultOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"windowId":   win.ID(),
		"documentId": win.DocumentID(),
	})
}

// ActionOpen opens a document file from disk.
func (h *Handler) ActionOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	win, err := h.coord.OpenFile(req.Path)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, actions.ResultOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"windowId":   win.ID(),
		"documentId": win.DocumentID(),
	})
}

func (h *Handler) ActionSave(w http.ResponseWriter, r *http.Request) {
	h.windowAction(w, r, func(id string) error { return h.coord.Save(r.Context(), id) })
}

func (h *Handler) ActionSaveAs(w http.ResponseWriter, r *http.Request) {
	h.windowAction(w, r, func(id string) error { return h.coord.SaveAs(r.Context(), id) })
}

func (h *Handler) ActionRename(w http.ResponseWriter, r *http.Request) {
	h.windowAction(w, r, func(id string) error { return h.coord.Rename(r.Context(), id) })
}

func (h *Handler) ActionClose(w http.ResponseWriter, r *http.Request) {
	h.windowAction(w, r, func(id string) error { return h.coord.Close(r.Context(), id) })
}

// Recents lists recent documents, most recently opened first.
func (h *Handler) Recents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.st.ListRecents())
}

// GetPreferences returns the current user preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.st.Preferences())
}

// PutPreferences replaces the user preferences; the change fans out to
// every window.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs store.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed preferences"))
		return
	}
	out := h.st.UpdatePreferences(func(p *store.Preferences) { *p = prefs })
	writeJSON(w, http.StatusOK, out)
}
