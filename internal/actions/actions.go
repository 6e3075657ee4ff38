// Package actions implements the user-facing document operations -
// new, open, save, save-as, rename, close - as sequences over the
// store, the relay hub, the file watcher, and the window registry.
// Dialog-driven branching is injected (see Dialogs); a cancelled dialog
// is a valid outcome that leaves all persisted and in-memory state
// exactly as it was, and errors are returned as values, never thrown
// across the IPC boundary.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/document"
	"github.com/starford/vellum/internal/ipc"
	"github.com/starford/vellum/internal/relay"
	"github.com/starford/vellum/internal/storage"
	"github.com/starford/vellum/internal/store"
	"github.com/starford/vellum/internal/watch"
	"github.com/starford/vellum/internal/windows"
)

// Result is the IPC-boundary shape of an action outcome.
type Result struct {
	OK        bool   `json:"ok"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResultOf converts an action error into its boundary shape. A
// cancelled dialog is not an error: no message is surfaced for it.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Result{OK: true}
	case errors.Is(err, apperr.ErrCancelled):
		return Result{Cancelled: true}
	default:
		return Result{Error: err.Error()}
	}
}

// PathChange is the payload of an EventDocumentPath notification.
type PathChange struct {
	DocumentID document.ID `json:"documentId"`
	FilePath   string      `json:"filePath"`
}

// Coordinator composes the other components into user operations.
type Coordinator struct {
	st       *store.Store
	hub      *relay.Hub
	watcher  *watch.Watcher
	reg      *windows.Registry
	dialogs  Dialogs
	displays windows.Displays
	logger   *slog.Logger

	// base context for watcher-driven recovery flows, which have no
	// initiating request.
	ctx context.Context
}

// NewCoordinator wires the coordinator. ctx bounds dialog flows that
// are not tied to a user request.
func NewCoordinator(ctx context.Context, st *store.Store, hub *relay.Hub, watcher *watch.Watcher, reg *windows.Registry, dialogs Dialogs, displays windows.Displays, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		st:       st,
		hub:      hub,
		watcher:  watcher,
		reg:      reg,
		dialogs:  dialogs,
		displays: displays,
		logger:   logger,
		ctx:      ctx,
	}
}

func defaultBounds(displays windows.Displays) store.Bounds {
	area := displays.Primary().WorkArea
	b := store.Bounds{Width: 1200, Height: 800}
	if b.Width > area.Width {
		b.Width = area.Width
	}
	if b.Height > area.Height {
		b.Height = area.Height
	}
	b.X = area.X + (area.Width-b.Width)/2
	b.Y = area.Y + (area.Height-b.Height)/2
	return b
}

// NewDocument creates a fresh document in a new window.
func (c *Coordinator) NewDocument() (*windows.Window, error) {
	id := document.NewID()
	w, err := c.reg.CreateWindow(id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	entry := store.OpenDocument{
		ID:           id,
		LastModified: now,
		LastOpened:   now,
		Window: store.WindowRef{
			WindowID:       w.ID(),
			LastActiveTime: now,
			ScreenBounds:   defaultBounds(c.displays),
			DisplayID:      c.displays.Primary().ID,
		},
	}
	if err := c.st.CreateOpenDocument(entry); err != nil {
		_ = c.reg.CloseWindow(w.ID())
		return nil, err
	}
	return w, nil
}

// OpenFile opens a document from disk. A file already open in a window
// focuses that window instead of opening a duplicate. When the recent
// entry for the path carries a newer lastModified than the disk file
// (the disk may lag the debounced flush), the recent metadata wins.
func (c *Coordinator) OpenFile(path string) (*windows.Window, error) {
	if open, ok := c.st.FindOpenByPath(path); ok {
		if w, ok := c.reg.ByDocument(open.ID); ok {
			if err := c.reg.Focus(w.ID()); err != nil {
				c.logger.Debug("actions: focus failed", slog.String("error", err.Error()))
			}
			return w, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	file, err := document.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	id, ok := file.DocumentID()
	if !ok {
		// Files saved by other tools have no identity yet; adopt them
		// by minting one, stamped on the next save.
		id = document.NewID()
	}
	lastModified, _ := file.LastModified()

	now := time.Now()
	bounds := defaultBounds(c.displays)
	displayID := c.displays.Primary().ID
	if recent, ok := c.st.RecentByPath(path); ok {
		if recent.LastModified.After(lastModified) {
			lastModified = recent.LastModified
		}
		bounds = windows.RestoreBounds(recent.Window, c.displays)
		displayID = recent.Window.DisplayID
	}

	w, err := c.reg.CreateWindow(id)
	if err != nil {
		return nil, err
	}
	p := path
	entry := store.OpenDocument{
		ID:           id,
		FilePath:     &p,
		LastModified: lastModified,
		LastOpened:   now,
		Window: store.WindowRef{
			WindowID:       w.ID(),
			LastActiveTime: now,
			ScreenBounds:   bounds,
			DisplayID:      displayID,
		},
		Records: file.Records,
	}
	if err := c.st.CreateOpenDocument(entry); err != nil {
		if !errors.Is(err, apperr.ErrAlreadyExists) {
			_ = c.reg.CloseWindow(w.ID())
			return nil, err
		}
	}
	_ = c.st.PutRecent(store.RecentDocument{
		ID:           id,
		FilePath:     path,
		LastModified: lastModified,
		LastOpened:   now,
		Window:       entry.Window,
	})
	if err := c.watcher.Watch(id, path); err != nil {
		c.logger.Warn("actions: watch failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
	return w, nil
}

// serialize asks the window for its current document content.
func (c *Coordinator) serialize(ctx context.Context, w *windows.Window) (*document.File, error) {
	raw, err := w.Transport().Invoke(ctx, ipc.MethodSerializeDocument, nil)
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	var file document.File
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return &file, nil
}

// writeDocument stamps and atomically writes file to path, suspending
// the watch on that document around the write so the watcher never
// reacts to the app's own rename.
func (c *Coordinator) writeDocument(id document.ID, file *document.File, path string, modified time.Time) error {
	file.FormatVersion = document.FormatVersion
	file.Stamp(id, modified)
	data, err := file.Serialize()
	if err != nil {
		return err
	}
	c.watcher.Unwatch(id)
	if err := storage.WriteFileAtomic(path, data); err != nil {
		// Best effort: keep watching the previous path if it is still
		// there, so change detection is not silently lost.
		if prev, ok := c.st.GetOpenDocument(id); ok && prev.FilePath != nil {
			_ = c.watcher.Watch(id, *prev.FilePath)
		}
		return err
	}
	if err := c.watcher.Watch(id, path); err != nil {
		c.logger.Warn("actions: rewatch failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
	return nil
}

// Save persists windowID's document to its existing path, or prompts
// for one on first save. Cancelling the prompt changes nothing and is
// reported as apperr.ErrCancelled.
func (c *Coordinator) Save(ctx context.Context, windowID string) error {
	w, ok := c.reg.Get(windowID)
	if !ok {
		return fmt.Errorf("save: window: %w", apperr.ErrNotFound)
	}
	id := w.DocumentID()
	entry, ok := c.st.GetOpenDocument(id)
	if !ok {
		return fmt.Errorf("save: document %s: %w", id, apperr.ErrNotFound)
	}

	path := ""
	if entry.FilePath != nil {
		path = *entry.FilePath
	} else {
		picked, ok, err := c.dialogs.SaveFile(ctx, "Untitled"+document.Ext)
		if err != nil {
			return fmt.Errorf("save dialog: %w", err)
		}
		if !ok {
			return apperr.ErrCancelled
		}
		path = picked
	}

	file, err := c.serialize(ctx, w)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := c.writeDocument(id, file, path, now); err != nil {
		return err
	}

	unsaved := false
	if err := c.st.UpdateOpenDocument(id, store.OpenDocumentUpdate{
		FilePath:       &path,
		LastModified:   &now,
		UnsavedChanges: &unsaved,
		Records:        file.Records,
	}); err != nil {
		return err
	}
	return c.st.PutRecent(store.RecentDocument{
		ID:           id,
		FilePath:     path,
		LastModified: now,
		LastOpened:   entry.LastOpened,
		Window:       entry.Window,
	})
}

// SaveAs forks the document under a new identity at a prompted path.
// The window's association moves from the old id to the new one; the
// old path is no longer watched.
func (c *Coordinator) SaveAs(ctx context.Context, windowID string) error {
	w, ok := c.reg.Get(windowID)
	if !ok {
		return fmt.Errorf("save as: window: %w", apperr.ErrNotFound)
	}
	oldID := w.DocumentID()
	oldEntry, ok := c.st.GetOpenDocument(oldID)
	if !ok {
		return fmt.Errorf("save as: document %s: %w", oldID, apperr.ErrNotFound)
	}

	path, picked, err := c.dialogs.SaveFile(ctx, "Untitled"+document.Ext)
	if err != nil {
		return fmt.Errorf("save dialog: %w", err)
	}
	if !picked {
		return apperr.ErrCancelled
	}

	file, err := c.serialize(ctx, w)
	if err != nil {
		return err
	}
	newID := document.NewID()
	now := time.Now()
	if err := c.writeDocument(newID, file, path, now); err != nil {
		return err
	}
	c.watcher.Unwatch(oldID)

	newEntry := store.OpenDocument{
		ID:           newID,
		FilePath:     &path,
		LastModified: now,
		LastOpened:   now,
		Window:       oldEntry.Window,
		Records:      file.Records,
	}
	if err := c.reg.Reassociate(windowID, newID, newEntry); err != nil {
		return err
	}
	return c.st.PutRecent(store.RecentDocument{
		ID:           newID,
		FilePath:     path,
		LastModified: now,
		LastOpened:   now,
		Window:       oldEntry.Window,
	})
}

// Rename moves the document's file to a prompted path. Picking the
// current path is a no-op success. A filesystem failure re-establishes
// the watch on the old path and leaves in-memory state untouched.
func (c *Coordinator) Rename(ctx context.Context, windowID string) error {
	w, ok := c.reg.Get(windowID)
	if !ok {
		return fmt.Errorf("rename: window: %w", apperr.ErrNotFound)
	}
	id := w.DocumentID()
	entry, ok := c.st.GetOpenDocument(id)
	if !ok || entry.FilePath == nil {
		return fmt.Errorf("rename: document %s has no file: %w", id, apperr.ErrNotFound)
	}
	oldPath := *entry.FilePath

	newPath, picked, err := c.dialogs.SaveFile(ctx, filepath.Base(oldPath))
	if err != nil {
		return fmt.Errorf("rename dialog: %w", err)
	}
	if !picked {
		return apperr.ErrCancelled
	}
	if newPath == oldPath {
		return nil
	}

	c.watcher.Unwatch(id)
	if err := os.Rename(oldPath, newPath); err != nil {
		if watchErr := c.watcher.Watch(id, oldPath); watchErr != nil {
			c.logger.Warn("actions: rewatch after failed rename",
				slog.String("path", oldPath), slog.String("error", watchErr.Error()))
		}
		return fmt.Errorf("rename %s: %w", filepath.Base(oldPath), err)
	}

	if err := c.st.UpdateOpenDocument(id, store.OpenDocumentUpdate{FilePath: &newPath}); err != nil {
		return err
	}
	recent := store.RecentDocument{
		ID:           id,
		FilePath:     newPath,
		LastModified: entry.LastModified,
		LastOpened:   entry.LastOpened,
		Window:       entry.Window,
	}
	if existing, ok := c.st.GetRecent(id); ok {
		recent.LastModified = existing.LastModified
		recent.LastOpened = existing.LastOpened
	}
	if err := c.st.PutRecent(recent); err != nil {
		return err
	}
	c.notifyPath(w.ID(), id, newPath)
	if err := c.watcher.Watch(id, newPath); err != nil {
		c.logger.Warn("actions: watch after rename",
			slog.String("path", newPath), slog.String("error", err.Error()))
	}
	return nil
}

func (c *Coordinator) notifyPath(windowID string, id document.ID, path string) {
	ev, err := ipc.NewEvent(ipc.EventDocumentPath, PathChange{DocumentID: id, FilePath: path})
	if err != nil {
		return
	}
	c.reg.SendToWindow(windowID, ev)
}

// Close closes windowID's window. Unsaved changes run the Save /
// Don't Save / Cancel prompt; Save closes only after a successful
// write, and Cancel aborts the close with state untouched.
func (c *Coordinator) Close(ctx context.Context, windowID string) error {
	w, ok := c.reg.Get(windowID)
	if !ok {
		return fmt.Errorf("close: window: %w", apperr.ErrNotFound)
	}
	id := w.DocumentID()
	entry, ok := c.st.GetOpenDocument(id)
	if ok && entry.UnsavedChanges {
		// Narrow the data-loss window before blocking on the user.
		if err := c.st.Flush(); err != nil {
			c.logger.Warn("actions: flush before close", slog.String("error", err.Error()))
		}
		name := "Untitled"
		if entry.FilePath != nil {
			name = filepath.Base(*entry.FilePath)
		}
		choice, err := c.dialogs.ConfirmClose(ctx, name)
		if err != nil {
			return fmt.Errorf("close dialog: %w", err)
		}
		switch choice {
		case CloseCancel:
			return apperr.ErrCancelled
		case CloseSave:
			if err := c.Save(ctx, windowID); err != nil {
				// Includes a cancelled save dialog: the window stays
				// open.
				return err
			}
		case CloseDiscard:
			unsaved := false
			_ = c.st.UpdateOpenDocument(id, store.OpenDocumentUpdate{UnsavedChanges: &unsaved})
		}
	}

	if err := c.reg.CloseWindow(windowID); err != nil {
		return err
	}
	// Stop watching only when no other window still displays the
	// document.
	if _, stillOpen := c.st.GetOpenDocument(id); !stillOpen {
		c.watcher.Unwatch(id)
	}
	return nil
}

// ApplyPatch relays one batch of edits from a window.
func (c *Coordinator) ApplyPatch(docID document.ID, patch document.Patch, originWindowID string) {
	c.hub.ApplyPatch(docID, patch, originWindowID)
}

// --- watch.Handler ---

// DocumentMoved reconciles an external rename found by embedded id:
// both entries follow the new path and the window is told.
func (c *Coordinator) DocumentMoved(id document.ID, oldPath, newPath string) {
	if err := c.st.UpdateOpenDocument(id, store.OpenDocumentUpdate{FilePath: &newPath}); err != nil {
		c.logger.Warn("actions: moved update",
			slog.String("doc", string(id)), slog.String("error", err.Error()))
		return
	}
	if recent, ok := c.st.GetRecent(id); ok {
		recent.FilePath = newPath
		_ = c.st.PutRecent(recent)
	}
	if w, ok := c.reg.ByDocument(id); ok {
		c.notifyPath(w.ID(), id, newPath)
	}
}

// DocumentMissing runs the three-way recovery after an external
// delete. The watch is already stopped. Keeping the document's id
// through the recovery save preserves id stability; only an explicit
// Save As forks it.
func (c *Coordinator) DocumentMissing(id document.ID, oldPath string) {
	w, ok := c.reg.ByDocument(id)
	if !ok {
		return
	}
	choice, err := c.dialogs.DeleteRecovery(c.ctx, filepath.Base(oldPath))
	if err != nil {
		c.logger.Warn("actions: recovery dialog", slog.String("error", err.Error()))
		return
	}
	unsaved := true
	switch choice {
	case RecoverSaveAs:
		if err := c.st.UpdateOpenDocument(id, store.OpenDocumentUpdate{ClearFilePath: true, UnsavedChanges: &unsaved}); err != nil {
			return
		}
		// With the path cleared, Save prompts for a fresh destination.
		if err := c.Save(c.ctx, w.ID()); err != nil && !errors.Is(err, apperr.ErrCancelled) {
			c.logger.Warn("actions: recovery save", slog.String("error", err.Error()))
		}
	case RecoverKeepEditing:
		_ = c.st.UpdateOpenDocument(id, store.OpenDocumentUpdate{ClearFilePath: true, UnsavedChanges: &unsaved})
	case RecoverClose:
		notUnsaved := false
		_ = c.st.UpdateOpenDocument(id, store.OpenDocumentUpdate{UnsavedChanges: &notUnsaved})
		if err := c.reg.CloseWindow(w.ID()); err != nil {
			c.logger.Warn("actions: recovery close", slog.String("error", err.Error()))
		}
	}
}

var _ watch.Handler = (*Coordinator)(nil)
