// Package store implements the durable state of the shell: the
// open-document table, the recent-documents index, and the user
// preferences, persisted as one JSON file per open document plus two
// aggregate files. Mutations mark entities dirty; a periodic flush
// writes exactly the dirty entities, so editing one document never
// rewrites the others and a torn write can only ever affect one file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/document"
	"github.com/starford/vellum/internal/emitter"
	"github.com/starford/vellum/internal/storage"
)

const (
	configFile   = "config.json"
	recentsFile  = "recents.json"
	documentsDir = "documents"

	configVersion  = 1
	recentsVersion = 1
)

// DefaultFlushInterval bounds the data-loss window on abnormal
// termination to roughly one second of edits.
const DefaultFlushInterval = time.Second

// Bounds is a window rectangle in screen coordinates.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// WindowRef describes where a document's window last lived.
type WindowRef struct {
	WindowID       string    `json:"windowId"`
	LastActiveTime time.Time `json:"lastActiveTime"`
	ScreenBounds   Bounds    `json:"screenBounds"`
	DisplayID      string    `json:"displayId"`
}

// OpenDocument is the persisted state of one currently-open window's
// document. A document open in two windows has two entries sharing the
// same ID; the oldest entry is the canonical merge target and the one
// whose shape is written to the per-document file.
type OpenDocument struct {
	ID             document.ID       `json:"id"`
	FilePath       *string           `json:"filePath"`
	LastModified   time.Time         `json:"lastModified"`
	LastOpened     time.Time         `json:"lastOpened"`
	Window         WindowRef         `json:"windowRef"`
	UnsavedChanges bool              `json:"unsavedChanges"`
	Records        []document.Record `json:"content"`
}

// RecentDocument records a previously-saved document's location and
// history. FilePath is required and never empty; content lives only in
// the saved file and in open entries.
type RecentDocument struct {
	ID           document.ID `json:"id"`
	FilePath     string      `json:"filePath"`
	LastModified time.Time   `json:"lastModified"`
	LastOpened   time.Time   `json:"lastOpened"`
	Window       WindowRef   `json:"windowRef"`
}

// Preferences is the process-wide user configuration.
type Preferences struct {
	Theme           string `json:"theme"`
	ShowGrid        bool   `json:"showGrid"`
	ToolLock        bool   `json:"toolLock"`
	AutoUpdateCheck bool   `json:"autoUpdateCheck"`
}

// DefaultPreferences returns the first-run preferences.
func DefaultPreferences() Preferences {
	return Preferences{Theme: "system", AutoUpdateCheck: true}
}

// ChangeKind tags store change notifications.
type ChangeKind string

const (
	ChangeDocumentEdited  ChangeKind = "document.edited"
	ChangeDocumentPath    ChangeKind = "document.path"
	ChangeDocumentRemoved ChangeKind = "document.removed"
	ChangeRecents         ChangeKind = "recents"
	ChangePreferences     ChangeKind = "preferences"
)

// Change is emitted synchronously after every mutation, before the
// mutating call returns.
type Change struct {
	Kind       ChangeKind
	DocumentID document.ID
}

// OpenDocumentUpdate is a partial update of an open entry. Nil fields
// are left untouched; ClearFilePath sets FilePath to null.
type OpenDocumentUpdate struct {
	FilePath       *string
	ClearFilePath  bool
	LastModified   *time.Time
	LastOpened     *time.Time
	Window         *WindowRef
	UnsavedChanges *bool
	Records        []document.Record
}

type configEnvelope struct {
	Version         int             `json:"version"`
	UserPreferences Preferences     `json:"userPreferences"`
	FeatureFlags    map[string]bool `json:"featureFlags"`
}

type recentsEnvelope struct {
	Version int                             `json:"version"`
	Files   map[document.ID]*RecentDocument `json:"files"`
}

// Store owns the three logical tables and their on-disk files.
type Store struct {
	fs     storage.Provider
	logger *slog.Logger

	mu      sync.Mutex
	flushMu sync.Mutex
	open    map[document.ID][]*OpenDocument
	recents map[document.ID]*RecentDocument
	prefs   Preferences
	flags   map[string]bool

	dirtyDocs    map[document.ID]struct{}
	dirtyRecents bool
	dirtyConfig  bool

	changes *emitter.Emitter[Change]
}

// New constructs a store over the given state provider and loads
// persisted state. A corrupt or unreadable store is equivalent to
// first-run: the failure is logged and the store starts empty with
// default preferences. New never fails.
func New(fs storage.Provider, logger *slog.Logger) *Store {
	s := &Store{
		fs:        fs,
		logger:    logger,
		open:      make(map[document.ID][]*OpenDocument),
		recents:   make(map[document.ID]*RecentDocument),
		prefs:     DefaultPreferences(),
		flags:     make(map[string]bool),
		dirtyDocs: make(map[document.ID]struct{}),
		changes:   emitter.New[Change](),
	}
	if err := s.load(); err != nil {
		logger.Warn("store: load failed, starting empty",
			slog.String("error", err.Error()))
		s.open = make(map[document.ID][]*OpenDocument)
		s.recents = make(map[document.ID]*RecentDocument)
		s.prefs = DefaultPreferences()
		s.flags = make(map[string]bool)
		s.dirtyRecents = true
		s.dirtyConfig = true
	}
	return s
}

// Subscribe registers fn for change notifications and returns a cancel
// function. Notifications are synchronous with the mutating call.
func (s *Store) Subscribe(fn func(Change)) func() {
	return s.changes.Subscribe(fn)
}

// --- open documents ---

// CreateOpenDocument adds an entry for a window that began displaying a
// document. A second entry with the same document and window id is a
// contract violation.
func (s *Store) CreateOpenDocument(entry OpenDocument) error {
	s.mu.Lock()
	for _, e := range s.open[entry.ID] {
		if e.Window.WindowID == entry.Window.WindowID {
			s.mu.Unlock()
			return fmt.Errorf("store: open document %s window %s: %w",
				entry.ID, entry.Window.WindowID, apperr.ErrAlreadyExists)
		}
	}
	e := entry
	s.open[entry.ID] = append(s.open[entry.ID], &e)
	s.dirtyDocs[entry.ID] = struct{}{}
	s.mu.Unlock()

	s.changes.Emit(Change{Kind: ChangeDocumentEdited, DocumentID: entry.ID})
	return nil
}

// UpdateOpenDocument applies a partial update to the entries for id.
// Content-level fields (path, timestamps, unsaved flag, records) apply
// to every entry sharing the id; a Window update applies only to the
// entry owned by that window. Returns apperr.ErrNotFound when no entry
// exists for id - the caller lost track of entry lifecycle.
func (s *Store) UpdateOpenDocument(id document.ID, upd OpenDocumentUpdate) error {
	s.mu.Lock()
	entries := s.open[id]
	if len(entries) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("store: update open document %s: %w", id, apperr.ErrNotFound)
	}
	for _, e := range entries {
		if upd.ClearFilePath {
			e.FilePath = nil
		} else if upd.FilePath != nil {
			p := *upd.FilePath
			e.FilePath = &p
		}
		if upd.LastModified != nil {
			e.LastModified = *upd.LastModified
		}
		if upd.LastOpened != nil {
			e.LastOpened = *upd.LastOpened
		}
		if upd.UnsavedChanges != nil {
			e.UnsavedChanges = *upd.UnsavedChanges
		}
		if upd.Records != nil {
			e.Records = upd.Records
		}
		if upd.Window != nil && e.Window.WindowID == upd.Window.WindowID {
			e.Window = *upd.Window
		}
	}
	s.dirtyDocs[id] = struct{}{}
	s.mu.Unlock()

	kind := ChangeDocumentEdited
	if upd.FilePath != nil || upd.ClearFilePath {
		kind = ChangeDocumentPath
	}
	s.changes.Emit(Change{Kind: kind, DocumentID: id})
	return nil
}

// RemoveOpenDocument removes the entry owned by windowID. When it was
// the last entry for the document, the per-document file is deleted
// immediately rather than left to the flush cycle, so stale content can
// never be re-persisted.
func (s *Store) RemoveOpenDocument(id document.ID, windowID string) error {
	s.mu.Lock()
	entries := s.open[id]
	idx := -1
	for i, e := range entries {
		if e.Window.WindowID == windowID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("store: remove open document %s: %w", id, apperr.ErrNotFound)
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	if len(entries) == 0 {
		delete(s.open, id)
		delete(s.dirtyDocs, id)
		if err := s.fs.Delete(docPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("store: delete document file",
				slog.String("id", string(id)),
				slog.String("error", err.Error()))
		}
	} else {
		s.open[id] = entries
		s.dirtyDocs[id] = struct{}{}
	}
	s.mu.Unlock()

	s.changes.Emit(Change{Kind: ChangeDocumentRemoved, DocumentID: id})
	return nil
}

// GetOpenDocument returns a copy of the canonical (oldest) entry for id.
func (s *Store) GetOpenDocument(id document.ID) (OpenDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.open[id]
	if len(entries) == 0 {
		return OpenDocument{}, false
	}
	return *entries[0], true
}

// OpenDocumentFor returns a copy of the entry owned by windowID, if any.
func (s *Store) OpenDocumentFor(id document.ID, windowID string) (OpenDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.open[id] {
		if e.Window.WindowID == windowID {
			return *e, true
		}
	}
	return OpenDocument{}, false
}

// ListOpenDocuments returns copies of every open entry, ordered by
// document id then window id for determinism.
func (s *Store) ListOpenDocuments() []OpenDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OpenDocument
	for _, entries := range s.open {
		for _, e := range entries {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Window.WindowID < out[j].Window.WindowID
	})
	return out
}

// FindOpenByPath returns the canonical entry whose file path equals
// path, if any.
func (s *Store) FindOpenByPath(path string) (OpenDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entries := range s.open {
		for _, e := range entries {
			if e.FilePath != nil && *e.FilePath == path {
				return *e, true
			}
		}
	}
	return OpenDocument{}, false
}

// --- recent documents ---

// PutRecent creates or replaces the recent entry for entry.ID. Entries
// under a different id holding the same file path are removed, keeping
// at most one recent entry per path.
func (s *Store) PutRecent(entry RecentDocument) error {
	if entry.FilePath == "" {
		return fmt.Errorf("store: recent %s: file path is required", entry.ID)
	}
	s.mu.Lock()
	for id, r := range s.recents {
		if id != entry.ID && r.FilePath == entry.FilePath {
			delete(s.recents, id)
		}
	}
	e := entry
	s.recents[entry.ID] = &e
	s.dirtyRecents = true
	s.mu.Unlock()

	s.changes.Emit(Change{Kind: ChangeRecents, DocumentID: entry.ID})
	return nil
}

// GetRecent returns a copy of the recent entry for id, if any.
func (s *Store) GetRecent(id document.ID) (RecentDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recents[id]
	if !ok {
		return RecentDocument{}, false
	}
	return *r, true
}

// RecentByPath returns a copy of the recent entry holding path, if any.
func (s *Store) RecentByPath(path string) (RecentDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recents {
		if r.FilePath == path {
			return *r, true
		}
	}
	return RecentDocument{}, false
}

// RemoveRecent deletes the recent entry for id. Removing an absent
// entry is a no-op.
func (s *Store) RemoveRecent(id document.ID) {
	s.mu.Lock()
	_, ok := s.recents[id]
	delete(s.recents, id)
	if ok {
		s.dirtyRecents = true
	}
	s.mu.Unlock()
	if ok {
		s.changes.Emit(Change{Kind: ChangeRecents, DocumentID: id})
	}
}

// ListRecents returns copies of all recent entries, most recently
// opened first.
func (s *Store) ListRecents() []RecentDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecentDocument, 0, len(s.recents))
	for _, r := range s.recents {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastOpened.After(out[j].LastOpened)
	})
	return out
}

// --- preferences ---

// Preferences returns the current user preferences.
func (s *Store) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// UpdatePreferences applies mutate under the store lock and notifies
// subscribers synchronously; preferences are global, so the shell fans
// the change out to every window. Persistence happens on the next flush.
func (s *Store) UpdatePreferences(mutate func(*Preferences)) Preferences {
	s.mu.Lock()
	mutate(&s.prefs)
	out := s.prefs
	s.dirtyConfig = true
	s.mu.Unlock()

	s.changes.Emit(Change{Kind: ChangePreferences})
	return out
}

// FeatureFlag reports a named feature flag, defaulting to false.
func (s *Store) FeatureFlag(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[name]
}

// --- persistence ---

func docPath(id document.ID) string {
	return filepath.Join(documentsDir, string(id)+".json")
}

// Flush writes every dirty entity and clears the dirty markers. It is
// called by the periodic flush loop, before shutdown, and before any
// window-close confirmation flow. Dirty markers are cleared when the
// snapshot is taken, so a mutation racing the writes re-marks its
// entity for the next flush; a failed write re-marks as well.
// flushMu is held across snapshot and writes: without it the flush
// loop ticking against an explicit Flush could land an older snapshot
// on disk last, leaving the file stale while the marker reads clean.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	type docWrite struct {
		id   document.ID
		data []byte
	}
	var docs []docWrite
	for id := range s.dirtyDocs {
		entries := s.open[id]
		if len(entries) == 0 {
			delete(s.dirtyDocs, id)
			continue
		}
		data, err := json.MarshalIndent(entries[0], "", "\t")
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("store: marshal document %s: %w", id, err)
		}
		docs = append(docs, docWrite{id: id, data: data})
		delete(s.dirtyDocs, id)
	}
	var recentsData, configData []byte
	if s.dirtyRecents {
		env := recentsEnvelope{Version: recentsVersion, Files: s.recents}
		data, err := json.MarshalIndent(env, "", "\t")
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("store: marshal recents: %w", err)
		}
		recentsData = data
		s.dirtyRecents = false
	}
	if s.dirtyConfig {
		env := configEnvelope{Version: configVersion, UserPreferences: s.prefs, FeatureFlags: s.flags}
		data, err := json.MarshalIndent(env, "", "\t")
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("store: marshal config: %w", err)
		}
		configData = data
		s.dirtyConfig = false
	}
	s.mu.Unlock()

	remark := func(fail func()) {
		s.mu.Lock()
		fail()
		s.mu.Unlock()
	}
	for _, d := range docs {
		if err := s.fs.Write(docPath(d.id), d.data); err != nil {
			id := d.id
			remark(func() { s.dirtyDocs[id] = struct{}{} })
			return err
		}
	}
	if recentsData != nil {
		if err := s.fs.Write(recentsFile, recentsData); err != nil {
			remark(func() { s.dirtyRecents = true })
			return err
		}
	}
	if configData != nil {
		if err := s.fs.Write(configFile, configData); err != nil {
			remark(func() { s.dirtyConfig = true })
			return err
		}
	}
	return nil
}

// FlushLoop writes dirty state at the given interval until ctx is
// cancelled, then performs a final flush.
func (s *Store) FlushLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.Warn("store: final flush failed", slog.String("error", err.Error()))
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn("store: flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// load reads persisted state, running the legacy migration first when
// an old aggregate file is present and the new layout is not.
func (s *Store) load() error {
	if err := s.migrateLegacy(); err != nil {
		return err
	}

	if data, err := s.fs.Read(configFile); err == nil {
		var env configEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("store: parse config: %w", err)
		}
		s.prefs = env.UserPreferences
		if env.FeatureFlags != nil {
			s.flags = env.FeatureFlags
		}
	} else if errors.Is(err, os.ErrNotExist) {
		s.dirtyConfig = true
	} else {
		return err
	}

	if data, err := s.fs.Read(recentsFile); err == nil {
		var env recentsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("store: parse recents: %w", err)
		}
		if env.Files != nil {
			s.recents = env.Files
		}
	} else if errors.Is(err, os.ErrNotExist) {
		s.dirtyRecents = true
	} else {
		return err
	}

	infos, err := s.fs.List(documentsDir, ".json")
	if err != nil {
		return err
	}
	for _, info := range infos {
		data, err := s.fs.Read(info.Path)
		if err != nil {
			return err
		}
		var entry OpenDocument
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("store: parse %s: %w", info.Path, err)
		}
		e := entry
		s.open[entry.ID] = append(s.open[entry.ID], &e)
	}
	return nil
}
