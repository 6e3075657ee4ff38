package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/document"
	"github.com/starford/vellum/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return reopenStore(t, dir), dir
}

func reopenStore(t *testing.T, dir string) *Store {
	t.Helper()
	fs, err := storage.NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return New(fs, testLogger())
}

func openEntry(id document.ID, windowID string) OpenDocument {
	now := time.Now()
	return OpenDocument{
		ID:           id,
		LastModified: now,
		LastOpened:   now,
		Window: WindowRef{
			WindowID:       windowID,
			LastActiveTime: now,
			ScreenBounds:   Bounds{X: 10, Y: 20, Width: 800, Height: 600},
			DisplayID:      "display-1",
		},
	}
}

func TestOpenDocumentLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	id := document.NewID()
	if err := s.CreateOpenDocument(openEntry(id, "w1")); err != nil {
		t.Fatalf("CreateOpenDocument: %v", err)
	}
	if err := s.CreateOpenDocument(openEntry(id, "w1")); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("duplicate create: %v, want ErrAlreadyExists", err)
	}

	path := "/tmp/a.vellum"
	unsaved := true
	if err := s.UpdateOpenDocument(id, OpenDocumentUpdate{FilePath: &path, UnsavedChanges: &unsaved}); err != nil {
		t.Fatalf("UpdateOpenDocument: %v", err)
	}
	got, ok := s.GetOpenDocument(id)
	if !ok {
		t.Fatal("GetOpenDocument: not found")
	}
	if got.FilePath == nil || *got.FilePath != path || !got.UnsavedChanges {
		t.Errorf("entry = %+v", got)
	}

	if err := s.RemoveOpenDocument(id, "w1"); err != nil {
		t.Fatalf("RemoveOpenDocument: %v", err)
	}
	if _, ok := s.GetOpenDocument(id); ok {
		t.Error("entry survived removal")
	}
	if err := s.UpdateOpenDocument(id, OpenDocumentUpdate{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("update after removal: %v, want ErrNotFound", err)
	}
}

func TestSharedDocumentAcrossWindows(t *testing.T) {
	s, _ := newTestStore(t)
	id := document.NewID()
	if err := s.CreateOpenDocument(openEntry(id, "w1")); err != nil {
		t.Fatalf("create w1: %v", err)
	}
	if err := s.CreateOpenDocument(openEntry(id, "w2")); err != nil {
		t.Fatalf("create w2: %v", err)
	}

	// Content updates reach both entries; a window ref update reaches
	// only its owner.
	records := []document.Record{{ID: "shape:1", TypeName: "shape"}}
	ref := WindowRef{WindowID: "w2", ScreenBounds: Bounds{X: 5, Y: 5, Width: 300, Height: 200}}
	if err := s.UpdateOpenDocument(id, OpenDocumentUpdate{Records: records, Window: &ref}); err != nil {
		t.Fatalf("UpdateOpenDocument: %v", err)
	}
	e1, _ := s.OpenDocumentFor(id, "w1")
	e2, _ := s.OpenDocumentFor(id, "w2")
	if len(e1.Records) != 1 || len(e2.Records) != 1 {
		t.Errorf("records not shared: %d, %d", len(e1.Records), len(e2.Records))
	}
	if e1.Window.ScreenBounds.Width == 300 {
		t.Error("window ref leaked to the other entry")
	}
	if e2.Window.ScreenBounds.Width != 300 {
		t.Errorf("window ref not applied: %+v", e2.Window.ScreenBounds)
	}

	if err := s.RemoveOpenDocument(id, "w1"); err != nil {
		t.Fatalf("remove w1: %v", err)
	}
	if _, ok := s.GetOpenDocument(id); !ok {
		t.Error("document gone while a window still shows it")
	}
	if err := s.RemoveOpenDocument(id, "w2"); err != nil {
		t.Fatalf("remove w2: %v", err)
	}
	if _, ok := s.GetOpenDocument(id); ok {
		t.Error("document survived its last window")
	}
}

func TestFlushAndReload(t *testing.T) {
	s, dir := newTestStore(t)
	id := document.NewID()
	entry := openEntry(id, "w1")
	path := "/tmp/drawing.vellum"
	entry.FilePath = &path
	entry.Records = []document.Record{{ID: "shape:1", TypeName: "shape"}}
	if err := s.CreateOpenDocument(entry); err != nil {
		t.Fatalf("CreateOpenDocument: %v", err)
	}
	if err := s.PutRecent(RecentDocument{ID: id, FilePath: path, LastOpened: time.Now()}); err != nil {
		t.Fatalf("PutRecent: %v", err)
	}
	s.UpdatePreferences(func(p *Preferences) { p.Theme = "dark"; p.ShowGrid = true })
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "documents", string(id)+".json")); err != nil {
		t.Fatalf("per-document file missing: %v", err)
	}

	s2 := reopenStore(t, dir)
	got, ok := s2.GetOpenDocument(id)
	if !ok {
		t.Fatal("open entry not reloaded")
	}
	if got.FilePath == nil || *got.FilePath != path || len(got.Records) != 1 {
		t.Errorf("reloaded entry = %+v", got)
	}
	if _, ok := s2.GetRecent(id); !ok {
		t.Error("recent entry not reloaded")
	}
	prefs := s2.Preferences()
	if prefs.Theme != "dark" || !prefs.ShowGrid {
		t.Errorf("preferences = %+v", prefs)
	}
}

func TestRemoveDeletesDocumentFile(t *testing.T) {
	s, dir := newTestStore(t)
	id := document.NewID()
	if err := s.CreateOpenDocument(openEntry(id, "w1")); err != nil {
		t.Fatalf("CreateOpenDocument: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	file := filepath.Join(dir, "documents", string(id)+".json")
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("document file missing before removal: %v", err)
	}

	if err := s.RemoveOpenDocument(id, "w1"); err != nil {
		t.Fatalf("RemoveOpenDocument: %v", err)
	}
	// Removal deletes the file immediately, not on the next flush.
	if _, err := os.Stat(file); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("document file still present: %v", err)
	}
}

func TestRecentPathUniqueness(t *testing.T) {
	s, _ := newTestStore(t)
	path := "/tmp/shared.vellum"
	oldID, newID := document.NewID(), document.NewID()
	if err := s.PutRecent(RecentDocument{ID: oldID, FilePath: path, LastOpened: time.Now()}); err != nil {
		t.Fatalf("PutRecent old: %v", err)
	}
	if err := s.PutRecent(RecentDocument{ID: newID, FilePath: path, LastOpened: time.Now()}); err != nil {
		t.Fatalf("PutRecent new: %v", err)
	}
	if _, ok := s.GetRecent(oldID); ok {
		t.Error("stale recent entry kept its path")
	}
	if got := len(s.ListRecents()); got != 1 {
		t.Errorf("recents = %d, want 1", got)
	}
}

func TestPutRecentRequiresPath(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.PutRecent(RecentDocument{ID: document.NewID()}); err == nil {
		t.Error("expected error for empty file path")
	}
}

func TestListRecentsOrder(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now()
	older, newer := document.NewID(), document.NewID()
	_ = s.PutRecent(RecentDocument{ID: older, FilePath: "/tmp/a.vellum", LastOpened: base.Add(-time.Hour)})
	_ = s.PutRecent(RecentDocument{ID: newer, FilePath: "/tmp/b.vellum", LastOpened: base})
	list := s.ListRecents()
	if len(list) != 2 || list[0].ID != newer {
		t.Errorf("recents order = %v", list)
	}
}

func TestChangeNotificationsAreSynchronous(t *testing.T) {
	s, _ := newTestStore(t)
	var kinds []ChangeKind
	cancel := s.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })
	defer cancel()

	id := document.NewID()
	_ = s.CreateOpenDocument(openEntry(id, "w1"))
	path := "/tmp/a.vellum"
	_ = s.UpdateOpenDocument(id, OpenDocumentUpdate{FilePath: &path})
	unsaved := true
	_ = s.UpdateOpenDocument(id, OpenDocumentUpdate{UnsavedChanges: &unsaved})
	s.UpdatePreferences(func(p *Preferences) { p.ToolLock = true })
	_ = s.RemoveOpenDocument(id, "w1")

	want := []ChangeKind{
		ChangeDocumentEdited,
		ChangeDocumentPath,
		ChangeDocumentEdited,
		ChangePreferences,
		ChangeDocumentRemoved,
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

func TestCorruptStateStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{corrupt"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := reopenStore(t, dir)
	if got := s.Preferences(); got != DefaultPreferences() {
		t.Errorf("preferences = %+v, want defaults", got)
	}
	if len(s.ListOpenDocuments()) != 0 || len(s.ListRecents()) != 0 {
		t.Error("corrupt state produced entries")
	}
}

func TestFeatureFlagDefaultsFalse(t *testing.T) {
	s, _ := newTestStore(t)
	if s.FeatureFlag("experimental") {
		t.Error("unknown flag reported true")
	}
}

func TestConcurrentFlushesKeepNewestSnapshot(t *testing.T) {
	s, dir := newTestStore(t)
	id := document.NewID()
	entry := openEntry(id, "w1")
	entry.Records = []document.Record{{ID: "shape:1", TypeName: "v0"}}
	if err := s.CreateOpenDocument(entry); err != nil {
		t.Fatalf("CreateOpenDocument: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = s.Flush()
			}
		}
	}()

	docFile := filepath.Join(dir, "documents", string(id)+".json")
	for i := 1; i <= 100; i++ {
		records := []document.Record{{ID: "shape:1", TypeName: fmt.Sprintf("v%d", i)}}
		if err := s.UpdateOpenDocument(id, OpenDocumentUpdate{Records: records}); err != nil {
			t.Fatalf("UpdateOpenDocument: %v", err)
		}
		if err := s.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}

		data, err := os.ReadFile(docFile)
		if err != nil {
			t.Fatalf("read document file: %v", err)
		}
		var onDisk OpenDocument
		if err := json.Unmarshal(data, &onDisk); err != nil {
			t.Fatalf("unmarshal document file: %v", err)
		}
		if want := fmt.Sprintf("v%d", i); len(onDisk.Records) != 1 || onDisk.Records[0].TypeName != want {
			t.Fatalf("round %d: disk holds %+v, want %s", i, onDisk.Records, want)
		}
	}
	close(done)
	wg.Wait()
}
