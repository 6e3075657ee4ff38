// Package testutil provides shared helpers for assembling isolated
// shell instances in tests.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/starford/vellum/internal/actions"
	"github.com/starford/vellum/internal/document"
	"github.com/starford/vellum/internal/ipc"
	"github.com/starford/vellum/internal/relay"
	"github.com/starford/vellum/internal/storage"
	"github.com/starford/vellum/internal/store"
	"github.com/starford/vellum/internal/watch"
	"github.com/starford/vellum/internal/windows"
)

// TestLogger returns a logger that discards output.
func TestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestStore creates a store over a temporary state directory.
func TestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return store.New(fs, TestLogger(t)), dir
}

// FakeWindow is a loopback window handler that records every event it
// receives and answers serialize invokes with a scripted file.
type FakeWindow struct {
	mu     sync.Mutex
	events []ipc.Event
	file   document.File
}

// SetFile scripts the content the window reports on serialize.
func (f *FakeWindow) SetFile(file document.File) {
	f.mu.Lock()
	f.file = file
	f.mu.Unlock()
}

// Events returns a copy of everything received so far.
func (f *FakeWindow) Events() []ipc.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ipc.Event, len(f.events))
	copy(out, f.events)
	return out
}

// EventsOfType filters received events by type.
func (f *FakeWindow) EventsOfType(typ string) []ipc.Event {
	var out []ipc.Event
	for _, ev := range f.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *FakeWindow) HandleEvent(ev ipc.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *FakeWindow) HandleInvoke(method string, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	switch method {
	case ipc.MethodSerializeDocument:
		return json.Marshal(file)
	default:
		return nil, nil
	}
}

// ScriptedDialogs answers prompts with pre-set choices and counts the
// calls.
type ScriptedDialogs struct {
	mu sync.Mutex

	SavePath string
	SaveOK   bool
	Close    actions.CloseChoice
	Recovery actions.RecoveryChoice

	SaveCalls     int
	CloseCalls    int
	RecoveryCalls int
}

func (d *ScriptedDialogs) SaveFile(context.Context, string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SaveCalls++
	return d.SavePath, d.SaveOK, nil
}

func (d *ScriptedDialogs) ConfirmClose(context.Context, string) (actions.CloseChoice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	return d.Close, nil
}

func (d *ScriptedDialogs) DeleteRecovery(context.Context, string) (actions.RecoveryChoice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RecoveryCalls++
	return d.Recovery, nil
}

// Calls returns the prompt counters (save, close, recovery).
func (d *ScriptedDialogs) Calls() (int, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.SaveCalls, d.CloseCalls, d.RecoveryCalls
}

// Shell is a fully wired coordination instance with fake windows and
// scripted dialogs, warm preloading off.
type Shell struct {
	Store       *store.Store
	StateDir    string
	Hub         *relay.Hub
	Registry    *windows.Registry
	Watcher     *watch.Watcher
	Coordinator *actions.Coordinator
	Dialogs     *ScriptedDialogs
	Displays    windows.StaticDisplays

	mu      sync.Mutex
	handles map[string]*FakeWindow
}

// Window returns the fake window behind a window id.
func (s *Shell) Window(t *testing.T, windowID string) *FakeWindow {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[windowID]
	if !ok {
		t.Fatalf("no fake window for %s", windowID)
	}
	return h
}

// NewShell assembles an isolated shell over a temp state directory.
// Everything is torn down via t.Cleanup.
func NewShell(t *testing.T) *Shell {
	t.Helper()
	logger := TestLogger(t)
	st, dir := TestStore(t)

	s := &Shell{
		Store:    st,
		StateDir: dir,
		Dialogs:  &ScriptedDialogs{},
		Displays: windows.StaticDisplays{
			{ID: "display-1", WorkArea: store.Bounds{Width: 1920, Height: 1080}, Primary: true},
		},
		handles: make(map[string]*FakeWindow),
	}

	factory := func(windowID string) (ipc.Transport, error) {
		h := &FakeWindow{}
		s.mu.Lock()
		s.handles[windowID] = h
		s.mu.Unlock()
		return ipc.NewLoopback(h), nil
	}

	s.Registry = windows.NewRegistry(st, factory, logger, windows.Options{})
	s.Hub = relay.NewHub(st, s.Registry, logger)
	s.Registry.SetHub(s.Hub)
	s.Watcher = watch.New(nil, logger, 20*time.Millisecond)
	s.Coordinator = actions.NewCoordinator(context.Background(), st, s.Hub, s.Watcher, s.Registry, s.Dialogs, s.Displays, logger)
	s.Watcher.SetHandler(s.Coordinator)

	t.Cleanup(func() {
		s.Watcher.Close()
		s.Registry.Close()
		s.Hub.Close()
	})
	return s
}
