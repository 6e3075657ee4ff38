package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/starford/vellum/internal/document"
	"github.com/starford/vellum/internal/ipc"
	"github.com/starford/vellum/internal/storage"
	"github.com/starford/vellum/internal/store"
)

// fakeSender collects events per window.
type fakeSender struct {
	mu     sync.Mutex
	events map[string][]ipc.Event
}

func newFakeSender() *fakeSender {
	return &fakeSender{events: make(map[string][]ipc.Event)}
}

func (f *fakeSender) SendToWindow(windowID string, ev ipc.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[windowID] = append(f.events[windowID], ev)
	return true
}

func (f *fakeSender) eventsFor(windowID string) []ipc.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ipc.Event, len(f.events[windowID]))
	copy(out, f.events[windowID])
	return out
}

func newHub(t *testing.T) (*Hub, *store.Store, *fakeSender) {
	t.Helper()
	fs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(fs, logger)
	sender := newFakeSender()
	h := NewHub(st, sender, logger)
	t.Cleanup(h.Close)
	return h, st, sender
}

func openDoc(t *testing.T, st *store.Store, id document.ID, windowID string, records []document.Record) {
	t.Helper()
	now := time.Now()
	err := st.CreateOpenDocument(store.OpenDocument{
		ID:           id,
		LastModified: now,
		LastOpened:   now,
		Window:       store.WindowRef{WindowID: windowID, LastActiveTime: now},
		Records:      records,
	})
	if err != nil {
		t.Fatalf("CreateOpenDocument: %v", err)
	}
}

// waitSeq polls until the document's sequence number reaches want.
// Seq round-trips through the hub loop, so patches submitted before the
// matching value are fully processed once it returns.
func waitSeq(t *testing.T, h *Hub, id document.ID, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Seq(id) >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("seq for %s never reached %d", id, want)
}

func TestPatchSkipsOrigin(t *testing.T) {
	h, st, sender := newHub(t)
	id := document.NewID()
	openDoc(t, st, id, "w1", nil)
	openDoc(t, st, id, "w2", nil)
	h.Register(id, "w1")
	h.Register(id, "w2")

	patch := document.Patch{Added: []document.Record{{ID: "shape:1", TypeName: "shape"}}}
	h.ApplyPatch(id, patch, "w1")
	waitSeq(t, h, id, 1)

	if got := sender.eventsFor("w1"); len(got) != 0 {
		t.Errorf("origin received %d events", len(got))
	}
	events := sender.eventsFor("w2")
	if len(events) != 2 {
		t.Fatalf("w2 received %d events, want snapshot + patch", len(events))
	}
	if events[0].Type != ipc.EventDocumentSnapshot || events[1].Type != ipc.EventDocumentPatch {
		t.Errorf("event types = %s, %s", events[0].Type, events[1].Type)
	}
	var bc PatchBroadcast
	if err := json.Unmarshal(events[1].Payload, &bc); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if bc.Origin != "w1" || bc.Seq != 1 || len(bc.Patch.Added) != 1 {
		t.Errorf("broadcast = %+v", bc)
	}
}

func TestPatchUpdatesStore(t *testing.T) {
	h, st, _ := newHub(t)
	id := document.NewID()
	openDoc(t, st, id, "w1", []document.Record{{ID: "shape:1", TypeName: "shape"}})
	h.Register(id, "w1")

	h.ApplyPatch(id, document.Patch{Removed: []string{"shape:1"}}, "w1")
	waitSeq(t, h, id, 1)

	entry, ok := st.GetOpenDocument(id)
	if !ok {
		t.Fatal("entry missing")
	}
	if len(entry.Records) != 0 {
		t.Errorf("records = %v", entry.Records)
	}
	if !entry.UnsavedChanges {
		t.Error("unsaved flag not set")
	}
}

func TestSeqStrictlyIncreasing(t *testing.T) {
	h, st, _ := newHub(t)
	id := document.NewID()
	openDoc(t, st, id, "w1", nil)
	h.Register(id, "w1")

	for i := 0; i < 5; i++ {
		h.ApplyPatch(id, document.Patch{Removed: []string{"none"}}, "w1")
	}
	waitSeq(t, h, id, 5)
	if got := h.Seq(id); got != 5 {
		t.Errorf("seq = %d, want 5", got)
	}
}

func TestFirstWindowGetsNoSnapshot(t *testing.T) {
	h, st, sender := newHub(t)
	id := document.NewID()
	openDoc(t, st, id, "w1", []document.Record{{ID: "shape:1", TypeName: "shape"}})
	h.Register(id, "w1")
	waitMembers(t, h, id, 1)

	if got := sender.eventsFor("w1"); len(got) != 0 {
		t.Errorf("first window received %d events", len(got))
	}
}

func TestLateJoinerGetsSnapshot(t *testing.T) {
	h, st, sender := newHub(t)
	id := document.NewID()
	records := []document.Record{{ID: "shape:1", TypeName: "shape"}}
	openDoc(t, st, id, "w1", records)
	openDoc(t, st, id, "w2", records)
	h.Register(id, "w1")
	h.ApplyPatch(id, document.Patch{Added: []document.Record{{ID: "shape:2", TypeName: "shape"}}}, "w1")
	waitSeq(t, h, id, 1)

	h.Register(id, "w2")
	waitMembers(t, h, id, 2)

	events := sender.eventsFor("w2")
	if len(events) != 1 || events[0].Type != ipc.EventDocumentSnapshot {
		t.Fatalf("events = %v", events)
	}
	var snap Snapshot
	if err := json.Unmarshal(events[0].Payload, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Seq != 1 || len(snap.Records) != 2 {
		t.Errorf("snapshot = seq %d, %d records", snap.Seq, len(snap.Records))
	}
}

func TestUnregisterDiscardsState(t *testing.T) {
	h, st, _ := newHub(t)
	id := document.NewID()
	openDoc(t, st, id, "w1", nil)
	h.Register(id, "w1")
	h.ApplyPatch(id, document.Patch{Removed: []string{"none"}}, "w1")
	waitSeq(t, h, id, 1)

	h.Unregister(id, "w1")
	waitMembers(t, h, id, 0)
	if got := h.Seq(id); got != 0 {
		t.Errorf("seq = %d after last unregister, want 0", got)
	}
}

func TestPatchForUnknownDocumentDropped(t *testing.T) {
	h, st, sender := newHub(t)
	id := document.NewID()
	known := document.NewID()
	openDoc(t, st, known, "w1", nil)
	h.Register(known, "w1")

	h.ApplyPatch(id, document.Patch{Removed: []string{"x"}}, "w1")
	// Settle the loop with a follow-up patch on the known document.
	h.ApplyPatch(known, document.Patch{Removed: []string{"x"}}, "w2")
	waitSeq(t, h, known, 1)

	if got := h.Seq(id); got != 0 {
		t.Errorf("unknown document advanced to seq %d", got)
	}
	events := sender.eventsFor("w1")
	if len(events) != 1 || events[0].Type != ipc.EventDocumentPatch {
		t.Fatalf("w1 events = %v", events)
	}
}

func waitMembers(t *testing.T, h *Hub, id document.ID, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.Members(id)) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("membership for %s never reached %d", id, want)
}
