// Package relay propagates document edits between the windows sharing a
// document. Per document it tracks the registered window set and a
// strictly increasing sequence number, applies each incoming patch to
// the durable store's content, and re-broadcasts the patch to every
// registered window except its origin, so an originating window never
// re-applies its own edit.
//
// Concurrency model: a single internal event loop owns all mutable
// state (membership and sequence counters). Public methods communicate
// with the loop through channels, which is also what makes the relay
// order for one document the arrival order of ApplyPatch calls.
//
// Sequence numbers are attached to every broadcast and snapshot so
// receivers can detect gaps. Gap detection is diagnostic only: the hub
// never triggers a resync, and a window that suspects staleness can
// re-register to receive a fresh snapshot while peers remain.
package relay

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/starford/vellum/internal/document"
	"github.com/starford/vellum/internal/ipc"
	"github.com/starford/vellum/internal/store"
)

// Sender delivers events to live windows. Sends to a destroyed window
// report false and are skipped silently.
type Sender interface {
	SendToWindow(windowID string, ev ipc.Event) bool
}

// PatchSubmit is the payload a window sends with its local edits.
type PatchSubmit struct {
	DocumentID document.ID    `json:"documentId"`
	Patch      document.Patch `json:"patch"`
}

// PatchBroadcast is the payload relayed to the other windows of a
// document.
type PatchBroadcast struct {
	DocumentID document.ID    `json:"documentId"`
	Seq        uint64         `json:"seq"`
	Origin     string         `json:"origin"`
	Patch      document.Patch `json:"patch"`
}

// Snapshot is the full-state catch-up sent to a late joiner.
type Snapshot struct {
	DocumentID document.ID       `json:"documentId"`
	Seq        uint64            `json:"seq"`
	Records    []document.Record `json:"records"`
}

type regReq struct {
	docID    document.ID
	windowID string
}

type patchReq struct {
	docID  document.ID
	patch  document.Patch
	origin string
}

type membersReq struct {
	docID document.ID
	resp  chan []string
}

type seqReq struct {
	docID document.ID
	resp  chan uint64
}

// Hub is the per-document relay.
type Hub struct {
	store  *store.Store
	send   Sender
	logger *slog.Logger

	registerCh   chan regReq
	unregisterCh chan regReq
	patchCh      chan patchReq
	membersCh    chan membersReq
	seqCh        chan seqReq

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewHub starts the relay loop.
func NewHub(st *store.Store, send Sender, logger *slog.Logger) *Hub {
	h := &Hub{
		store:        st,
		send:         send,
		logger:       logger,
		registerCh:   make(chan regReq),
		unregisterCh: make(chan regReq),
		patchCh:      make(chan patchReq, 256),
		membersCh:    make(chan membersReq),
		seqCh:        make(chan seqReq),
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	membership := make(map[document.ID]map[string]struct{})
	seq := make(map[document.ID]uint64)

	for {
		select {
		case <-h.stopCh:
			return

		case req := <-h.registerCh:
			set := membership[req.docID]
			hadPeers := len(set) > 0
			if set == nil {
				set = make(map[string]struct{})
				membership[req.docID] = set
			}
			set[req.windowID] = struct{}{}
			if !hadPeers {
				// The first window already holds its own initial
				// content from the open/create flow.
				continue
			}
			entry, ok := h.store.GetOpenDocument(req.docID)
			if !ok {
				continue
			}
			ev, err := ipc.NewEvent(ipc.EventDocumentSnapshot, Snapshot{
				DocumentID: req.docID,
				Seq:        seq[req.docID],
				Records:    entry.Records,
			})
			if err != nil {
				h.logger.Warn("relay: snapshot encode failed",
					slog.String("doc", string(req.docID)),
					slog.String("error", err.Error()))
				continue
			}
			h.send.SendToWindow(req.windowID, ev)

		case req := <-h.unregisterCh:
			set := membership[req.docID]
			if set == nil {
				continue
			}
			delete(set, req.windowID)
			if len(set) == 0 {
				delete(membership, req.docID)
				delete(seq, req.docID)
			}

		case req := <-h.patchCh:
			entry, ok := h.store.GetOpenDocument(req.docID)
			if !ok {
				// Already closed; a patch racing window teardown is
				// dropped, not an error.
				continue
			}
			records := document.ApplyPatch(entry.Records, req.patch)
			now := time.Now()
			unsaved := true
			if err := h.store.UpdateOpenDocument(req.docID, store.OpenDocumentUpdate{
				Records:        records,
				LastModified:   &now,
				UnsavedChanges: &unsaved,
			}); err != nil {
				h.logger.Warn("relay: store update failed",
					slog.String("doc", string(req.docID)),
					slog.String("error", err.Error()))
				continue
			}
			seq[req.docID]++
			n := seq[req.docID]

			ev, err := ipc.NewEvent(ipc.EventDocumentPatch, PatchBroadcast{
				DocumentID: req.docID,
				Seq:        n,
				Origin:     req.origin,
				Patch:      req.patch,
			})
			if err != nil {
				h.logger.Warn("relay: patch encode failed",
					slog.String("doc", string(req.docID)),
					slog.String("error", err.Error()))
				continue
			}
			for windowID := range membership[req.docID] {
				if windowID == req.origin {
					continue
				}
				h.send.SendToWindow(windowID, ev)
			}

		case req := <-h.membersCh:
			var out []string
			for w := range membership[req.docID] {
				out = append(out, w)
			}
			req.resp <- out

		case req := <-h.seqCh:
			req.resp <- seq[req.docID]
		}
	}
}

// Register adds windowID to the membership set for docID. When other
// windows already display the document, the registering window receives
// a full-state snapshot tagged with the current sequence number.
func (h *Hub) Register(docID document.ID, windowID string) {
	if h.closed.Load() {
		return
	}
	select {
	case h.registerCh <- regReq{docID: docID, windowID: windowID}:
	case <-h.stopped:
	}
}

// Unregister removes windowID; an empty set discards all state for the
// document.
func (h *Hub) Unregister(docID document.ID, windowID string) {
	if h.closed.Load() {
		return
	}
	select {
	case h.unregisterCh <- regReq{docID: docID, windowID: windowID}:
	case <-h.stopped:
	}
}

// ApplyPatch applies one batch of edits from origin and relays it to
// the document's other windows.
func (h *Hub) ApplyPatch(docID document.ID, patch document.Patch, origin string) {
	if h.closed.Load() {
		return
	}
	select {
	case h.patchCh <- patchReq{docID: docID, patch: patch, origin: origin}:
	case <-h.stopped:
	}
}

// Members returns the window set for docID.
func (h *Hub) Members(docID document.ID) []string {
	if h.closed.Load() {
		return nil
	}
	resp := make(chan []string, 1)
	select {
	case h.membersCh <- membersReq{docID: docID, resp: resp}:
	case <-h.stopped:
		return nil
	}
	select {
	case out := <-resp:
		return out
	case <-h.stopped:
		return nil
	}
}

// Seq returns the current sequence number for docID (0 when the
// document has no registered windows).
func (h *Hub) Seq(docID document.ID) uint64 {
	if h.closed.Load() {
		return 0
	}
	resp := make(chan uint64, 1)
	select {
	case h.seqCh <- seqReq{docID: docID, resp: resp}:
	case <-h.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-h.stopped:
		return 0
	}
}

// Close stops the relay loop.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}
