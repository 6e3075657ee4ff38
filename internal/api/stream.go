package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/starford/vellum/internal/ipc"
)

// StreamTransport is the HTTP flavor of ipc.Transport: coordinator→
// window traffic flows over a per-window SSE stream, window→coordinator
// traffic arrives as POSTs handled by the bridge. Events sent before
// the window process attaches its stream queue in the buffer.
type StreamTransport struct {
	windowID string
	ch       chan []byte
	done     chan struct{}
	pending  *ipc.Pending
	closed   atomic.Bool
}

func newStreamTransport(windowID string) *StreamTransport {
	return &StreamTransport{
		windowID: windowID,
		ch:       make(chan []byte, 256),
		done:     make(chan struct{}),
		pending:  ipc.NewPending(),
	}
}

func (t *StreamTransport) frame(ev ipc.Event) []byte {
	payload := ev.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload))
}

// Send queues one event for the window's stream. A full buffer drops
// the event rather than blocking the coordinator.
func (t *StreamTransport) Send(ev ipc.Event) error {
	if t.closed.Load() {
		return fmt.Errorf("api: send %s: %w", ev.Type, ipc.ErrDisposed)
	}
	select {
	case <-t.done:
		return fmt.Errorf("api: send %s: %w", ev.Type, ipc.ErrDisposed)
	case t.ch <- t.frame(ev):
		return nil
	default:
		return fmt.Errorf("api: send %s: window %s stream full", ev.Type, t.windowID)
	}
}

// Invoke sends an invoke event down the stream and waits for the
// window to POST its result.
func (t *StreamTransport) Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("api: invoke %s: %w", method, ipc.ErrDisposed)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("api: marshal %s payload: %w", method, err)
	}
	id := t.pending.Add()
	ev, err := ipc.NewEvent(ipc.EventInvoke, ipc.InvokeRequest{
		RequestID: id,
		Method:    method,
		Payload:   data,
	})
	if err != nil {
		t.pending.Reject(id, err)
		return nil, err
	}
	if err := t.Send(ev); err != nil {
		t.pending.Reject(id, err)
		return nil, err
	}
	return t.pending.Await(ctx, id)
}

// Close rejects pending invokes and ends the stream. The frame channel
// itself stays open so that a Send racing Close queues harmlessly
// instead of panicking; serveStream exits through done.
func (t *StreamTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.pending.RejectAll(ipc.ErrDisposed)
		close(t.done)
	}
	return nil
}

var _ ipc.Transport = (*StreamTransport)(nil)

// Bridge tracks the stream transports of attached window processes and
// acts as the registry's window factory.
type Bridge struct {
	mu         sync.Mutex
	transports map[string]*StreamTransport
}

// NewBridge creates an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{transports: make(map[string]*StreamTransport)}
}

// NewTransport creates and tracks the transport for a new window.
func (b *Bridge) NewTransport(windowID string) (ipc.Transport, error) {
	t := newStreamTransport(windowID)
	b.mu.Lock()
	b.transports[windowID] = t
	b.mu.Unlock()
	return t, nil
}

// Get returns the transport for windowID.
func (b *Bridge) Get(windowID string) (*StreamTransport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.transports[windowID]
	return t, ok
}

// serveStream streams queued frames to the attached window process.
func (t *StreamTransport) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case msg := <-t.ch:
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
