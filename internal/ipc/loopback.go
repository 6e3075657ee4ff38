package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

// Handler is the window-side face of a loopback transport.
type Handler interface {
	// HandleEvent receives a coordinator→window event.
	HandleEvent(ev Event)
	// HandleInvoke answers a coordinator-initiated request.
	HandleInvoke(method string, payload json.RawMessage) (json.RawMessage, error)
}

// Loopback is an in-process Transport for embedded document views and
// tests. Events are delivered synchronously to the handler; invokes run
// the handler on a separate goroutine and settle through the pending
// table, matching the asynchronous shape of a real window channel.
type Loopback struct {
	handler Handler
	pending *Pending
	closed  atomic.Bool
}

// NewLoopback wires a transport directly to a handler.
func NewLoopback(handler Handler) *Loopback {
	return &Loopback{handler: handler, pending: NewPending()}
}

// Send delivers the event to the handler.
func (l *Loopback) Send(ev Event) error {
	if l.closed.Load() {
		return fmt.Errorf("ipc: send %s: %w", ev.Type, ErrDisposed)
	}
	l.handler.HandleEvent(ev)
	return nil
}

// Invoke runs the handler's invoke path and waits for its resolution.
func (l *Loopback) Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("ipc: invoke %s: %w", method, ErrDisposed)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal %s payload: %w", method, err)
	}

	id := l.pending.Add()
	go func() {
		res, err := l.handler.HandleInvoke(method, data)
		if err != nil {
			l.pending.Reject(id, err)
			return
		}
		l.pending.Resolve(id, res)
	}()
	return l.pending.Await(ctx, id)
}

// Close rejects all pending invokes and refuses further traffic.
func (l *Loopback) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.pending.RejectAll(ErrDisposed)
	}
	return nil
}

var _ Transport = (*Loopback)(nil)

// ErrInvoke converts a window-reported error string back into an error.
func ErrInvoke(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
