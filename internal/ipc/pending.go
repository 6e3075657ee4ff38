package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/starford/vellum/internal/apperr"
)

// ErrDisposed rejects pending invokes when their transport is torn
// down, so resets never leak unresolved calls.
var ErrDisposed = errors.New("transport disposed")

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// Pending is the table of in-flight invoke calls for one transport.
// Each call resolves exactly once: the first of result, rejection,
// timeout, or context cancellation wins and removes the entry.
type Pending struct {
	mu    sync.Mutex
	calls map[string]chan pendingResult
}

// NewPending creates an empty pending-call table.
func NewPending() *Pending {
	return &Pending{calls: make(map[string]chan pendingResult)}
}

// Add registers a new call and returns its generated request id.
func (p *Pending) Add() string {
	id := ulid.Make().String()
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.calls[id] = ch
	p.mu.Unlock()
	return id
}

// take removes and returns the channel for id.
func (p *Pending) take(id string) (chan pendingResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	return ch, ok
}

// Resolve completes the call with a payload. Unknown or already-settled
// ids report false.
func (p *Pending) Resolve(id string, payload json.RawMessage) bool {
	ch, ok := p.take(id)
	if !ok {
		return false
	}
	ch <- pendingResult{payload: payload}
	return true
}

// Reject completes the call with an error.
func (p *Pending) Reject(id string, err error) bool {
	ch, ok := p.take(id)
	if !ok {
		return false
	}
	ch <- pendingResult{err: err}
	return true
}

// RejectAll fails every in-flight call, used when a transport is
// disposed or reset.
func (p *Pending) RejectAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]chan pendingResult)
	p.mu.Unlock()
	for _, ch := range calls {
		ch <- pendingResult{err: err}
	}
}

// Await blocks until the call for id settles. Timeout and cancellation
// remove the table entry before returning, so a late resolution is
// dropped rather than delivered twice.
func (p *Pending) Await(ctx context.Context, id string) (json.RawMessage, error) {
	p.mu.Lock()
	ch, ok := p.calls[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ipc: unknown request %s: %w", id, apperr.ErrNotFound)
	}

	timer := time.NewTimer(InvokeTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		_, _ = p.take(id)
		return nil, fmt.Errorf("ipc: invoke %s: %w", id, apperr.ErrTimeout)
	case <-ctx.Done():
		_, _ = p.take(id)
		return nil, ctx.Err()
	}
}
