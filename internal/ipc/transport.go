// Package ipc defines the coordinator↔window message contract: typed
// fire-and-forget events in both directions, and request/response
// invoke calls from the coordinator against a specific window. The
// transport is not specific to this domain; the shell only assumes
// at-most-once delivery per send and exactly one resolution per invoke.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried over the transport. The set is closed; payload
// shapes are fixed per type.
const (
	EventDocumentPatch    = "document.patch"
	EventDocumentSnapshot = "document.snapshot"
	EventDocumentPath     = "document.path"
	EventDocumentDirty    = "document.dirty"
	EventPreferences      = "preferences.changed"
	EventWindowFocus      = "window.focus"
	EventWindowGeometry   = "window.geometry"
	EventMenuState        = "menu.state"
	// EventInvoke carries a coordinator-initiated request that the
	// window answers through its invoke-result channel.
	EventInvoke = "invoke"
)

// Invoke methods the coordinator may call on a window.
const (
	MethodSerializeDocument = "document.serialize"
)

// InvokeTimeout is the ceiling on any coordinator→window round trip.
// On expiry the pending call is rejected and its table entry removed;
// it is never left dangling.
const InvokeTimeout = 30 * time.Second

// Event is one fire-and-forget message.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event of the given type.
func NewEvent(typ string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("ipc: marshal %s payload: %w", typ, err)
	}
	return Event{Type: typ, Payload: data}, nil
}

// InvokeRequest is the payload of an EventInvoke event.
type InvokeRequest struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// InvokeResult is a window's answer to an InvokeRequest.
type InvokeResult struct {
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Transport is one window's end of the channel, held by the
// coordinator.
type Transport interface {
	// Send delivers a fire-and-forget event to the window. Sending to
	// a closed transport returns an error the caller may ignore.
	Send(ev Event) error
	// Invoke sends a request to the window and waits for its single
	// resolution, the context, or the round-trip ceiling, whichever
	// comes first.
	Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error)
	// Close tears the channel down and rejects all pending invokes.
	Close() error
}
