package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type recordingHandler struct {
	events []Event
	invoke func(method string, payload json.RawMessage) (json.RawMessage, error)
}

func (h *recordingHandler) HandleEvent(ev Event) {
	h.events = append(h.events, ev)
}

func (h *recordingHandler) HandleInvoke(method string, payload json.RawMessage) (json.RawMessage, error) {
	return h.invoke(method, payload)
}

func TestLoopbackSend(t *testing.T) {
	h := &recordingHandler{}
	l := NewLoopback(h)
	ev, err := NewEvent(EventPreferences, map[string]string{"theme": "dark"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := l.Send(ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(h.events) != 1 || h.events[0].Type != EventPreferences {
		t.Errorf("events = %v", h.events)
	}
}

func TestLoopbackInvoke(t *testing.T) {
	h := &recordingHandler{
		invoke: func(method string, payload json.RawMessage) (json.RawMessage, error) {
			if method != MethodSerializeDocument {
				t.Errorf("method = %q", method)
			}
			return json.RawMessage(`{"formatVersion":1}`), nil
		},
	}
	l := NewLoopback(h)
	res, err := l.Invoke(context.Background(), MethodSerializeDocument, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(res) != `{"formatVersion":1}` {
		t.Errorf("res = %s", res)
	}
}

func TestLoopbackInvokeError(t *testing.T) {
	want := errors.New("nothing to serialize")
	h := &recordingHandler{
		invoke: func(string, json.RawMessage) (json.RawMessage, error) {
			return nil, want
		},
	}
	l := NewLoopback(h)
	if _, err := l.Invoke(context.Background(), MethodSerializeDocument, nil); !errors.Is(err, want) {
		t.Errorf("err = %v", err)
	}
}

func TestLoopbackClosedRefusesTraffic(t *testing.T) {
	h := &recordingHandler{}
	l := NewLoopback(h)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ev, _ := NewEvent(EventMenuState, nil)
	if err := l.Send(ev); !errors.Is(err, ErrDisposed) {
		t.Errorf("Send after close: %v", err)
	}
	if _, err := l.Invoke(context.Background(), MethodSerializeDocument, nil); !errors.Is(err, ErrDisposed) {
		t.Errorf("Invoke after close: %v", err)
	}
}

func TestErrInvoke(t *testing.T) {
	if err := ErrInvoke(""); err != nil {
		t.Errorf("empty message produced error %v", err)
	}
	if err := ErrInvoke("boom"); err == nil || err.Error() != "boom" {
		t.Errorf("err = %v", err)
	}
}
