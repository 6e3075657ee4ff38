package emitter

import "testing"

func TestEmitIsSynchronous(t *testing.T) {
	e := New[int]()
	var got []int
	e.Subscribe(func(v int) { got = append(got, v) })
	e.Emit(1)
	e.Emit(2)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("got = %v", got)
	}
}

func TestEmitRegistrationOrder(t *testing.T) {
	e := New[struct{}]()
	var order []string
	e.Subscribe(func(struct{}) { order = append(order, "a") })
	e.Subscribe(func(struct{}) { order = append(order, "b") })
	e.Subscribe(func(struct{}) { order = append(order, "c") })
	e.Emit(struct{}{})
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v", order)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	e := New[int]()
	calls := 0
	cancel := e.Subscribe(func(int) { calls++ })
	e.Emit(1)
	cancel()
	cancel() // second cancel is a no-op
	e.Emit(2)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	e := New[int]()
	var cancel func()
	first := 0
	second := 0
	e.Subscribe(func(int) {
		first++
		cancel()
	})
	cancel = e.Subscribe(func(int) { second++ })

	// The snapshot taken at Emit still delivers to the cancelled
	// subscriber this round; the next round skips it.
	e.Emit(1)
	e.Emit(2)
	if first != 2 {
		t.Errorf("first = %d, want 2", first)
	}
	if second != 1 {
		t.Errorf("second = %d, want 1", second)
	}
}

func TestSubscribeDuringEmit(t *testing.T) {
	e := New[int]()
	added := 0
	registered := false
	e.Subscribe(func(int) {
		if !registered {
			registered = true
			e.Subscribe(func(int) { added++ })
		}
	})
	e.Emit(1)
	if added != 0 {
		t.Errorf("new subscriber ran in the emitting round")
	}
	e.Emit(2)
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
}
