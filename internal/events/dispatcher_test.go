package events

import (
	"testing"

	"github.com/ent0n29/sarathi/internal/protocol"
)

func TestDispatchRegistrationOrder(t *testing.T) {
	d := NewDispatcher(nil)
	var order []int
	d.On(func(protocol.Event) { order = append(order, 1) })
	d.On(func(protocol.Event) { order = append(order, 2) })
	d.On(func(protocol.Event) { order = append(order, 3) })

	d.Dispatch(protocol.Connected{})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
}

func TestDispatchRecoversPanickingHandler(t *testing.T) {
	d := NewDispatcher(nil)
	got := 0
	d.On(func(protocol.Event) { panic("boom") })
	d.On(func(protocol.Event) { got++ })

	d.Dispatch(protocol.Pong{})
	d.Dispatch(protocol.Pong{})
	if got != 2 {
		t.Fatalf("second handler calls = %d, want 2", got)
	}
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	d := NewDispatcher(nil)
	calls := map[string]int{}
	var unsubA func()
	unsubA = d.On(func(protocol.Event) {
		calls["a"]++
		unsubA()
	})
	d.On(func(protocol.Event) { calls["b"]++ })

	d.Dispatch(protocol.TurnComplete{})
	d.Dispatch(protocol.TurnComplete{})

	if calls["a"] != 1 {
		t.Fatalf("a calls = %d, want 1", calls["a"])
	}
	if calls["b"] != 2 {
		t.Fatalf("b calls = %d, want 2", calls["b"])
	}
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", d.Len())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	d := NewDispatcher(nil)
	unsub := d.On(func(protocol.Event) {})
	d.On(func(protocol.Event) {})
	unsub()
	unsub()
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", d.Len())
	}
}

func TestDispatchDeliversUnknown(t *testing.T) {
	d := NewDispatcher(nil)
	var got protocol.Event
	d.On(func(ev protocol.Event) { got = ev })

	d.Dispatch(protocol.ParseServerEvent([]byte(`{"type":"product_links"}`)))
	if got == nil || got.Kind() != protocol.EventUnknown {
		t.Fatalf("got = %#v, want Unknown", got)
	}
}
