package events

import (
	"log/slog"
	"sync"

	"github.com/ent0n29/sarathi/internal/protocol"
)

// Handler receives decoded inbound events.
type Handler func(protocol.Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher fans decoded events out to subscribers in registration order.
// A panicking handler is recovered and logged; later handlers still run.
type Dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "events")}
}

// On registers handler and returns a function that removes it. The returned
// function is safe to call more than once and from inside a handler.
func (d *Dispatcher) On(handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(id) })
	}
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id != id {
			continue
		}
		next := make([]subscription, 0, len(d.subs)-1)
		next = append(next, d.subs[:i]...)
		next = append(next, d.subs[i+1:]...)
		d.subs = next
		return
	}
}

// Dispatch delivers ev to a snapshot of the current subscribers.
func (d *Dispatcher) Dispatch(ev protocol.Event) {
	if ev == nil {
		return
	}
	d.mu.Lock()
	snapshot := d.subs
	d.mu.Unlock()

	for _, s := range snapshot {
		d.deliver(s, ev)
	}
}

// Len reports the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *Dispatcher) deliver(s subscription, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"event", ev.Kind(),
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(ev)
}
