package sharedmap

import (
	"sync"

	"github.com/jrhy/sharedmap/opstore"
)

// EventType classifies a change to one key.
type EventType int

const (
	// EventAdd means a key without a value got one.
	EventAdd EventType = iota + 1
	// EventUpdate means a key's value was replaced.
	EventUpdate
	// EventDelete means a key's value was removed.
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventAdd:
		return "add"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event describes a change to one key of a Map.
type Event struct {
	Type   EventType
	Name   string
	Object *Map
	// OldValue is the value before the change; nil for EventAdd. Nested
	// types resolve in a new transaction once awaited.
	OldValue *opstore.Future[interface{}]
}

// Observer receives the events of one batch of changes.
//
// Observers of one map are never called concurrently, and batches arrive in
// the order the changes were made. Local writes are reported on the
// goroutine that called Set or Delete, everything else on the store's
// transaction worker. Observers must not block on transactions, such as by
// awaiting a future, but may register callbacks with Then. They must not
// call Set or Delete themselves; write from another goroutine instead.
type Observer func(events []Event)

// Subscription is a registered Observer.
type Subscription struct {
	m *Map
	f Observer
}

// Close unregisters the observer. Closing twice has no effect.
func (s *Subscription) Close() {
	s.m.Unobserve(s)
}

type eventHandler struct {
	mu        sync.Mutex
	observers []*Subscription
}

func (h *eventHandler) add(sub *Subscription) {
	h.mu.Lock()
	h.observers = append(h.observers, sub)
	h.mu.Unlock()
}

func (h *eventHandler) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, o := range h.observers {
		if o == sub {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return
		}
	}
}

func (h *eventHandler) call(events []Event) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	observers := h.observers
	h.mu.Unlock()
	for _, o := range observers {
		o.f(events)
	}
}

// Observe registers f to be called with every batch of changes to the map.
func (m *Map) Observe(f Observer) *Subscription {
	sub := &Subscription{m: m, f: f}
	m.handler.add(sub)
	return sub
}

// Unobserve unregisters a subscription made by Observe.
func (m *Map) Unobserve(sub *Subscription) {
	m.handler.remove(sub)
}
