package sharedmap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ObservePath calls f with the value found by following path through nested
// maps, first with the current value and then whenever it changes. Missing
// intermediate maps are created. If an intermediate key is deleted, f is
// called with nil and the rest of the path is observed again once the key
// holds a map. A primitive at an intermediate key leaves the rest of the
// path unobserved until it is replaced.
//
// The returned function stops observation. f runs under the same rules as
// an Observer.
func (m *Map) ObservePath(path []string, f func(value interface{})) (func(), error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("observe path: %w: path is empty", ErrInvalidArgument)
	}
	for i, name := range path {
		if name == "" {
			return nil, fmt.Errorf("observe path: %w: segment %d is empty", ErrInvalidArgument, i)
		}
	}
	if len(path) == 1 {
		return m.observeProperty(path[0], f), nil
	}
	po := &pathObserver{
		m:    m,
		path: append([]string(nil), path...),
		f:    f,
	}
	po.sub = m.Observe(po.changed)
	po.reset(true)
	return po.close, nil
}

func (m *Map) observeProperty(name string, f func(interface{})) func() {
	var closed atomic.Bool
	deliver := func() {
		fut, err := m.Get(name)
		if err != nil {
			return
		}
		fut.Then(func(v interface{}, err error) {
			if err == nil && !closed.Load() {
				f(v)
			}
		})
	}
	deliver()
	sub := m.Observe(func(events []Event) {
		for _, e := range events {
			if e.Name == name {
				deliver()
				return
			}
		}
	})
	return func() {
		closed.Store(true)
		sub.Close()
	}
}

// pathObserver follows path[0] of m and keeps a child observation of the
// rest of the path on whatever map path[0] holds. Resolutions that finish
// after a newer reset are discarded by generation.
type pathObserver struct {
	m    *Map
	path []string
	f    func(interface{})
	sub  *Subscription

	mu     sync.Mutex
	gen    uint64
	child  func()
	closed bool
}

func (po *pathObserver) changed(events []Event) {
	for _, e := range events {
		if e.Name != po.path[0] {
			continue
		}
		switch e.Type {
		case EventAdd, EventUpdate:
			po.reset(false)
		case EventDelete:
			if po.detach() {
				po.f(nil)
			}
		}
	}
}

// detach drops the child observation and invalidates resolutions in
// flight. It reports false once the observer is closed.
func (po *pathObserver) detach() bool {
	po.mu.Lock()
	if po.closed {
		po.mu.Unlock()
		return false
	}
	po.gen++
	child := po.child
	po.child = nil
	po.mu.Unlock()
	if child != nil {
		child()
	}
	return true
}

func (po *pathObserver) reset(vivify bool) {
	if !po.detach() {
		return
	}
	po.mu.Lock()
	gen := po.gen
	po.mu.Unlock()

	head := po.path[0]
	if vivify && !po.m.Has(head) {
		fut, err := po.m.Set(head, MapType)
		if err != nil {
			return
		}
		fut.Then(func(v interface{}, err error) { po.attach(gen, v, err) })
		return
	}
	fut, err := po.m.Get(head)
	if err != nil {
		return
	}
	fut.Then(func(v interface{}, err error) { po.attach(gen, v, err) })
}

func (po *pathObserver) attach(gen uint64, v interface{}, err error) {
	if err != nil {
		return
	}
	next, ok := v.(*Map)
	if !ok {
		return
	}
	po.mu.Lock()
	if po.closed || po.gen != gen || po.child != nil {
		po.mu.Unlock()
		return
	}
	// placeholder so a concurrent attach of the same generation loses
	po.child = func() {}
	po.mu.Unlock()

	child, err := next.ObservePath(po.path[1:], po.f)
	if err != nil {
		return
	}
	po.mu.Lock()
	if po.closed || po.gen != gen {
		po.mu.Unlock()
		child()
		return
	}
	po.child = child
	po.mu.Unlock()
}

func (po *pathObserver) close() {
	po.mu.Lock()
	if po.closed {
		po.mu.Unlock()
		return
	}
	po.closed = true
	po.gen++
	child := po.child
	po.child = nil
	po.mu.Unlock()
	po.sub.Close()
	if child != nil {
		child()
	}
}
