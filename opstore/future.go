package opstore

import (
	"context"
	"sync"
)

// Future is the result of work that completes inside a store transaction.
// Callbacks registered with Then run on the goroutine that resolves the
// future, which is usually the store's transaction worker; Await must
// therefore not be called from inside a transaction body or an observer.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	val       T
	err       error
	callbacks []func(T, error)
	start     func(resolve func(T, error))
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v, nil)
	return f
}

// Lazy returns a future whose work is started by the first call to Await,
// Then or Done.
func Lazy[T any](start func(resolve func(T, error))) *Future[T] {
	f := NewFuture[T]()
	f.start = start
	return f
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future[T]) Resolve(v T, err error) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}
	f.resolved = true
	f.start = nil
	f.val, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()
	for _, cb := range callbacks {
		cb(v, err)
	}
}

func (f *Future[T]) kick() {
	f.mu.Lock()
	start := f.start
	f.start = nil
	f.mu.Unlock()
	if start != nil {
		start(f.Resolve)
	}
}

// Ready indicates the future has been resolved. It does not start lazy work.
func (f *Future[T]) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Done returns a channel closed when the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	f.kick()
	return f.done
}

// Then invokes cb with the result, immediately if the future is already
// resolved.
func (f *Future[T]) Then(cb func(T, error)) {
	f.mu.Lock()
	if f.resolved {
		v, err := f.val, f.err
		f.mu.Unlock()
		cb(v, err)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
	f.kick()
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.Done():
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
