package opstore

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnexpectedOperation is returned when an operation of an unknown kind
	// reaches integration or a type's change handler.
	ErrUnexpectedOperation = errors.New("unexpected operation")
	// ErrUnknownOperation is returned when an ID does not resolve to an
	// integrated operation.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrUnknownType is returned when no TypeFactory is registered for a
	// type definition.
	ErrUnknownType = errors.New("unknown type")
	// ErrClosed is returned by transactions requested after Close.
	ErrClosed = errors.New("store closed")
)

// Type is a shared type instance materialized from its defining operation.
type Type interface {
	// ID returns the ID of the type's defining operation.
	ID() ID
	// Changed receives, in integration order, every batch of integrated
	// operations whose parent is this type.
	Changed(tx *Tx, ops []*Operation) error
}

// TypeFactory creates and materializes instances of one kind of shared type.
type TypeFactory interface {
	// Name is recorded in defining operations and used to find the factory.
	Name() string
	// Create applies a new defining operation and returns its ID.
	Create(tx *Tx) (ID, error)
	// Init materializes an instance from its defining operation.
	Init(tx *Tx, model *Operation) (Type, error)
}

// Config controls identity, persistence and encoding of a Store.
type Config struct {
	// Replica names this store in operation IDs. Defaults to a random UUID.
	Replica string

	// Persist stores and loads serialized operations. Defaults to in-memory.
	Persist Persist

	// Marshal function, defaults to msgpack.
	Marshal func(*Operation) ([]byte, error)

	// Unmarshal function, defaults to msgpack.
	Unmarshal func([]byte, *Operation) error

	// OperationCache caches decoded operations. Defaults to an ARC LRU of
	// DefaultOperationCacheSize entries.
	OperationCache OperationCache

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Store integrates operations in causal order, persists them, and delivers
// them to the shared types they affect. All integration happens on a single
// worker goroutine that runs one transaction at a time.
type Store struct {
	replica   string
	clock     atomic.Uint64
	persist   Persist
	cache     OperationCache
	marshal   func(*Operation) ([]byte, error)
	unmarshal func([]byte, *Operation) error
	log       *zap.Logger

	factoriesMu sync.RWMutex
	factories   map[string]TypeFactory

	// owned by the worker
	known   map[ID]*entry
	chains  map[ID]map[string][]ID
	types   map[ID]Type
	pending []*Operation
	order   []ID

	listenersMu  sync.Mutex
	listeners    map[int]func([]*Operation)
	nextListener int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*txRequest
	closed    bool
	closeOnce sync.Once
	stopped   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

type txRequest struct {
	body func(*Tx) error
	fut  *Future[struct{}]
}

// New starts a store with the given configuration; nil means all defaults.
func New(cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Store{
		replica:   cfg.Replica,
		persist:   cfg.Persist,
		cache:     cfg.OperationCache,
		marshal:   cfg.Marshal,
		unmarshal: cfg.Unmarshal,
		log:       cfg.Logger,
		factories: map[string]TypeFactory{},
		known:     map[ID]*entry{},
		chains:    map[ID]map[string][]ID{},
		types:     map[ID]Type{},
		listeners: map[int]func([]*Operation){},
		stopped:   make(chan struct{}),
	}
	if s.replica == "" {
		s.replica = uuid.NewString()
	}
	if s.persist == nil {
		s.persist = NewInMemoryPersist()
	}
	if s.cache == nil {
		s.cache = NewOperationCache(DefaultOperationCacheSize)
	}
	if s.marshal == nil {
		s.marshal = defaultMarshal
	}
	if s.unmarshal == nil {
		s.unmarshal = defaultUnmarshal
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.With(zap.String("replica", s.replica))
	s.cond = sync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.run()
	return s
}

// Replica returns the name this store uses in operation IDs.
func (s *Store) Replica() string {
	return s.replica
}

// RegisterType makes a shared type available for Tx.GetType.
func (s *Store) RegisterType(f TypeFactory) {
	s.factoriesMu.Lock()
	s.factories[f.Name()] = f
	s.factoriesMu.Unlock()
}

func (s *Store) factory(name string) (TypeFactory, bool) {
	s.factoriesMu.RLock()
	defer s.factoriesMu.RUnlock()
	f, ok := s.factories[name]
	return f, ok
}

// NextID assigns a fresh ID that orders after everything this store has
// integrated or assigned so far.
func (s *Store) NextID() ID {
	return ID{Clock: s.clock.Add(1), Replica: s.replica}
}

func (s *Store) observeClock(c uint64) {
	for {
		cur := s.clock.Load()
		if c <= cur || s.clock.CompareAndSwap(cur, c) {
			return
		}
	}
}

// OnLocalOperations registers f to receive every operation created on this
// replica once it has been integrated. f runs on the transaction worker and
// must not block on transactions. The returned function unregisters f.
func (s *Store) OnLocalOperations(f func([]*Operation)) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = f
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notifyLocal(ops []*Operation) {
	if len(ops) == 0 {
		return
	}
	s.listenersMu.Lock()
	fs := make([]func([]*Operation), 0, len(s.listeners))
	for i := 0; i < s.nextListener; i++ {
		if f, ok := s.listeners[i]; ok {
			fs = append(fs, f)
		}
	}
	s.listenersMu.Unlock()
	for _, f := range fs {
		out := make([]*Operation, len(ops))
		for i, op := range ops {
			out[i] = op.Clone()
		}
		f(out)
	}
}

// RequestTransaction queues body for serialized execution on the store's
// worker. The returned future resolves when body has finished.
func (s *Store) RequestTransaction(body func(tx *Tx) error) *Future[struct{}] {
	fut := NewFuture[struct{}]()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fut.Resolve(struct{}{}, ErrClosed)
		return fut
	}
	s.queue = append(s.queue, &txRequest{body, fut})
	s.cond.Signal()
	s.mu.Unlock()
	return fut
}

// Transact runs body in a transaction and waits for it. It must not be
// called from inside a transaction.
func (s *Store) Transact(ctx context.Context, body func(tx *Tx) error) error {
	_, err := s.RequestTransaction(body).Await(ctx)
	return err
}

// ApplyRemote integrates operations received from another replica.
// Operations whose dependencies are not yet known are buffered until they
// are.
func (s *Store) ApplyRemote(ops []*Operation) *Future[struct{}] {
	return s.RequestTransaction(func(tx *Tx) error {
		return tx.ApplyOperations(ops)
	})
}

// Sync waits until every queued transaction, including ones queued by
// transactions that ran meanwhile, has finished.
func (s *Store) Sync(ctx context.Context) error {
	for {
		if err := s.Transact(ctx, func(*Tx) error { return nil }); err != nil {
			return err
		}
		s.mu.Lock()
		idle := len(s.queue) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}
	}
}

// Close stops the worker. Transactions still queued fail with ErrClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
		<-s.stopped
		s.cancel()
	})
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			rejected := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, req := range rejected {
				req.fut.Resolve(struct{}{}, ErrClosed)
			}
			return
		}
		req := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		tx := &Tx{s: s, ctx: s.ctx}
		err := safelyCall(req.body, tx)
		if err != nil {
			s.log.Warn("transaction failed", zap.Error(err))
		}
		req.fut.Resolve(struct{}{}, err)
	}
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}
