package sharedmap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jrhy/sharedmap/opstore"
)

// ErrInvalidArgument is returned when a required key or path is missing.
var ErrInvalidArgument = errors.New("invalid argument")

// MapType is the descriptor of the Map shared type. Passing it to Set
// stores a new nested Map under the key.
var MapType opstore.TypeFactory = mapType{}

const mapTypeName = "Map"

// Map is a replicated key/value map. Each key holds either a primitive
// value or a reference to a nested shared type.
type Map struct {
	id    opstore.ID
	store *opstore.Store

	// emitMu is held from changing visible state until observers have
	// been told, so emission is serialized in the order of the changes.
	// It is taken before mu.
	emitMu sync.Mutex
	mu     sync.RWMutex
	// authoritative state, changed only by Changed
	winningOp map[string]opstore.ID
	value     map[string]interface{}
	reference map[string]opstore.ID
	// local writes whose operations have not been delivered back yet,
	// in issue order
	pending []*opstore.Operation

	handler eventHandler
}

// slot is the visible content of one key.
type slot struct {
	id    opstore.ID
	value interface{}
	ref   *opstore.ID
}

func newMap(store *opstore.Store, id opstore.ID) *Map {
	return &Map{
		id:        id,
		store:     store,
		winningOp: map[string]opstore.ID{},
		value:     map[string]interface{}{},
		reference: map[string]opstore.ID{},
	}
}

// Root opens the named root map of store, defining it on first use. Every
// replica that opens the same name shares the same map. Root must not be
// called from inside a transaction or an observer.
func Root(ctx context.Context, store *opstore.Store, name string) (*Map, error) {
	if name == "" {
		return nil, fmt.Errorf("root: %w: name is required", ErrInvalidArgument)
	}
	store.RegisterType(MapType)
	var m *Map
	err := store.Transact(ctx, func(tx *opstore.Tx) error {
		id, err := tx.DefineRoot(name, mapTypeName)
		if err != nil {
			return err
		}
		t, err := tx.GetType(id)
		if err != nil {
			return err
		}
		var ok bool
		if m, ok = t.(*Map); !ok {
			return fmt.Errorf("root %q is a %T: %w", name, t, opstore.ErrUnknownType)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", name, err)
	}
	return m, nil
}

// ID returns the ID of the map's defining operation.
func (m *Map) ID() opstore.ID {
	return m.id
}

func (m *Map) String() string {
	return "Map(" + m.id.String() + ")"
}

// lookupLocked returns the visible content of key: the authoritative
// content with pending local writes laid over it in issue order.
func (m *Map) lookupLocked(key string) (slot, bool) {
	var s slot
	id, ok := m.winningOp[key]
	if ok {
		s.id = id
		if ref, isRef := m.reference[key]; isRef {
			s.ref = &ref
		} else {
			s.value = m.value[key]
		}
	}
	for _, op := range m.pending {
		switch op.Kind {
		case opstore.KindInsert:
			if op.ParentSub == key {
				s, ok = slot{id: op.ID, value: op.Content, ref: op.OpContent}, true
			}
		case opstore.KindDelete:
			if op.Key == key && ok && s.id == op.Target {
				s, ok = slot{}, false
			}
		}
	}
	return s, ok
}

func (m *Map) keysLocked() []string {
	seen := map[string]struct{}{}
	var keys []string
	consider := func(key string) {
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		if _, ok := m.lookupLocked(key); ok {
			keys = append(keys, key)
		}
	}
	for key := range m.winningOp {
		consider(key)
	}
	for _, op := range m.pending {
		if op.Kind == opstore.KindInsert {
			consider(op.ParentSub)
		}
	}
	sort.Strings(keys)
	return keys
}

// future returns the value of s. References resolve to the nested type
// instance inside a new transaction; lazy ones start when first awaited.
func (m *Map) future(s slot, lazy bool) *opstore.Future[interface{}] {
	if s.ref == nil {
		return opstore.Resolved(copyValue(s.value))
	}
	ref := *s.ref
	start := func(resolve func(interface{}, error)) {
		m.store.RequestTransaction(func(tx *opstore.Tx) error {
			t, err := tx.GetType(ref)
			if err != nil {
				resolve(nil, err)
				return err
			}
			resolve(t, nil)
			return nil
		}).Then(func(_ struct{}, err error) {
			if err != nil {
				resolve(nil, err)
			}
		})
	}
	f := opstore.Lazy(start)
	if !lazy {
		f.Done()
	}
	return f
}

// Get returns the value of key. Primitive values and absent keys give an
// already-resolved future (absent resolves to nil); nested types resolve
// to their instance, such as *Map, in a new transaction.
func (m *Map) Get(key string) (*opstore.Future[interface{}], error) {
	if key == "" {
		return nil, fmt.Errorf("get: %w: key is required", ErrInvalidArgument)
	}
	m.mu.RLock()
	s, ok := m.lookupLocked(key)
	m.mu.RUnlock()
	if !ok {
		return opstore.Resolved[interface{}](nil), nil
	}
	return m.future(s, false), nil
}

// GetPrimitive returns the primitive value of key. Keys holding nested
// types report false.
func (m *Map) GetPrimitive(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.lookupLocked(key)
	if !ok || s.ref != nil {
		return nil, false
	}
	return copyValue(s.value), true
}

// Primitives returns a copy of every primitive key/value. Keys holding
// nested types are excluded.
func (m *Map) Primitives() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]interface{}{}
	for _, key := range m.keysLocked() {
		if s, _ := m.lookupLocked(key); s.ref == nil {
			out[key] = copyValue(s.value)
		}
	}
	return out
}

// Has indicates key currently has a value.
func (m *Map) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lookupLocked(key)
	return ok
}

// Keys returns the keys that currently have a value, sorted.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keysLocked()
}

// Len returns the number of keys that currently have a value.
func (m *Map) Len() int {
	return len(m.Keys())
}

// Set stores value under key and returns a future of the stored value.
//
// If value is a type descriptor such as MapType, a new nested instance is
// created in a transaction and the future resolves to it once applied.
// Otherwise the write is visible, and observers are notified, before Set
// returns; the store confirms it later without a second event.
func (m *Map) Set(key string, value interface{}) (*opstore.Future[interface{}], error) {
	if key == "" {
		return nil, fmt.Errorf("set: %w: key is required", ErrInvalidArgument)
	}
	if f, ok := value.(opstore.TypeFactory); ok {
		return m.setType(key, f), nil
	}

	insert := &opstore.Operation{
		Kind:      opstore.KindInsert,
		Parent:    m.id,
		ParentSub: key,
		Content:   copyValue(value),
	}
	m.emitMu.Lock()
	m.mu.Lock()
	before, had := m.lookupLocked(key)
	if had {
		insert.Right = &before.id
	}
	// assigned after reading the winner, so the insert orders after it
	insert.ID = m.store.NextID()
	m.pending = append(m.pending, insert)
	ev, _ := m.diffEventLocked(key, before, had)
	m.mu.Unlock()
	m.emitLocked([]Event{ev})

	m.submit(insert)
	return opstore.Resolved(value), nil
}

func (m *Map) setType(key string, f opstore.TypeFactory) *opstore.Future[interface{}] {
	m.store.RegisterType(f)
	fut := opstore.NewFuture[interface{}]()
	m.store.RequestTransaction(func(tx *opstore.Tx) error {
		typeID, err := f.Create(tx)
		if err != nil {
			return fmt.Errorf("create %s: %w", f.Name(), err)
		}
		t, err := tx.GetType(typeID)
		if err != nil {
			return err
		}
		insert := &opstore.Operation{
			ID:        tx.NextID(),
			Kind:      opstore.KindInsert,
			Parent:    m.id,
			ParentSub: key,
			OpContent: &typeID,
		}
		m.mu.RLock()
		if before, had := m.lookupLocked(key); had {
			insert.Right = &before.id
		}
		m.mu.RUnlock()
		if err := tx.ApplyCreatedOperations(insert); err != nil {
			return err
		}
		fut.Resolve(t, nil)
		return nil
	}).Then(func(_ struct{}, err error) {
		if err != nil {
			fut.Resolve(nil, err)
		}
	})
	return fut
}

// Delete removes key. It does nothing if key has no value. Like Set, the
// removal is visible and observed before Delete returns.
func (m *Map) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("delete: %w: key is required", ErrInvalidArgument)
	}
	m.emitMu.Lock()
	m.mu.Lock()
	before, had := m.lookupLocked(key)
	if !had {
		m.mu.Unlock()
		m.emitMu.Unlock()
		return nil
	}
	del := &opstore.Operation{
		ID:     m.store.NextID(),
		Kind:   opstore.KindDelete,
		Target: before.id,
		Key:    key,
	}
	m.pending = append(m.pending, del)
	ev, _ := m.diffEventLocked(key, before, had)
	m.mu.Unlock()
	m.emitLocked([]Event{ev})

	m.submit(del)
	return nil
}

// emitLocked notifies observers and releases emitMu.
func (m *Map) emitLocked(events []Event) {
	defer m.emitMu.Unlock()
	m.handler.call(events)
}

// submit applies a pending local write. If the transaction fails the write
// is withdrawn and observers are told about the resulting change.
func (m *Map) submit(op *opstore.Operation) {
	m.store.RequestTransaction(func(tx *opstore.Tx) error {
		return tx.ApplyCreatedOperations(op)
	}).Then(func(_ struct{}, err error) {
		if err == nil {
			return
		}
		key := op.ParentSub
		if op.Kind == opstore.KindDelete {
			key = op.Key
		}
		m.emitMu.Lock()
		defer m.emitMu.Unlock()
		m.mu.Lock()
		before, had := m.lookupLocked(key)
		if !m.confirmLocked(op.ID) {
			m.mu.Unlock()
			return
		}
		ev, changed := m.diffEventLocked(key, before, had)
		m.mu.Unlock()
		if changed {
			m.handler.call([]Event{ev})
		}
	})
}

// confirmLocked removes the pending write with the given ID, reporting
// whether there was one.
func (m *Map) confirmLocked(id opstore.ID) bool {
	for i, op := range m.pending {
		if op.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}

// diffEventLocked describes how the visible content of key differs from
// before. Content is compared by the identity of the operation providing
// it, so rewriting an equal value is still an update.
func (m *Map) diffEventLocked(key string, before slot, had bool) (Event, bool) {
	after, has := m.lookupLocked(key)
	if had == has && (!had || before.id == after.id) {
		return Event{}, false
	}
	ev := Event{Name: key, Object: m}
	switch {
	case !had:
		ev.Type = EventAdd
	case !has:
		ev.Type = EventDelete
		ev.OldValue = m.future(before, true)
	default:
		ev.Type = EventUpdate
		ev.OldValue = m.future(before, true)
	}
	return ev, true
}

// Changed applies a batch of integrated operations delivered by the store
// and notifies observers of the resulting visible changes, once per batch.
func (m *Map) Changed(tx *opstore.Tx, ops []*opstore.Operation) error {
	for _, op := range ops {
		switch op.Kind {
		case opstore.KindInsert:
		case opstore.KindDelete:
			target, err := tx.GetOperation(op.Target)
			if err != nil {
				return fmt.Errorf("%s: resolve key: %w", m, err)
			}
			op.Key = target.ParentSub
		default:
			return fmt.Errorf("%s: %s: %w", m, op, opstore.ErrUnexpectedOperation)
		}
	}

	var events []Event
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	for _, op := range ops {
		key := op.ParentSub
		if op.Kind == opstore.KindDelete {
			key = op.Key
		}
		before, had := m.lookupLocked(key)
		m.confirmLocked(op.ID)
		m.applyLocked(key, op)
		if ev, changed := m.diffEventLocked(key, before, had); changed {
			events = append(events, ev)
		}
	}
	m.mu.Unlock()
	m.handler.call(events)
	return nil
}

// applyLocked updates the authoritative state for one operation. Only the
// winning insert of a key (nil Left) changes it, and a delete only takes
// effect if it targets the current winner.
func (m *Map) applyLocked(key string, op *opstore.Operation) {
	switch op.Kind {
	case opstore.KindInsert:
		if op.Left != nil {
			return
		}
		delete(m.value, key)
		delete(m.reference, key)
		if op.Deleted {
			delete(m.winningOp, key)
			return
		}
		if op.OpContent != nil {
			m.reference[key] = *op.OpContent
		} else {
			m.value[key] = op.Content
		}
		m.winningOp[key] = op.ID
	case opstore.KindDelete:
		if w, ok := m.winningOp[key]; !ok || w != op.Target {
			return
		}
		delete(m.value, key)
		delete(m.reference, key)
		delete(m.winningOp, key)
	}
}

type mapType struct{}

func (mapType) Name() string {
	return mapTypeName
}

func (mapType) Create(tx *opstore.Tx) (opstore.ID, error) {
	id := tx.NextID()
	err := tx.ApplyCreatedOperations(&opstore.Operation{
		ID:       id,
		Kind:     opstore.KindType,
		TypeName: mapTypeName,
	})
	if err != nil {
		return opstore.ID{}, err
	}
	return id, nil
}

// Init rebuilds a map from the store's table of winning inserts.
func (mapType) Init(tx *opstore.Tx, model *opstore.Operation) (opstore.Type, error) {
	m := newMap(tx.Store(), model.ID)
	for name, opID := range tx.Table(model.ID) {
		op, err := tx.GetOperation(opID)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", name, err)
		}
		if op.OpContent != nil {
			m.reference[name] = *op.OpContent
		} else {
			m.value[name] = op.Content
		}
		m.winningOp[name] = opID
	}
	return m, nil
}
