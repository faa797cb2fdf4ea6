package opstore

import (
	"context"
	"fmt"
)

// Tx is the execution context of a transaction body. It is only valid
// while the body runs, and only on the store's worker goroutine.
type Tx struct {
	s   *Store
	ctx context.Context
}

// Context is canceled when the store is closed.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Store returns the store running the transaction.
func (tx *Tx) Store() *Store {
	return tx.s
}

// NextID is the same as Store.NextID.
func (tx *Tx) NextID() ID {
	return tx.s.NextID()
}

// Known indicates the operation with the given ID has been integrated.
func (tx *Tx) Known(id ID) bool {
	_, ok := tx.s.known[id]
	return ok
}

// ApplyCreatedOperations integrates operations created on this replica,
// assigning IDs to ones that lack them, delivers them to the affected types
// and announces them to OnLocalOperations listeners.
func (tx *Tx) ApplyCreatedOperations(ops ...*Operation) error {
	for _, op := range ops {
		if op.ID.IsZero() {
			op.ID = tx.s.NextID()
		}
	}
	return tx.s.apply(tx, ops, true)
}

// ApplyOperations integrates operations received from other replicas.
func (tx *Tx) ApplyOperations(ops []*Operation) error {
	for _, op := range ops {
		if op.ID.IsZero() {
			return fmt.Errorf("remote %s operation without id: %w", op.Kind, ErrUnexpectedOperation)
		}
	}
	return tx.s.apply(tx, ops, false)
}

// GetOperation resolves an integrated operation. The result is a copy
// carrying the current Left and Deleted state.
func (tx *Tx) GetOperation(id ID) (*Operation, error) {
	return tx.s.getOperation(tx.ctx, id)
}

// GetType materializes the shared type defined by the given operation,
// memoizing the instance for the life of the store.
func (tx *Tx) GetType(id ID) (Type, error) {
	s := tx.s
	if t, ok := s.types[id]; ok {
		return t, nil
	}
	e, ok := s.known[id]
	if !ok {
		return nil, fmt.Errorf("get type %s: %w", id, ErrUnknownOperation)
	}
	if e.kind != KindType {
		return nil, fmt.Errorf("get type %s: %s operation is not a type: %w", id, e.kind, ErrUnknownType)
	}
	f, ok := s.factory(e.typeName)
	if !ok {
		return nil, fmt.Errorf("get type %s: %q: %w", id, e.typeName, ErrUnknownType)
	}
	model, err := tx.GetOperation(id)
	if err != nil {
		return nil, fmt.Errorf("get type %s: %w", id, err)
	}
	t, err := f.Init(tx, model)
	if err != nil {
		return nil, fmt.Errorf("init %s %s: %w", e.typeName, id, err)
	}
	s.types[id] = t
	return t, nil
}

// Table returns, for the given parent type, each key's winning insert.
// Keys whose winning insert has been deleted are omitted.
func (tx *Tx) Table(parent ID) map[string]ID {
	table := map[string]ID{}
	for sub, chain := range tx.s.chains[parent] {
		if len(chain) == 0 {
			continue
		}
		if head := chain[0]; !tx.s.known[head].deleted {
			table[sub] = head
		}
	}
	return table
}

// DefineRoot integrates the definition of the named root type if this
// replica has not done so yet. Root definitions are never announced to
// OnLocalOperations listeners; every replica defines its own.
func (tx *Tx) DefineRoot(name, typeName string) (ID, error) {
	id := RootID(name)
	if e, ok := tx.s.known[id]; ok {
		if e.typeName != typeName {
			return id, fmt.Errorf("root %q is a %s, not a %s: %w", name, e.typeName, typeName, ErrUnknownType)
		}
		return id, nil
	}
	return id, tx.s.apply(tx, []*Operation{{ID: id, Kind: KindType, TypeName: typeName}}, false)
}
