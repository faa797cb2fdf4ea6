package opstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// entry is the in-memory index of an integrated operation: what conflict
// ordering and delivery need without loading the body.
type entry struct {
	kind     Kind
	typeName string
	parent   ID
	sub      string
	left     *ID
	deleted  bool
}

func (s *Store) apply(tx *Tx, ops []*Operation, local bool) error {
	if err := s.check(ops); err != nil {
		return err
	}
	var integrated []*Operation
	for _, op := range ops {
		done, err := s.integrate(tx.ctx, op)
		integrated = append(integrated, done...)
		if err != nil {
			// what was integrated is recorded and will not be redelivered
			if local {
				s.notifyLocal(s.knownOnly(ops))
			}
			if derr := s.deliver(tx, integrated); derr != nil {
				return errors.Join(err, derr)
			}
			return err
		}
	}
	if local {
		s.notifyLocal(ops)
	}
	return s.deliver(tx, integrated)
}

// check rejects a batch holding an operation that could never be
// integrated, before any of the batch is.
func (s *Store) check(ops []*Operation) error {
	kinds := map[ID]Kind{}
	for _, op := range ops {
		switch op.Kind {
		case KindType, KindInsert:
		case KindDelete:
			k, ok := kinds[op.Target]
			if !ok {
				if e, known := s.known[op.Target]; known {
					k, ok = e.kind, true
				}
			}
			if ok && k != KindInsert {
				return fmt.Errorf("%s targets a %s: %w", op, k, ErrUnexpectedOperation)
			}
		default:
			return fmt.Errorf("integrate %s: %w", op, ErrUnexpectedOperation)
		}
		if _, ok := kinds[op.ID]; !ok {
			kinds[op.ID] = op.Kind
		}
	}
	return nil
}

func (s *Store) knownOnly(ops []*Operation) []*Operation {
	var out []*Operation
	for _, op := range ops {
		if _, ok := s.known[op.ID]; ok {
			out = append(out, op)
		}
	}
	return out
}

func (s *Store) ready(op *Operation) bool {
	for _, dep := range op.dependencies() {
		if _, ok := s.known[dep]; !ok {
			return false
		}
	}
	return true
}

// integrate integrates op if its dependencies are known, followed by any
// buffered operations that become ready. It returns views of everything
// integrated, in order.
func (s *Store) integrate(ctx context.Context, op *Operation) ([]*Operation, error) {
	if _, ok := s.known[op.ID]; ok {
		return nil, nil
	}
	if !s.ready(op) {
		for _, p := range s.pending {
			if p.ID == op.ID {
				return nil, nil
			}
		}
		s.log.Debug("buffering operation until its dependencies arrive", zap.Stringer("op", op))
		s.pending = append(s.pending, op.Clone())
		return nil, nil
	}
	first, err := s.integrateOne(ctx, op)
	if err != nil {
		return nil, err
	}
	out := []*Operation{first}
	for progress := true; progress && len(s.pending) > 0; {
		progress = false
		var waiting []*Operation
		for i, p := range s.pending {
			if _, ok := s.known[p.ID]; ok {
				continue
			}
			if !s.ready(p) {
				waiting = append(waiting, p)
				continue
			}
			view, err := s.integrateOne(ctx, p)
			if err != nil {
				s.log.Warn("dropping buffered operation", zap.Stringer("op", p), zap.Error(err))
				s.pending = append(waiting, s.pending[i+1:]...)
				return out, err
			}
			out = append(out, view)
			progress = true
		}
		s.pending = waiting
	}
	return out, nil
}

func (s *Store) integrateOne(ctx context.Context, op *Operation) (*Operation, error) {
	e := &entry{kind: op.Kind}
	switch op.Kind {
	case KindType:
		e.typeName = op.TypeName
	case KindInsert:
		e.parent, e.sub = op.Parent, op.ParentSub
	case KindDelete:
		target := s.known[op.Target]
		if target.kind != KindInsert {
			return nil, fmt.Errorf("%s targets a %s: %w", op, target.kind, ErrUnexpectedOperation)
		}
		e.parent, e.sub = target.parent, target.sub
	default:
		return nil, fmt.Errorf("integrate %s: %w", op, ErrUnexpectedOperation)
	}

	body := op.Clone()
	body.Left, body.Deleted, body.Key = nil, false, ""
	b, err := s.marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op.ID, err)
	}
	if err := s.persist.Store(ctx, op.ID.String(), b); err != nil {
		return nil, fmt.Errorf("persist store %s: %w", op.ID, err)
	}
	s.cache.Add(op.ID, body)

	s.known[op.ID] = e
	s.order = append(s.order, op.ID)
	s.observeClock(op.ID.Clock)

	switch op.Kind {
	case KindInsert:
		s.link(op.ID, e)
	case KindDelete:
		s.known[op.Target].deleted = true
	}
	return s.view(op.ID, body), nil
}

// link places an insert into its key's chain, which is kept in descending
// ID order. The head of the chain is the key's winning insert and has a nil
// Left; every other entry's Left is its predecessor.
func (s *Store) link(id ID, e *entry) {
	subs := s.chains[e.parent]
	if subs == nil {
		subs = map[string][]ID{}
		s.chains[e.parent] = subs
	}
	chain := subs[e.sub]
	i := sort.Search(len(chain), func(i int) bool {
		return chain[i].Compare(id) < 0
	})
	chain = append(chain, ID{})
	copy(chain[i+1:], chain[i:])
	chain[i] = id
	subs[e.sub] = chain

	if i > 0 {
		e.left = idPtr(chain[i-1])
	}
	if i+1 < len(chain) {
		s.known[chain[i+1]].left = idPtr(id)
	}
}

func (s *Store) view(id ID, body *Operation) *Operation {
	v := body.Clone()
	v.Left, v.Deleted = nil, false
	if e, ok := s.known[id]; ok {
		if e.left != nil {
			v.Left = idPtr(*e.left)
		}
		v.Deleted = e.deleted
	}
	return v
}

func (s *Store) getOperation(ctx context.Context, id ID) (*Operation, error) {
	if _, ok := s.known[id]; !ok {
		return nil, fmt.Errorf("get operation %s: %w", id, ErrUnknownOperation)
	}
	if cached, ok := s.cache.Get(id); ok {
		return s.view(id, cached.(*Operation)), nil
	}
	b, err := s.persist.Load(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("persist load %s: %w", id, err)
	}
	var body Operation
	if err := s.unmarshal(b, &body); err != nil {
		return nil, fmt.Errorf("unmarshaling %s: %w", id, err)
	}
	s.cache.Add(id, &body)
	return s.view(id, &body), nil
}

// deliver hands integrated inserts and deletes to the types they affect,
// one batch per parent type, in integration order. Left and Deleted reflect
// the state after the whole batch was integrated.
func (s *Store) deliver(tx *Tx, ops []*Operation) error {
	var parents []ID
	groups := map[ID][]*Operation{}
	for _, op := range ops {
		if op.Kind != KindInsert && op.Kind != KindDelete {
			continue
		}
		parent := s.known[op.ID].parent
		if _, ok := groups[parent]; !ok {
			parents = append(parents, parent)
		}
		groups[parent] = append(groups[parent], s.view(op.ID, op))
	}
	for _, parent := range parents {
		t, ok := s.types[parent]
		if !ok {
			continue
		}
		if err := t.Changed(tx, groups[parent]); err != nil {
			return fmt.Errorf("deliver to %s: %w", parent, err)
		}
	}
	return nil
}
