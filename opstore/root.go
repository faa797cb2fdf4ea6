package opstore

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/minio/blake2b-simd"
	"go.uber.org/zap"
)

// Root identifies a version of a store's operation log whose operations
// and manifest are accessible in the persistent store.
type Root struct {
	// Link names the manifest: the blake2b-256 of its content.
	Link    string
	Replica string
	Clock   uint64
	Size    uint64
}

// Snapshot writes a manifest of every integrated operation, in integration
// order, and returns a Root from which Open can rebuild the store.
func (s *Store) Snapshot(ctx context.Context) (*Root, error) {
	var root *Root
	err := s.Transact(ctx, func(tx *Tx) error {
		encoded := marshalManifest(s.order)
		hashBytes := blake2b.Sum256(encoded)
		link := base64.RawURLEncoding.EncodeToString(hashBytes[:])
		if err := s.persist.Store(ctx, link, encoded); err != nil {
			return fmt.Errorf("persist store manifest: %w", err)
		}
		root = &Root{
			Link:    link,
			Replica: s.replica,
			Clock:   s.clock.Load(),
			Size:    uint64(len(s.order)),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return root, nil
}

// Open starts a store and replays the log recorded by root. Types are
// materialized again on demand from the rebuilt key tables. cfg.Replica
// defaults to the replica that made the snapshot.
func Open(ctx context.Context, root *Root, cfg *Config) (*Store, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Replica == "" {
		c.Replica = root.Replica
	}
	s := New(&c)
	err := s.Transact(ctx, func(tx *Tx) error {
		encoded, err := s.persist.Load(ctx, root.Link)
		if err != nil {
			return fmt.Errorf("persist load manifest %s: %w", root.Link, err)
		}
		hashBytes := blake2b.Sum256(encoded)
		if link := base64.RawURLEncoding.EncodeToString(hashBytes[:]); link != root.Link {
			return fmt.Errorf("manifest %s has content hash %s", root.Link, link)
		}
		ids, err := unmarshalManifest(encoded)
		if err != nil {
			return err
		}
		if uint64(len(ids)) != root.Size {
			return fmt.Errorf("manifest %s has %d entries, root says %d", root.Link, len(ids), root.Size)
		}
		for _, id := range ids {
			b, err := s.persist.Load(ctx, id.String())
			if err != nil {
				return fmt.Errorf("persist load %s: %w", id, err)
			}
			var op Operation
			if err := s.unmarshal(b, &op); err != nil {
				return fmt.Errorf("unmarshaling %s: %w", id, err)
			}
			if _, err := s.integrate(ctx, &op); err != nil {
				return fmt.Errorf("replay %s: %w", id, err)
			}
		}
		s.observeClock(root.Clock)
		s.log.Info("replayed operation log", zap.String("link", root.Link), zap.Int("operations", len(ids)))
		return nil
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open: %w", err)
	}
	return s, nil
}

// VersionVector summarizes a set of operations by the highest clock seen
// from each replica.
type VersionVector map[string]uint64

// Covers indicates the operation with the given ID is summarized by vv.
func (vv VersionVector) Covers(id ID) bool {
	return id.Clock <= vv[id.Replica]
}

// VersionVector returns the summary of every operation integrated so far.
func (s *Store) VersionVector(ctx context.Context) (VersionVector, error) {
	vv := VersionVector{}
	err := s.Transact(ctx, func(tx *Tx) error {
		for _, id := range s.order {
			if id.Clock > vv[id.Replica] {
				vv[id.Replica] = id.Clock
			}
		}
		return nil
	})
	return vv, err
}

// OperationsSince returns, in integration order, the operations not
// covered by vv. Root definitions are never included. A nil vv returns the
// whole log.
func (s *Store) OperationsSince(ctx context.Context, vv VersionVector) ([]*Operation, error) {
	var ops []*Operation
	err := s.Transact(ctx, func(tx *Tx) error {
		for _, id := range s.order {
			if id.IsRoot() || vv.Covers(id) {
				continue
			}
			op, err := tx.GetOperation(id)
			if err != nil {
				return err
			}
			op.Left, op.Deleted = nil, false
			ops = append(ops, op)
		}
		return nil
	})
	return ops, err
}
