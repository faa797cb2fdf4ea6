// Package bolt stores operations and manifests in a bbolt database, one
// bucket per store.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned by Load for names that were never stored.
var ErrNotFound = errors.New("not found")

// DefaultBucket is used when no bucket name is given.
const DefaultBucket = "operations"

// Persist implements the opstore.Persist interface on a bucket of a bbolt
// database.
type Persist struct {
	db     *bbolt.DB
	bucket []byte
}

// Options configures Open.
type Options struct {
	// Bucket defaults to DefaultBucket.
	Bucket string
	// NoSync trades durability for speed, usually for testing.
	NoSync bool
}

// Open opens or creates the database at path.
func Open(path string, opt Options) (*Persist, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.NoSync = opt.NoSync
	db, err := bbolt.Open(path, 0o666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	p, err := New(db, opt.Bucket)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// New uses a bucket of an already-open database, creating it if needed.
// Several stores can share a database with different buckets.
func New(db *bbolt.DB, bucket string) (*Persist, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	p := &Persist{db: db, bucket: []byte(bucket)}
	err := db.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(p.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bolt create bucket %s: %w", bucket, err)
	}
	return p, nil
}

// Load returns a copy of the bytes stored under name.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	var b []byte
	err := p.db.View(func(btx *bbolt.Tx) error {
		v := btx.Bucket(p.bucket).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("load %s: %w", name, ErrNotFound)
		}
		b = append([]byte(nil), v...)
		return nil
	})
	return b, err
}

// Store saves b under name unless something is stored there already.
// Concurrent stores are batched into shared write transactions.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	key := []byte(name)
	err := p.db.Batch(func(btx *bbolt.Tx) error {
		bucket := btx.Bucket(p.bucket)
		if bucket.Get(key) != nil {
			return nil
		}
		return bucket.Put(key, b)
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying database.
func (p *Persist) Close() error {
	return p.db.Close()
}
