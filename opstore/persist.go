package opstore

import (
	"context"
	"fmt"
	"sync"
)

// Persist is the interface for loading and storing serialized operations and
// manifests. The content stored under a name is immutable (never modified).
type Persist interface {
	// Store makes the given bytes accessible by the given name.
	Store(context.Context, string, []byte) error
	// Load retrieves the previously-stored bytes by the given name.
	Load(context.Context, string) ([]byte, error)
}

type inMemoryPersist struct {
	entries map[string][]byte
	l       sync.Mutex
}

// NewInMemoryPersist provides a Persist that keeps everything in a map,
// usually for testing or for replicas that resync from peers on start.
func NewInMemoryPersist() Persist {
	return &inMemoryPersist{}
}

func (imp *inMemoryPersist) Store(ctx context.Context, key string, value []byte) error {
	imp.l.Lock()
	if imp.entries == nil {
		imp.entries = map[string][]byte{key: value}
	} else {
		imp.entries[key] = value
	}
	imp.l.Unlock()
	return nil
}

func (imp *inMemoryPersist) Load(ctx context.Context, key string) ([]byte, error) {
	imp.l.Lock()
	value, ok := imp.entries[key]
	imp.l.Unlock()
	if !ok {
		return nil, fmt.Errorf("inMemoryPersist entry not found for %s", key)
	}
	return value, nil
}
