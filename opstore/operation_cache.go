package opstore

import lru "github.com/hashicorp/golang-lru"

// OperationCache caches decoded operation bodies loaded from a Persist.
// Keys are IDs, so it should not be shared between stores.
type OperationCache interface {
	// Add adds a freshly-persisted operation to the cache.
	Add(key, value interface{})
	// Contains indicates the operation with the given key is cached.
	Contains(key interface{}) bool
	// Get retrieves the already-decoded operation with the given ID, if cached.
	Get(key interface{}) (value interface{}, ok bool)
}

// DefaultOperationCacheSize is used when Config.OperationCache is nil.
const DefaultOperationCacheSize = 1024

// NewOperationCache creates a new LRU-based operation cache of the given size.
func NewOperationCache(size int) OperationCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}
