package bolt

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jrhy/sharedmap"
	"github.com/jrhy/sharedmap/opstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

var ctx = context.Background()

func TestStoreLoad(t *testing.T) {
	t.Parallel()
	p, err := Open(filepath.Join(t.TempDir(), "ops.db"), Options{NoSync: true})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Store(ctx, "1@a", []byte("one")))
	require.NoError(t, p.Store(ctx, "1@a", []byte("ignored")))
	b, err := p.Load(ctx, "1@a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), b)

	_, err = p.Load(ctx, "2@a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentStores(t *testing.T) {
	t.Parallel()
	p, err := Open(filepath.Join(t.TempDir(), "ops.db"), Options{NoSync: true})
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := opstore.ID{Clock: uint64(i + 1), Replica: "a"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Store(ctx, id.String(), []byte(id.String())))
		}()
	}
	wg.Wait()
	for i := 0; i < 50; i++ {
		id := opstore.ID{Clock: uint64(i + 1), Replica: "a"}
		b, err := p.Load(ctx, id.String())
		require.NoError(t, err)
		require.Equal(t, id.String(), string(b))
	}
}

func TestSharedDatabase(t *testing.T) {
	t.Parallel()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "shared.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()
	first, err := New(db, "first")
	require.NoError(t, err)
	second, err := New(db, "second")
	require.NoError(t, err)

	require.NoError(t, first.Store(ctx, "k", []byte("1")))
	_, err = second.Load(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReopenMap(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "map.db")
	p, err := Open(path, Options{})
	require.NoError(t, err)
	s := opstore.New(&opstore.Config{Replica: "a", Persist: p})
	m, err := sharedmap.Root(ctx, s, "doc")
	require.NoError(t, err)
	_, err = m.Set("n", 3.5)
	require.NoError(t, err)
	require.NoError(t, m.Delete("n"))
	_, err = m.Set("s", "kept")
	require.NoError(t, err)
	require.NoError(t, s.Sync(ctx))
	root, err := s.Snapshot(ctx)
	require.NoError(t, err)
	s.Close()
	require.NoError(t, p.Close())

	p, err = Open(path, Options{})
	require.NoError(t, err)
	defer p.Close()
	reopened, err := opstore.Open(ctx, root, &opstore.Config{Persist: p})
	require.NoError(t, err)
	defer reopened.Close()
	m, err = sharedmap.Root(ctx, reopened, "doc")
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"s": "kept"}, m.Primitives())
}
