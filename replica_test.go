package sharedmap

import (
	"context"
	"sync"
	"testing"

	"github.com/jrhy/sharedmap/opstore"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

// testReplica is a store with a root map whose local operations are
// captured in wire form for delivery to other replicas.
type testReplica struct {
	store *opstore.Store
	m     *Map

	mu   sync.Mutex
	sent [][]byte
}

func newTestReplica(t testing.TB, name string) *testReplica {
	return newTestReplicaWithConfig(t, &opstore.Config{Replica: name})
}

func newTestReplicaWithConfig(t testing.TB, cfg *opstore.Config) *testReplica {
	s := opstore.New(cfg)
	t.Cleanup(s.Close)
	r := &testReplica{store: s}
	s.OnLocalOperations(func(ops []*opstore.Operation) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, op := range ops {
			b, err := opstore.Encode(op)
			if err != nil {
				panic(err)
			}
			r.sent = append(r.sent, b)
		}
	})
	m, err := Root(ctx, s, "test")
	require.NoError(t, err)
	r.m = m
	return r
}

// take returns the operations made since the last call.
func (r *testReplica) take() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := r.sent
	r.sent = nil
	return sent
}

func (r *testReplica) receive(t testing.TB, msgs [][]byte) {
	ops := make([]*opstore.Operation, len(msgs))
	for i, b := range msgs {
		ops[i] = &opstore.Operation{}
		require.NoError(t, opstore.Decode(b, ops[i]))
	}
	_, err := r.store.ApplyRemote(ops).Await(ctx)
	require.NoError(t, err)
}

func (r *testReplica) sync(t testing.TB) {
	require.NoError(t, r.store.Sync(ctx))
}

// link forwards every future local operation of a to b.
func link(t testing.TB, a, b *testReplica) {
	a.store.OnLocalOperations(func(ops []*opstore.Operation) {
		remote := make([]*opstore.Operation, len(ops))
		for i, op := range ops {
			enc, err := opstore.Encode(op)
			if err != nil {
				panic(err)
			}
			remote[i] = &opstore.Operation{}
			if err := opstore.Decode(enc, remote[i]); err != nil {
				panic(err)
			}
		}
		b.store.ApplyRemote(remote)
	})
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(m *Map) *recorder {
	r := &recorder{}
	m.Observe(func(events []Event) {
		r.mu.Lock()
		r.events = append(r.events, events...)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) summary() []string {
	var out []string
	for _, e := range r.all() {
		out = append(out, e.Type.String()+" "+e.Name)
	}
	return out
}

func (r *recorder) oldValues(t testing.TB) []interface{} {
	var out []interface{}
	for _, e := range r.all() {
		if e.OldValue == nil {
			out = append(out, nil)
			continue
		}
		v, err := e.OldValue.Await(ctx)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func requireGet(t testing.TB, m *Map, key string, expected interface{}) {
	t.Helper()
	fut, err := m.Get(key)
	require.NoError(t, err)
	v, err := fut.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, expected, v)
}
