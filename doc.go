/*
Package sharedmap provides a replicated key/value map, a conflict-free
replicated data type (CRDT) that converges to the same contents on every
replica that has seen the same set of writes, regardless of the order they
were delivered in.

Values are either primitives (anything the store's codec can encode, such
as strings, numbers, booleans, byte slices and nested plain maps and
slices) or references to nested shared types, such as another Map.

Uses

- Shared state between collaborating processes or devices that may be
offline for a while

- Configuration or presence maps replicated over a websocket relay (see
transport/ws)

How it works

Every write is an operation with a Lamport ID (a clock and the name of the
replica that made it) that orders after every operation its replica had
seen. Operations are integrated by an opstore.Store, which buffers them
until their dependencies arrive, persists them, and keeps the inserts of
each key in a chain ordered by ID. The head of the chain is the key's
value; a delete only removes the value it was aimed at, so a stale delete
never undoes a newer write.

Local writes

Set and Delete of primitive values take effect immediately: the new value
is visible to Get and reported to observers before the call returns, and
the store's later confirmation of the same write produces no second event.
If a concurrent write from another replica turns out to win, observers are
told when it arrives.

Concurrency

A Map may be used from any goroutine. Observers of one map are called one
batch at a time, in the order of the changes, on the goroutine that caused
the change. They must not block waiting on the store, and must not write to
a map themselves.

Persistence

Operations are stored through an opstore.Persist, which can be kept in
memory, on disk (persist/file, persist/bolt) or in S3 (persist/s3).
Store.Snapshot writes a manifest of the log and returns a Root from which
opstore.Open rebuilds the store.
*/
package sharedmap
