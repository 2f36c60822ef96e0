package graph

import "context"

// Handler receives subscription pushes: the child key (field name or child
// node key) and its current value. Handlers may be invoked more than once
// for the same logical update.
type Handler func(key string, v Value)

// Store is the replicated graph the messaging core writes through.
//
// Contract, matching the substrate this core assumes:
//   - Put acknowledges local durability only, never remote replication.
//   - On is a persistent subscription and may deliver duplicates.
//   - Once is a bounded single read of an eventually-consistent snapshot.
//   - A nil-leaf value (Tombstone) signals logical deletion.
//   - No ordering is guaranteed across peers; merge is last-write-wins
//     per leaf.
type Store interface {
	// Put writes v at path. A NodeMap is written field by field under the
	// path's soul; a Leaf is written as a field of the parent node.
	Put(ctx context.Context, p Path, v Value) error

	// Once reads the current value at path. The boolean is false when
	// nothing (or only tombstones) exists there.
	Once(ctx context.Context, p Path) (Value, bool, error)

	// On subscribes to every write at or directly below path. The returned
	// cancel func must always be called to release the subscription.
	On(p Path, h Handler) (cancel func())

	// Children iterates the child nodes and fields below path once.
	Children(ctx context.Context, p Path) (map[string]Value, error)

	// Delete tombstones the node or field at path.
	Delete(ctx context.Context, p Path) error
}
