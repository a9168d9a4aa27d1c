// Package log implements the append-only action log the server node is
// built around. Storage is behind the Store contract; the default is the
// in-memory store.
package log

import "github.com/synclog/synclog/internal/protocol"

// Entry is one stored (action, meta) pair.
type Entry struct {
	Action protocol.Action
	Meta   protocol.Meta
}

// Store is the persistence contract for the log.
//
// Implementations must reject duplicate action IDs and keep the `added`
// insertion index monotonically increasing.
type Store interface {
	// Add inserts an entry and assigns meta.Added. Returns false when an
	// entry with the same meta.ID already exists.
	Add(action protocol.Action, meta protocol.Meta) (protocol.Meta, bool)

	// Has reports whether an entry with the given action ID exists.
	Has(id string) bool

	// Find returns the entry with the given action ID.
	Find(id string) (Entry, bool)

	// ChangeMeta applies fn to the stored meta of the entry with the given
	// ID. Returns false when no such entry exists.
	ChangeMeta(id string, fn func(*protocol.Meta)) bool

	// RemoveReason strips a retention reason from all entries accepted by
	// the filter and removes entries left without reasons, returning them.
	// A nil filter accepts everything.
	RemoveReason(reason string, filter func(protocol.Action, protocol.Meta) bool) []Entry

	// Remove deletes the entry with the given action ID.
	Remove(id string) (Entry, bool)

	// Each iterates entries from newest to oldest insertion order until fn
	// returns false.
	Each(fn func(protocol.Action, protocol.Meta) bool)

	// LastAdded returns the highest assigned insertion index.
	LastAdded() uint64

	// LastSynced returns the insertion indexes last synchronized out and in.
	LastSynced() (sent, received uint64)

	// SetLastSynced records synchronization progress. Zero values are
	// ignored so either side can be advanced independently.
	SetLastSynced(sent, received uint64)
}
