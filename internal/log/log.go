package log

import (
	"fmt"
	"sync"

	"github.com/synclog/synclog/internal/protocol"
)

// Clock is the log's time source, returning milliseconds. Tests inject a
// deterministic one.
type Clock func() int64

// Handlers are the three ordered log events the node core hooks into.
//
// Preadd runs synchronously inside Add and may mutate meta before the entry
// is stored. Add fires after the entry was inserted. Clean fires when an
// entry loses its last retention reason (or never had one).
type Handlers struct {
	Preadd func(protocol.Action, *protocol.Meta)
	Add    func(protocol.Action, protocol.Meta)
	Clean  func(protocol.Action, protocol.Meta)
}

// Log owns a Store and stamps entries with unique IDs and logical times.
type Log struct {
	store    Store
	nodeID   string
	clock    Clock
	handlers Handlers

	mu       sync.Mutex
	lastTime int64
	sequence int64
}

// New creates a log bound to a store and a node identity.
func New(store Store, nodeID string, clock Clock) *Log {
	return &Log{store: store, nodeID: nodeID, clock: clock}
}

// SetHandlers installs the event hooks. Must be called before Add.
func (l *Log) SetHandlers(h Handlers) { l.handlers = h }

// NodeID returns the log owner's node ID.
func (l *Log) NodeID() string { return l.nodeID }

// Store exposes the underlying store for read paths.
func (l *Log) Store() Store { return l.store }

// GenerateID produces a fresh unique action ID "<counter> <nodeId> <seq>".
// The counter is the logical time; seq disambiguates same-millisecond IDs.
func (l *Log) GenerateID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if now <= l.lastTime {
		now = l.lastTime
		l.sequence++
	} else {
		l.lastTime = now
		l.sequence = 0
	}
	return fmt.Sprintf("%d %s %d", now, l.nodeID, l.sequence)
}

// Add stamps missing meta fields, runs preadd, stores the entry and fires
// the add event. Returns nil meta when the ID is a duplicate.
//
// Entries without retention reasons are dispatched but not stored: add
// fires, then clean, and the entry is gone.
func (l *Log) Add(action protocol.Action, meta *protocol.Meta) *protocol.Meta {
	if meta == nil {
		meta = &protocol.Meta{}
	}
	if meta.ID == "" {
		meta.ID = l.GenerateID()
	}
	if meta.Time == 0 {
		if parsed, ok := protocol.ParseID(meta.ID); ok {
			meta.Time = parsed.Counter
		} else {
			meta.Time = l.clock()
		}
	}

	if l.handlers.Preadd != nil {
		l.handlers.Preadd(action, meta)
	}

	if len(meta.Reasons) == 0 {
		if l.store.Has(meta.ID) {
			return nil
		}
		if l.handlers.Add != nil {
			l.handlers.Add(action, *meta)
		}
		if l.handlers.Clean != nil {
			l.handlers.Clean(action, *meta)
		}
		return meta
	}

	stored, ok := l.store.Add(action, *meta)
	if !ok {
		return nil
	}
	*meta = stored
	if l.handlers.Add != nil {
		l.handlers.Add(action, stored)
	}
	return meta
}

// ChangeMeta applies fn to the stored meta for the given action ID.
func (l *Log) ChangeMeta(id string, fn func(*protocol.Meta)) bool {
	return l.store.ChangeMeta(id, fn)
}

// RemoveReason strips a retention reason and fires clean for every entry
// that lost its last reason.
func (l *Log) RemoveReason(reason string, filter func(protocol.Action, protocol.Meta) bool) {
	for _, e := range l.store.RemoveReason(reason, filter) {
		if l.handlers.Clean != nil {
			l.handlers.Clean(e.Action, e.Meta)
		}
	}
}

// Each iterates stored entries, newest first.
func (l *Log) Each(fn func(protocol.Action, protocol.Meta) bool) {
	l.store.Each(fn)
}
