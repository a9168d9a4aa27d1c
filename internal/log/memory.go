package log

import (
	"sync"

	"github.com/synclog/synclog/internal/protocol"
)

// MemoryStore is the default Store. Entries live in insertion order; the
// byID index gives O(1) duplicate detection and meta updates.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	lastAdded uint64
	sent      uint64
	received  uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Entry)}
}

func (s *MemoryStore) Add(action protocol.Action, meta protocol.Meta) (protocol.Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[meta.ID]; dup {
		return protocol.Meta{}, false
	}
	s.lastAdded++
	meta.Added = s.lastAdded
	e := &Entry{Action: action, Meta: meta}
	s.entries = append(s.entries, e)
	s.byID[meta.ID] = e
	return meta, true
}

func (s *MemoryStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

func (s *MemoryStore) Find(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{Action: e.Action, Meta: *e.Meta.Clone()}, true
}

func (s *MemoryStore) ChangeMeta(id string, fn func(*protocol.Meta)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(&e.Meta)
	return true
}

func (s *MemoryStore) RemoveReason(reason string, filter func(protocol.Action, protocol.Meta) bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Meta.HasReason(reason) && (filter == nil || filter(e.Action, e.Meta)) {
			if e.Meta.RemoveReason(reason) {
				delete(s.byID, e.Meta.ID)
				removed = append(removed, Entry{Action: e.Action, Meta: e.Meta})
				continue
			}
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

func (s *MemoryStore) Remove(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	delete(s.byID, id)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return Entry{Action: e.Action, Meta: e.Meta}, true
}

func (s *MemoryStore) Each(fn func(protocol.Action, protocol.Meta) bool) {
	s.mu.RLock()
	snapshot := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		snapshot[i] = Entry{Action: e.Action, Meta: *e.Meta.Clone()}
	}
	s.mu.RUnlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		if !fn(snapshot[i].Action, snapshot[i].Meta) {
			return
		}
	}
}

func (s *MemoryStore) LastAdded() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAdded
}

func (s *MemoryStore) LastSynced() (uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sent, s.received
}

func (s *MemoryStore) SetLastSynced(sent, received uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sent > s.sent {
		s.sent = sent
	}
	if received > s.received {
		s.received = received
	}
}
