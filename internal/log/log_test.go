package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclog/synclog/internal/protocol"
)

func testClock() Clock {
	now := int64(0)
	return func() int64 {
		now++
		return now
	}
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	_, ok := s.Add(protocol.Action{"type": "A"}, protocol.Meta{ID: "1 server:x 0", Reasons: []string{"test"}})
	require.True(t, ok)
	_, ok = s.Add(protocol.Action{"type": "B"}, protocol.Meta{ID: "1 server:x 0", Reasons: []string{"test"}})
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.LastAdded())
}

func TestMemoryStoreRemoveReason(t *testing.T) {
	s := NewMemoryStore()
	s.Add(protocol.Action{"type": "A"}, protocol.Meta{ID: "1 server:x 0", Reasons: []string{"one"}})
	s.Add(protocol.Action{"type": "B"}, protocol.Meta{ID: "2 server:x 0", Reasons: []string{"one", "two"}})

	removed := s.RemoveReason("one", nil)
	require.Len(t, removed, 1)
	assert.Equal(t, "A", removed[0].Action.Type())
	assert.False(t, s.Has("1 server:x 0"))
	assert.True(t, s.Has("2 server:x 0"))

	e, ok := s.Find("2 server:x 0")
	require.True(t, ok)
	assert.Equal(t, []string{"two"}, e.Meta.Reasons)
}

func TestMemoryStoreEachDuringMetaChanges(t *testing.T) {
	s := NewMemoryStore()
	s.Add(protocol.Action{"type": "A"}, protocol.Meta{ID: "1 server:x 0", Reasons: []string{"test"}})
	s.Add(protocol.Action{"type": "B"}, protocol.Meta{ID: "2 server:x 0", Reasons: []string{"test"}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s.ChangeMeta("1 server:x 0", func(m *protocol.Meta) {
				m.Status = "processed"
				m.Channels = append(m.Channels[:0], "room/1")
			})
		}
	}()

	for i := 0; i < 500; i++ {
		s.Each(func(a protocol.Action, m protocol.Meta) bool {
			_ = m.Status
			_ = len(m.Channels)
			return true
		})
	}
	<-done
}

func TestLogGeneratesUniqueIDs(t *testing.T) {
	clock := func() int64 { return 5 }
	l := New(NewMemoryStore(), "server:rand", clock)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		id := l.GenerateID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.True(t, seen["5 server:rand 0"])
	assert.True(t, seen["5 server:rand 9"])
}

func TestLogAddFiresEvents(t *testing.T) {
	l := New(NewMemoryStore(), "server:rand", testClock())

	var order []string
	l.SetHandlers(Handlers{
		Preadd: func(a protocol.Action, m *protocol.Meta) {
			order = append(order, "preadd")
			m.AddReason("test")
		},
		Add:   func(a protocol.Action, m protocol.Meta) { order = append(order, "add") },
		Clean: func(a protocol.Action, m protocol.Meta) { order = append(order, "clean") },
	})

	meta := l.Add(protocol.Action{"type": "A"}, nil)
	require.NotNil(t, meta)
	assert.Equal(t, []string{"preadd", "add"}, order)
	assert.NotZero(t, meta.Added)
	assert.NotEmpty(t, meta.ID)
	assert.NotZero(t, meta.Time)

	l.RemoveReason("test", nil)
	assert.Equal(t, []string{"preadd", "add", "clean"}, order)
}

func TestLogAddDuplicateReturnsNil(t *testing.T) {
	l := New(NewMemoryStore(), "server:rand", testClock())
	l.SetHandlers(Handlers{
		Preadd: func(a protocol.Action, m *protocol.Meta) { m.AddReason("test") },
	})

	first := l.Add(protocol.Action{"type": "A"}, &protocol.Meta{ID: "1 10:uuid 0"})
	require.NotNil(t, first)
	second := l.Add(protocol.Action{"type": "A"}, &protocol.Meta{ID: "1 10:uuid 0"})
	assert.Nil(t, second)
}

func TestLogAddWithoutReasonsIsNotStored(t *testing.T) {
	l := New(NewMemoryStore(), "server:rand", testClock())

	var cleaned bool
	l.SetHandlers(Handlers{
		Clean: func(a protocol.Action, m protocol.Meta) { cleaned = true },
	})

	meta := l.Add(protocol.Action{"type": "A"}, nil)
	require.NotNil(t, meta)
	assert.True(t, cleaned)
	assert.False(t, l.Store().Has(meta.ID))
}

func TestLogTimeFromID(t *testing.T) {
	l := New(NewMemoryStore(), "server:rand", testClock())
	l.SetHandlers(Handlers{
		Preadd: func(a protocol.Action, m *protocol.Meta) { m.AddReason("test") },
	})

	meta := l.Add(protocol.Action{"type": "A"}, &protocol.Meta{ID: "99 10:uuid 0"})
	require.NotNil(t, meta)
	assert.Equal(t, int64(99), meta.Time)
}
