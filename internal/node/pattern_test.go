package node

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathMatcher(t *testing.T) {
	m := newPathMatcher("user/:id/posts/:post")

	params, ok := m.Match("user/10/posts/42")
	require.True(t, ok)
	assert.Equal(t, "10", params["id"])
	assert.Equal(t, "42", params["post"])

	_, ok = m.Match("user/10")
	assert.False(t, ok)
	_, ok = m.Match("group/10/posts/42")
	assert.False(t, ok)
}

func TestPathMatcherLiteral(t *testing.T) {
	m := newPathMatcher("news")
	params, ok := m.Match("news")
	require.True(t, ok)
	assert.Empty(t, params)
	_, ok = m.Match("news/latest")
	assert.False(t, ok)
}

func TestRegexMatcher(t *testing.T) {
	m := newRegexMatcher(regexp.MustCompile(`^room/(?P<id>\d+)$`))

	params, ok := m.Match("room/7")
	require.True(t, ok)
	assert.Equal(t, "7", params["id"])

	_, ok = m.Match("room/seven")
	assert.False(t, ok)
}

func TestChannelRegistrationOrder(t *testing.T) {
	table := newTypeTable()
	first := &ChannelCallbacks{Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil }}
	second := &ChannelCallbacks{Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return false, nil }}
	table.addChannel(newPathMatcher("user/:id"), first)
	table.addChannel(newPathMatcher("user/admin"), second)

	cb, params, ok := table.matchChannel("user/admin")
	require.True(t, ok)
	assert.Same(t, first, cb, "first registered matcher wins")
	assert.Equal(t, "admin", params["id"])
}

func TestOtherChannelFallback(t *testing.T) {
	table := newTypeTable()
	fallback := &ChannelCallbacks{Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil }}
	table.setOtherChannel(fallback)

	cb, _, ok := table.matchChannel("anything/at/all")
	require.True(t, ok)
	assert.Same(t, fallback, cb)
}

func TestDuplicateTypePanics(t *testing.T) {
	table := newTypeTable()
	proc := &Processor{Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil }}
	table.addType("A", proc)
	assert.Panics(t, func() { table.addType("A", proc) })
	assert.Panics(t, func() { table.addType("B", &Processor{}) }, "access is mandatory")
}

func TestTypeLookupOrder(t *testing.T) {
	table := newTypeTable()
	exact := &Processor{Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil }}
	rx := &Processor{Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil }}
	other := &Processor{Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil }}
	table.addType("user/rename", exact)
	table.addRegex(regexp.MustCompile(`^user/`), rx)
	table.setOther(other)

	assert.Same(t, exact, table.lookup("user/rename"))
	assert.Same(t, rx, table.lookup("user/delete"))
	assert.Same(t, other, table.lookup("billing/charge"))
}
