package peer

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestErrorFrameReachesHandler(t *testing.T) {
	p := New(nil, Options{Logger: zerolog.Nop()})

	var kind, msg string
	p.SetHandlers(Handlers{OnError: func(k, m string) { kind, msg = k, m }})

	cont := p.handleFrame([]byte(`["error", "timeout", "A timeout was reached"]`))
	assert.False(t, cont)
	assert.Equal(t, "timeout", kind)
	assert.Equal(t, "A timeout was reached", msg)
}

func TestErrorFrameWithoutMessage(t *testing.T) {
	p := New(nil, Options{Logger: zerolog.Nop()})

	var called bool
	var kind string
	p.SetHandlers(Handlers{OnError: func(k, m string) { called, kind = true, k }})

	cont := p.handleFrame([]byte(`["error", "wrong-format"]`))
	assert.False(t, cont)
	assert.True(t, called)
	assert.Equal(t, "wrong-format", kind)
}
