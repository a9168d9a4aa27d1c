package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclog/synclog/internal/protocol"
)

type fakePeer struct {
	mu        sync.Mutex
	sub       string
	actions   []Action
	debugs    []string
	protoErrs []string
	closed    bool
}

func (p *fakePeer) SendAction(a Action, m *Meta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, a)
}

func (p *fakePeer) SendDebug(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debugs = append(p.debugs, msg)
}

func (p *fakePeer) ProtocolError(kind, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protoErrs = append(p.protoErrs, kind)
}

func (p *fakePeer) Subprotocol() string { return p.sub }

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) receivedTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.actions))
	for _, a := range p.actions {
		out = append(out, a.Type())
	}
	return out
}

func (p *fakePeer) countType(t string) int {
	n := 0
	for _, cur := range p.receivedTypes() {
		if cur == t {
			n++
		}
	}
	return n
}

func (p *fakePeer) errorKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.protoErrs...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (r *eventRecorder) has(name string) bool { return r.count(name) > 0 }

func newTestServer(t *testing.T) (*Server, *eventRecorder) {
	t.Helper()
	opts := &Options{
		Subprotocol: "1.0.0",
		Supports:    ">=0.1.0",
		ID:          "test",
		Time:        func() int64 { return 1_600_000_000_000 },
	}
	srv, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	srv.Auth(func(req AuthRequest) (bool, error) {
		return req.Credentials != "wrong", nil
	})
	rec := &eventRecorder{}
	srv.OnEvent(rec.record)
	t.Cleanup(srv.Destroy)
	return srv, rec
}

func connect(t *testing.T, srv *Server, nodeID, ip string) (*Client, *fakePeer) {
	t.Helper()
	fp := &fakePeer{sub: "1.0.0"}
	key := fmt.Sprintf("%d", srv.connSeq.Add(1))
	c := newClient(srv, fp, ip, key)
	require.True(t, c.Auth(nodeID, "secret", nil))
	return c, fp
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func logHas(srv *Server, match func(Action, Meta) bool) func() bool {
	return func() bool {
		found := false
		srv.Log().Each(func(a Action, m Meta) bool {
			if match(a, m) {
				found = true
				return false
			}
			return true
		})
		return found
	}
}

func TestHappyPathProcessing(t *testing.T) {
	srv, rec := newTestServer(t)
	srv.Type("A", &Processor{
		Access:  func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
		Process: func(ctx *Context, a Action, m *Meta) error { return nil },
	})

	c, fp := connect(t, srv, "10:uuid", "127.0.0.1")
	assert.True(t, rec.has(EventConnect))
	assert.True(t, rec.has(EventAuthenticated))

	c.OnAction(Action{"type": "A"}, &Meta{ID: "1 10:uuid 0", Time: 1})

	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == protocol.TypeProcessed && a.RefID() == "1 10:uuid 0"
	}), "processed receipt should be appended")
	eventually(t, func() bool { return fp.countType(protocol.TypeProcessed) == 1 },
		"client should receive exactly one receipt")

	assert.True(t, rec.has(EventAdd))
	eventually(t, func() bool { return rec.count(EventProcessed) == 1 },
		"exactly one processed event")

	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == "A" && m.Status == protocol.StatusProcessed
	}), "original action should end up processed")
}

func TestDeniedAction(t *testing.T) {
	srv, rec := newTestServer(t)
	srv.Type("A", &Processor{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) {
			bar, _ := a["bar"].(bool)
			return bar, nil
		},
	})

	c, fp := connect(t, srv, "10:uuid", "127.0.0.1")
	c.OnAction(Action{"type": "A", "bar": true}, &Meta{ID: "1 10:uuid 0", Time: 1})
	c.OnAction(Action{"type": "A", "bar": false}, &Meta{ID: "2 10:uuid 0", Time: 2})

	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == protocol.TypeUndo &&
			a.RefID() == "2 10:uuid 0" &&
			a["reason"] == protocol.ReasonDenied
	}), "denied action should be undone")
	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == protocol.TypeProcessed && a.RefID() == "1 10:uuid 0"
	}), "authorized action should get a receipt")

	assert.True(t, rec.has(EventDenied))
	eventually(t, func() bool { return fp.countType(protocol.TypeUndo) == 1 },
		"client should see its undo")

	denied := false
	srv.Log().Each(func(a Action, m Meta) bool {
		if a.Type() == "A" {
			bar, _ := a["bar"].(bool)
			if !bar {
				denied = true
			}
		}
		return true
	})
	assert.False(t, denied, "denied action must not enter the log")
}

func TestUnknownType(t *testing.T) {
	srv, rec := newTestServer(t)
	c, fp := connect(t, srv, "10:uuid", "127.0.0.1")

	c.OnAction(Action{"type": "UNKNOWN"}, &Meta{ID: "1 10:uuid 0", Time: 1})

	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == protocol.TypeUndo &&
			a.RefID() == "1 10:uuid 0" &&
			a["reason"] == protocol.ReasonUnknownType
	}), "unknown type should be undone")
	assert.True(t, rec.has(EventUnknownType))

	eventually(t, func() bool {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		for _, msg := range fp.debugs {
			if msg == "Action with unknown type UNKNOWN" {
				return true
			}
		}
		return false
	}, "development debug frame should reach the client")
}

func TestSubscribeAndFanout(t *testing.T) {
	srv, rec := newTestServer(t)
	srv.Channel("user/:id", &ChannelCallbacks{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) {
			return ctx.Params["id"] == ctx.UserID, nil
		},
	})

	c, fp := connect(t, srv, "10:uuid", "127.0.0.1")
	c.OnAction(Action{"type": protocol.TypeSubscribe, "channel": "user/10"},
		&Meta{ID: "1 10:uuid 0", Time: 1})

	eventually(t, func() bool { return srv.registry.HasSubscriber("user/10", "10:uuid") },
		"subscription should be recorded")
	assert.True(t, rec.has(EventSubscribed))

	srv.Log().Add(Action{"type": "X"}, &Meta{Channels: []string{"user/10"}})
	eventually(t, func() bool { return fp.countType("X") == 1 },
		"subscriber should receive channel actions")

	c.OnAction(Action{"type": protocol.TypeUnsubscribe, "channel": "user/10"},
		&Meta{ID: "2 10:uuid 0", Time: 2})
	eventually(t, func() bool { return !srv.registry.HasSubscriber("user/10", "10:uuid") },
		"unsubscribe should prune the channel")
	assert.True(t, rec.has(EventUnsubscribed))
	assert.Empty(t, srv.SubscribedChannels())
}

func TestSubscribeDeniedForForeignChannel(t *testing.T) {
	srv, rec := newTestServer(t)
	srv.Channel("user/:id", &ChannelCallbacks{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) {
			return ctx.Params["id"] == ctx.UserID, nil
		},
	})

	c, _ := connect(t, srv, "10:uuid", "127.0.0.1")
	c.OnAction(Action{"type": protocol.TypeSubscribe, "channel": "user/99"},
		&Meta{ID: "1 10:uuid 0", Time: 1})

	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == protocol.TypeUndo && a["reason"] == protocol.ReasonDenied
	}), "denied subscription should be undone")
	assert.True(t, rec.has(EventDenied))
	assert.False(t, srv.registry.HasSubscriber("user/99", "10:uuid"))
}

func TestWrongChannel(t *testing.T) {
	srv, rec := newTestServer(t)
	c, _ := connect(t, srv, "10:uuid", "127.0.0.1")

	c.OnAction(Action{"type": protocol.TypeSubscribe, "channel": "nowhere"},
		&Meta{ID: "1 10:uuid 0", Time: 1})

	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == protocol.TypeUndo && a["reason"] == protocol.ReasonWrongChannel
	}), "unmatched channel should be undone")
	assert.True(t, rec.has(EventWrongChannel))
}

func TestZombieEviction(t *testing.T) {
	srv, rec := newTestServer(t)

	_, fp1 := connect(t, srv, "10:a", "127.0.0.1")
	_, fp2 := connect(t, srv, "10:a", "127.0.0.2")

	assert.Equal(t, 1, rec.count(EventZombie))
	assert.Equal(t, 2, rec.count(EventAuthenticated))
	assert.Zero(t, rec.count(EventDisconnect), "zombie destroy must not report disconnect")

	fp1.mu.Lock()
	closed := fp1.closed
	fp1.mu.Unlock()
	assert.True(t, closed, "first connection should be torn down")
	fp2.mu.Lock()
	assert.False(t, fp2.closed)
	fp2.mu.Unlock()

	assert.Equal(t, 1, srv.ConnectionCount())
}

func TestBruteforceGuard(t *testing.T) {
	srv, rec := newTestServer(t)

	for i := 0; i < 3; i++ {
		fp := &fakePeer{sub: "1.0.0"}
		c := newClient(srv, fp, "10.0.0.9", fmt.Sprintf("bf%d", i))
		assert.False(t, c.Auth("10:x", "wrong", nil))
		assert.Contains(t, fp.errorKinds(), ErrWrongCredentials)
	}
	assert.Equal(t, 3, rec.count(EventUnauthenticated))

	fp := &fakePeer{sub: "1.0.0"}
	c := newClient(srv, fp, "10.0.0.9", "bf4")
	assert.False(t, c.Auth("10:x", "secret", nil))
	assert.Contains(t, fp.errorKinds(), ErrBruteforce)

	other := &fakePeer{sub: "1.0.0"}
	c2 := newClient(srv, other, "10.0.0.10", "bf5")
	assert.True(t, c2.Auth("10:y", "secret", nil), "other IPs stay unaffected")
}

func TestResendShortcut(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Type("A", &Processor{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
		Resend: func(ctx *Context, a Action, m *Meta) (Resend, error) {
			return Resend{Channel: "room/1"}, nil
		},
	})
	srv.Channel("room/:id", &ChannelCallbacks{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
	})

	sender, senderPeer := connect(t, srv, "10:a", "127.0.0.1")
	listener, listenerPeer := connect(t, srv, "20:b", "127.0.0.2")

	listener.OnAction(Action{"type": protocol.TypeSubscribe, "channel": "room/1"},
		&Meta{ID: "1 20:b 0", Time: 1})
	eventually(t, func() bool { return srv.registry.HasSubscriber("room/1", "20:b") },
		"listener should subscribe")

	sender.OnAction(Action{"type": "A"}, &Meta{ID: "2 10:a 0", Time: 2})

	eventually(t, func() bool { return listenerPeer.countType("A") == 1 },
		"subscriber should receive the resent action")
	assert.Zero(t, senderPeer.countType("A"), "origin must not receive its own action")

	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == "A" && len(m.Channels) == 1 && m.Channels[0] == "room/1"
	}), "resend addressing should be merged into meta")
}

func TestFanoutDeduplicatesTargets(t *testing.T) {
	srv, _ := newTestServer(t)

	_, fp := connect(t, srv, "10:a", "127.0.0.1")

	srv.Log().Add(Action{"type": "X"}, &Meta{
		Nodes:   []string{"10:a"},
		Clients: []string{"10:a"},
		Users:   []string{"10"},
	})

	eventually(t, func() bool { return fp.countType("X") >= 1 }, "action should be delivered")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fp.countType("X"), "one copy per fan-out, however many address sets match")
}

func TestClientMetaWhitelist(t *testing.T) {
	srv, rec := newTestServer(t)
	srv.Type("A", &Processor{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
	})

	c, _ := connect(t, srv, "10:uuid", "127.0.0.1")
	c.OnAction(Action{"type": "A"}, &Meta{
		ID:    "1 10:uuid 0",
		Time:  1,
		Extra: map[string]any{"sneaky": true},
	})

	eventually(t, func() bool { return rec.has(EventDenied) },
		"non-whitelisted meta keys should cause denial")
}

func TestForeignNodeIDDenied(t *testing.T) {
	srv, rec := newTestServer(t)
	srv.Type("A", &Processor{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
	})

	c, _ := connect(t, srv, "10:uuid", "127.0.0.1")
	c.OnAction(Action{"type": "A"}, &Meta{ID: "1 66:other 0", Time: 1})

	eventually(t, func() bool { return rec.has(EventDenied) },
		"actions forged under another node ID should be denied")
}

func TestProcessErrorUndo(t *testing.T) {
	srv, rec := newTestServer(t)
	srv.Type("A", &Processor{
		Access:  func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
		Process: func(ctx *Context, a Action, m *Meta) error { return fmt.Errorf("boom") },
	})

	c, _ := connect(t, srv, "10:uuid", "127.0.0.1")
	c.OnAction(Action{"type": "A"}, &Meta{ID: "1 10:uuid 0", Time: 1})

	eventually(t, logHas(srv, func(a Action, m Meta) bool {
		return a.Type() == protocol.TypeUndo &&
			a.RefID() == "1 10:uuid 0" &&
			a["reason"] == protocol.ReasonError
	}), "failed processing should be undone")
	assert.True(t, rec.has(EventError))
	assert.Zero(t, rec.count(EventProcessed), "no processed event on failure")
}

func TestProcessHelper(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Type("ok", &Processor{
		Access:  func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
		Process: func(ctx *Context, a Action, m *Meta) error { return nil },
	})
	srv.Type("bad", &Processor{
		Access:  func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
		Process: func(ctx *Context, a Action, m *Meta) error { return fmt.Errorf("boom") },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, srv.Process(ctx, Action{"type": "ok"}, nil))
	assert.Error(t, srv.Process(ctx, Action{"type": "bad"}, nil))
}

func TestDestroyWaitsForInflight(t *testing.T) {
	srv, _ := newTestServer(t)

	started := make(chan struct{})
	release := make(chan struct{})
	srv.Type("slow", &Processor{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
		Process: func(ctx *Context, a Action, m *Meta) error {
			close(started)
			<-release
			return nil
		},
	})

	c, _ := connect(t, srv, "10:uuid", "127.0.0.1")
	c.OnAction(Action{"type": "slow"}, &Meta{ID: "1 10:uuid 0", Time: 1})
	<-started

	destroyed := make(chan struct{})
	go func() {
		srv.Destroy()
		close(destroyed)
	}()

	select {
	case <-destroyed:
		t.Fatal("destroy returned while a process callback was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy never resolved")
	}
}

func TestDisconnectPrunesIndexes(t *testing.T) {
	srv, rec := newTestServer(t)
	srv.Channel("room/:id", &ChannelCallbacks{
		Access: func(ctx *Context, a Action, m *Meta) (bool, error) { return true, nil },
	})

	c, _ := connect(t, srv, "10:uuid", "127.0.0.1")
	c.OnAction(Action{"type": protocol.TypeSubscribe, "channel": "room/1"},
		&Meta{ID: "1 10:uuid 0", Time: 1})
	eventually(t, func() bool { return srv.registry.HasSubscriber("room/1", "10:uuid") },
		"subscription should exist before destroy")

	c.Destroy()
	c.Destroy() // idempotent

	assert.False(t, srv.registry.HasSubscriber("room/1", "10:uuid"))
	assert.Nil(t, srv.registry.ClientByNodeID("10:uuid"))
	assert.Equal(t, 0, srv.ConnectionCount())
	assert.Equal(t, 1, rec.count(EventDisconnect))
}

func TestServerRejectsReservedUserID(t *testing.T) {
	srv, rec := newTestServer(t)

	fp := &fakePeer{sub: "1.0.0"}
	c := newClient(srv, fp, "127.0.0.1", "r1")
	assert.False(t, c.Auth("server:impostor", "secret", nil))
	assert.Contains(t, fp.errorKinds(), ErrWrongCredentials)
	assert.True(t, rec.has(EventUnauthenticated))
}

func TestSubprotocolCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	fp := &fakePeer{sub: "0.0.1"}
	c := newClient(srv, fp, "127.0.0.1", "s1")
	assert.False(t, c.Auth("10:old", "secret", nil))
	assert.Contains(t, fp.errorKinds(), ErrWrongSubprotocol)
}

func TestPeerReportedErrorReachesBus(t *testing.T) {
	srv, rec := newTestServer(t)
	c, _ := connect(t, srv, "10:uuid", "127.0.0.1")

	c.OnProtocolError("wrong-format", "Unknown message")

	require.Equal(t, 1, rec.count(EventClientError))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if e.Name == EventClientError {
			assert.Equal(t, "wrong-format", e.Fields["kind"])
			assert.Equal(t, "Unknown message", e.Fields["message"])
		}
	}
}
