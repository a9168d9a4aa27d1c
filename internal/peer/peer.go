package peer

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/synclog/synclog/internal/protocol"
)

const (
	outboundBuffer = 256
	maxSlowStrikes = 3
	writeTimeout   = 10 * time.Second
)

// Options configure one peer.
type Options struct {
	NodeID      string        // server node ID announced in connected frames
	Subprotocol string        // server application subprotocol
	Timeout     time.Duration // silence timeout
	Ping        time.Duration // ping interval
	Logger      zerolog.Logger
}

// Handlers are the node-side callbacks a peer drives.
type Handlers struct {
	// Auth authenticates the handshake. Returning false means the auth
	// path has already raised the protocol error.
	Auth func(nodeID, credentials string) bool

	// CheckSubprotocol validates the remote application subprotocol.
	CheckSubprotocol func(subprotocol string) error

	// OnAction delivers one inbound action.
	OnAction func(protocol.Action, *protocol.Meta)

	// OnError delivers an error frame reported by the remote side. The
	// connection is closed right after.
	OnError func(kind, msg string)

	// OnDisconnect fires once when the transport goes away.
	OnDisconnect func()
}

// Peer runs the wire state machine for one WebSocket connection: a read
// pump that parses frames and a write pump that drains the outbound
// queue and emits pings.
type Peer struct {
	conn     net.Conn
	opts     Options
	handlers Handlers
	logger   zerolog.Logger

	outbound chan []byte
	done     chan struct{}
	closed   sync.Once

	received atomic.Uint64
	sent     atomic.Uint64
	strikes  atomic.Int32

	mu                sync.Mutex
	remoteNodeID      string
	remoteSubprotocol string
	authenticated     bool
}

func New(conn net.Conn, opts Options) *Peer {
	return &Peer{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger,
		outbound: make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// SetHandlers installs the node-side callbacks. Must be called before Run.
func (p *Peer) SetHandlers(h Handlers) { p.handlers = h }

// Run drives the connection until it closes. Blocks; callers start it on
// its own goroutine.
func (p *Peer) Run() {
	go p.writePump()
	p.readPump()
	p.Close()
	if p.handlers.OnDisconnect != nil {
		p.handlers.OnDisconnect()
	}
}

// Subprotocol returns the remote application subprotocol announced in the
// connect frame, or "" before the handshake.
func (p *Peer) Subprotocol() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSubprotocol
}

// RemoteNodeID returns the node ID from the handshake.
func (p *Peer) RemoteNodeID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteNodeID
}

func (p *Peer) readPump() {
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.opts.Timeout)); err != nil {
			return
		}
		data, err := wsutil.ReadClientText(p.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				p.ProtocolError(errTimeout, "No response during timeout")
			}
			return
		}
		if !p.handleFrame(data) {
			return
		}
	}
}

// Error kinds raised on the wire.
const (
	errWrongFormat      = "wrong-format"
	errWrongSubprotocol = "wrong-subprotocol"
	errTimeout          = "timeout"
	errUnknownMessage   = "unknown-message"
)

// handleFrame dispatches one inbound frame. Returns false to stop the
// read pump.
func (p *Peer) handleFrame(data []byte) bool {
	name, args, err := parseFrame(data)
	if err != nil {
		p.ProtocolError(errWrongFormat, err.Error())
		return false
	}

	switch name {
	case frameConnect:
		return p.handleConnect(args)
	case framePing:
		p.enqueueFrame(framePong, p.received.Load())
		return true
	case framePong:
		return true
	case frameSync:
		return p.handleSync(args)
	case frameError:
		kind, msg := parseError(args)
		p.logger.Warn().Str("kind", kind).Str("message", msg).Msg("Peer reported error")
		if p.handlers.OnError != nil {
			p.handlers.OnError(kind, msg)
		}
		return false
	default:
		p.ProtocolError(errUnknownMessage, "Unknown message "+name)
		return false
	}
}

func (p *Peer) handleConnect(args []json.RawMessage) bool {
	version, nodeID, opts, err := parseConnect(args)
	if err != nil {
		p.ProtocolError(errWrongFormat, err.Error())
		return false
	}
	if version != ProtocolVersion {
		p.ProtocolError(errWrongFormat, "Only protocol version 4 is supported")
		return false
	}
	if p.handlers.CheckSubprotocol != nil && opts.Subprotocol != "" {
		if err := p.handlers.CheckSubprotocol(opts.Subprotocol); err != nil {
			p.ProtocolError(errWrongSubprotocol, err.Error())
			return false
		}
	}

	p.mu.Lock()
	p.remoteNodeID = nodeID
	p.remoteSubprotocol = opts.Subprotocol
	p.mu.Unlock()

	if p.handlers.Auth == nil || !p.handlers.Auth(nodeID, opts.Credentials) {
		return false
	}

	p.mu.Lock()
	p.authenticated = true
	p.mu.Unlock()

	p.enqueueFrame(frameConnected, ProtocolVersion, p.opts.NodeID,
		[]int64{0, time.Now().UnixMilli()},
		connectOptions{Subprotocol: p.opts.Subprotocol})
	return true
}

func (p *Peer) handleSync(args []json.RawMessage) bool {
	p.mu.Lock()
	authed := p.authenticated
	p.mu.Unlock()
	if !authed {
		p.ProtocolError(errUnknownMessage, "Sync before authentication")
		return false
	}

	_, entries, err := parseSync(args)
	if err != nil {
		p.ProtocolError(errWrongFormat, err.Error())
		return false
	}
	for _, entry := range entries {
		count := p.received.Add(1)
		meta := &protocol.Meta{
			ID:          entry.Meta.ID,
			Time:        entry.Meta.Time,
			Subprotocol: entry.Meta.Subprotocol,
		}
		if p.handlers.OnAction != nil {
			p.handlers.OnAction(entry.Action, meta)
		}
		p.enqueueFrame(frameSynced, count)
	}
	return true
}

// SendAction enqueues one outbound action. Only the client-relevant meta
// fields cross the wire.
func (p *Peer) SendAction(action protocol.Action, meta *protocol.Meta) {
	seq := p.sent.Add(1)
	p.enqueueFrame(frameSync, seq, action, wireMeta{
		ID:          meta.ID,
		Time:        meta.Time,
		Subprotocol: meta.Subprotocol,
	})
}

// SendDebug sends a development debug frame.
func (p *Peer) SendDebug(msg string) {
	p.enqueueFrame(frameDebug, "error", msg)
}

// ProtocolError sends an error frame and closes the connection.
func (p *Peer) ProtocolError(kind, msg string) {
	if frame, err := marshalFrame(frameError, kind, msg); err == nil {
		p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		wsutil.WriteServerMessage(p.conn, ws.OpText, frame)
	}
	p.Close()
}

// enqueueFrame serializes and queues one frame. A peer that cannot drain
// its queue accumulates strikes and is disconnected after the third.
func (p *Peer) enqueueFrame(parts ...any) {
	frame, err := marshalFrame(parts...)
	if err != nil {
		p.logger.Error().Err(err).Msg("Frame marshal failed")
		return
	}
	select {
	case p.outbound <- frame:
	default:
		if p.strikes.Add(1) >= maxSlowStrikes {
			p.logger.Warn().Msg("Peer cannot keep up, disconnecting")
			p.Close()
		}
	}
}

func (p *Peer) writePump() {
	var ticker *time.Ticker
	var pings <-chan time.Time
	if p.opts.Ping > 0 {
		ticker = time.NewTicker(p.opts.Ping)
		pings = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case frame, ok := <-p.outbound:
			if !ok {
				return
			}
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wsutil.WriteServerMessage(p.conn, ws.OpText, frame); err != nil {
				if !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
					p.logger.Debug().Err(err).Msg("Write failed")
				}
				p.Close()
				return
			}
		case <-pings:
			frame, err := marshalFrame(framePing, p.received.Load())
			if err != nil {
				continue
			}
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wsutil.WriteServerMessage(p.conn, ws.OpText, frame); err != nil {
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// Close tears the transport down. Idempotent.
func (p *Peer) Close() {
	p.closed.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
