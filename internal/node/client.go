package node

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/synclog/synclog/internal/protocol"
)

// SyncPeer is the transport side of one client connection. The peer owns
// the wire codec, handshake framing, ping and timeout handling; the server
// client drives it through this contract only.
type SyncPeer interface {
	// SendAction enqueues one outbound action for delivery.
	SendAction(action Action, meta *Meta)

	// SendDebug sends a development debug frame to the remote side.
	SendDebug(msg string)

	// ProtocolError raises a wire-level error of the given kind and closes
	// the connection afterwards.
	ProtocolError(kind, msg string)

	// Subprotocol returns the remote subprotocol announced on connect, or
	// an empty string before the handshake.
	Subprotocol() string

	// Close tears the transport down. Must be idempotent.
	Close()
}

// Protocol error kinds raised towards peers.
const (
	ErrWrongFormat      = "wrong-format"
	ErrWrongSubprotocol = "wrong-subprotocol"
	ErrWrongCredentials = "wrong-credentials"
	ErrTimeout          = "timeout"
	ErrBruteforce       = "bruteforce"
	ErrUnknownMessage   = "unknown-message"
)

// AuthRequest carries everything an authenticator may inspect.
type AuthRequest struct {
	UserID      string
	ClientID    string
	NodeID      string
	Credentials string
	Subprotocol string
	Headers     map[string]string
}

// Authenticator decides whether a handshake is accepted.
type Authenticator func(req AuthRequest) (bool, error)

// Client wraps one sync peer on the server side: authentication, identity
// derivation, inbound admission and outbound delivery.
type Client struct {
	key    string
	ip     string
	server *Server
	peer   SyncPeer
	logger zerolog.Logger

	mu            sync.Mutex
	nodeID        string
	clientID      string
	userID        string
	subprotocol   string
	authenticated bool
	zombie        bool
	destroyed     bool
}

func newClient(s *Server, peer SyncPeer, ip, key string) *Client {
	c := &Client{
		key:    key,
		ip:     ip,
		server: s,
		peer:   peer,
		logger: s.logger.With().Str("connection", key).Str("ip", ip).Logger(),
	}
	s.registry.AddConnection(c)
	connectionsTotal.Inc()
	connectionsActive.Inc()
	s.bus.Emit(Event{Name: EventConnect, Fields: map[string]any{
		"connectionId": key,
		"ip":           ip,
	}})
	return c
}

// Key returns the connection key assigned at accept time.
func (c *Client) Key() string { return c.key }

// NodeID returns the authenticated node ID, empty before auth.
func (c *Client) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// CheckSubprotocol verifies the remote subprotocol against the supported
// range. An empty range accepts everything (backend deployments delegate
// the check).
func (c *Client) CheckSubprotocol(remote string) error {
	opts := c.server.options
	if opts.Supports == "" {
		return nil
	}
	v, err := semver.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("subprotocol %q is not a SemVer version", remote)
	}
	if !opts.supportsConstraint().Check(v) {
		return fmt.Errorf("only %s application subprotocols are supported", opts.Supports)
	}
	return nil
}

// Auth runs the handshake authentication. Called by the sync peer with
// the remote node ID and credentials. Returns false when the connection
// must be rejected; the peer error has already been raised in that case.
func (c *Client) Auth(nodeID, credentials string, headers map[string]string) bool {
	s := c.server
	if s.isDestroying() {
		return false
	}

	if s.bruteforce.IsBlocked(c.ip) {
		c.peer.ProtocolError(ErrBruteforce, "Too many wrong authentication attempts")
		c.Destroy()
		return false
	}

	if nodeID == "" || strings.ContainsAny(nodeID, " \t\n") {
		c.peer.ProtocolError(ErrWrongFormat, fmt.Sprintf("Wrong node ID %q", nodeID))
		c.Destroy()
		return false
	}

	userID, clientID := protocol.SplitNodeID(nodeID)
	if userID == "server" {
		c.rejectAuth(nodeID, "server user ID is reserved")
		return false
	}

	if sub := c.peer.Subprotocol(); sub != "" {
		if err := c.CheckSubprotocol(sub); err != nil {
			c.peer.ProtocolError(ErrWrongSubprotocol, err.Error())
			c.Destroy()
			return false
		}
	}

	fn := s.authenticator
	if fn == nil {
		c.rejectAuth(nodeID, "no authenticator configured")
		return false
	}

	ok, err := fn(AuthRequest{
		UserID:      userID,
		ClientID:    clientID,
		NodeID:      nodeID,
		Credentials: credentials,
		Subprotocol: c.peer.Subprotocol(),
		Headers:     headers,
	})
	if err != nil {
		s.bus.Emit(Event{Name: EventError, Err: err, Fields: map[string]any{
			"nodeId": nodeID,
		}})
		c.peer.ProtocolError(ErrWrongCredentials, "Authentication error")
		c.Destroy()
		return false
	}
	if !ok {
		c.rejectAuth(nodeID, "wrong credentials")
		return false
	}

	c.mu.Lock()
	c.nodeID = nodeID
	c.clientID = clientID
	c.userID = userID
	c.subprotocol = c.peer.Subprotocol()
	c.authenticated = true
	c.mu.Unlock()

	if zombie := s.registry.Register(c); zombie != nil {
		zombie.markZombie()
		zombieEvictions.Inc()
		s.bus.Emit(Event{Name: EventZombie, Fields: map[string]any{
			"nodeId": nodeID,
		}})
		zombie.Destroy()
	}

	s.bus.Emit(Event{Name: EventAuthenticated, Fields: map[string]any{
		"nodeId":       nodeID,
		"subprotocol":  c.subprotocol,
		"connectionId": c.key,
	}})
	return true
}

func (c *Client) rejectAuth(nodeID, note string) {
	s := c.server
	authFailures.Inc()
	s.bruteforce.Failed(c.ip)
	s.bus.Emit(Event{Name: EventUnauthenticated, Fields: map[string]any{
		"nodeId": nodeID,
		"note":   note,
	}})
	c.peer.ProtocolError(ErrWrongCredentials, "Wrong credentials")
	c.Destroy()
}

// OnAction admits one inbound action from the peer. Meta carries only the
// client-controlled fields parsed off the wire.
func (c *Client) OnAction(action Action, meta *Meta) {
	c.mu.Lock()
	authed, destroyed := c.authenticated, c.destroyed
	nodeID, clientID, sub := c.nodeID, c.clientID, c.subprotocol
	c.mu.Unlock()
	if !authed || destroyed {
		return
	}
	s := c.server

	if !clientMetaSafe(meta) {
		c.denyAction(action, meta)
		return
	}

	parsed, ok := protocol.ParseID(meta.ID)
	if !ok || (parsed.NodeID != nodeID && parsed.ClientID != clientID) {
		c.denyAction(action, meta)
		return
	}

	if meta.Subprotocol == "" {
		meta.Subprotocol = sub
	}

	switch action.Type() {
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		s.log.Add(action, meta)
		return
	}

	proc := s.types.lookup(action.Type())
	if proc == nil {
		// No processor and no fallback: add anyway, the dispatcher raises
		// unknownType with an undo.
		s.log.Add(action, meta)
		return
	}

	s.pool.Submit(func() {
		ctx := s.contextFor(meta)
		allowed, err := proc.Access(ctx, action, meta)
		if err != nil {
			if errors.Is(err, ErrUnknownAction) {
				s.unknownType(action, *meta)
				return
			}
			s.bus.Emit(Event{Name: EventError, ActionID: meta.ID, Err: err})
			s.undo(action, meta, protocol.ReasonError, nil)
			c.debugError(fmt.Sprintf("Error during access check for action %q", action.Type()))
			return
		}
		if !allowed {
			c.denyAction(action, meta)
			return
		}
		s.log.Add(action, meta)
	})
}

// denyAction rejects an inbound action without adding it to the log: the
// undo is synthesized directly back to the client.
func (c *Client) denyAction(action Action, meta *Meta) {
	s := c.server
	s.bus.Emit(Event{Name: EventDenied, ActionID: meta.ID})
	s.undo(action, meta, protocol.ReasonDenied, nil)
	c.debugError(fmt.Sprintf("Action %q was denied", action.Type()))
}

// OnProtocolError records an error frame the remote side reported before
// it closed the connection.
func (c *Client) OnProtocolError(kind, msg string) {
	c.server.bus.Emit(Event{Name: EventClientError, Fields: map[string]any{
		"connectionId": c.key,
		"kind":         kind,
		"message":      msg,
	}})
}

func (c *Client) debugError(msg string) {
	if c.server.isDev() {
		c.peer.SendDebug(msg)
	}
}

func (c *Client) markZombie() {
	c.mu.Lock()
	c.zombie = true
	c.mu.Unlock()
}

// Destroy tears the connection down and removes every trace of it from
// the indexes. Idempotent.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	authed, zombie := c.authenticated, c.zombie
	nodeID := c.nodeID
	c.mu.Unlock()

	s := c.server
	if authed {
		removed := s.registry.UnsubscribeNode(nodeID)
		subscriptionsActive.Sub(float64(removed))
	}
	s.registry.RemoveConnection(c)
	connectionsActive.Dec()

	if !zombie && !s.isDestroying() {
		s.bus.Emit(Event{Name: EventDisconnect, Fields: map[string]any{
			"connectionId": c.key,
			"nodeId":       nodeID,
		}})
	}
	c.peer.Close()
}

// clientMetaSafe reports whether the meta carries only the fields a client
// is allowed to set: id, time and subprotocol.
func clientMetaSafe(meta *Meta) bool {
	return meta.Added == 0 &&
		len(meta.Reasons) == 0 &&
		meta.Server == "" &&
		meta.Status == "" &&
		!meta.HasAddressing() &&
		meta.Node == "" && meta.Client == "" && meta.User == "" && meta.Channel == "" &&
		len(meta.Extra) == 0
}
