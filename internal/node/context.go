package node

import (
	"github.com/synclog/synclog/internal/protocol"
)

// Action and Meta are re-exported so user processors only import this
// package.
type Action = protocol.Action
type Meta = protocol.Meta

// Context is the per-action view handed to processors and channel
// callbacks: the identity of the action's origin plus channel pattern
// parameters.
type Context struct {
	NodeID      string
	ClientID    string
	UserID      string
	Subprotocol string
	Params      map[string]string

	server *Server
}

// IsServer reports whether the action originates from a server node.
func (c *Context) IsServer() bool {
	return c.UserID == "server"
}

// SendBack adds an action addressed only to the originating client. Meta
// defaults to status processed so the reply never re-enters processing.
func (c *Context) SendBack(action Action, meta *Meta) {
	if meta == nil {
		meta = &Meta{}
	}
	if !meta.HasAddressing() && meta.Client == "" {
		meta.Clients = append(meta.Clients, c.ClientID)
	}
	if meta.Status == "" {
		meta.Status = protocol.StatusProcessed
	}
	c.server.log.Add(action, meta)
}

// contextFor derives a Context from an action's meta.
func (s *Server) contextFor(meta *Meta) *Context {
	ctx := &Context{server: s, Subprotocol: meta.Subprotocol}
	if parsed, ok := protocol.ParseID(meta.ID); ok {
		ctx.NodeID = parsed.NodeID
		ctx.ClientID = parsed.ClientID
		ctx.UserID = parsed.UserID
	}
	if ctx.Subprotocol == "" {
		if client := s.registry.ClientByNodeID(ctx.NodeID); client != nil {
			ctx.Subprotocol = client.subprotocol
		}
	}
	return ctx
}
