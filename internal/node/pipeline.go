package node

import (
	"fmt"
	"time"

	"github.com/synclog/synclog/internal/protocol"
)

// defaultReason keeps entries in the store after dispatch. Applications
// may strip it with log.RemoveReason once they no longer need the history.
const defaultReason = "syncing"

// preadd runs synchronously inside log.Add and completes the meta before
// the entry is stored.
func (s *Server) preadd(action Action, meta *Meta) {
	meta.Normalize()
	if meta.Server == "" {
		meta.Server = s.nodeID
	}
	if !action.IsControl() && meta.Status == "" {
		meta.Status = protocol.StatusWaiting
	}
	if len(meta.Reasons) == 0 {
		meta.Reasons = []string{defaultReason}
	}

	parsed, ok := protocol.ParseID(meta.ID)
	local := ok && parsed.NodeID == s.nodeID
	if !local {
		return
	}
	if meta.Subprotocol == "" {
		meta.Subprotocol = s.options.Subprotocol
	}
	// Local actions nobody can process are born processed.
	if meta.Status == protocol.StatusWaiting &&
		!action.IsControl() &&
		s.types.lookup(action.Type()) == nil {
		meta.Status = protocol.StatusProcessed
	}
}

// onAdd fires after an entry was stored; the real dispatch runs on the
// worker pool so log.Add never blocks on processors.
func (s *Server) onAdd(action Action, meta Meta) {
	start := time.Now()
	s.bus.Emit(Event{Name: EventAdd, ActionID: meta.ID})
	actionsAdded.Inc()
	if s.isDestroying() {
		return
	}
	for _, hook := range s.addHooks {
		hook(action, meta)
	}
	// Counted before the pool sees it so Destroy waits for queued dispatch
	// work, not only for running process callbacks.
	s.inflight.Add(1)
	s.pool.Submit(func() {
		defer s.inflight.Done()
		s.dispatchAdd(action, meta, start)
	})
}

func (s *Server) onClean(action Action, meta Meta) {
	s.bus.Emit(Event{Name: EventClean, ActionID: meta.ID})
}

// dispatchAdd routes one freshly added entry: subscription control goes to
// the channel engine, everything else walks resend, fan-out and process.
func (s *Server) dispatchAdd(action Action, meta Meta, start time.Time) {
	if s.isDestroying() {
		return
	}

	switch action.Type() {
	case protocol.TypeSubscribe:
		if meta.Server == s.nodeID {
			s.handleSubscribe(action, meta, start)
		}
		return
	case protocol.TypeUnsubscribe:
		if meta.Server == s.nodeID {
			s.handleUnsubscribe(action, meta, start)
		}
		return
	}

	proc := s.types.lookup(action.Type())

	if proc != nil && proc.Resend != nil && meta.Status == protocol.StatusWaiting {
		ctx := s.contextFor(&meta)
		res, err := proc.Resend(ctx, action, &meta)
		if err != nil {
			s.failAction(action, &meta, err)
			return
		}
		nodes, clients, users, channels := res.normalized()
		if len(nodes)+len(clients)+len(users)+len(channels) > 0 {
			s.log.ChangeMeta(meta.ID, func(m *Meta) {
				m.MergeAddressing(nodes, clients, users, channels)
			})
			meta.MergeAddressing(nodes, clients, users, channels)
		}
	}

	if meta.Status == protocol.StatusProcessed && proc == nil && !meta.HasAddressing() && !action.IsControl() {
		s.bus.Emit(Event{Name: EventUseless, ActionID: meta.ID})
	}

	s.sendAction(action, meta)

	// Undo and receipt entries only fan out; they have no terminal of
	// their own.
	if action.IsControl() {
		return
	}

	switch {
	case meta.Status == protocol.StatusWaiting:
		if proc == nil {
			s.unknownType(action, meta)
			return
		}
		if proc.Process != nil {
			s.inflight.Add(1)
			go s.processAction(proc, action, meta, start)
			return
		}
		s.markAsProcessed(meta)
		s.emitProcessed(meta, start)
	case meta.Status != "":
		s.emitProcessed(meta, start)
	}
}

// processAction runs the business logic for one waiting action and settles
// its terminal outcome.
func (s *Server) processAction(proc *Processor, action Action, meta Meta, start time.Time) {
	defer s.inflight.Done()
	processingInflight.Inc()
	defer processingInflight.Dec()

	ctx := s.contextFor(&meta)
	err := proc.Process(ctx, action, &meta)
	if err != nil {
		s.failAction(action, &meta, err)
	} else {
		s.markAsProcessed(meta)
		s.emitProcessed(meta, start)
	}

	if proc.Finally != nil {
		if ferr := proc.Finally(ctx, action, &meta); ferr != nil {
			s.bus.Emit(Event{Name: EventError, ActionID: meta.ID, Err: ferr})
		}
	}
}

// failAction is the error terminal: status error, undo, error report and a
// development debug frame to the origin.
func (s *Server) failAction(action Action, meta *Meta, err error) {
	s.log.ChangeMeta(meta.ID, func(m *Meta) { m.Status = protocol.StatusError })
	s.bus.Emit(Event{Name: EventError, ActionID: meta.ID, Err: err})
	actionsProcessed.WithLabelValues("error").Inc()
	s.undo(action, meta, protocol.ReasonError, nil)
	s.debugToOrigin(meta, err.Error())
}

// unknownType is the internal handler for waiting actions nobody can
// process.
func (s *Server) unknownType(action Action, meta Meta) {
	s.log.ChangeMeta(meta.ID, func(m *Meta) { m.Status = protocol.StatusError })
	s.bus.Emit(Event{Name: EventUnknownType, ActionID: meta.ID, Fields: map[string]any{
		"type": action.Type(),
	}})
	parsed, _ := protocol.ParseID(meta.ID)
	if parsed.UserID != "server" {
		s.undo(action, &meta, protocol.ReasonUnknownType, nil)
		s.debugToOrigin(&meta, fmt.Sprintf("Action with unknown type %s", action.Type()))
	}
}

// undo appends a logux/undo referencing the action. The undo inherits the
// original addressing so every peer that saw the action sees its reversal,
// plus the originating client.
func (s *Server) undo(action Action, meta *Meta, reason string, extra map[string]any) {
	undoAct := protocol.Undo(meta.ID, reason)
	for k, v := range extra {
		undoAct[k] = v
	}
	undoMeta := &Meta{
		Status:   protocol.StatusProcessed,
		Nodes:    append([]string(nil), meta.Nodes...),
		Clients:  append([]string(nil), meta.Clients...),
		Users:    append([]string(nil), meta.Users...),
		Channels: append([]string(nil), meta.Channels...),
	}
	if parsed, ok := protocol.ParseID(meta.ID); ok && parsed.UserID != "server" {
		if !contains(undoMeta.Clients, parsed.ClientID) {
			undoMeta.Clients = append(undoMeta.Clients, parsed.ClientID)
		}
	}
	actionsUndone.WithLabelValues(reason).Inc()
	s.log.Add(undoAct, undoMeta)
	s.resolveWaiters(meta.ID, fmt.Errorf("action was undone: %s", reason))
}

// markAsProcessed flips the entry to processed and sends a delivery
// receipt to the originating client.
func (s *Server) markAsProcessed(meta Meta) {
	s.log.ChangeMeta(meta.ID, func(m *Meta) { m.Status = protocol.StatusProcessed })
	parsed, ok := protocol.ParseID(meta.ID)
	if !ok || parsed.UserID == "server" {
		return
	}
	s.log.Add(protocol.Processed(meta.ID), &Meta{
		Clients: []string{parsed.ClientID},
		Status:  protocol.StatusProcessed,
	})
}

func (s *Server) emitProcessed(meta Meta, start time.Time) {
	latency := time.Since(start)
	s.bus.Emit(Event{Name: EventProcessed, ActionID: meta.ID, Fields: map[string]any{
		"latency": latency,
	}})
	actionsProcessed.WithLabelValues("success").Inc()
	processLatency.Observe(latency.Seconds())
	s.resolveWaiters(meta.ID, nil)
}

// sendAction fans one action out to every addressed peer: explicit nodes,
// clients and users, plus channel subscribers whose filter accepts it.
// Each peer receives at most one copy; the origin client never receives
// its own action back.
func (s *Server) sendAction(action Action, meta Meta) {
	originClientID := ""
	if parsed, ok := protocol.ParseID(meta.ID); ok {
		originClientID = parsed.ClientID
	}

	targets := make(map[string]*Client)
	add := func(c *Client) {
		if c == nil {
			return
		}
		if originClientID != "" && c.clientID == originClientID {
			return
		}
		targets[c.key] = c
	}

	for _, nodeID := range meta.Nodes {
		add(s.registry.ClientByNodeID(nodeID))
	}
	for _, clientID := range meta.Clients {
		add(s.registry.ClientByClientID(clientID))
	}
	for _, userID := range meta.Users {
		for _, c := range s.registry.ClientsByUserID(userID) {
			add(c)
		}
	}

	// One filter verdict per subscriber per fan-out, however many channels
	// the action is addressed to.
	verdicts := make(map[string]bool)
	for _, channel := range meta.Channels {
		for nodeID, entry := range s.registry.Subscribers(channel) {
			accepted, seen := verdicts[nodeID]
			if !seen {
				if entry.Fn == nil {
					accepted = true
				} else {
					accepted = entry.Fn(entry.Ctx, action, &meta)
				}
				verdicts[nodeID] = accepted
			}
			if accepted {
				add(s.registry.ClientByNodeID(nodeID))
			}
		}
	}

	for _, c := range targets {
		c.peer.SendAction(action, &meta)
		fanoutDeliveries.Inc()
	}
}

// debugToOrigin sends a development debug frame to the client the action
// came from, when it is still connected.
func (s *Server) debugToOrigin(meta *Meta, msg string) {
	if !s.isDev() {
		return
	}
	parsed, ok := protocol.ParseID(meta.ID)
	if !ok || parsed.UserID == "server" {
		return
	}
	if c := s.registry.ClientByClientID(parsed.ClientID); c != nil {
		c.peer.SendDebug(msg)
	}
}

func contains(list []string, v string) bool {
	for _, cur := range list {
		if cur == v {
			return true
		}
	}
	return false
}
