package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/synclog/synclog/internal/protocol"
)

// Sentinel errors access callbacks may return to route an action into the
// unknown-type or wrong-channel path instead of the generic error path.
// The backend proxy maps its unknownAction and unknownChannel verdicts to
// these.
var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrUnknownChannel = errors.New("unknown channel")
)

// handleSubscribe runs the subscription flow for one logux/subscribe
// entry: match, access, filter, register, initial load, receipt.
func (s *Server) handleSubscribe(action Action, meta Meta, start time.Time) {
	channel, ok := action.Channel()
	if !ok {
		s.wrongChannel(action, meta)
		return
	}

	cb, params, matched := s.types.matchChannel(channel)
	if !matched {
		s.wrongChannel(action, meta)
		return
	}

	ctx := s.contextFor(&meta)
	ctx.Params = params

	defer func() {
		if cb.Finally == nil {
			return
		}
		if err := cb.Finally(ctx, action, &meta); err != nil {
			s.bus.Emit(Event{Name: EventError, ActionID: meta.ID, Err: err})
		}
	}()

	allowed, err := cb.Access(ctx, action, &meta)
	if err != nil {
		if errors.Is(err, ErrUnknownChannel) {
			s.wrongChannel(action, meta)
			return
		}
		s.subscribeFailed(action, &meta, channel, false, ctx, err)
		return
	}
	if !allowed {
		s.bus.Emit(Event{Name: EventDenied, ActionID: meta.ID, Fields: map[string]any{
			"channel": channel,
		}})
		s.undo(action, &meta, protocol.ReasonDenied, nil)
		s.debugToOrigin(&meta, fmt.Sprintf("Subscription to channel %s was denied", channel))
		return
	}

	// The client may have disconnected while access was pending.
	if !ctx.IsServer() && s.registry.ClientByNodeID(ctx.NodeID) == nil {
		s.bus.Emit(Event{Name: EventSubscriptionCancelled, ActionID: meta.ID, Fields: map[string]any{
			"channel": channel,
		}})
		return
	}

	var filter FilterFunc
	if cb.Filter != nil {
		filter, err = cb.Filter(ctx, action, &meta)
		if err != nil {
			s.subscribeFailed(action, &meta, channel, false, ctx, err)
			return
		}
	}

	newChannel := s.registry.Subscribe(channel, ctx.NodeID, filterEntry{Ctx: ctx, Fn: filter})
	subscriptionsActive.Inc()
	if newChannel {
		s.bus.Emit(Event{Name: EventSubscribing, ActionID: meta.ID, Fields: map[string]any{
			"channel": channel,
		}})
	}

	if cb.Load != nil {
		initial, err := cb.Load(ctx, action, &meta)
		if err != nil {
			s.subscribeFailed(action, &meta, channel, true, ctx, err)
			return
		}
		for _, act := range initial {
			ctx.SendBack(act, nil)
		}
	}

	s.bus.Emit(Event{Name: EventSubscribed, ActionID: meta.ID, Fields: map[string]any{
		"channel": channel,
		"latency": time.Since(start),
	}})
	s.markAsProcessed(meta)
	s.emitProcessed(meta, start)
}

// subscribeFailed is the error terminal of the subscription flow. When the
// subscriber was already registered, it is rolled back.
func (s *Server) subscribeFailed(action Action, meta *Meta, channel string, registered bool, ctx *Context, err error) {
	s.bus.Emit(Event{Name: EventError, ActionID: meta.ID, Err: err, Fields: map[string]any{
		"channel": channel,
	}})
	s.undo(action, meta, protocol.ReasonError, nil)
	s.debugToOrigin(meta, err.Error())
	if registered {
		if s.registry.Unsubscribe(channel, ctx.NodeID) {
			subscriptionsActive.Dec()
		}
	}
}

// handleUnsubscribe removes one subscription. Unsubscribing from an
// unknown channel is not an error: the receipt is sent either way so the
// client never retries.
func (s *Server) handleUnsubscribe(action Action, meta Meta, start time.Time) {
	channel, ok := action.Channel()
	if !ok {
		s.wrongChannel(action, meta)
		return
	}

	ctx := s.contextFor(&meta)
	if s.registry.Unsubscribe(channel, ctx.NodeID) {
		subscriptionsActive.Dec()
	}

	s.bus.Emit(Event{Name: EventUnsubscribed, ActionID: meta.ID, Fields: map[string]any{
		"channel": channel,
	}})
	s.markAsProcessed(meta)
	s.emitProcessed(meta, start)
}

// wrongChannel rejects a subscription whose channel is missing, malformed
// or matches no registered pattern.
func (s *Server) wrongChannel(action Action, meta Meta) {
	channel, _ := action.Channel()
	s.log.ChangeMeta(meta.ID, func(m *Meta) { m.Status = protocol.StatusError })
	s.bus.Emit(Event{Name: EventWrongChannel, ActionID: meta.ID, Fields: map[string]any{
		"channel": channel,
	}})
	parsed, ok := protocol.ParseID(meta.ID)
	if ok && parsed.UserID != "server" {
		s.undo(action, &meta, protocol.ReasonWrongChannel, nil)
		s.debugToOrigin(&meta, fmt.Sprintf("Wrong channel name %s", channel))
	}
}
