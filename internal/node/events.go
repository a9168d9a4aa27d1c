package node

import "sync"

// Reporter event names. Every observable server event flows through the
// bus under one of these names; the default subscriber logs them via
// zerolog.
const (
	EventError                 = "error"
	EventFatal                 = "fatal"
	EventClientError           = "clientError"
	EventConnect               = "connect"
	EventDisconnect            = "disconnect"
	EventAuthenticated         = "authenticated"
	EventUnauthenticated       = "unauthenticated"
	EventZombie                = "zombie"
	EventAdd                   = "add"
	EventClean                 = "clean"
	EventUseless               = "useless"
	EventProcessed             = "processed"
	EventSubscribing           = "subscribing"
	EventSubscribed            = "subscribed"
	EventUnsubscribed          = "unsubscribed"
	EventDenied                = "denied"
	EventUnknownType           = "unknownType"
	EventWrongChannel          = "wrongChannel"
	EventSubscriptionCancelled = "subscriptionCancelled"
	EventWrongControlIP        = "wrongControlIp"
	EventWrongControlSecret    = "wrongControlSecret"
	EventListen                = "listen"
	EventDestroy               = "destroy"
)

// Event is one report emitted by the server.
type Event struct {
	Name     string
	ActionID string
	Err      error
	Fields   map[string]any
}

// Bus is a minimal in-process event bus. Subscribers receive every event
// synchronously in subscription order; they must not block.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// Subscribe registers a handler for all events.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Emit delivers the event to every subscriber.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
