package node

import "sync"

// filterEntry is one subscriber record: the filter decides per action
// whether the subscriber receives it, evaluated with the subscriber's own
// context. A nil Fn accepts everything.
type filterEntry struct {
	Ctx *Context
	Fn  FilterFunc
}

// Registry holds the in-memory connection and subscription indexes.
//
// All maps are guarded by one RWMutex; every method leaves the indexes in a
// consistent state, so readers inside a dispatch observe a coherent
// snapshot per call.
type Registry struct {
	mu          sync.RWMutex
	connected   map[string]*Client
	nodeIDs     map[string]*Client
	clientIDs   map[string]*Client
	userIDs     map[string][]*Client
	subscribers map[string]map[string]filterEntry
}

func NewRegistry() *Registry {
	return &Registry{
		connected:   make(map[string]*Client),
		nodeIDs:     make(map[string]*Client),
		clientIDs:   make(map[string]*Client),
		userIDs:     make(map[string][]*Client),
		subscribers: make(map[string]map[string]filterEntry),
	}
}

// AddConnection tracks a freshly accepted connection by its key.
func (r *Registry) AddConnection(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected[c.key] = c
}

// RemoveConnection drops the connection and, when it was authenticated,
// all identity index entries pointing at it.
func (r *Registry) RemoveConnection(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connected, c.key)
	if r.nodeIDs[c.nodeID] == c {
		delete(r.nodeIDs, c.nodeID)
	}
	if r.clientIDs[c.clientID] == c {
		delete(r.clientIDs, c.clientID)
	}
	list := r.userIDs[c.userID]
	for i, cur := range list {
		if cur == c {
			r.userIDs[c.userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.userIDs[c.userID]) == 0 {
		delete(r.userIDs, c.userID)
	}
}

// Register indexes an authenticated client by node, client and user ID.
// Returns the previous holder of the node ID, if any, so the caller can
// evict it as a zombie.
func (r *Registry) Register(c *Client) (zombie *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	zombie = r.nodeIDs[c.nodeID]
	r.nodeIDs[c.nodeID] = c
	r.clientIDs[c.clientID] = c
	r.userIDs[c.userID] = append(r.userIDs[c.userID], c)
	return zombie
}

// ConnectionCount returns the number of tracked connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connected)
}

// Connections returns a snapshot of all tracked connections.
func (r *Registry) Connections() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.connected))
	for _, c := range r.connected {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ClientByNodeID(nodeID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodeIDs[nodeID]
}

func (r *Registry) ClientByClientID(clientID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clientIDs[clientID]
}

func (r *Registry) ClientsByUserID(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Client(nil), r.userIDs[userID]...)
}

// Subscribe records a subscriber filter. Returns true when the channel key
// is new (first subscriber).
func (r *Registry) Subscribe(channel, nodeID string, entry filterEntry) (newChannel bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscribers[channel]
	if subs == nil {
		subs = make(map[string]filterEntry)
		r.subscribers[channel] = subs
		newChannel = true
	}
	subs[nodeID] = entry
	return newChannel
}

// Unsubscribe removes one subscriber. Removing the last subscriber removes
// the channel key.
func (r *Registry) Unsubscribe(channel, nodeID string) (existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.subscribers[channel]
	if !ok {
		return false
	}
	if _, existed = subs[nodeID]; existed {
		delete(subs, nodeID)
		if len(subs) == 0 {
			delete(r.subscribers, channel)
		}
	}
	return existed
}

// UnsubscribeNode prunes a node from every channel and returns how many
// subscriptions were removed. Called on client destroy.
func (r *Registry) UnsubscribeNode(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for channel, subs := range r.subscribers {
		if _, ok := subs[nodeID]; ok {
			delete(subs, nodeID)
			removed++
			if len(subs) == 0 {
				delete(r.subscribers, channel)
			}
		}
	}
	return removed
}

// Subscribers returns a snapshot of the subscriber set for one channel.
func (r *Registry) Subscribers(channel string) map[string]filterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.subscribers[channel]
	if subs == nil {
		return nil
	}
	out := make(map[string]filterEntry, len(subs))
	for k, v := range subs {
		out[k] = v
	}
	return out
}

// HasSubscriber reports whether the node is currently subscribed to the
// channel.
func (r *Registry) HasSubscriber(channel, nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[channel][nodeID]
	return ok
}

// SubscribedChannels lists channels with at least one subscriber.
func (r *Registry) SubscribedChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subscribers))
	for ch := range r.subscribers {
		out = append(out, ch)
	}
	return out
}
