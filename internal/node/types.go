package node

import (
	"fmt"
	"regexp"
	"sync"
)

// Processor carries the callbacks bound to an action type. Access is
// mandatory; the rest are optional.
type Processor struct {
	// Access authorizes an incoming client action before it is added.
	Access func(ctx *Context, action Action, meta *Meta) (bool, error)

	// Resend returns extra addressing merged into meta before fan-out.
	Resend func(ctx *Context, action Action, meta *Meta) (Resend, error)

	// Process runs the business logic after fan-out.
	Process func(ctx *Context, action Action, meta *Meta) error

	// Finally always runs after processing, even on failure. Its errors
	// are swallowed into the error report.
	Finally func(ctx *Context, action Action, meta *Meta) error
}

// Resend is the addressing a processor's Resend callback contributes.
// Singular fields are shorthand for one-element arrays.
type Resend struct {
	Nodes    []string
	Clients  []string
	Users    []string
	Channels []string

	Node    string
	Client  string
	User    string
	Channel string
}

func (r Resend) normalized() (nodes, clients, users, channels []string) {
	nodes, clients, users, channels = r.Nodes, r.Clients, r.Users, r.Channels
	if r.Node != "" {
		nodes = append(nodes, r.Node)
	}
	if r.Client != "" {
		clients = append(clients, r.Client)
	}
	if r.User != "" {
		users = append(users, r.User)
	}
	if r.Channel != "" {
		channels = append(channels, r.Channel)
	}
	return
}

// FilterFunc decides per action whether a subscriber receives it.
type FilterFunc func(ctx *Context, action Action, meta *Meta) bool

// ChannelCallbacks carries the callbacks bound to a channel pattern.
// Access is mandatory; the rest are optional.
type ChannelCallbacks struct {
	// Access authorizes a subscription.
	Access func(ctx *Context, action Action, meta *Meta) (bool, error)

	// Filter builds the per-subscriber delivery filter. Absent means the
	// subscriber receives every action addressed to the channel.
	Filter func(ctx *Context, action Action, meta *Meta) (FilterFunc, error)

	// Load returns the initial actions sent back to a fresh subscriber.
	Load func(ctx *Context, action Action, meta *Meta) ([]Action, error)

	// Finally always runs at the end of subscription handling.
	Finally func(ctx *Context, action Action, meta *Meta) error
}

type regexProcessor struct {
	re   *regexp.Regexp
	proc *Processor
}

type channelDef struct {
	matcher *channelMatcher
	cb      *ChannelCallbacks
}

// typeTable holds the registered action processors and channel
// definitions, including the fallbacks for unknown types and channels.
type typeTable struct {
	mu        sync.RWMutex
	exact     map[string]*Processor
	regex     []regexProcessor
	other     *Processor
	channels  []channelDef
	otherChan *ChannelCallbacks
}

func newTypeTable() *typeTable {
	return &typeTable{exact: make(map[string]*Processor)}
}

func (t *typeTable) addType(name string, proc *Processor) {
	if proc.Access == nil {
		panic(fmt.Sprintf("processor for type %q has no access callback", name))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.exact[name]; dup {
		panic(fmt.Sprintf("type %q is already registered", name))
	}
	t.exact[name] = proc
}

func (t *typeTable) addRegex(re *regexp.Regexp, proc *Processor) {
	if proc.Access == nil {
		panic(fmt.Sprintf("processor for type pattern %q has no access callback", re))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regex = append(t.regex, regexProcessor{re: re, proc: proc})
}

func (t *typeTable) setOther(proc *Processor) {
	if proc.Access == nil {
		panic("fallback processor has no access callback")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.other = proc
}

// lookup resolves a processor: exact type, first matching regex, fallback.
func (t *typeTable) lookup(actionType string) *Processor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if proc, ok := t.exact[actionType]; ok {
		return proc
	}
	for _, rp := range t.regex {
		if rp.re.MatchString(actionType) {
			return rp.proc
		}
	}
	return t.other
}

// hasAnyProcessor reports whether any processor (including the fallback)
// could handle the type. Used by preadd to short-circuit status.
func (t *typeTable) hasAnyProcessor(actionType string) bool {
	return t.lookup(actionType) != nil
}

func (t *typeTable) addChannel(m *channelMatcher, cb *ChannelCallbacks) {
	if cb.Access == nil {
		panic(fmt.Sprintf("channel %q has no access callback", m))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = append(t.channels, channelDef{matcher: m, cb: cb})
}

func (t *typeTable) setOtherChannel(cb *ChannelCallbacks) {
	if cb.Access == nil {
		panic("fallback channel has no access callback")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.otherChan = cb
}

// matchChannel scans channel matchers in registration order; first match
// wins. Falls back to the catch-all definition.
func (t *typeTable) matchChannel(channel string) (*ChannelCallbacks, map[string]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, def := range t.channels {
		if params, ok := def.matcher.Match(channel); ok {
			return def.cb, params, true
		}
	}
	if t.otherChan != nil {
		return t.otherChan, nil, true
	}
	return nil, nil, false
}
