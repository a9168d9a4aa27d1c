package protocol

import "encoding/json"

// Action statuses tracked in meta. Control actions carry no status.
const (
	StatusWaiting   = "waiting"
	StatusProcessed = "processed"
	StatusError     = "error"
)

// Meta is the server-maintained envelope around an action.
//
// Addressing fields (Nodes, Clients, Users, Channels) select which peers a
// fan-out delivers to. The singular short forms (Node, Client, User,
// Channel) are accepted from processors and normalized into the plural
// arrays on preadd.
type Meta struct {
	ID          string   `json:"id"`
	Time        int64    `json:"time"`
	Added       uint64   `json:"added,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	Server      string   `json:"server,omitempty"`
	Subprotocol string   `json:"subprotocol,omitempty"`
	Status      string   `json:"status,omitempty"`

	Nodes    []string `json:"nodes,omitempty"`
	Clients  []string `json:"clients,omitempty"`
	Users    []string `json:"users,omitempty"`
	Channels []string `json:"channels,omitempty"`

	Node    string `json:"node,omitempty"`
	Client  string `json:"client,omitempty"`
	User    string `json:"user,omitempty"`
	Channel string `json:"channel,omitempty"`

	// Extra carries any meta keys the core does not know about. Client
	// connections may only set whitelisted keys; anything else here on an
	// inbound action causes denial.
	Extra map[string]any `json:"-"`
}

// Whitelisted meta keys a client connection is allowed to set.
var ClientMetaKeys = map[string]bool{
	"id":          true,
	"time":        true,
	"subprotocol": true,
}

// Normalize folds the singular addressing short forms into the plural
// arrays. Idempotent; called on preadd.
func (m *Meta) Normalize() {
	if m.Node != "" {
		m.Nodes = appendUnique(m.Nodes, m.Node)
		m.Node = ""
	}
	if m.Client != "" {
		m.Clients = appendUnique(m.Clients, m.Client)
		m.Client = ""
	}
	if m.User != "" {
		m.Users = appendUnique(m.Users, m.User)
		m.User = ""
	}
	if m.Channel != "" {
		m.Channels = appendUnique(m.Channels, m.Channel)
		m.Channel = ""
	}
}

// HasAddressing reports whether at least one addressing entry is present.
func (m *Meta) HasAddressing() bool {
	return len(m.Nodes) > 0 || len(m.Clients) > 0 || len(m.Users) > 0 || len(m.Channels) > 0
}

// HasReason reports whether the reason is present in meta.reasons.
func (m *Meta) HasReason(reason string) bool {
	for _, r := range m.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// AddReason appends a retention reason if not already present.
func (m *Meta) AddReason(reason string) {
	m.Reasons = appendUnique(m.Reasons, reason)
}

// RemoveReason deletes a retention reason. Returns true when the last
// reason was removed.
func (m *Meta) RemoveReason(reason string) bool {
	out := m.Reasons[:0]
	for _, r := range m.Reasons {
		if r != reason {
			out = append(out, r)
		}
	}
	m.Reasons = out
	return len(m.Reasons) == 0
}

// Merge adds the addressing of a resend result into meta.
func (m *Meta) MergeAddressing(nodes, clients, users, channels []string) {
	for _, n := range nodes {
		m.Nodes = appendUnique(m.Nodes, n)
	}
	for _, c := range clients {
		m.Clients = appendUnique(m.Clients, c)
	}
	for _, u := range users {
		m.Users = appendUnique(m.Users, u)
	}
	for _, ch := range channels {
		m.Channels = appendUnique(m.Channels, ch)
	}
}

// Clone returns a deep copy. Fan-out hands every peer the same meta, so
// mutations after dispatch must not leak across connections.
func (m *Meta) Clone() *Meta {
	cp := *m
	cp.Reasons = append([]string(nil), m.Reasons...)
	cp.Nodes = append([]string(nil), m.Nodes...)
	cp.Clients = append([]string(nil), m.Clients...)
	cp.Users = append([]string(nil), m.Users...)
	cp.Channels = append([]string(nil), m.Channels...)
	if m.Extra != nil {
		cp.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// metaAlias avoids MarshalJSON recursion.
type metaAlias Meta

// MarshalJSON flattens Extra into the top-level object.
func (m Meta) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(metaAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var flat map[string]any
	if err := json.Unmarshal(base, &flat); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, known := flat[k]; !known {
			flat[k] = v
		}
	}
	return json.Marshal(flat)
}

// UnmarshalJSON routes unknown keys into Extra.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var alias metaAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, known := range []string{
		"id", "time", "added", "reasons", "server", "subprotocol", "status",
		"nodes", "clients", "users", "channels",
		"node", "client", "user", "channel",
	} {
		delete(raw, known)
	}
	if len(raw) > 0 {
		alias.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			alias.Extra[k] = val
		}
	}
	*m = Meta(alias)
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}
