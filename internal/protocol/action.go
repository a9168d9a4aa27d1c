// Package protocol defines the action/meta data model shared by the log,
// the node core and the wire peer.
package protocol

// Reserved action types. Actions with a "logux/" prefix are control actions:
// they drive subscriptions and delivery receipts and never reach user
// processors.
const (
	TypeSubscribe   = "logux/subscribe"
	TypeUnsubscribe = "logux/unsubscribe"
	TypeUndo        = "logux/undo"
	TypeProcessed   = "logux/processed"
)

// Undo reasons emitted by the server.
const (
	ReasonError       = "error"
	ReasonDenied      = "denied"
	ReasonUnknownType = "unknownType"
	ReasonWrongChannel = "wrongChannel"
)

// Action is an application-defined, JSON-shaped record. The only mandatory
// field is "type". Everything else is opaque to the server core.
type Action map[string]any

// Type returns the action's type discriminator, or "" when absent.
func (a Action) Type() string {
	t, _ := a["type"].(string)
	return t
}

// IsControl reports whether the action is a reserved logux/* control action.
func (a Action) IsControl() bool {
	t := a.Type()
	return t == TypeSubscribe || t == TypeUnsubscribe || t == TypeUndo || t == TypeProcessed
}

// Channel returns the "channel" field of subscribe/unsubscribe actions.
// The second result is false when the field is missing or not a string.
func (a Action) Channel() (string, bool) {
	ch, ok := a["channel"].(string)
	return ch, ok
}

// RefID returns the "id" field of undo/processed actions.
func (a Action) RefID() string {
	id, _ := a["id"].(string)
	return id
}

// Undo builds a logux/undo action referencing the given action id. Extra
// fields of the original action may be merged in by the caller.
func Undo(id, reason string) Action {
	return Action{"type": TypeUndo, "id": id, "reason": reason}
}

// Processed builds a logux/processed receipt for the given action id.
func Processed(id string) Action {
	return Action{"type": TypeProcessed, "id": id}
}
