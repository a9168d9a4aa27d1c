package node

import (
	"fmt"

	"github.com/synclog/synclog/internal/protocol"
)

// ReceiveRemoteAction inserts an action pushed by the backend through the
// control endpoint. Unknown types are forced to processed so the local
// pipeline does not try to process them again.
func (s *Server) ReceiveRemoteAction(action Action, meta *Meta, ip string) error {
	if action.Type() == "" {
		return fmt.Errorf("action has no type")
	}
	if meta == nil {
		meta = &Meta{}
	}
	if meta.ID == "" {
		meta.ID = s.log.GenerateID()
	}
	if meta.Status == "" && !action.IsControl() && s.types.lookup(action.Type()) == nil {
		meta.Status = protocol.StatusProcessed
	}
	if ip != "" {
		if meta.Extra == nil {
			meta.Extra = make(map[string]any)
		}
		meta.Extra["backend"] = ip
	}
	if s.log.Add(action, meta) == nil {
		return fmt.Errorf("duplicate action id %s", meta.ID)
	}
	return nil
}
