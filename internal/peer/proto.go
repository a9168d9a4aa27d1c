// Package peer implements the per-connection wire state machine: the
// handshake, ping/timeout handling and the framed action exchange. The
// node core drives it only through the SyncPeer contract.
package peer

import (
	"encoding/json"
	"fmt"

	"github.com/synclog/synclog/internal/protocol"
)

// ProtocolVersion is the sync protocol revision spoken on the wire.
const ProtocolVersion = 4

// Frame names. Every wire message is a JSON array whose first element is
// one of these.
const (
	frameConnect   = "connect"
	frameConnected = "connected"
	framePing      = "ping"
	framePong      = "pong"
	frameSync      = "sync"
	frameSynced    = "synced"
	frameError     = "error"
	frameDebug     = "debug"
)

// connectOptions is the trailing object of a connect frame.
type connectOptions struct {
	Subprotocol string `json:"subprotocol,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

// wireMeta is the client-visible slice of meta sent with sync frames.
type wireMeta struct {
	ID          string `json:"id"`
	Time        int64  `json:"time"`
	Subprotocol string `json:"subprotocol,omitempty"`
}

func marshalFrame(parts ...any) ([]byte, error) {
	return json.Marshal(parts)
}

// parseFrame splits a wire message into its name and raw arguments.
func parseFrame(data []byte) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("malformed frame: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty frame")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("frame name is not a string: %w", err)
	}
	return name, parts[1:], nil
}

// parseConnect decodes the arguments of a connect frame:
// [version, nodeId, timestamp, {subprotocol, credentials}].
func parseConnect(args []json.RawMessage) (version int, nodeID string, opts connectOptions, err error) {
	if len(args) < 2 {
		err = fmt.Errorf("connect frame needs version and node ID")
		return
	}
	if err = json.Unmarshal(args[0], &version); err != nil {
		err = fmt.Errorf("connect version: %w", err)
		return
	}
	if err = json.Unmarshal(args[1], &nodeID); err != nil {
		err = fmt.Errorf("connect node ID: %w", err)
		return
	}
	if len(args) >= 4 {
		if err = json.Unmarshal(args[3], &opts); err != nil {
			err = fmt.Errorf("connect options: %w", err)
			return
		}
	}
	return
}

// parseSync decodes [synced, action1, meta1, action2, meta2, ...].
func parseSync(args []json.RawMessage) (synced uint64, entries []syncEntry, err error) {
	if len(args) < 1 {
		return 0, nil, fmt.Errorf("sync frame needs a counter")
	}
	if err = json.Unmarshal(args[0], &synced); err != nil {
		return 0, nil, fmt.Errorf("sync counter: %w", err)
	}
	rest := args[1:]
	if len(rest)%2 != 0 {
		return 0, nil, fmt.Errorf("sync frame has unpaired action")
	}
	for i := 0; i < len(rest); i += 2 {
		var entry syncEntry
		if err = json.Unmarshal(rest[i], &entry.Action); err != nil {
			return 0, nil, fmt.Errorf("sync action: %w", err)
		}
		if err = json.Unmarshal(rest[i+1], &entry.Meta); err != nil {
			return 0, nil, fmt.Errorf("sync meta: %w", err)
		}
		entries = append(entries, entry)
	}
	return synced, entries, nil
}

type syncEntry struct {
	Action protocol.Action
	Meta   wireMeta
}

// parseError decodes the arguments of an error frame: [kind, message].
// Both parts are optional on the wire.
func parseError(args []json.RawMessage) (kind, msg string) {
	if len(args) > 0 {
		json.Unmarshal(args[0], &kind)
	}
	if len(args) > 1 {
		json.Unmarshal(args[1], &msg)
	}
	return kind, msg
}
