package protocol

import (
	"strconv"
	"strings"
)

// ParsedID is the decomposition of a 3-part action ID
// "<counter> <nodeId> <seq>".
type ParsedID struct {
	Counter  int64
	NodeID   string
	ClientID string
	UserID   string
	Seq      int64
}

// ParseID splits an action ID into its parts. Returns false on any shape
// violation: wrong part count or non-numeric counter/seq.
func ParseID(id string) (ParsedID, bool) {
	parts := strings.Split(id, " ")
	if len(parts) != 3 {
		return ParsedID{}, false
	}
	counter, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ParsedID{}, false
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ParsedID{}, false
	}
	user, client := SplitNodeID(parts[1])
	return ParsedID{
		Counter:  counter,
		NodeID:   parts[1],
		ClientID: client,
		UserID:   user,
		Seq:      seq,
	}, true
}

// SplitNodeID derives (userId, clientId) from a node ID.
//
// The canonical client form is "user:clientRand[:nodeRand]": the user is the
// first segment and the client ID is the first two segments. A bare ID with
// no colon is treated as a client-only ID with no user.
func SplitNodeID(nodeID string) (userID, clientID string) {
	first := strings.IndexByte(nodeID, ':')
	if first < 0 {
		return "", nodeID
	}
	rest := nodeID[first+1:]
	if second := strings.IndexByte(rest, ':'); second >= 0 {
		return nodeID[:first], nodeID[:first+1+second]
	}
	return nodeID[:first], nodeID
}
