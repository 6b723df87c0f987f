package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType identifies the kind of a directed signalling message.
type MessageType string

const (
	// Announce carries "<address>#<node_id>" unprompted, in reply to an
	// ident presence update.
	Announce MessageType = "announce"
	// UIDReply carries "<address>#<node_id>" in direct response to a uid?
	// presence query.
	UIDReply MessageType = "uid!"
	// Invoke carries a RemoteAction to be executed on the recipient.
	Invoke MessageType = "invk"
	// Complete carries a RemoteAction result back to its initiator.
	Complete MessageType = "cmpt"
)

// PresenceStatus identifies the kind of a presence broadcast.
type PresenceStatus string

const (
	// PresenceIdent announces this node's signalling address for a node id.
	PresenceIdent PresenceStatus = "ident"
	// PresenceUIDQuery asks the addressed node to reply with its address.
	PresenceUIDQuery PresenceStatus = "uid?"
)

// Envelope is the wire format of a directed message: a type tag and an
// opaque payload string, matching the original transport's "evio" stanza
// (type, payload) shape.
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload string      `json:"payload"`
}

// Presence is the wire format of a presence broadcast.
type Presence struct {
	From   string `json:"from"`
	To     string `json:"to,omitempty"`
	Status string `json:"status"`
}

// BuildPresenceStatus formats a presence status as "<tag>#<node_id>".
func BuildPresenceStatus(tag PresenceStatus, nodeID string) string {
	return fmt.Sprintf("%s#%s", tag, nodeID)
}

// ParsePresenceStatus splits a "<tag>#<node_id>" presence status. ok is
// false if the status does not contain exactly one '#' separator.
func ParsePresenceStatus(status string) (tag PresenceStatus, nodeID string, ok bool) {
	parts := strings.SplitN(status, "#", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return PresenceStatus(parts[0]), parts[1], true
}

// BuildAddressPayload formats an "announce"/"uid!" payload as
// "<address>#<node_id>".
func BuildAddressPayload(address, nodeID string) string {
	return fmt.Sprintf("%s#%s", address, nodeID)
}

// ParseAddressPayload splits an "announce"/"uid!" payload. ok is false if
// the payload does not contain exactly one '#' separator.
func ParseAddressPayload(payload string) (address, nodeID string, ok bool) {
	parts := strings.SplitN(payload, "#", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// MarshalRemoteActionPayload encodes v (an internal/remoteaction.RemoteAction)
// as the Envelope Payload for an Invoke/Complete message.
func MarshalRemoteActionPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("signaling: marshal remote action payload: %w", err)
	}
	return string(data), nil
}
