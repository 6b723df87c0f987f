// Package remoteaction defines the wire value object ferried between nodes
// over the signalling plane to invoke or complete a bus request on a remote
// peer.
package remoteaction

import (
	"encoding/json"
	"fmt"
)

// Status values reported on completion.
const (
	StatusOK     = true
	StatusFailed = false
)

// RemoteAction is a correlation-bearing RPC call or reply ferried between
// nodes through the signalling plane, serialised as the payload of an `invk`
// or `cmpt` directed message.
type RemoteAction struct {
	OverlayID    string          `json:"overlay_id"`
	InitiatorID  string          `json:"initiator_id"`
	InitiatorCM  string          `json:"initiator_cm"`
	RecipientID  string          `json:"recipient_id"`
	RecipientCM  string          `json:"recipient_cm"`
	Action       string          `json:"action"`
	ActionTag    string          `json:"action_tag"`
	Params       json.RawMessage `json:"params,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Status       bool            `json:"status"`
}

// IsLocalInvocation reports whether selfID is the intended recipient of this
// action (i.e. this node must execute it and reply).
func (ra RemoteAction) IsLocalInvocation(selfID string) bool {
	return ra.RecipientID == selfID
}

// IsLocalCompletion reports whether selfID originated this action (i.e. this
// node is waiting on the reply).
func (ra RemoteAction) IsLocalCompletion(selfID string) bool {
	return ra.InitiatorID == selfID
}

// WithResult returns a copy of ra with data and status set, ready to be sent
// back to the initiator as a `cmpt` message.
func (ra RemoteAction) WithResult(data json.RawMessage, status bool) RemoteAction {
	out := ra
	out.Data = data
	out.Status = status
	return out
}

// Marshal serialises the action for transport.
func (ra RemoteAction) Marshal() ([]byte, error) {
	b, err := json.Marshal(ra)
	if err != nil {
		return nil, fmt.Errorf("remoteaction: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal parses a serialised RemoteAction.
func Unmarshal(data []byte) (RemoteAction, error) {
	var ra RemoteAction
	if err := json.Unmarshal(data, &ra); err != nil {
		return RemoteAction{}, fmt.Errorf("remoteaction: unmarshal: %w", err)
	}
	if ra.ActionTag == "" {
		return RemoteAction{}, fmt.Errorf("remoteaction: unmarshal: missing action_tag")
	}
	return ra, nil
}
