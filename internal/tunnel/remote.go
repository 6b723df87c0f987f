package tunnel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/symphonymesh/symphonyd/internal/bus"
	"github.com/symphonymesh/symphonyd/internal/remoteaction"
)

// RemoteActionBusName is the action a tunnel manager submits to the bus to
// have a request carried to a peer node. A separate component (the overlay
// glue) registers the handler for it, bridging to Signal.Initiate; the
// tunnel managers themselves never talk to signalling directly, per the
// rule that no mutable state crosses subsystems except through the bus.
const RemoteActionBusName = "SIG_REMOTE_ACTION"

// submitRemote asks the bus to carry action to peerID as a remoteaction.
// RemoteAction, and passes the eventual reply's raw Data, Status and Err to
// onReply.
func submitRemote(ctx context.Context, b *bus.Bus, overlayID, selfID, peerID, action string, params any, parent *bus.CBT, onReply func(data json.RawMessage, status bool, err error)) error {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("tunnel: marshal remote action params: %w", err)
	}

	ra := remoteaction.RemoteAction{
		OverlayID:   overlayID,
		InitiatorID: selfID,
		RecipientID: peerID,
		Action:      action,
		Params:      encodedParams,
	}
	encodedReq, err := json.Marshal(ra)
	if err != nil {
		return fmt.Errorf("tunnel: marshal remote action envelope: %w", err)
	}

	_, err = b.Submit(ctx, RemoteActionBusName, selfID, peerID, encodedReq, parent, func(resp bus.Response) {
		onReply(resp.Data, resp.Status, resp.Err)
	})
	return err
}

// SubmitRemoteAction is submitRemote's exported form, for the overlay glue
// to kick off the first leg of a handshake (every later leg is issued by the
// manager's own handlers, which call submitRemote directly).
func SubmitRemoteAction(ctx context.Context, b *bus.Bus, overlayID, selfID, peerID, action string, params any, onReply func(data json.RawMessage, status bool, err error)) error {
	return submitRemote(ctx, b, overlayID, selfID, peerID, action, params, nil, onReply)
}

// tunnelIDFromRemoteAction extracts the tunnel id carried in a remote
// action's params, for abort handlers that only need to know which local
// record to unwind.
func tunnelIDFromRemoteAction(raw json.RawMessage) string {
	var ra remoteaction.RemoteAction
	if err := json.Unmarshal(raw, &ra); err != nil {
		return ""
	}
	var p struct {
		TunnelID string `json:"tunnel_id"`
	}
	_ = json.Unmarshal(ra.Params, &p)
	return p.TunnelID
}
