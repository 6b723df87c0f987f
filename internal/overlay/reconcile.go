package overlay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/symphonymesh/symphonyd/internal/bus"
	"github.com/symphonymesh/symphonyd/internal/config"
	"github.com/symphonymesh/symphonyd/internal/fsutil"
	"github.com/symphonymesh/symphonyd/internal/graph"
	"github.com/symphonymesh/symphonyd/internal/tunnel"
)

// DefaultReconcilePeriod is how often a Node rebuilds each overlay's target
// topology and drives the diff.
const DefaultReconcilePeriod = 10 * time.Second

type authTunnelParams struct {
	OverlayID string `json:"overlay_id"`
	PeerID    string `json:"peer_id"`
	TunnelID  string `json:"tunnel_id"`
}

type createTunnelParams struct {
	OverlayID string `json:"overlay_id"`
	PeerID    string `json:"peer_id"`
	TunnelID  string `json:"tunnel_id"`
	VNID      uint32 `json:"vnid"`
}

type removeTunnelParams struct {
	OverlayID string `json:"overlay_id"`
	PeerID    string `json:"peer_id"`
	TunnelID  string `json:"tunnel_id"`
}

// reconcileLoop rebuilds ov's target adjacency list on a fixed tick and acts
// on the resulting GraphTransformation, persisting the new adjacency list
// after every rebuild that changes something.
func (n *Node) reconcileLoop(ctx context.Context, ov *Overlay) {
	ticker := time.NewTicker(DefaultReconcilePeriod)
	defer ticker.Stop()

	n.reconcileOnce(ctx, ov)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.reconcileOnce(ctx, ov)
		}
	}
}

func (n *Node) reconcileOnce(ctx context.Context, ov *Overlay) {
	peers := ov.signal.KnownPeers()

	ov.mu.Lock()
	prev := ov.adjacency
	next := ov.builder.Build(peers, prev, &ov.onDemand, false)
	transform := graph.NewGraphTransformation(prev, next)
	ov.adjacency = next
	ov.mu.Unlock()

	if transform.IsEmpty() {
		return
	}

	for _, edge := range transform.Additions() {
		n.initiateEdge(ctx, ov, edge)
	}
	for _, edge := range transform.Removals() {
		n.removeEdge(ctx, ov, edge)
	}

	if err := n.persistAdjacency(ov, next); err != nil {
		n.logger.Error("failed to persist adjacency list", "overlay_id", ov.id, "error", err)
	}
}

// initiateEdge drives the first leg of a new connection this node decided
// to open: it asks the peer to authorize a freshly generated tunnel id, and
// on success submits the local CreateTunnel that continues the handshake
// (every later leg is handled inside the tunnel manager itself).
func (n *Node) initiateEdge(ctx context.Context, ov *Overlay, edge graph.ConnectionEdge) {
	tunnelID, err := newTunnelID()
	if err != nil {
		n.logger.Error("failed to generate tunnel id", "overlay_id", ov.id, "peer_id", edge.PeerID, "error", err)
		return
	}

	params := authTunnelParams{OverlayID: ov.id, PeerID: n.nodeID, TunnelID: tunnelID}
	err = tunnel.SubmitRemoteAction(ctx, n.bus, ov.id, n.nodeID, edge.PeerID, n.authTunnelAction(), params,
		func(data json.RawMessage, status bool, rerr error) {
			if rerr != nil || !status {
				n.logger.Warn("peer refused tunnel authorization", "overlay_id", ov.id, "peer_id", edge.PeerID, "error", rerr)
				return
			}
			n.createTunnel(ctx, ov, edge.PeerID, tunnelID)
		})
	if err != nil {
		n.logger.Error("failed to request tunnel authorization", "overlay_id", ov.id, "peer_id", edge.PeerID, "error", err)
	}
}

func (n *Node) createTunnel(ctx context.Context, ov *Overlay, peerID, tunnelID string) {
	var encoded json.RawMessage
	var err error

	if n.flavor == config.FlavorNAT {
		encoded, err = json.Marshal(createTunnelParams{OverlayID: ov.id, PeerID: peerID, TunnelID: tunnelID})
	} else {
		var vnid uint32
		vnid, err = newVNID()
		if err == nil {
			encoded, err = json.Marshal(createTunnelParams{OverlayID: ov.id, PeerID: peerID, TunnelID: tunnelID, VNID: vnid})
		}
	}
	if err != nil {
		n.logger.Error("failed to build create tunnel params", "overlay_id", ov.id, "peer_id", peerID, "error", err)
		return
	}

	_, err = n.bus.Submit(ctx, n.createTunnelAction(), n.nodeID, n.nodeID, encoded, nil, func(resp bus.Response) {
		if resp.Err != nil || !resp.Status {
			n.logger.Warn("create tunnel did not complete", "overlay_id", ov.id, "peer_id", peerID, "error", resp.Err)
		}
	})
	if err != nil {
		n.logger.Error("failed to submit create tunnel", "overlay_id", ov.id, "peer_id", peerID, "error", err)
		return
	}

	ov.mu.Lock()
	ov.peerTunnel[peerID] = tunnelID
	ov.mu.Unlock()
}

func (n *Node) removeEdge(ctx context.Context, ov *Overlay, edge graph.ConnectionEdge) {
	ov.mu.Lock()
	tunnelID, ok := ov.peerTunnel[edge.PeerID]
	if ok {
		delete(ov.peerTunnel, edge.PeerID)
	}
	ov.mu.Unlock()
	if !ok {
		return
	}

	encoded, err := json.Marshal(removeTunnelParams{OverlayID: ov.id, PeerID: edge.PeerID, TunnelID: tunnelID})
	if err != nil {
		n.logger.Error("failed to marshal remove tunnel params", "error", err)
		return
	}

	_, err = n.bus.Submit(ctx, n.removeTunnelAction(), n.nodeID, n.nodeID, encoded, nil, nil)
	if err != nil {
		n.logger.Error("failed to submit tunnel removal", "overlay_id", ov.id, "peer_id", edge.PeerID, "error", err)
	}
}

// persistAdjacency writes the overlay's current peer set to disk so a
// restarted node can recall who it was connected to before rebuilding from
// presence again. Best-effort: a write failure is logged by the caller, not
// fatal to reconciliation.
func (n *Node) persistAdjacency(ov *Overlay, adj *graph.AdjacencyList) error {
	if n.dataDir == "" {
		return nil
	}
	dir := filepath.Join(n.dataDir, "overlays", ov.id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(adj.PeerIDs())
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(dir, "adjacency.json", data, 0o600)
}
