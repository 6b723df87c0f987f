package overlay

// LinkSnapshot describes one overlay connection for reporting purposes,
// mirroring the original's visualizer query: which peer, what kind of edge,
// and (if this node was the one that initiated the tunnel) its live state.
type LinkSnapshot struct {
	PeerID    string `json:"peer_id"`
	EdgeType  string `json:"edge_type"`
	EdgeState string `json:"edge_state"`
	TunnelID  string `json:"tunnel_id,omitempty"`
	TapName   string `json:"tap_name,omitempty"`
	MAC       string `json:"mac,omitempty"`
	PeerMAC   string `json:"peer_mac,omitempty"`
	State     string `json:"state,omitempty"`
}

// OverlaySnapshot is one overlay's current adjacency, for reporting.
type OverlaySnapshot struct {
	OverlayID string         `json:"overlay_id"`
	Links     []LinkSnapshot `json:"links"`
}

// Snapshot returns the current adjacency and tunnel state of every overlay
// this node runs, for the status CLI subcommand. Only edges this node
// initiated carry live tunnel state, since tunnel ids for peer-initiated
// edges are tracked entirely inside the tunnel manager, which exposes no
// enumeration surface — only lookup by a known id.
func (n *Node) Snapshot() []OverlaySnapshot {
	n.mu.Lock()
	overlays := make([]*Overlay, 0, len(n.overlays))
	for _, ov := range n.overlays {
		overlays = append(overlays, ov)
	}
	n.mu.Unlock()

	mgr := n.manager()

	out := make([]OverlaySnapshot, 0, len(overlays))
	for _, ov := range overlays {
		out = append(out, n.snapshotOverlay(ov, mgr))
	}
	return out
}

func (n *Node) snapshotOverlay(ov *Overlay, mgr tunnelManager) OverlaySnapshot {
	ov.mu.Lock()
	adj := ov.adjacency
	peerTunnel := make(map[string]string, len(ov.peerTunnel))
	for peerID, tunnelID := range ov.peerTunnel {
		peerTunnel[peerID] = tunnelID
	}
	ov.mu.Unlock()

	snap := OverlaySnapshot{OverlayID: ov.id}
	if adj == nil {
		return snap
	}

	for _, peerID := range adj.PeerIDs() {
		ce, _ := adj.Get(peerID)
		link := LinkSnapshot{
			PeerID:    peerID,
			EdgeType:  string(ce.EdgeType),
			EdgeState: string(ce.EdgeState),
		}
		if tunnelID, ok := peerTunnel[peerID]; ok {
			link.TunnelID = tunnelID
			if t, ok := mgr.Tunnel(tunnelID); ok {
				link.TapName = t.TapName
				link.MAC = t.MAC
				link.PeerMAC = t.PeerMAC
				link.State = string(t.State)
			}
		}
		snap.Links = append(snap.Links, link)
	}
	return snap
}
