package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/symphonymesh/symphonyd/internal/bus"
	"github.com/symphonymesh/symphonyd/internal/dataplane"
	"github.com/symphonymesh/symphonyd/internal/events"
	"github.com/symphonymesh/symphonyd/internal/ttx"
)

// NAT-traversing flavour bus action names.
const (
	NATAuthTunnel   = "NATAuthTunnel"
	NATCreateTunnel = "NATCreateTunnel"
	NATReqLinkEndpt = "NATReqLinkEndpt"
	NATAddPeerCas   = "NATAddPeerCas"
	NATRemoveTunnel = "NATRemoveTunnel"
	NATAbortTunnel  = "NATAbortTunnel"
)

type natNodeData struct {
	UID string `json:"uid"`
	MAC string `json:"mac"`
	FPR string `json:"fpr"`
	CAS string `json:"cas"`
}

type natAuthTunnelParams struct {
	OverlayID string `json:"overlay_id"`
	PeerID    string `json:"peer_id"`
	TunnelID  string `json:"tunnel_id"`
}

type natCreateTunnelParams struct {
	OverlayID string `json:"overlay_id"`
	PeerID    string `json:"peer_id"`
	TunnelID  string `json:"tunnel_id"`
}

type natReqLinkEndptParams struct {
	OverlayID string      `json:"overlay_id"`
	TunnelID  string      `json:"tunnel_id"`
	LinkID    string      `json:"link_id"`
	NodeData  natNodeData `json:"node_data"`
}

type natAddPeerCasParams struct {
	OverlayID string      `json:"overlay_id"`
	TunnelID  string      `json:"tunnel_id"`
	LinkID    string      `json:"link_id"`
	NodeData  natNodeData `json:"node_data"`
}

type natRemoveTunnelParams struct {
	OverlayID string `json:"overlay_id"`
	PeerID    string `json:"peer_id"`
	TunnelID  string `json:"tunnel_id"`
}

// NATManager implements the NAT-traversing tunnel flavour: a nine-phase
// handshake that exchanges candidate addresses (CAS) through the data-plane
// collaborator before a link is usable.
type NATManager struct {
	cfg    ManagerConfig
	nodeID string
	dp     dataplane.Collaborator
	bus    *bus.Bus
	events *events.Bus
	tx     *ttx.TimedTransactions
	logger *slog.Logger

	mu        sync.Mutex
	tunnels   map[string]*Tunnel
	linkIndex map[string]string // link id -> tunnel id
	overlays  map[string]OverlayConfig
	sessionID string
}

// NewNATManager constructs a NATManager. ApplyDefaults is called on cfg if
// it has not already been.
func NewNATManager(cfg ManagerConfig, nodeID string, dp dataplane.Collaborator, b *bus.Bus, ev *events.Bus, tx *ttx.TimedTransactions, logger *slog.Logger) *NATManager {
	cfg.ApplyDefaults()
	return &NATManager{
		cfg:       cfg,
		nodeID:    nodeID,
		dp:        dp,
		bus:       b,
		events:    ev,
		tx:        tx,
		logger:    logger.With("component", "tunnel", "flavour", "nat"),
		tunnels:   make(map[string]*Tunnel),
		linkIndex: make(map[string]string),
		overlays:  make(map[string]OverlayConfig),
	}
}

// RegisterOverlay installs the settings used to create interfaces for
// overlayID.
func (m *NATManager) RegisterOverlay(overlayID string, cfg OverlayConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlays[overlayID] = cfg
}

// Register installs this manager's handlers and abort handler on the bus.
func (m *NATManager) Register() {
	m.bus.Register(NATAuthTunnel, m.handleAuthTunnel)
	m.bus.Register(NATCreateTunnel, m.handleCreateTunnel)
	m.bus.Register(NATReqLinkEndpt, m.handleReqLinkEndpt)
	m.bus.Register(NATAddPeerCas, m.handleAddPeerCas)
	m.bus.Register(NATRemoveTunnel, m.handleRemoveTunnel)
	m.bus.Register(NATAbortTunnel, m.handleAbortTunnel)
	m.bus.RegisterAbort(RemoteActionBusName, m.abortRemoteAction)
}

// Tunnel returns a copy of the tunnel record for tunnelID, if known.
func (m *NATManager) Tunnel(tunnelID string) (Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[tunnelID]
	if !ok {
		return Tunnel{}, false
	}
	return *t, true
}

// ---- Phase 1/9: A issues CreateTunnel ----

func (m *NATManager) handleAuthTunnel(_ context.Context, cbt *bus.CBT) {
	var p natAuthTunnelParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}

	m.mu.Lock()
	if _, exists := m.tunnels[p.TunnelID]; exists {
		m.mu.Unlock()
		m.complete(cbt, false, fmt.Sprintf("tunnel %s already authorized for peer %s", p.TunnelID, p.PeerID))
		return
	}
	overlayCfg := m.overlays[p.OverlayID]
	t := &Tunnel{
		TunnelID:      p.TunnelID,
		OverlayID:     p.OverlayID,
		PeerID:        p.PeerID,
		TapName:       genTapName(p.OverlayID, p.PeerID, overlayCfg.TapNamePrefix),
		DataplaneKind: DataplaneNAT,
		State:         Authorized,
		SessionID:     m.sessionID,
	}
	m.tunnels[p.TunnelID] = t
	m.mu.Unlock()

	m.tx.Register(ttx.Entry{
		Item:       p.TunnelID,
		IsComplete: m.isHandshakeComplete,
		OnExpire:   m.onHandshakeExpire,
		Lifespan:   m.cfg.LinkSetupTimeout,
	})

	m.events.Publish(events.Event{Type: events.Authorized, OverlayID: p.OverlayID, PeerID: p.PeerID, TunnelID: p.TunnelID})
	m.complete(cbt, true, "authorized")
}

func (m *NATManager) handleCreateTunnel(ctx context.Context, cbt *bus.CBT) {
	var p natCreateTunnelParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}

	m.mu.Lock()
	if _, exists := m.tunnels[p.TunnelID]; exists {
		m.mu.Unlock()
		m.complete(cbt, false, fmt.Sprintf("tunnel %s already exists", p.TunnelID))
		return
	}
	overlayCfg := m.overlays[p.OverlayID]
	tapName := genTapName(p.OverlayID, p.PeerID, overlayCfg.TapNamePrefix)
	ignored := composeIgnoredInterfaces(tapName, overlayCfg.IgnoredInterfaces, m.cfg.GlobalIgnoredInterfaces, overlayCfg.AllowRecursiveTunneling, m.ownedTapNamesLocked())
	t := &Tunnel{
		TunnelID:      p.TunnelID,
		OverlayID:     p.OverlayID,
		PeerID:        p.PeerID,
		TapName:       tapName,
		DataplaneKind: DataplaneNAT,
		State:         Creating,
		SessionID:     m.sessionID,
		Link:          &Link{LinkID: p.TunnelID, CreationState: StateA1},
	}
	m.tunnels[p.TunnelID] = t
	m.linkIndex[p.TunnelID] = p.TunnelID
	m.mu.Unlock()

	desc, err := m.dp.CreateTunnel(ctx, dataplane.CreateTunnelRequest{
		OverlayID:     p.OverlayID,
		NodeID:        m.nodeID,
		TunnelID:      p.TunnelID,
		LinkID:        p.TunnelID,
		StunServers:   overlayCfg.StunServers,
		TurnServers:   overlayCfg.TurnServers,
		TapName:       tapName,
		IgnoredIfaces: ignored,
		SessionID:     m.sessionID,
	})
	if err != nil {
		m.discardTunnel(p.TunnelID)
		m.complete(cbt, false, fmt.Sprintf("failed to create local endpoint: %v", err))
		return
	}

	m.mu.Lock()
	t.MAC, t.FPR, t.TapName = desc.MAC, desc.FPR, desc.Tap
	t.Link.CreationState = StateA2
	m.mu.Unlock()

	params := natReqLinkEndptParams{
		OverlayID: p.OverlayID,
		TunnelID:  p.TunnelID,
		LinkID:    p.TunnelID,
		NodeData:  natNodeData{UID: m.nodeID, MAC: desc.MAC, FPR: desc.FPR, CAS: desc.CAS},
	}
	err = submitRemote(ctx, m.bus, p.OverlayID, m.nodeID, p.PeerID, NATReqLinkEndpt, params, cbt,
		func(data json.RawMessage, status bool, rerr error) {
			m.onReqLinkEndptReply(ctx, cbt, p.TunnelID, data, status, rerr)
		})
	if err != nil {
		m.rollback(ctx, p.TunnelID)
		m.complete(cbt, false, fmt.Sprintf("failed to reach peer: %v", err))
	}
}

// onReqLinkEndptReply is phase 5/9 on A: the peer has created its link and
// returned its node data; ask the data plane to add the peer's CAS.
func (m *NATManager) onReqLinkEndptReply(ctx context.Context, cbt *bus.CBT, tunnelID string, data json.RawMessage, status bool, rerr error) {
	if rerr != nil || !status {
		m.logger.Warn("request link endpoint failed", "tunnel_id", tunnelID, "error", rerr)
		m.rollback(ctx, tunnelID)
		m.complete(cbt, false, "failed to create link")
		return
	}

	var reply natAddPeerCasParams
	if err := json.Unmarshal(data, &reply); err != nil {
		m.rollback(ctx, tunnelID)
		m.complete(cbt, false, fmt.Sprintf("malformed reply: %v", err))
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	if ok {
		t.PeerMAC = reply.NodeData.MAC
	}
	m.mu.Unlock()
	if !ok {
		m.complete(cbt, false, "tunnel no longer exists")
		return
	}

	nodeDataJSON, _ := json.Marshal(reply.NodeData)
	desc, err := m.dp.CreateLink(ctx, dataplane.CreateLinkRequest{
		OverlayID: reply.OverlayID,
		TunnelID:  tunnelID,
		LinkID:    tunnelID,
		NodeData:  nodeDataJSON,
		SessionID: m.sessionID,
	})
	if err != nil {
		m.rollback(ctx, tunnelID)
		m.complete(cbt, false, fmt.Sprintf("failed to add peer cas: %v", err))
		return
	}

	// Phase 6/9: send this node's own CAS to the peer.
	m.mu.Lock()
	t.Link.CreationState = StateA4
	overlayID, peerID := t.OverlayID, t.PeerID
	m.mu.Unlock()

	params := natAddPeerCasParams{
		OverlayID: overlayID,
		TunnelID:  tunnelID,
		LinkID:    tunnelID,
		NodeData:  natNodeData{UID: m.nodeID, MAC: desc.MAC, FPR: desc.FPR, CAS: desc.CAS},
	}
	err = submitRemote(ctx, m.bus, overlayID, m.nodeID, peerID, NATAddPeerCas, params, cbt,
		func(_ json.RawMessage, status bool, rerr error) {
			m.onAddPeerCasReply(tunnelID, cbt, status, rerr)
		})
	if err != nil {
		m.rollback(ctx, tunnelID)
		m.complete(cbt, false, fmt.Sprintf("failed to reach peer: %v", err))
	}
}

// onAddPeerCasReply is phase 9/9 on A: the handshake is complete.
func (m *NATManager) onAddPeerCasReply(tunnelID string, cbt *bus.CBT, status bool, rerr error) {
	if rerr != nil || !status {
		m.logger.Warn("add peer cas failed", "tunnel_id", tunnelID, "error", rerr)
		m.rollback(context.Background(), tunnelID)
		m.complete(cbt, false, "handshake failed")
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	if ok {
		t.Link.CreationState = StateC0
	}
	m.mu.Unlock()
	if !ok {
		m.complete(cbt, false, "tunnel no longer exists")
		return
	}

	m.logger.Debug("nat handshake completed", "tunnel_id", tunnelID, "role", "A")
	m.complete(cbt, true, "link created")
}

// ---- Phase 3/9, 4/9: B handles ReqLinkEndpt ----

func (m *NATManager) handleReqLinkEndpt(ctx context.Context, cbt *bus.CBT) {
	var p natReqLinkEndptParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[p.TunnelID]
	if !ok || t.State != Authorized {
		m.mu.Unlock()
		m.complete(cbt, false, fmt.Sprintf("tunnel %s was not authorized or has expired", p.TunnelID))
		return
	}
	overlayCfg := m.overlays[p.OverlayID]
	tapName := t.TapName
	if tapName == "" {
		tapName = genTapName(p.OverlayID, p.NodeData.UID, overlayCfg.TapNamePrefix)
	}
	ignored := composeIgnoredInterfaces(tapName, overlayCfg.IgnoredInterfaces, m.cfg.GlobalIgnoredInterfaces, overlayCfg.AllowRecursiveTunneling, m.ownedTapNamesLocked())
	t.State = Creating
	t.PeerMAC = p.NodeData.MAC
	t.Link = &Link{LinkID: p.LinkID, CreationState: StateB1}
	m.linkIndex[p.LinkID] = p.TunnelID
	m.mu.Unlock()

	nodeDataJSON, _ := json.Marshal(p.NodeData)
	desc, err := m.dp.CreateTunnel(ctx, dataplane.CreateTunnelRequest{
		OverlayID:     p.OverlayID,
		NodeID:        m.nodeID,
		TunnelID:      p.TunnelID,
		LinkID:        p.LinkID,
		StunServers:   overlayCfg.StunServers,
		TurnServers:   overlayCfg.TurnServers,
		TapName:       tapName,
		IgnoredIfaces: ignored,
		SessionID:     m.sessionID,
		NodeData:      nodeDataJSON,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.tunnels, p.TunnelID)
		delete(m.linkIndex, p.LinkID)
		m.mu.Unlock()
		m.complete(cbt, false, fmt.Sprintf("failed to create local endpoint: %v", err))
		return
	}

	m.mu.Lock()
	t.MAC, t.FPR, t.TapName = desc.MAC, desc.FPR, desc.Tap
	t.Link.CreationState = StateB2
	m.mu.Unlock()

	m.logger.Debug("request link endpoint completed", "tunnel_id", p.TunnelID, "peer_id", p.NodeData.UID)
	reply := natAddPeerCasParams{
		OverlayID: p.OverlayID,
		TunnelID:  p.TunnelID,
		LinkID:    p.LinkID,
		NodeData:  natNodeData{UID: m.nodeID, MAC: desc.MAC, FPR: desc.FPR, CAS: desc.CAS},
	}
	replyData, _ := json.Marshal(reply)
	_ = m.bus.Complete(cbt.Tag, replyData, true)
}

// ---- Phase 7/9, 8/9: B handles AddPeerCas ----

func (m *NATManager) handleAddPeerCas(ctx context.Context, cbt *bus.CBT) {
	var p natAddPeerCasParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[p.TunnelID]
	if !ok || t.Link == nil {
		m.mu.Unlock()
		m.complete(cbt, false, "this request was aborted")
		return
	}
	t.Link.CreationState = StateB3
	m.mu.Unlock()

	nodeDataJSON, _ := json.Marshal(p.NodeData)
	desc, err := m.dp.CreateLink(ctx, dataplane.CreateLinkRequest{
		OverlayID: p.OverlayID,
		TunnelID:  p.TunnelID,
		LinkID:    p.LinkID,
		NodeData:  nodeDataJSON,
		SessionID: m.sessionID,
	})
	if err != nil {
		m.rollback(ctx, p.TunnelID)
		m.complete(cbt, false, fmt.Sprintf("failed to add peer cas: %v", err))
		return
	}

	m.mu.Lock()
	t.Link.CreationState = StateC0
	overlayID, peerID, tapName, mac := t.OverlayID, t.PeerID, t.TapName, t.MAC
	m.mu.Unlock()

	m.logger.Info("nat handshake completed", "tunnel_id", p.TunnelID, "role", "B")
	_ = desc
	m.events.Publish(events.Event{
		Type: events.Connected, OverlayID: overlayID, PeerID: peerID, TunnelID: p.TunnelID,
		TapName: tapName, LocalMAC: mac, PeerMAC: p.NodeData.MAC, DataplaneKind: DataplaneNAT, Timestamp: time.Now(),
	})
	m.complete(cbt, true, "peer cas added")
}

// ---- Removal ----

func (m *NATManager) handleRemoveTunnel(ctx context.Context, cbt *bus.CBT) {
	var p natRemoveTunnelParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[p.TunnelID]
	var tapName, linkID string
	if ok {
		tapName = t.TapName
		if t.Link != nil {
			linkID = t.Link.LinkID
			delete(m.linkIndex, linkID)
		}
		delete(m.tunnels, p.TunnelID)
	}
	m.mu.Unlock()

	if err := m.dp.RemoveTunnel(ctx, dataplane.RemoveTunnelRequest{OverlayID: p.OverlayID, TunnelID: p.TunnelID, LinkID: linkID, PeerID: p.PeerID, TapName: tapName, SessionID: m.sessionID}); err != nil {
		m.logger.Warn("failed to remove interface", "tunnel_id", p.TunnelID, "error", err)
	}

	m.complete(cbt, true, "tunnel removed")
	m.events.Publish(events.Event{Type: events.Removed, OverlayID: p.OverlayID, PeerID: p.PeerID, TunnelID: p.TunnelID, TapName: tapName})
}

func (m *NATManager) handleAbortTunnel(ctx context.Context, cbt *bus.CBT) {
	var p natRemoveTunnelParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}
	m.rollback(ctx, p.TunnelID)
	m.complete(cbt, true, fmt.Sprintf("tunnel aborted: %s", p.TunnelID))
}

func (m *NATManager) abortRemoteAction(ctx context.Context, cbt *bus.CBT) {
	tunnelID := tunnelIDFromRemoteAction(cbt.Params)
	if tunnelID == "" {
		return
	}
	m.rollback(ctx, tunnelID)
}

// rollback removes the link/interface for tunnelID (a half-created one, or
// one that has gone Offline), regardless of handshake side, and drops its
// record.
func (m *NATManager) rollback(ctx context.Context, tunnelID string) {
	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	var linkID string
	if ok {
		if t.Link != nil {
			linkID = t.Link.LinkID
			delete(m.linkIndex, linkID)
		}
		delete(m.tunnels, tunnelID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.dp.RemoveTunnel(ctx, dataplane.RemoveTunnelRequest{OverlayID: t.OverlayID, TunnelID: tunnelID, LinkID: linkID, PeerID: t.PeerID, TapName: t.TapName, SessionID: m.sessionID}); err != nil {
		m.logger.Warn("failed to remove interface on rollback", "tunnel_id", tunnelID, "error", err)
	}
}

// discardTunnel drops a tunnel (and its link index entry, if any) with no
// data-plane interaction; used when an allocation attempt never reached the
// point of creating one.
func (m *NATManager) discardTunnel(tunnelID string) {
	m.mu.Lock()
	if t, ok := m.tunnels[tunnelID]; ok && t.Link != nil {
		delete(m.linkIndex, t.Link.LinkID)
	}
	delete(m.tunnels, tunnelID)
	m.mu.Unlock()
}

// ---- Liveness ----

// HandleNotify processes an unsolicited collaborator notification. It
// satisfies dataplane.NotifyHandler.
func (m *NATManager) HandleNotify(n dataplane.TincanMsgNotify) {
	switch n.Command {
	case dataplane.LinkStateChange:
		m.handleLinkStateChange(n)
	case dataplane.TincanReady, dataplane.ResetTincanTunnels:
		m.resetSession(n.SessionID, n.Command == dataplane.ResetTincanTunnels)
	}
}

func (m *NATManager) handleLinkStateChange(n dataplane.TincanMsgNotify) {
	var payload struct {
		State dataplane.LinkState `json:"state"`
	}
	_ = json.Unmarshal(n.Data, &payload)

	m.mu.Lock()
	tunnelID := n.TunnelID
	if tunnelID == "" {
		tunnelID = m.linkIndex[n.LinkID]
	}
	t, ok := m.tunnels[tunnelID]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch payload.State {
	case dataplane.LinkStateDown:
		if t.State != Querying {
			t.State = Querying
			m.mu.Unlock()
			m.pollOne(context.Background(), tunnelID)
			return
		}
	case dataplane.LinkStateUp:
		if t.State != Querying {
			t.State = Online
			overlayID, peerID, tapName, mac, peerMAC := t.OverlayID, t.PeerID, t.TapName, t.MAC, t.PeerMAC
			m.mu.Unlock()
			m.events.Publish(events.Event{
				Type: events.Connected, OverlayID: overlayID, PeerID: peerID, TunnelID: tunnelID,
				TapName: tapName, LocalMAC: mac, PeerMAC: peerMAC, DataplaneKind: DataplaneNAT, Timestamp: time.Now(),
			})
			return
		}
		if t.Link != nil {
			t.Link.StatusRetry = 0
		}
	}
	m.mu.Unlock()
}

// PollStats queries the data plane for the liveness of every tunnel whose
// handshake has completed, and applies the replies. Call periodically.
func (m *NATManager) PollStats(ctx context.Context) {
	m.mu.Lock()
	var ids []string
	for id, t := range m.tunnels {
		if t.Link.IsComplete() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	stats, err := m.dp.QueryLinkStats(ctx, ids)
	if err != nil {
		m.logger.Warn("query link stats failed", "error", err)
		return
	}
	for tunnelID, s := range stats {
		m.applyStats(tunnelID, s)
	}
}

func (m *NATManager) pollOne(ctx context.Context, tunnelID string) {
	stats, err := m.dp.QueryLinkStats(ctx, []string{tunnelID})
	if err != nil {
		m.logger.Warn("query link stats failed", "tunnel_id", tunnelID, "error", err)
		return
	}
	if s, ok := stats[tunnelID]; ok {
		m.applyStats(tunnelID, s)
	}
}

func (m *NATManager) applyStats(tunnelID string, s dataplane.LinkStats) {
	switch s.Status {
	case dataplane.LinkUnknown:
		m.mu.Lock()
		if t, ok := m.tunnels[tunnelID]; ok && t.Link != nil {
			delete(m.linkIndex, t.Link.LinkID)
		}
		delete(m.tunnels, tunnelID)
		m.mu.Unlock()

	case dataplane.LinkOffline:
		m.mu.Lock()
		t, ok := m.tunnels[tunnelID]
		if !ok {
			m.mu.Unlock()
			return
		}
		retry := t.Link.StatusRetry
		switch {
		case retry >= 2 && t.State == Creating:
			overlayID, peerID, tapName, linkID := t.OverlayID, t.PeerID, t.TapName, t.Link.LinkID
			delete(m.linkIndex, linkID)
			delete(m.tunnels, tunnelID)
			m.mu.Unlock()
			if err := m.dp.RemoveTunnel(context.Background(), dataplane.RemoveTunnelRequest{OverlayID: overlayID, TunnelID: tunnelID, LinkID: linkID, PeerID: peerID, TapName: tapName, SessionID: m.sessionID}); err != nil {
				m.logger.Warn("failed to remove stuck tunnel", "tunnel_id", tunnelID, "error", err)
			}
			m.events.Publish(events.Event{Type: events.Removed, OverlayID: overlayID, PeerID: peerID, TunnelID: tunnelID, TapName: tapName})
		case t.State == Querying || (retry >= 1 && t.State == Online):
			t.State = Offline
			overlayID, peerID, tapName := t.OverlayID, t.PeerID, t.TapName
			m.mu.Unlock()
			m.events.Publish(events.Event{Type: events.Disconnected, OverlayID: overlayID, PeerID: peerID, TunnelID: tunnelID, TapName: tapName})
			m.rollback(context.Background(), tunnelID)
		default:
			t.Link.StatusRetry++
			m.mu.Unlock()
		}

	case dataplane.LinkOnline:
		m.mu.Lock()
		if t, ok := m.tunnels[tunnelID]; ok {
			t.State = Online
			if t.Link != nil {
				t.Link.Stats = s.Stats
				t.Link.StatusRetry = 0
			}
		}
		m.mu.Unlock()
	}
}

// resetSession adopts a new data-plane session id. If clear is true (a
// ResetTincanTunnels notification), every tunnel and link record is
// discarded first.
func (m *NATManager) resetSession(sessionID string, clear bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clear {
		m.tunnels = make(map[string]*Tunnel)
		m.linkIndex = make(map[string]string)
	}
	if sessionID != "" && sessionID != m.sessionID {
		m.sessionID = sessionID
	}
}

func (m *NATManager) isHandshakeComplete(item any) bool {
	tunnelID, _ := item.(string)
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[tunnelID]
	return !ok || t.Link.IsComplete()
}

func (m *NATManager) onHandshakeExpire(item any, _ time.Time) {
	tunnelID, _ := item.(string)

	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	if !ok {
		m.mu.Unlock()
		return
	}
	state := t.State
	overlayID, peerID, tapName := t.OverlayID, t.PeerID, t.TapName
	var linkID string
	if t.Link != nil {
		linkID = t.Link.LinkID
	}
	delete(m.tunnels, tunnelID)
	delete(m.linkIndex, linkID)
	m.mu.Unlock()

	m.logger.Info("rolling back expired handshake", "tunnel_id", tunnelID, "state", state)
	if err := m.dp.RemoveTunnel(context.Background(), dataplane.RemoveTunnelRequest{OverlayID: overlayID, TunnelID: tunnelID, LinkID: linkID, PeerID: peerID, TapName: tapName, SessionID: m.sessionID}); err != nil {
		m.logger.Warn("failed to remove interface on expiry", "tunnel_id", tunnelID, "error", err)
	}
	m.events.Publish(events.Event{Type: events.AuthExpired, OverlayID: overlayID, PeerID: peerID, TunnelID: tunnelID, TapName: tapName})
}

// ownedTapNamesLocked returns every tap name this manager currently owns
// across all overlays. Caller must hold m.mu.
func (m *NATManager) ownedTapNamesLocked() []string {
	out := make([]string, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		if t.TapName != "" {
			out = append(out, t.TapName)
		}
	}
	return out
}

func (m *NATManager) complete(cbt *bus.CBT, status bool, msg string) {
	data, _ := json.Marshal(msg)
	_ = m.bus.Complete(cbt.Tag, data, status)
}
