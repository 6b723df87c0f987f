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

// Kernel-flavour bus action names. Local invocation and remote-action
// dispatch share the same names: the overlay glue re-dispatches an inbound
// RemoteAction by Submitting it locally under the action it names.
const (
	KernelAuthTunnel    = "KernelAuthTunnel"
	KernelCreateTunnel  = "KernelCreateTunnel"
	KernelExchangeEndpt = "KernelExchangeEndpt"
	KernelUpdateMac     = "KernelUpdateMac"
	KernelRemoveTunnel  = "KernelRemoveTunnel"
	KernelAbortTunnel   = "KernelAbortTunnel"
)

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

type exchangeEndptParams struct {
	OverlayID       string `json:"overlay_id"`
	TunnelID        string `json:"tunnel_id"`
	VNID            uint32 `json:"vnid"`
	NodeID          string `json:"node_id"`
	EndPointAddress string `json:"end_point_address"`
}

type exchangeEndptReply struct {
	TunnelID        string `json:"tunnel_id"`
	VNID            uint32 `json:"vnid"`
	NodeID          string `json:"node_id"`
	EndPointAddress string `json:"end_point_address"`
	MAC             string `json:"mac"`
	DataplaneKind   string `json:"dataplane_kind"`
}

type updateMacParams struct {
	OverlayID string `json:"overlay_id"`
	TunnelID  string `json:"tunnel_id"`
	NodeID    string `json:"node_id"`
	MAC       string `json:"mac"`
}

type removeTunnelParams struct {
	OverlayID string `json:"overlay_id"`
	PeerID    string `json:"peer_id"`
	TunnelID  string `json:"tunnel_id"`
}

// KernelManager implements the kernel (Geneve) tunnel flavour: a single
// request/response exchange establishes a point-to-point interface bound to
// the peer's advertised endpoint address, with no NAT-traversal handshake.
type KernelManager struct {
	cfg    ManagerConfig
	nodeID string
	dp     dataplane.Collaborator
	bus    *bus.Bus
	events *events.Bus
	tx     *ttx.TimedTransactions
	logger *slog.Logger

	mu       sync.Mutex
	tunnels  map[string]*Tunnel
	overlays map[string]OverlayConfig
}

// NewKernelManager constructs a KernelManager. ApplyDefaults is called on
// cfg if it has not already been.
func NewKernelManager(cfg ManagerConfig, nodeID string, dp dataplane.Collaborator, b *bus.Bus, ev *events.Bus, tx *ttx.TimedTransactions, logger *slog.Logger) *KernelManager {
	cfg.ApplyDefaults()
	return &KernelManager{
		cfg:      cfg,
		nodeID:   nodeID,
		dp:       dp,
		bus:      b,
		events:   ev,
		tx:       tx,
		logger:   logger.With("component", "tunnel", "flavour", "kernel"),
		tunnels:  make(map[string]*Tunnel),
		overlays: make(map[string]OverlayConfig),
	}
}

// RegisterOverlay installs the settings used to create interfaces for
// overlayID.
func (m *KernelManager) RegisterOverlay(overlayID string, cfg OverlayConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlays[overlayID] = cfg
}

// Register installs this manager's handlers and abort handler on the bus.
func (m *KernelManager) Register() {
	m.bus.Register(KernelAuthTunnel, m.handleAuthTunnel)
	m.bus.Register(KernelCreateTunnel, m.handleCreateTunnel)
	m.bus.Register(KernelExchangeEndpt, m.handleExchangeEndpt)
	m.bus.Register(KernelUpdateMac, m.handleUpdateMac)
	m.bus.Register(KernelRemoveTunnel, m.handleRemoveTunnel)
	m.bus.Register(KernelAbortTunnel, m.handleAbortTunnel)
	m.bus.RegisterAbort(RemoteActionBusName, m.abortRemoteAction)
}

// Tunnel returns a copy of the tunnel record for tunnelID, if known.
func (m *KernelManager) Tunnel(tunnelID string) (Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[tunnelID]
	if !ok {
		return Tunnel{}, false
	}
	return *t, true
}

func (m *KernelManager) handleAuthTunnel(_ context.Context, cbt *bus.CBT) {
	var p authTunnelParams
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
		DataplaneKind: DataplaneKernel,
		State:         Authorized,
	}
	m.tunnels[p.TunnelID] = t
	m.mu.Unlock()

	m.tx.Register(ttx.Entry{
		Item:       p.TunnelID,
		IsComplete: m.isTunnelOnline,
		OnExpire:   m.onAuthExpire,
		Lifespan:   m.cfg.GeneveSetupTimeout,
	})

	m.logger.Debug("tunnel authorized", "tunnel_id", p.TunnelID, "peer_id", p.PeerID)
	m.events.Publish(events.Event{Type: events.Authorized, OverlayID: p.OverlayID, PeerID: p.PeerID, TunnelID: p.TunnelID})
	m.complete(cbt, true, "authorized")
}

func (m *KernelManager) handleCreateTunnel(ctx context.Context, cbt *bus.CBT) {
	var p createTunnelParams
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
	t := &Tunnel{
		TunnelID:      p.TunnelID,
		OverlayID:     p.OverlayID,
		PeerID:        p.PeerID,
		TapName:       tapName,
		DataplaneKind: DataplaneKernel,
		State:         Creating,
	}
	m.tunnels[p.TunnelID] = t
	m.mu.Unlock()

	// Clear any remnant of a previous attempt under the same name.
	_ = m.dp.RemoveTunnel(ctx, dataplane.RemoveTunnelRequest{OverlayID: p.OverlayID, TunnelID: p.TunnelID, TapName: tapName})

	params := exchangeEndptParams{
		OverlayID:       p.OverlayID,
		TunnelID:        p.TunnelID,
		VNID:            p.VNID,
		NodeID:          m.nodeID,
		EndPointAddress: overlayCfg.EndpointAddress,
	}
	err := submitRemote(ctx, m.bus, p.OverlayID, m.nodeID, p.PeerID, KernelExchangeEndpt, params, cbt,
		func(data json.RawMessage, status bool, rerr error) {
			m.onExchangeEndptReply(ctx, cbt, p.TunnelID, p.PeerID, p.OverlayID, tapName, data, status, rerr)
		})
	if err != nil {
		m.rollbackLocal(ctx, p.TunnelID)
		m.complete(cbt, false, fmt.Sprintf("failed to reach peer: %v", err))
	}
}

func (m *KernelManager) onExchangeEndptReply(ctx context.Context, cbt *bus.CBT, tunnelID, peerID, overlayID, tapName string, data json.RawMessage, status bool, rerr error) {
	if rerr != nil || !status {
		m.logger.Warn("exchange endpoint failed", "tunnel_id", tunnelID, "error", rerr)
		m.rollbackLocal(ctx, tunnelID)
		m.complete(cbt, false, "failed to create tunnel")
		return
	}

	var reply exchangeEndptReply
	if err := json.Unmarshal(data, &reply); err != nil {
		m.rollbackLocal(ctx, tunnelID)
		m.complete(cbt, false, fmt.Sprintf("malformed reply: %v", err))
		return
	}

	desc, err := m.dp.CreateTunnel(ctx, dataplane.CreateTunnelRequest{
		OverlayID: overlayID,
		NodeID:    m.nodeID,
		TunnelID:  tunnelID,
		LinkID:    tunnelID,
		TapName:   tapName,
		NodeData:  json.RawMessage(fmt.Sprintf(`{"remote_address":%q}`, reply.EndPointAddress)),
	})
	if err != nil {
		m.rollbackLocal(ctx, tunnelID)
		m.complete(cbt, false, fmt.Sprintf("local endpoint creation failed: %v", err))
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	if ok {
		t.MAC = desc.MAC
		t.PeerMAC = reply.MAC
		t.TapName = desc.Tap
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.complete(cbt, true, "tunnel created")

	// Fire-and-forget: the peer needs our MAC to transition to Online. A
	// failure here leaves the peer's handshake to expire on its own timed
	// transaction.
	go func() {
		_ = submitRemote(context.Background(), m.bus, overlayID, m.nodeID, peerID, KernelUpdateMac,
			updateMacParams{OverlayID: overlayID, TunnelID: tunnelID, NodeID: m.nodeID, MAC: desc.MAC}, nil,
			func(_ json.RawMessage, status bool, err error) {
				if err != nil || !status {
					m.logger.Warn("peer did not accept update_mac", "tunnel_id", tunnelID, "error", err)
					return
				}
				m.mu.Lock()
				if t, ok := m.tunnels[tunnelID]; ok {
					t.State = Online
				}
				m.mu.Unlock()
				m.events.Publish(events.Event{
					Type: events.Connected, OverlayID: overlayID, PeerID: peerID, TunnelID: tunnelID,
					TapName: tapName, LocalMAC: desc.MAC, PeerMAC: reply.MAC, DataplaneKind: DataplaneKernel,
				})
			})
	}()
}

func (m *KernelManager) handleExchangeEndpt(ctx context.Context, cbt *bus.CBT) {
	var p exchangeEndptParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}
	peerID := cbt.Initiator

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
		tapName = genTapName(p.OverlayID, peerID, overlayCfg.TapNamePrefix)
	}
	t.State = Creating
	m.mu.Unlock()

	_ = m.dp.RemoveTunnel(ctx, dataplane.RemoveTunnelRequest{OverlayID: p.OverlayID, TunnelID: p.TunnelID, TapName: tapName})

	desc, err := m.dp.CreateTunnel(ctx, dataplane.CreateTunnelRequest{
		OverlayID: p.OverlayID,
		NodeID:    m.nodeID,
		TunnelID:  p.TunnelID,
		LinkID:    p.TunnelID,
		TapName:   tapName,
		NodeData:  json.RawMessage(fmt.Sprintf(`{"remote_address":%q}`, p.EndPointAddress)),
	})
	if err != nil {
		m.mu.Lock()
		delete(m.tunnels, p.TunnelID)
		m.mu.Unlock()
		m.complete(cbt, false, fmt.Sprintf("failed to create geneve tunnel: %v", err))
		return
	}

	m.mu.Lock()
	t.MAC = desc.MAC
	t.TapName = desc.Tap
	m.mu.Unlock()

	m.logger.Debug("exchange endpoint completed", "tunnel_id", p.TunnelID, "peer_id", peerID)
	replyData, _ := json.Marshal(exchangeEndptReply{
		TunnelID:        p.TunnelID,
		VNID:            p.VNID,
		NodeID:          m.nodeID,
		EndPointAddress: overlayCfg.EndpointAddress,
		MAC:             desc.MAC,
		DataplaneKind:   DataplaneKernel,
	})
	_ = m.bus.Complete(cbt.Tag, replyData, true)
}

func (m *KernelManager) handleUpdateMac(_ context.Context, cbt *bus.CBT) {
	var p updateMacParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[p.TunnelID]
	if !ok {
		m.mu.Unlock()
		m.complete(cbt, false, fmt.Sprintf("tunnel %s does not exist", p.TunnelID))
		return
	}
	if t.State != Creating {
		state := t.State
		m.mu.Unlock()
		m.complete(cbt, false, fmt.Sprintf("tunnel %s is not ready for update_mac (state=%s)", p.TunnelID, state))
		return
	}
	t.PeerMAC = p.MAC
	t.State = Online
	overlayID, peerID, tapName, mac := t.OverlayID, t.PeerID, t.TapName, t.MAC
	m.mu.Unlock()

	m.events.Publish(events.Event{
		Type: events.Connected, OverlayID: overlayID, PeerID: peerID, TunnelID: p.TunnelID,
		TapName: tapName, LocalMAC: mac, PeerMAC: p.MAC, DataplaneKind: DataplaneKernel, Timestamp: time.Now(),
	})
	m.complete(cbt, true, "peer mac added")
}

func (m *KernelManager) handleRemoveTunnel(ctx context.Context, cbt *bus.CBT) {
	var p removeTunnelParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[p.TunnelID]
	var tapName string
	if ok {
		tapName = t.TapName
		delete(m.tunnels, p.TunnelID)
	} else {
		// No tracked record, but the interface may still be lying around
		// from a prior run; recompute its name so removal still finds it.
		overlayCfg := m.overlays[p.OverlayID]
		tapName = genTapName(p.OverlayID, p.PeerID, overlayCfg.TapNamePrefix)
	}
	m.mu.Unlock()

	if err := m.dp.RemoveTunnel(ctx, dataplane.RemoveTunnelRequest{OverlayID: p.OverlayID, TunnelID: p.TunnelID, PeerID: p.PeerID, TapName: tapName}); err != nil {
		m.logger.Warn("failed to remove interface", "tunnel_id", p.TunnelID, "error", err)
	}

	m.complete(cbt, true, "tunnel removed")
	m.events.Publish(events.Event{Type: events.Removed, OverlayID: p.OverlayID, PeerID: p.PeerID, TunnelID: p.TunnelID, TapName: tapName})
}

func (m *KernelManager) handleAbortTunnel(ctx context.Context, cbt *bus.CBT) {
	var p removeTunnelParams
	if err := json.Unmarshal(cbt.Params, &p); err != nil {
		m.complete(cbt, false, fmt.Sprintf("malformed params: %v", err))
		return
	}

	m.mu.Lock()
	t, ok := m.tunnels[p.TunnelID]
	var tapName string
	if ok {
		tapName = t.TapName
		delete(m.tunnels, p.TunnelID)
	} else {
		overlayCfg := m.overlays[p.OverlayID]
		tapName = genTapName(p.OverlayID, p.PeerID, overlayCfg.TapNamePrefix)
	}
	m.mu.Unlock()

	if tapName != "" {
		if err := m.dp.RemoveTunnel(ctx, dataplane.RemoveTunnelRequest{OverlayID: p.OverlayID, TunnelID: p.TunnelID, PeerID: p.PeerID, TapName: tapName}); err != nil {
			m.logger.Warn("failed to remove interface on abort", "tunnel_id", p.TunnelID, "error", err)
		}
	}
	m.complete(cbt, true, fmt.Sprintf("tunnel aborted: %s", p.TunnelID))
}

// abortRemoteAction cleans up a kernel tunnel whose in-flight remote action
// was orphaned by its parent's cancellation.
func (m *KernelManager) abortRemoteAction(ctx context.Context, cbt *bus.CBT) {
	tunnelID := tunnelIDFromRemoteAction(cbt.Params)
	if tunnelID == "" {
		return
	}
	m.rollbackLocal(ctx, tunnelID)
}

// rollbackLocal destroys a half-created interface and drops its record.
func (m *KernelManager) rollbackLocal(ctx context.Context, tunnelID string) {
	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	if ok {
		delete(m.tunnels, tunnelID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = m.dp.RemoveTunnel(ctx, dataplane.RemoveTunnelRequest{OverlayID: t.OverlayID, TunnelID: tunnelID, PeerID: t.PeerID, TapName: t.TapName})
}

func (m *KernelManager) isTunnelOnline(item any) bool {
	tunnelID, _ := item.(string)
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[tunnelID]
	return !ok || t.State == Online
}

func (m *KernelManager) onAuthExpire(item any, _ time.Time) {
	tunnelID, _ := item.(string)

	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	if !ok {
		m.mu.Unlock()
		return
	}
	state := t.State
	overlayID, peerID, tapName := t.OverlayID, t.PeerID, t.TapName
	delete(m.tunnels, tunnelID)
	m.mu.Unlock()

	if state == Authorized {
		m.logger.Info("deauthorizing expired tunnel", "tunnel_id", tunnelID)
		return
	}

	m.logger.Info("rolling back expired tunnel", "tunnel_id", tunnelID, "state", state)
	if err := m.dp.RemoveTunnel(context.Background(), dataplane.RemoveTunnelRequest{OverlayID: overlayID, TunnelID: tunnelID, PeerID: peerID, TapName: tapName}); err != nil {
		m.logger.Warn("failed to remove interface on expiry", "tunnel_id", tunnelID, "error", err)
	}
	m.events.Publish(events.Event{Type: events.Removed, OverlayID: overlayID, PeerID: peerID, TunnelID: tunnelID, TapName: tapName})
}

func (m *KernelManager) complete(cbt *bus.CBT, status bool, msg string) {
	data, _ := json.Marshal(msg)
	_ = m.bus.Complete(cbt.Tag, data, status)
}
