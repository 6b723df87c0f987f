//go:build linux

package dataplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/symphonymesh/symphonyd/internal/nat"
	"github.com/symphonymesh/symphonyd/internal/wireguard"
)

// NodeData is the payload a NAT-traversing peer publishes alongside a
// CreateLink request: its WireGuard public key and, once discovered, its
// STUN-mapped candidate address.
type NodeData struct {
	PublicKey string `json:"public_key"`
	CAS       string `json:"cas,omitempty"`
}

// WireGuardCollaborator implements Collaborator for the NAT-traversing
// tunnel flavour: one WireGuard interface per tunnel, one peer per link,
// with STUN used to discover this node's own candidate address set.
type WireGuardCollaborator struct {
	ctrl   wireguard.WGController
	stun   nat.STUNClient
	logger *slog.Logger

	stunServer string
	localPort  int

	mu      sync.Mutex
	tunnels map[string]natTunnel // tunnel id -> interface state
}

type natTunnel struct {
	ifaceName string
	privKey   wgtypes.Key
	links     map[string]string // link id -> peer public key (base64)
}

// NewWireGuardCollaborator returns a new WireGuardCollaborator. stunServer is
// used as the default STUN rendezvous when a request does not name one.
func NewWireGuardCollaborator(ctrl wireguard.WGController, stun nat.STUNClient, stunServer string, logger *slog.Logger) *WireGuardCollaborator {
	return &WireGuardCollaborator{
		ctrl:       ctrl,
		stun:       stun,
		logger:     logger.With("component", "dataplane", "flavour", "wireguard"),
		stunServer: stunServer,
		localPort:  0,
		tunnels:    make(map[string]natTunnel),
	}
}

// CreateTunnel brings up a fresh WireGuard interface for the tunnel and
// discovers this node's candidate address set via STUN.
func (w *WireGuardCollaborator) CreateTunnel(ctx context.Context, req CreateTunnelRequest) (TunnelDescriptor, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return TunnelDescriptor{}, fmt.Errorf("dataplane: wireguard: create tunnel: generate key: %w", err)
	}

	if err := w.ctrl.CreateInterface(req.TapName, priv[:], 0); err != nil {
		return TunnelDescriptor{}, fmt.Errorf("dataplane: wireguard: create tunnel: %w", err)
	}
	if err := w.ctrl.SetInterfaceUp(req.TapName); err != nil {
		return TunnelDescriptor{}, fmt.Errorf("dataplane: wireguard: create tunnel: %w", err)
	}

	server := w.stunServer
	if len(req.StunServers) > 0 {
		server = req.StunServers[0]
	}

	var cas string
	if server != "" && w.stun != nil {
		mapped, err := w.stun.Bind(ctx, server, w.localPort)
		if err != nil {
			w.logger.Error("stun bind failed", "tunnel_id", req.TunnelID, "error", err)
		} else {
			cas = mapped.String()
		}
	}

	w.mu.Lock()
	w.tunnels[req.TunnelID] = natTunnel{
		ifaceName: req.TapName,
		privKey:   priv,
		links:     make(map[string]string),
	}
	w.mu.Unlock()

	pub := priv.PublicKey()

	w.logger.Info("wireguard tunnel interface created",
		"tunnel_id", req.TunnelID, "tap_name", req.TapName, "cas", cas,
	)

	return TunnelDescriptor{
		MAC: pub.String(),
		Tap: req.TapName,
		CAS: cas,
	}, nil
}

// CreateLink adds the remote peer described by req.NodeData to the tunnel's
// WireGuard interface.
func (w *WireGuardCollaborator) CreateLink(_ context.Context, req CreateLinkRequest) (LinkDescriptor, error) {
	var nd NodeData
	if err := json.Unmarshal(req.NodeData, &nd); err != nil {
		return LinkDescriptor{}, fmt.Errorf("dataplane: wireguard: create link: decode node data: %w", err)
	}

	w.mu.Lock()
	tun, ok := w.tunnels[req.TunnelID]
	w.mu.Unlock()
	if !ok {
		return LinkDescriptor{}, fmt.Errorf("dataplane: wireguard: create link: unknown tunnel %q", req.TunnelID)
	}

	pubKeyRaw, err := base64.StdEncoding.DecodeString(nd.PublicKey)
	if err != nil {
		return LinkDescriptor{}, fmt.Errorf("dataplane: wireguard: create link: decode public key: %w", err)
	}

	peerCfg := wireguard.PeerConfig{
		PublicKey:           pubKeyRaw,
		Endpoint:            nd.CAS,
		PersistentKeepalive: 25,
	}

	if err := w.ctrl.AddPeer(tun.ifaceName, peerCfg); err != nil {
		return LinkDescriptor{}, fmt.Errorf("dataplane: wireguard: create link: %w", err)
	}

	w.mu.Lock()
	tun.links[req.LinkID] = nd.PublicKey
	w.tunnels[req.TunnelID] = tun
	w.mu.Unlock()

	w.logger.Info("wireguard peer link created", "tunnel_id", req.TunnelID, "link_id", req.LinkID)

	return LinkDescriptor{MAC: nd.PublicKey, CAS: nd.CAS}, nil
}

// QueryLinkStats reports ONLINE for every tunnel this collaborator still
// holds an interface for, UNKNOWN otherwise. Per-peer handshake freshness is
// left to the caller's own keep-alive tracking.
func (w *WireGuardCollaborator) QueryLinkStats(_ context.Context, tunnelIDs []string) (map[string]LinkStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]LinkStats, len(tunnelIDs))
	for _, id := range tunnelIDs {
		if _, ok := w.tunnels[id]; ok {
			out[id] = LinkStats{Status: LinkOnline}
			continue
		}
		out[id] = LinkStats{Status: LinkUnknown}
	}
	return out, nil
}

// RemoveTunnel removes a single peer link if LinkID is set, or tears down
// the whole tunnel interface otherwise. Idempotent in both cases.
func (w *WireGuardCollaborator) RemoveTunnel(_ context.Context, req RemoveTunnelRequest) error {
	w.mu.Lock()
	tun, ok := w.tunnels[req.TunnelID]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	if req.LinkID != "" {
		pubKeyB64, ok := tun.links[req.LinkID]
		if !ok {
			return nil
		}
		pubKeyRaw, err := base64.StdEncoding.DecodeString(pubKeyB64)
		if err != nil {
			return fmt.Errorf("dataplane: wireguard: remove tunnel: decode public key: %w", err)
		}
		if err := w.ctrl.RemovePeer(tun.ifaceName, pubKeyRaw); err != nil {
			return fmt.Errorf("dataplane: wireguard: remove tunnel: %w", err)
		}

		w.mu.Lock()
		delete(tun.links, req.LinkID)
		w.tunnels[req.TunnelID] = tun
		w.mu.Unlock()
		return nil
	}

	if err := w.ctrl.DeleteInterface(tun.ifaceName); err != nil {
		return fmt.Errorf("dataplane: wireguard: remove tunnel: %w", err)
	}

	w.mu.Lock()
	delete(w.tunnels, req.TunnelID)
	w.mu.Unlock()

	w.logger.Info("wireguard tunnel removed", "tunnel_id", req.TunnelID)
	return nil
}
