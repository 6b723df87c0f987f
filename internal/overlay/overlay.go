// Package overlay wires the signalling plane, tunnel manager, graph builder,
// request/response bus and event bus together into one running node: the
// glue that, in the original, lived in the link manager's owning broker.
// One Node runs every overlay a config.Config names, sharing a single bus,
// event bus, timed-transaction scheduler and tunnel manager flavour across
// all of them, with one signalling connection and graph builder per overlay.
package overlay

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/symphonymesh/symphonyd/internal/bus"
	"github.com/symphonymesh/symphonyd/internal/config"
	"github.com/symphonymesh/symphonyd/internal/dataplane"
	"github.com/symphonymesh/symphonyd/internal/events"
	"github.com/symphonymesh/symphonyd/internal/graph"
	"github.com/symphonymesh/symphonyd/internal/nat"
	"github.com/symphonymesh/symphonyd/internal/remoteaction"
	"github.com/symphonymesh/symphonyd/internal/signaling"
	"github.com/symphonymesh/symphonyd/internal/ttx"
	"github.com/symphonymesh/symphonyd/internal/tunnel"
	"github.com/symphonymesh/symphonyd/internal/wireguard"
)

// tunnelManager is the subset of *tunnel.KernelManager / *tunnel.NATManager
// the overlay glue drives directly; the rest is reached through the bus.
type tunnelManager interface {
	RegisterOverlay(overlayID string, cfg tunnel.OverlayConfig)
	Register()
	Tunnel(tunnelID string) (tunnel.Tunnel, bool)
}

// poller is implemented by *tunnel.NATManager only: the kernel flavour has
// no liveness concept to poll, since its tunnels are point-to-point links to
// a statically reachable endpoint.
type poller interface {
	PollStats(ctx context.Context)
}

// notifier is implemented by *tunnel.NATManager only.
type notifier interface {
	HandleNotify(n dataplane.TincanMsgNotify)
}

// Overlay holds the per-overlay state: the signalling connection that
// resolves peer addresses and ferries remote actions, the graph builder
// that decides who to connect to, and the running topology.
type Overlay struct {
	id     string
	nodeID string
	cfg    config.OverlayConfig
	signal *signaling.Signal
	builder *graph.Builder
	logger *slog.Logger

	mu         sync.Mutex
	adjacency  *graph.AdjacencyList
	onDemand   []graph.OnDemandRequest
	peerTunnel map[string]string // peer id -> tunnel id, for edges this node initiated
}

// Node is one running symphonyd process: the shared bus, event bus and
// timed-transaction scheduler, one tunnel manager flavour, and every
// overlay the node's config enrolls it in.
type Node struct {
	nodeID      string
	dataDir     string
	flavor      string
	eventPeriod time.Duration
	tlsConfig   *tls.Config
	logger      *slog.Logger

	bus    *bus.Bus
	events *events.Bus
	tx     *ttx.TimedTransactions

	kernelMgr *tunnel.KernelManager
	natMgr    *tunnel.NATManager

	mu       sync.Mutex
	overlays map[string]*Overlay
}

// NewNode builds a Node from a fully defaulted and validated config.Config.
// tlsConfig, if non-nil, is presented by every overlay's signalling
// transport to authenticate this node to the signalling server; pass nil
// for a signalling server that does not require client certificates.
// It does not start anything; call Run to begin operating.
func NewNode(cfg *config.Config, tlsConfig *tls.Config, logger *slog.Logger) (*Node, error) {
	logger = logger.With("component", "overlay", "node_id", cfg.NodeID)

	b := bus.New(cfg.TunnelManager.EventPeriod*10, logger)
	ev := events.New(logger)
	tx := ttx.New(cfg.TunnelManager.EventPeriod, logger)

	n := &Node{
		nodeID:      cfg.NodeID,
		dataDir:     cfg.DataDir,
		flavor:      cfg.TunnelFlavor,
		eventPeriod: cfg.TunnelManager.EventPeriod,
		tlsConfig:   tlsConfig,
		logger:      logger,
		bus:         b,
		events:      ev,
		tx:          tx,
		overlays:    make(map[string]*Overlay),
	}

	dp, err := newCollaborator(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("overlay: new node: %w", err)
	}

	switch cfg.TunnelFlavor {
	case config.FlavorNAT:
		n.natMgr = tunnel.NewNATManager(cfg.TunnelManager, cfg.NodeID, dp, b, ev, tx, logger)
	default:
		n.kernelMgr = tunnel.NewKernelManager(cfg.TunnelManager, cfg.NodeID, dp, b, ev, tx, logger)
	}

	for overlayID, ovCfg := range cfg.Overlays {
		ov, err := n.newOverlay(overlayID, ovCfg)
		if err != nil {
			return nil, fmt.Errorf("overlay: new node: overlay %s: %w", overlayID, err)
		}
		n.overlays[overlayID] = ov
		n.manager().RegisterOverlay(overlayID, ovCfg.Tunnel)
	}

	return n, nil
}

func (n *Node) authTunnelAction() string {
	if n.flavor == config.FlavorNAT {
		return tunnel.NATAuthTunnel
	}
	return tunnel.KernelAuthTunnel
}

func (n *Node) createTunnelAction() string {
	if n.flavor == config.FlavorNAT {
		return tunnel.NATCreateTunnel
	}
	return tunnel.KernelCreateTunnel
}

func (n *Node) removeTunnelAction() string {
	if n.flavor == config.FlavorNAT {
		return tunnel.NATRemoveTunnel
	}
	return tunnel.KernelRemoveTunnel
}

func (n *Node) manager() tunnelManager {
	if n.flavor == config.FlavorNAT {
		return n.natMgr
	}
	return n.kernelMgr
}

func newCollaborator(cfg *config.Config, logger *slog.Logger) (dataplane.Collaborator, error) {
	switch cfg.TunnelFlavor {
	case config.FlavorNAT:
		ctrl := wireguard.NewNetlinkController(logger)
		stun := &nat.UDPSTUNClient{}
		var defaultServer string
		for _, ovCfg := range cfg.Overlays {
			if len(ovCfg.Tunnel.StunServers) > 0 {
				defaultServer = ovCfg.Tunnel.StunServers[0]
				break
			}
		}
		return dataplane.NewWireGuardCollaborator(ctrl, stun, defaultServer, logger), nil
	case config.FlavorKernel:
		return dataplane.NewGeneveCollaborator(logger), nil
	default:
		return nil, fmt.Errorf("unrecognized tunnel flavor %q", cfg.TunnelFlavor)
	}
}

func (n *Node) newOverlay(overlayID string, ovCfg config.OverlayConfig) (*Overlay, error) {
	logger := n.logger.With("overlay_id", overlayID)
	transport := signaling.NewWebSocketTransport(ovCfg.Signaling.Endpoint, n.tlsConfig, logger)
	sig := signaling.New(ovCfg.Signaling, transport, overlayID, n.nodeID, logger)
	sig.SetInvokeHandler(n.localInvoke)

	builder := graph.NewBuilder(ovCfg.Graph)

	return &Overlay{
		id:         overlayID,
		nodeID:     n.nodeID,
		cfg:        ovCfg,
		signal:     sig,
		builder:    builder,
		logger:     logger,
		adjacency:  graph.NewAdjacencyList(overlayID, n.nodeID, ovCfg.Graph.MinSuccessors, ovCfg.Graph.MaxLongDistEdges, ovCfg.Graph.MaxOnDemandEdges),
		peerTunnel: make(map[string]string),
	}, nil
}

// Run registers every bus handler, starts the timed-transaction scheduler,
// the signalling connections and the per-overlay reconciliation loops, and
// blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.manager().Register()
	n.bus.Register(tunnel.RemoteActionBusName, n.handleRemoteActionSubmit)
	n.tx.Start()
	defer n.tx.Terminate()

	var wg sync.WaitGroup
	errCh := make(chan error, len(n.overlays)+1)

	for _, ov := range n.overlays {
		ov := ov
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ov.signal.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("overlay: %s: signalling: %w", ov.id, err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			n.reconcileLoop(ctx, ov)
		}()
	}

	if n.flavor == config.FlavorNAT {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.pollLoop(ctx)
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// pollLoop periodically asks the NAT tunnel manager to check tunnel
// liveness. The kernel flavour has nothing to poll.
func (n *Node) pollLoop(ctx context.Context) {
	p, ok := n.manager().(poller)
	if !ok {
		return
	}
	ticker := time.NewTicker(n.eventPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollStats(ctx)
		}
	}
}

// HandleNotify forwards an unsolicited data-plane notification (link state
// change, tincan ready) to the NAT tunnel manager. It is a no-op under the
// kernel flavour, which has no such notifications.
func (n *Node) HandleNotify(notify dataplane.TincanMsgNotify) {
	if nt, ok := n.manager().(notifier); ok {
		nt.HandleNotify(notify)
	}
}

// handleRemoteActionSubmit bridges a local tunnel manager's request to carry
// an action to a peer onto that peer's overlay signalling connection.
func (n *Node) handleRemoteActionSubmit(ctx context.Context, cbt *bus.CBT) {
	var ra remoteaction.RemoteAction
	if err := json.Unmarshal(cbt.Params, &ra); err != nil {
		n.logger.Error("malformed remote action submission", "error", err)
		_ = n.bus.Complete(cbt.Tag, nil, false)
		return
	}

	n.mu.Lock()
	ov, ok := n.overlays[ra.OverlayID]
	n.mu.Unlock()
	if !ok {
		n.logger.Error("remote action for unknown overlay", "overlay_id", ra.OverlayID)
		_ = n.bus.Complete(cbt.Tag, nil, false)
		return
	}

	_, err := ov.signal.Initiate(ctx, ra, func(result remoteaction.RemoteAction) {
		_ = n.bus.Complete(cbt.Tag, result.Data, result.Status)
	})
	if err != nil {
		n.logger.Error("failed to initiate remote action", "action", ra.Action, "error", err)
		_ = n.bus.Complete(cbt.Tag, nil, false)
	}
}

// localInvoke is every overlay's signalling InvokeHandler: a RemoteAction
// addressed to this node is re-submitted onto the local bus under the name
// it carries, and the result is returned once that CBT completes.
func (n *Node) localInvoke(ctx context.Context, ra remoteaction.RemoteAction) (json.RawMessage, bool) {
	type result struct {
		data   json.RawMessage
		status bool
	}
	ch := make(chan result, 1)

	_, err := n.bus.Submit(ctx, ra.Action, ra.InitiatorID, ra.RecipientID, ra.Params, nil, func(resp bus.Response) {
		ch <- result{data: resp.Data, status: resp.Status}
	})
	if err != nil {
		return nil, false
	}

	select {
	case r := <-ch:
		return r.data, r.status
	case <-ctx.Done():
		return nil, false
	}
}

func newTunnelID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func newVNID() (uint32, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}
