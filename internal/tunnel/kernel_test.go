package tunnel_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symphonymesh/symphonyd/internal/bus"
	"github.com/symphonymesh/symphonyd/internal/dataplane"
	"github.com/symphonymesh/symphonyd/internal/events"
	"github.com/symphonymesh/symphonyd/internal/remoteaction"
	"github.com/symphonymesh/symphonyd/internal/ttx"
	"github.com/symphonymesh/symphonyd/internal/tunnel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bridgeRemoteActions loops SIG_REMOTE_ACTION submissions on from straight
// into to's local bus, standing in for the overlay glue that would
// otherwise carry them over internal/signaling.
func bridgeRemoteActions(from, to *bus.Bus) {
	from.Register(tunnel.RemoteActionBusName, func(ctx context.Context, cbt *bus.CBT) {
		var ra remoteaction.RemoteAction
		if err := json.Unmarshal(cbt.Params, &ra); err != nil {
			_ = from.Complete(cbt.Tag, nil, false)
			return
		}
		_, err := to.Submit(ctx, ra.Action, ra.InitiatorID, ra.RecipientID, ra.Params, nil, func(r bus.Response) {
			_ = from.Complete(cbt.Tag, r.Data, r.Status)
		})
		if err != nil {
			_ = from.Complete(cbt.Tag, nil, false)
		}
	})
}

// eventRecorder collects published events across one or more event buses.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func newEventRecorder(buses ...*events.Bus) *eventRecorder {
	r := &eventRecorder{}
	record := func(ev events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
	for _, b := range buses {
		for _, t := range []events.Type{events.Authorized, events.AuthExpired, events.Connected, events.Disconnected, events.Removed} {
			b.Subscribe(t, record)
		}
	}
	return r
}

func (r *eventRecorder) waitFor(t *testing.T, typ events.Type, tunnelID string, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.Type == typ && ev.TunnelID == tunnelID {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event on tunnel %s", typ, tunnelID)
	return events.Event{}
}

func (r *eventRecorder) has(typ events.Type, tunnelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ && ev.TunnelID == tunnelID {
			return true
		}
	}
	return false
}

// fakeCollaborator is an in-memory dataplane.Collaborator for both flavours.
type fakeCollaborator struct {
	mu      sync.Mutex
	tunnels map[string]bool
	fail    map[string]bool
	offline map[string]bool
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{tunnels: make(map[string]bool), fail: make(map[string]bool), offline: make(map[string]bool)}
}

func (f *fakeCollaborator) CreateTunnel(_ context.Context, req dataplane.CreateTunnelRequest) (dataplane.TunnelDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[req.TunnelID] {
		return dataplane.TunnelDescriptor{}, fmt.Errorf("fake: create tunnel failed")
	}
	f.tunnels[req.TunnelID] = true
	return dataplane.TunnelDescriptor{
		MAC: "mac-" + req.NodeID + "-" + req.TunnelID,
		FPR: "fpr-" + req.NodeID,
		Tap: req.TapName,
		CAS: "cas-" + req.NodeID,
	}, nil
}

func (f *fakeCollaborator) CreateLink(_ context.Context, req dataplane.CreateLinkRequest) (dataplane.LinkDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[req.TunnelID] {
		return dataplane.LinkDescriptor{}, fmt.Errorf("fake: create link failed")
	}
	return dataplane.LinkDescriptor{MAC: "mac-link-" + req.TunnelID, FPR: "fpr-link", CAS: "cas-link-" + req.TunnelID}, nil
}

func (f *fakeCollaborator) QueryLinkStats(_ context.Context, tunnelIDs []string) (map[string]dataplane.LinkStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]dataplane.LinkStats, len(tunnelIDs))
	for _, id := range tunnelIDs {
		switch {
		case !f.tunnels[id]:
			out[id] = dataplane.LinkStats{Status: dataplane.LinkUnknown}
		case f.offline[id]:
			out[id] = dataplane.LinkStats{Status: dataplane.LinkOffline}
		default:
			out[id] = dataplane.LinkStats{Status: dataplane.LinkOnline}
		}
	}
	return out, nil
}

func (f *fakeCollaborator) RemoveTunnel(_ context.Context, req dataplane.RemoveTunnelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tunnels, req.TunnelID)
	return nil
}

func testManagerConfig() tunnel.ManagerConfig {
	cfg := tunnel.ManagerConfig{
		GeneveSetupTimeout: 200 * time.Millisecond,
		LinkSetupTimeout:   200 * time.Millisecond,
		EventPeriod:        10 * time.Millisecond,
	}
	cfg.ApplyDefaults()
	return cfg
}

func newKernelPair(t *testing.T) (busA, busB *bus.Bus, mgrA, mgrB *tunnel.KernelManager, rec *eventRecorder) {
	t.Helper()
	busA = bus.New(time.Second, discardLogger())
	busB = bus.New(time.Second, discardLogger())
	evA := events.New(discardLogger())
	evB := events.New(discardLogger())
	txA := ttx.New(10*time.Millisecond, discardLogger())
	txB := ttx.New(10*time.Millisecond, discardLogger())
	txA.Start()
	txB.Start()
	t.Cleanup(txA.Terminate)
	t.Cleanup(txB.Terminate)

	mgrA = tunnel.NewKernelManager(testManagerConfig(), "node-a", newFakeCollaborator(), busA, evA, txA, discardLogger())
	mgrB = tunnel.NewKernelManager(testManagerConfig(), "node-b", newFakeCollaborator(), busB, evB, txB, discardLogger())
	mgrA.RegisterOverlay("ov-1", tunnel.OverlayConfig{EndpointAddress: "10.0.0.1:4789"})
	mgrB.RegisterOverlay("ov-1", tunnel.OverlayConfig{EndpointAddress: "10.0.0.2:4789"})
	mgrA.Register()
	mgrB.Register()

	bridgeRemoteActions(busA, busB)
	bridgeRemoteActions(busB, busA)

	rec = newEventRecorder(evA, evB)
	return
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// TestKernelManager_FullHandshakeRoles drives the complete role-correct
// exchange: B authorizes the tunnel, then A initiates creation.
func TestKernelManager_FullHandshakeRoles(t *testing.T) {
	busA, busB, _, _, rec := newKernelPair(t)

	authResp := make(chan bus.Response, 1)
	_, err := busB.Submit(context.Background(), tunnel.KernelAuthTunnel, "node-a", "node-b",
		mustJSON(t, map[string]string{"overlay_id": "ov-1", "peer_id": "node-a", "tunnel_id": "tnl-1"}), nil,
		func(r bus.Response) { authResp <- r })
	require.NoError(t, err)
	require.True(t, (<-authResp).Status)
	rec.waitFor(t, events.Authorized, "tnl-1", time.Second)

	createResp := make(chan bus.Response, 1)
	_, err = busA.Submit(context.Background(), tunnel.KernelCreateTunnel, "node-b", "node-a",
		mustJSON(t, map[string]any{"overlay_id": "ov-1", "peer_id": "node-b", "tunnel_id": "tnl-1", "vnid": 42}), nil,
		func(r bus.Response) { createResp <- r })
	require.NoError(t, err)
	require.True(t, (<-createResp).Status)

	// The peer-mac exchange completes asynchronously after the original
	// request; wait for the Connected event it produces.
	rec.waitFor(t, events.Connected, "tnl-1", time.Second)
}

func TestKernelManager_DuplicateAuthRejected(t *testing.T) {
	_, busB, _, _, _ := newKernelPair(t)

	params := mustJSON(t, map[string]string{"overlay_id": "ov-1", "peer_id": "node-a", "tunnel_id": "tnl-dup"})

	first := make(chan bus.Response, 1)
	_, err := busB.Submit(context.Background(), tunnel.KernelAuthTunnel, "node-a", "node-b", params, nil,
		func(r bus.Response) { first <- r })
	require.NoError(t, err)
	require.True(t, (<-first).Status)

	second := make(chan bus.Response, 1)
	_, err = busB.Submit(context.Background(), tunnel.KernelAuthTunnel, "node-a", "node-b", params, nil,
		func(r bus.Response) { second <- r })
	require.NoError(t, err)
	require.False(t, (<-second).Status)
}

func TestKernelManager_ExchangeEndptRequiresAuthorized(t *testing.T) {
	_, busB, _, _, _ := newKernelPair(t)

	resp := make(chan bus.Response, 1)
	_, err := busB.Submit(context.Background(), tunnel.KernelExchangeEndpt, "node-a", "node-b",
		mustJSON(t, map[string]any{"overlay_id": "ov-1", "tunnel_id": "never-authorized", "vnid": 1, "node_id": "node-a", "end_point_address": "1.2.3.4:4789"}),
		nil, func(r bus.Response) { resp <- r })
	require.NoError(t, err)
	require.False(t, (<-resp).Status)
}

func TestKernelManager_AuthExpiresSilently(t *testing.T) {
	_, busB, _, mgrB, rec := newKernelPair(t)

	resp := make(chan bus.Response, 1)
	_, err := busB.Submit(context.Background(), tunnel.KernelAuthTunnel, "node-a", "node-b",
		mustJSON(t, map[string]string{"overlay_id": "ov-1", "peer_id": "node-a", "tunnel_id": "tnl-expire"}), nil,
		func(r bus.Response) { resp <- r })
	require.NoError(t, err)
	require.True(t, (<-resp).Status)

	require.Eventually(t, func() bool {
		_, ok := mgrB.Tunnel("tnl-expire")
		return !ok
	}, time.Second, 10*time.Millisecond, "expired authorized tunnel should be dropped")

	require.False(t, rec.has(events.Removed, "tnl-expire"), "silent deauth must not publish Removed")
}

func TestKernelManager_RemoveTunnelPublishesRemovedEvent(t *testing.T) {
	busA, busB, _, _, rec := newKernelPair(t)

	authResp := make(chan bus.Response, 1)
	_, err := busB.Submit(context.Background(), tunnel.KernelAuthTunnel, "node-a", "node-b",
		mustJSON(t, map[string]string{"overlay_id": "ov-1", "peer_id": "node-a", "tunnel_id": "tnl-rm"}), nil,
		func(r bus.Response) { authResp <- r })
	require.NoError(t, err)
	require.True(t, (<-authResp).Status)

	createResp := make(chan bus.Response, 1)
	_, err = busA.Submit(context.Background(), tunnel.KernelCreateTunnel, "node-b", "node-a",
		mustJSON(t, map[string]any{"overlay_id": "ov-1", "peer_id": "node-b", "tunnel_id": "tnl-rm", "vnid": 7}), nil,
		func(r bus.Response) { createResp <- r })
	require.NoError(t, err)
	require.True(t, (<-createResp).Status)

	removeResp := make(chan bus.Response, 1)
	_, err = busA.Submit(context.Background(), tunnel.KernelRemoveTunnel, "node-a", "node-a",
		mustJSON(t, map[string]string{"overlay_id": "ov-1", "peer_id": "node-b", "tunnel_id": "tnl-rm"}), nil,
		func(r bus.Response) { removeResp <- r })
	require.NoError(t, err)
	require.True(t, (<-removeResp).Status)

	rec.waitFor(t, events.Removed, "tnl-rm", time.Second)
}
