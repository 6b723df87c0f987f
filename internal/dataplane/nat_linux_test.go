//go:build linux

package dataplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symphonymesh/symphonyd/internal/nat"
	"github.com/symphonymesh/symphonyd/internal/wireguard"
)

type fakeWGController struct {
	created      []string
	deleted      []string
	addedPeers   []wireguard.PeerConfig
	removedPeers [][]byte
	deleteErr    error
}

func (f *fakeWGController) CreateInterface(name string, _ []byte, _ int) error {
	f.created = append(f.created, name)
	return nil
}

func (f *fakeWGController) DeleteInterface(name string) error {
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func (f *fakeWGController) ConfigureAddress(string, string) error { return nil }
func (f *fakeWGController) SetInterfaceUp(string) error           { return nil }
func (f *fakeWGController) SetMTU(string, int) error              { return nil }

func (f *fakeWGController) AddPeer(_ string, cfg wireguard.PeerConfig) error {
	f.addedPeers = append(f.addedPeers, cfg)
	return nil
}

func (f *fakeWGController) RemovePeer(_ string, publicKey []byte) error {
	f.removedPeers = append(f.removedPeers, publicKey)
	return nil
}

type fakeSTUNClient struct {
	addr nat.MappedAddress
	err  error
}

func (f *fakeSTUNClient) Bind(context.Context, string, int) (nat.MappedAddress, error) {
	return f.addr, f.err
}

func TestCreateTunnelDiscoversCAS(t *testing.T) {
	ctrl := &fakeWGController{}
	stun := &fakeSTUNClient{addr: nat.MappedAddress{IP: net.ParseIP("203.0.113.5"), Port: 51820}}
	w := NewWireGuardCollaborator(ctrl, stun, "stun.example:3478", discardLogger())

	desc, err := w.CreateTunnel(context.Background(), CreateTunnelRequest{TunnelID: "tnl-1", TapName: "wg-tnl1"})
	require.NoError(t, err)
	require.Equal(t, "203.0.113.5:51820", desc.CAS)
	require.Equal(t, "wg-tnl1", desc.Tap)
	require.Contains(t, ctrl.created, "wg-tnl1")
}

func TestCreateTunnelToleratesSTUNFailure(t *testing.T) {
	ctrl := &fakeWGController{}
	stun := &fakeSTUNClient{err: context.DeadlineExceeded}
	w := NewWireGuardCollaborator(ctrl, stun, "stun.example:3478", discardLogger())

	desc, err := w.CreateTunnel(context.Background(), CreateTunnelRequest{TunnelID: "tnl-1", TapName: "wg-tnl1"})
	require.NoError(t, err)
	require.Empty(t, desc.CAS)
}

func TestCreateLinkAddsPeer(t *testing.T) {
	ctrl := &fakeWGController{}
	w := NewWireGuardCollaborator(ctrl, nil, "", discardLogger())

	_, err := w.CreateTunnel(context.Background(), CreateTunnelRequest{TunnelID: "tnl-1", TapName: "wg-tnl1"})
	require.NoError(t, err)

	nd := NodeData{PublicKey: base64.StdEncoding.EncodeToString([]byte("0123456789012345678901234567890x")[:32]), CAS: "198.51.100.1:4500"}
	raw, err := json.Marshal(nd)
	require.NoError(t, err)

	desc, err := w.CreateLink(context.Background(), CreateLinkRequest{TunnelID: "tnl-1", LinkID: "lnk-1", NodeData: raw})
	require.NoError(t, err)
	require.Equal(t, nd.PublicKey, desc.MAC)
	require.Len(t, ctrl.addedPeers, 1)
	require.Equal(t, "198.51.100.1:4500", ctrl.addedPeers[0].Endpoint)
}

func TestCreateLinkUnknownTunnel(t *testing.T) {
	w := NewWireGuardCollaborator(&fakeWGController{}, nil, "", discardLogger())
	_, err := w.CreateLink(context.Background(), CreateLinkRequest{TunnelID: "missing", NodeData: []byte(`{}`)})
	require.Error(t, err)
}

func TestRemoveTunnelSingleLinkThenWholeTunnel(t *testing.T) {
	ctrl := &fakeWGController{}
	w := NewWireGuardCollaborator(ctrl, nil, "", discardLogger())

	_, err := w.CreateTunnel(context.Background(), CreateTunnelRequest{TunnelID: "tnl-1", TapName: "wg-tnl1"})
	require.NoError(t, err)

	nd := NodeData{PublicKey: base64.StdEncoding.EncodeToString(make([]byte, 32))}
	raw, _ := json.Marshal(nd)
	_, err = w.CreateLink(context.Background(), CreateLinkRequest{TunnelID: "tnl-1", LinkID: "lnk-1", NodeData: raw})
	require.NoError(t, err)

	require.NoError(t, w.RemoveTunnel(context.Background(), RemoveTunnelRequest{TunnelID: "tnl-1", LinkID: "lnk-1"}))
	require.Len(t, ctrl.removedPeers, 1)

	require.NoError(t, w.RemoveTunnel(context.Background(), RemoveTunnelRequest{TunnelID: "tnl-1"}))
	require.Contains(t, ctrl.deleted, "wg-tnl1")
}

func TestRemoveTunnelUnknownIsNoOp(t *testing.T) {
	w := NewWireGuardCollaborator(&fakeWGController{}, nil, "", discardLogger())
	require.NoError(t, w.RemoveTunnel(context.Background(), RemoveTunnelRequest{TunnelID: "never"}))
}

func TestQueryLinkStatsReportsOnlineForKnownTunnel(t *testing.T) {
	ctrl := &fakeWGController{}
	w := NewWireGuardCollaborator(ctrl, nil, "", discardLogger())
	_, err := w.CreateTunnel(context.Background(), CreateTunnelRequest{TunnelID: "tnl-1", TapName: "wg-tnl1"})
	require.NoError(t, err)

	stats, err := w.QueryLinkStats(context.Background(), []string{"tnl-1", "unknown"})
	require.NoError(t, err)
	require.Equal(t, LinkOnline, stats["tnl-1"].Status)
	require.Equal(t, LinkUnknown, stats["unknown"].Status)
}
