// Package dataplane defines the RPC contract between a TunnelManager and the
// data-plane collaborator that actually creates interfaces and links, and
// ships the kernel (Geneve) and NAT-traversing (WireGuard) implementations of
// that contract.
package dataplane

import (
	"context"
	"encoding/json"
)

// LinkStatus is the liveness of a link as reported by QueryLinkStats.
type LinkStatus string

const (
	LinkOnline  LinkStatus = "ONLINE"
	LinkOffline LinkStatus = "OFFLINE"
	LinkUnknown LinkStatus = "UNKNOWN"
)

// Command identifies the kind of an unsolicited TincanMsgNotify.
type Command string

const (
	// LinkStateChange reports a link transitioning up or down.
	LinkStateChange Command = "LinkStateChange"
	// TincanReady reports that the data plane has (re)initialized and is
	// ready to accept requests, carrying a fresh SessionID.
	TincanReady Command = "TincanReady"
	// ResetTincanTunnels asks the manager to discard all tunnel/link state
	// and adopt the notification's SessionID as current.
	ResetTincanTunnels Command = "ResetTincanTunnels"
)

// LinkState is the payload of a LinkStateChange notification.
type LinkState string

const (
	LinkStateUp   LinkState = "LinkStateUp"
	LinkStateDown LinkState = "LinkStateDown"
)

// CreateTunnelRequest asks the collaborator to allocate an interface and its
// first link.
type CreateTunnelRequest struct {
	OverlayID     string
	NodeID        string
	TunnelID      string
	LinkID        string
	StunServers   []string
	TapName       string
	IgnoredIfaces []string
	TurnServers   []string
	SessionID     string
	// NodeData carries flavour-specific peer information needed to bind the
	// interface at creation time. The kernel (Geneve) flavour expects
	// {"remote_address": "<peer endpoint>"}; the NAT-traversing flavour
	// ignores it, since its remote address is discovered via CreateLink.
	NodeData json.RawMessage
}

// TunnelDescriptor is the collaborator's reply to CreateTunnel.
type TunnelDescriptor struct {
	MAC string
	FPR string
	Tap string
	CAS string
}

// CreateLinkRequest asks the collaborator to create an additional link on an
// existing tunnel (NAT-traversing flavour, responder side).
type CreateLinkRequest struct {
	OverlayID string
	TunnelID  string
	LinkID    string
	NodeData  json.RawMessage
	SessionID string
}

// LinkDescriptor is the collaborator's reply to CreateLink.
type LinkDescriptor struct {
	MAC string
	FPR string
	CAS string
}

// LinkStats is one entry of a QueryLinkStats reply.
type LinkStats struct {
	Status LinkStatus
	Stats  json.RawMessage
}

// RemoveTunnelRequest asks the collaborator to tear down a tunnel and its
// interface.
type RemoveTunnelRequest struct {
	OverlayID string
	TunnelID  string
	LinkID    string
	PeerID    string
	TapName   string
	SessionID string
}

// TincanMsgNotify is an unsolicited notification pushed by the collaborator.
type TincanMsgNotify struct {
	Command   Command
	LinkID    string
	TunnelID  string
	Data      json.RawMessage
	SessionID string
}

// NotifyHandler receives unsolicited collaborator notifications.
type NotifyHandler func(TincanMsgNotify)

// Collaborator is the RPC contract a TunnelManager issues requests against,
// implemented for a given interface technology (Geneve over netlink for the
// kernel flavour, WireGuard over wgctrl for the NAT-traversing flavour).
type Collaborator interface {
	CreateTunnel(ctx context.Context, req CreateTunnelRequest) (TunnelDescriptor, error)
	CreateLink(ctx context.Context, req CreateLinkRequest) (LinkDescriptor, error)
	QueryLinkStats(ctx context.Context, tunnelIDs []string) (map[string]LinkStats, error)
	RemoveTunnel(ctx context.Context, req RemoveTunnelRequest) error
}
