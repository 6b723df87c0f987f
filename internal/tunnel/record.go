package tunnel

import (
	"encoding/json"
	"sort"
)

// State is the lifecycle stage of a tunnel record. A tunnel exists in a
// manager's map iff its State is one of Authorized, Creating, Querying or
// Online; the transition to Offline is immediately followed by removal.
type State string

const (
	Authorized State = "Authorized"
	Creating   State = "Creating"
	Querying   State = "Querying"
	Online     State = "Online"
	Offline    State = "Offline"
)

// Link creation-state markers for the NAT-traversing handshake. The
// quadrants encode (initiator A vs responder B) x (handshake step); 0xC0 is
// terminal on both sides.
const (
	StateA1 byte = 0xA1
	StateA2 byte = 0xA2
	StateA3 byte = 0xA3
	StateA4 byte = 0xA4
	StateB1 byte = 0xB1
	StateB2 byte = 0xB2
	StateB3 byte = 0xB3
	StateC0 byte = 0xC0
)

// Link is the NAT-traversing flavour's handshake sub-record, embedded in a
// Tunnel once a link has been assigned to it.
type Link struct {
	LinkID        string
	CreationState byte
	StatusRetry   int
	Stats         json.RawMessage
}

// IsComplete reports whether the handshake has reached its terminal state.
func (l *Link) IsComplete() bool {
	return l != nil && l.CreationState == StateC0
}

// Tunnel is a record keyed by TunnelID, shared by both manager flavours. The
// NAT-traversing flavour additionally populates Link; the kernel flavour
// leaves it nil since TunnelID and LinkID coincide trivially there.
type Tunnel struct {
	TunnelID      string
	OverlayID     string
	PeerID        string
	TapName       string
	MAC           string
	PeerMAC       string
	FPR           string
	DataplaneKind string
	State         State
	SessionID     string

	Link *Link
}

// Dataplane kind tags carried on events and data-plane requests.
const (
	DataplaneKernel = "Kernel"
	DataplaneNAT    = "NAT"
)

// genTapName derives the deterministic interface name: a 5-character
// overlay-id prefix (or the configured TapNamePrefix) followed by as much of
// the peer id as fits within TapNameMaxLen.
func genTapName(overlayID, peerID, prefix string) string {
	if prefix == "" {
		prefix = truncate(overlayID, 5)
	}
	end := TapNameMaxLen - len(prefix)
	if end < 0 {
		end = 0
	}
	return prefix + truncate(peerID, end)
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// composeIgnoredInterfaces builds the ignore list handed to the data plane
// when creating an interface: the proposed new name, the overlay's own
// ignore list, the manager-wide global list, and, unless recursive
// tunneling is allowed, every tap name this manager already owns across all
// overlays.
func composeIgnoredInterfaces(newIfaceName string, overlayIgnored, global []string, allowRecursive bool, ownedTapNames []string) []string {
	set := make(map[string]struct{})
	if newIfaceName != "" {
		set[newIfaceName] = struct{}{}
	}
	for _, n := range overlayIgnored {
		set[n] = struct{}{}
	}
	for _, n := range global {
		set[n] = struct{}{}
	}
	if !allowRecursive {
		for _, n := range ownedTapNames {
			if n != "" {
				set[n] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
