// Package graph builds the target overlay adjacency list and computes the
// transformation needed to reach it from the current topology.
package graph

import "sort"

// EdgeType classifies why a ConnectionEdge exists.
type EdgeType string

const (
	Static       EdgeType = "Static"
	Successor    EdgeType = "Successor"
	LongDistance EdgeType = "LongDistance"
	OnDemand     EdgeType = "OnDemand"
	Incoming     EdgeType = "Incoming"
)

// EdgeState tracks a ConnectionEdge's handshake progress.
type EdgeState string

const (
	Initialized EdgeState = "Initialized"
	PreAuth     EdgeState = "PreAuth"
	Authorized  EdgeState = "Authorized"
	Created     EdgeState = "Created"
	Connected   EdgeState = "Connected"
)

// nonTerminalStates are the states in which an edge is still expected to
// eventually reach Connected, and so should be preserved across rebuilds.
var nonTerminalStates = map[EdgeState]bool{
	Initialized: true,
	PreAuth:     true,
	Authorized:  true,
	Created:     true,
	Connected:   true,
}

// Role identifies which side of an edge this node plays.
type Role string

const (
	Initiator Role = "Initiator"
	Target    Role = "Target"
)

// ConnectionEdge describes one outgoing overlay connection to a peer.
type ConnectionEdge struct {
	PeerID    string
	EdgeID    string
	EdgeType  EdgeType
	EdgeState EdgeState
	Role      Role
}

// AdjacencyList maps peer id to the ConnectionEdge describing this node's
// link to that peer. The self id never appears as a key.
type AdjacencyList struct {
	OverlayID       string
	NodeID          string
	MinSuccessors   int
	MaxLongDistance int
	MaxOnDemand     int

	edges map[string]ConnectionEdge
}

// NewAdjacencyList creates an empty AdjacencyList.
func NewAdjacencyList(overlayID, nodeID string, minSuccessors, maxLongDistance, maxOnDemand int) *AdjacencyList {
	return &AdjacencyList{
		OverlayID:       overlayID,
		NodeID:          nodeID,
		MinSuccessors:   minSuccessors,
		MaxLongDistance: maxLongDistance,
		MaxOnDemand:     maxOnDemand,
		edges:           make(map[string]ConnectionEdge),
	}
}

// Set inserts or replaces the edge to peerID. Setting the self id panics,
// since the invariant that the self id never appears must hold by
// construction.
func (a *AdjacencyList) Set(peerID string, ce ConnectionEdge) {
	if peerID == a.NodeID {
		panic("graph: attempted to add self edge to adjacency list")
	}
	a.edges[peerID] = ce
}

// Get returns the edge for peerID, if present.
func (a *AdjacencyList) Get(peerID string) (ConnectionEdge, bool) {
	ce, ok := a.edges[peerID]
	return ce, ok
}

// Has reports whether an edge to peerID exists.
func (a *AdjacencyList) Has(peerID string) bool {
	_, ok := a.edges[peerID]
	return ok
}

// Len returns the number of edges.
func (a *AdjacencyList) Len() int {
	return len(a.edges)
}

// PeerIDs returns the adjacency's peer ids in sorted order.
func (a *AdjacencyList) PeerIDs() []string {
	ids := make([]string, 0, len(a.edges))
	for id := range a.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SelectByType returns every edge of the given type, keyed by peer id.
func (a *AdjacencyList) SelectByType(t EdgeType) map[string]ConnectionEdge {
	out := make(map[string]ConnectionEdge)
	for peerID, ce := range a.edges {
		if ce.EdgeType == t {
			out[peerID] = ce
		}
	}
	return out
}

// IsNonTerminal reports whether state is one in which the edge is still
// expected to make progress toward Connected.
func IsNonTerminal(s EdgeState) bool {
	return nonTerminalStates[s]
}

// GraphTransformation exposes the additions, removals and updates needed to
// move from an old adjacency list to a new one, keyed by peer id.
type GraphTransformation struct {
	Old *AdjacencyList
	New *AdjacencyList
}

// NewGraphTransformation pairs an old and new adjacency list.
func NewGraphTransformation(old, new *AdjacencyList) GraphTransformation {
	return GraphTransformation{Old: old, New: new}
}

// Additions returns edges present in New but not in Old.
func (t GraphTransformation) Additions() []ConnectionEdge {
	var out []ConnectionEdge
	for _, peerID := range t.New.PeerIDs() {
		if !t.Old.Has(peerID) {
			ce, _ := t.New.Get(peerID)
			out = append(out, ce)
		}
	}
	return out
}

// Removals returns edges present in Old but not in New.
func (t GraphTransformation) Removals() []ConnectionEdge {
	var out []ConnectionEdge
	for _, peerID := range t.Old.PeerIDs() {
		if !t.New.Has(peerID) {
			ce, _ := t.Old.Get(peerID)
			out = append(out, ce)
		}
	}
	return out
}

// Updates returns edges present in both lists whose type or state differs.
func (t GraphTransformation) Updates() []ConnectionEdge {
	var out []ConnectionEdge
	for _, peerID := range t.New.PeerIDs() {
		newCE, ok := t.New.Get(peerID)
		if !ok {
			continue
		}
		oldCE, ok := t.Old.Get(peerID)
		if !ok {
			continue
		}
		if oldCE.EdgeType != newCE.EdgeType || oldCE.EdgeState != newCE.EdgeState {
			out = append(out, newCE)
		}
	}
	return out
}

// IsEmpty reports whether the transformation changes nothing.
func (t GraphTransformation) IsEmpty() bool {
	return len(t.Additions()) == 0 && len(t.Removals()) == 0 && len(t.Updates()) == 0
}
