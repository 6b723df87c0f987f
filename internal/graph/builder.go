package graph

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// OnDemandOp is the operation requested for an on-demand edge.
type OnDemandOp string

const (
	OnDemandAdd    OnDemandOp = "ADD"
	OnDemandRemove OnDemandOp = "REMOVE"
)

// OnDemandRequest is a pending change to the on-demand edge set, consumed by
// Build once it has been acted on.
type OnDemandRequest struct {
	PeerID    string
	Operation OnDemandOp
}

// Builder is a pure function from (peers, current adjacency, on-demand
// requests, relink flag) to a target AdjacencyList, per overlay.
type Builder struct {
	cfg Config

	peers []string
	nodes []string
	myIdx int
}

// NewBuilder creates a Builder for the given (already-defaulted, validated)
// Config.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build computes the target AdjacencyList given the current list of peers,
// the previous adjacency list (used to minimize churn), and any pending
// on-demand edge requests. requestList is consumed in place: satisfied
// requests are removed.
func (b *Builder) Build(peers []string, transition *AdjacencyList, requestList *[]OnDemandRequest, relink bool) *AdjacencyList {
	b.prep(peers)

	adj := NewAdjacencyList(b.cfg.OverlayID, b.cfg.NodeID, b.cfg.MinSuccessors, b.cfg.MaxLongDistEdges, b.cfg.MaxOnDemandEdges)
	b.buildStatic(adj)

	if !b.cfg.ManualTopology {
		b.buildSuccessors(adj, transition)
		b.buildLongDistance(adj, transition, relink)
		b.buildOnDemand(adj, transition, requestList)
	}
	return adj
}

// Transform computes the GraphTransformation from transition to the newly
// built adjacency list.
func (b *Builder) Transform(peers []string, transition *AdjacencyList, requestList *[]OnDemandRequest, relink bool) GraphTransformation {
	return NewGraphTransformation(transition, b.Build(peers, transition, requestList, relink))
}

// BuildAllToAll builds a full mesh: every static peer gets a Static edge,
// and (unless ManualTopology) every lexicographically-greater peer gets a
// Successor edge, so exactly one side of each pair initiates.
func (b *Builder) BuildAllToAll(peers []string) *AdjacencyList {
	b.peers = peers

	adj := NewAdjacencyList(b.cfg.OverlayID, b.cfg.NodeID, b.cfg.MinSuccessors, b.cfg.MaxLongDistEdges, b.cfg.MaxOnDemandEdges)
	staticSet := make(map[string]bool, len(b.cfg.StaticEdges))
	for _, p := range b.cfg.StaticEdges {
		staticSet[p] = true
	}

	for _, peerID := range peers {
		switch {
		case staticSet[peerID]:
			adj.Set(peerID, ConnectionEdge{PeerID: peerID, EdgeType: Static, Role: Initiator})
		case !b.cfg.ManualTopology && b.cfg.NodeID < peerID:
			adj.Set(peerID, ConnectionEdge{PeerID: peerID, EdgeType: Successor, Role: Initiator})
		}
	}
	return adj
}

func (b *Builder) prep(peers []string) {
	b.peers = peers
	nodes := make([]string, 0, len(peers)+1)
	nodes = append(nodes, peers...)
	nodes = append(nodes, b.cfg.NodeID)
	sort.Strings(nodes)
	b.nodes = nodes
	b.myIdx = indexOf(nodes, b.cfg.NodeID)
}

func (b *Builder) buildStatic(adj *AdjacencyList) {
	peerSet := make(map[string]bool, len(b.peers))
	for _, p := range b.peers {
		peerSet[p] = true
	}
	for _, peerID := range b.cfg.StaticEdges {
		if peerID != b.cfg.NodeID && peerSet[peerID] {
			adj.Set(peerID, ConnectionEdge{PeerID: peerID, EdgeType: Static, Role: Initiator})
		}
	}
}

// successors returns the next k peer ids clockwise from myIdx, where
// k = min(MinSuccessors, |peers|).
func (b *Builder) successors() []string {
	numNodes := len(b.nodes)
	k := b.cfg.MinSuccessors
	if len(b.peers) < k {
		k = len(b.peers)
	}

	out := make([]string, 0, k)
	idx := b.myIdx + 1
	for i := 0; i < k; i++ {
		idx %= numNodes
		out = append(out, b.nodes[idx])
		idx++
	}
	return out
}

func (b *Builder) buildSuccessors(adj, transition *AdjacencyList) {
	ideal := b.successors()
	existingSucc := transition.SelectByType(Successor)

	numIdealConnected := 0
	for _, peerID := range ideal {
		if adj.Has(peerID) {
			continue
		}
		if ce, ok := existingSucc[peerID]; ok && ce.EdgeState == Connected {
			numIdealConnected++
			delete(existingSucc, peerID)
			adj.Set(peerID, ce)
			continue
		}
		adj.Set(peerID, ConnectionEdge{PeerID: peerID, EdgeType: Successor, Role: Initiator})
	}

	// Do not remove an existing successor before its ideal replacement is
	// connected: retain leftover successors, highest peer id first, until
	// the successor budget is met.
	remaining := make([]string, 0, len(existingSucc))
	for peerID := range existingSucc {
		remaining = append(remaining, peerID)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(remaining)))

	for _, peerID := range remaining {
		if numIdealConnected >= b.cfg.MinSuccessors {
			break
		}
		adj.Set(peerID, existingSucc[peerID])
		numIdealConnected++
	}
}

// symphonyProbDistribution draws `samples` values of exp(log10(n)*(u-1))
// for u uniform on [0,1), per the Symphony long-distance-link distribution.
func symphonyProbDistribution(networkSize, samples int) []float64 {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	out := make([]float64, samples)
	for i := range out {
		u := rng.Float64()
		out[i] = math.Exp(math.Log10(float64(networkSize)) * (u - 1.0))
	}
	return out
}

func (b *Builder) longDistanceCandidates(numLDL int) []string {
	netSz := len(b.nodes)
	if netSz <= 1 {
		return nil
	}
	if numLDL > netSz {
		numLDL = netSz
	}

	offsets := symphonyProbDistribution(netSz, numLDL)
	candidates := make([]string, 0, numLDL)
	for _, r := range offsets {
		idx := int(math.Floor(float64(netSz) * r))
		ldlIdx := (b.myIdx + idx) % netSz
		candidates = append(candidates, b.nodes[ldlIdx])
	}
	return candidates
}

func (b *Builder) buildLongDistance(adj, transition *AdjacencyList, relink bool) {
	if 2*b.cfg.MinSuccessors > len(b.peers) {
		return
	}

	var existing map[string]ConnectionEdge
	if !relink {
		existing = transition.SelectByType(LongDistance)
	}

	numExisting := 0
	// Iterate in a stable order so output is deterministic given equal
	// input state, per the algorithm's determinism requirement.
	for _, peerID := range sortedKeys(existing) {
		ce := existing[peerID]
		if IsNonTerminal(ce.EdgeState) && !adj.Has(ce.PeerID) && !b.isTooClose(ce.PeerID) {
			adj.Set(ce.PeerID, ce)
			numExisting++
			if numExisting >= b.cfg.MaxLongDistEdges {
				return
			}
		}
	}

	numNew := b.cfg.MaxLongDistEdges - numExisting
	if numNew <= 0 {
		return
	}
	for _, peerID := range b.longDistanceCandidates(numNew) {
		if adj.Has(peerID) {
			continue
		}
		if oce, ok := transition.Get(peerID); !ok || oce.EdgeType == Successor {
			adj.Set(peerID, ConnectionEdge{PeerID: peerID, EdgeType: LongDistance, Role: Initiator})
		}
	}
}

func (b *Builder) buildOnDemand(adj, transition *AdjacencyList, requestList *[]OnDemandRequest) {
	ond := make(map[string]ConnectionEdge)
	existing := transition.SelectByType(OnDemand)
	for peerID, ce := range existing {
		if IsNonTerminal(ce.EdgeState) && !adj.Has(peerID) {
			ond[peerID] = ConnectionEdge{PeerID: ce.PeerID, EdgeID: ce.EdgeID, EdgeType: ce.EdgeType, Role: ce.Role}
		}
	}

	peerSet := make(map[string]bool, len(b.peers))
	for _, p := range b.peers {
		peerSet[p] = true
	}

	var satisfied []int
	reqs := *requestList
	for i, req := range reqs {
		switch req.Operation {
		case OnDemandAdd:
			satisfied = append(satisfied, i)
			if peerSet[req.PeerID] && (!adj.Has(req.PeerID) || !transition.Has(req.PeerID)) {
				ond[req.PeerID] = ConnectionEdge{PeerID: req.PeerID, EdgeType: OnDemand, Role: Initiator}
			}
		case OnDemandRemove:
			delete(ond, req.PeerID)
			if !transition.Has(req.PeerID) {
				// Only clear the request once the tunnel has actually
				// cleared from the current adjacency list.
				satisfied = append(satisfied, i)
			}
		}
	}

	for peerID, ce := range ond {
		if !adj.Has(peerID) {
			adj.Set(peerID, ce)
		}
	}

	*requestList = removeIndices(reqs, satisfied)
}

// distance is the clockwise ring distance from self to peer.
func (b *Builder) distance(peerID string) int {
	nsz := len(b.nodes)
	if nsz == 0 {
		nsz = 1
	}
	idx := indexOf(b.nodes, peerID)
	if idx < 0 {
		return 0
	}
	return ((idx - b.myIdx) + nsz) % nsz
}

func (b *Builder) idealClosestDistance() int {
	nsz := len(b.nodes)
	if nsz == 0 {
		nsz = 1
	}
	off := math.Exp(-1 * math.Log10(float64(nsz)))
	return int(math.Floor(float64(nsz) * off))
}

func (b *Builder) isTooClose(peerID string) bool {
	return b.distance(peerID) < b.idealClosestDistance()
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

func sortedKeys(m map[string]ConnectionEdge) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func removeIndices(reqs []OnDemandRequest, idxs []int) []OnDemandRequest {
	if len(idxs) == 0 {
		return reqs
	}
	drop := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		drop[i] = true
	}
	out := make([]OnDemandRequest, 0, len(reqs)-len(idxs))
	for i, r := range reqs {
		if !drop[i] {
			out = append(out, r)
		}
	}
	return out
}
