package graph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symphonymesh/symphonyd/internal/graph"
)

func newBuilder(t *testing.T, cfg graph.Config) *graph.Builder {
	t.Helper()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return graph.NewBuilder(cfg)
}

func TestBuildStaticEdgesOnlyWhenManualTopology(t *testing.T) {
	b := newBuilder(t, graph.Config{
		OverlayID:      "ov-1",
		NodeID:         "n3",
		StaticEdges:    []string{"n1"},
		ManualTopology: true,
	})

	peers := []string{"n1", "n2", "n4"}
	empty := graph.NewAdjacencyList("ov-1", "n3", 2, 2, 2)
	var reqs []graph.OnDemandRequest

	adj := b.Build(peers, empty, &reqs, false)

	require.Equal(t, 1, adj.Len())
	ce, ok := adj.Get("n1")
	require.True(t, ok)
	require.Equal(t, graph.Static, ce.EdgeType)
	require.Equal(t, graph.Initiator, ce.Role)
}

func TestBuildSuccessorsPickClockwiseFromSelf(t *testing.T) {
	b := newBuilder(t, graph.Config{
		OverlayID:     "ov-1",
		NodeID:        "n2",
		MinSuccessors: 2,
	})

	// Sorted nodes: n1, n2(self), n3, n4, n5 -> successors of n2 are n3, n4.
	peers := []string{"n1", "n3", "n4", "n5"}
	empty := graph.NewAdjacencyList("ov-1", "n2", 2, 0, 0)
	var reqs []graph.OnDemandRequest

	adj := b.Build(peers, empty, &reqs, false)

	ce3, ok := adj.Get("n3")
	require.True(t, ok)
	require.Equal(t, graph.Successor, ce3.EdgeType)

	ce4, ok := adj.Get("n4")
	require.True(t, ok)
	require.Equal(t, graph.Successor, ce4.EdgeType)

	require.False(t, adj.Has("n1"))
	require.False(t, adj.Has("n5"))
}

func TestBuildPreservesConnectedSuccessorBeforeReplacement(t *testing.T) {
	b := newBuilder(t, graph.Config{
		OverlayID:     "ov-1",
		NodeID:        "n1",
		MinSuccessors: 1,
	})

	// Sorted nodes: n1(self), n2, n3 -> ideal successor is n2, but n3 is an
	// existing Connected successor and must be kept since the ideal one
	// (n2) hasn't connected yet.
	transition := graph.NewAdjacencyList("ov-1", "n1", 1, 0, 0)
	transition.Set("n3", graph.ConnectionEdge{PeerID: "n3", EdgeType: graph.Successor, EdgeState: graph.Connected, Role: graph.Initiator})

	peers := []string{"n2", "n3"}
	var reqs []graph.OnDemandRequest

	adj := b.Build(peers, transition, &reqs, false)

	ce2, ok := adj.Get("n2")
	require.True(t, ok)
	require.Equal(t, graph.Successor, ce2.EdgeType)
	require.Equal(t, graph.EdgeState(""), ce2.EdgeState) // freshly created, not yet connected

	ce3, ok := adj.Get("n3")
	require.True(t, ok)
	require.Equal(t, graph.Connected, ce3.EdgeState)
}

func TestBuildLongDistanceSkippedWhenTooFewPeers(t *testing.T) {
	b := newBuilder(t, graph.Config{
		OverlayID:        "ov-1",
		NodeID:           "n1",
		MinSuccessors:    3,
		MaxLongDistEdges: 2,
	})

	peers := []string{"n2", "n3"} // 2*3 > 2 peers -> LDL build skipped
	empty := graph.NewAdjacencyList("ov-1", "n1", 3, 2, 0)
	var reqs []graph.OnDemandRequest

	adj := b.Build(peers, empty, &reqs, false)

	for _, peerID := range adj.PeerIDs() {
		ce, _ := adj.Get(peerID)
		require.NotEqual(t, graph.LongDistance, ce.EdgeType)
	}
}

func TestBuildOnDemandAddRequestConsumed(t *testing.T) {
	// Built without ApplyDefaults, which would replace MinSuccessors 0 with
	// the default and make n2 a Successor.
	b := graph.NewBuilder(graph.Config{
		OverlayID:        "ov-1",
		NodeID:           "n1",
		MinSuccessors:    0,
		MaxOnDemandEdges: 5,
	})

	peers := []string{"n2"}
	empty := graph.NewAdjacencyList("ov-1", "n1", 0, 0, 5)
	reqs := []graph.OnDemandRequest{{PeerID: "n2", Operation: graph.OnDemandAdd}}

	adj := b.Build(peers, empty, &reqs, false)

	ce, ok := adj.Get("n2")
	require.True(t, ok)
	require.Equal(t, graph.OnDemand, ce.EdgeType)
	require.Empty(t, reqs, "ADD request should be consumed immediately")
}

func TestBuildOnDemandRemoveRequestPendingUntilCleared(t *testing.T) {
	// Built without ApplyDefaults, which would replace MinSuccessors 0 with
	// the default and keep n2 as a Successor.
	b := graph.NewBuilder(graph.Config{
		OverlayID:        "ov-1",
		NodeID:           "n1",
		MinSuccessors:    0,
		MaxOnDemandEdges: 5,
	})

	transition := graph.NewAdjacencyList("ov-1", "n1", 0, 0, 5)
	transition.Set("n2", graph.ConnectionEdge{PeerID: "n2", EdgeType: graph.OnDemand, EdgeState: graph.Connected, Role: graph.Initiator})

	peers := []string{"n2"}
	reqs := []graph.OnDemandRequest{{PeerID: "n2", Operation: graph.OnDemandRemove}}

	adj := b.Build(peers, transition, &reqs, false)

	require.False(t, adj.Has("n2"))
	require.Len(t, reqs, 1, "REMOVE request stays pending until the tunnel clears from the adjacency list")
}

func TestBuildAllToAllOnlyHigherPeerInitiates(t *testing.T) {
	b := newBuilder(t, graph.Config{OverlayID: "ov-1", NodeID: "n2"})

	adj := b.BuildAllToAll([]string{"n1", "n3"})

	require.False(t, adj.Has("n1"), "n1 < n2: n1 is expected to initiate, not us")
	ce, ok := adj.Get("n3")
	require.True(t, ok)
	require.Equal(t, graph.Successor, ce.EdgeType)
}

func TestBuildAllToAllHonoursStaticEdges(t *testing.T) {
	b := newBuilder(t, graph.Config{
		OverlayID:   "ov-1",
		NodeID:      "n2",
		StaticEdges: []string{"n1"},
	})

	adj := b.BuildAllToAll([]string{"n1", "n3"})

	ce, ok := adj.Get("n1")
	require.True(t, ok)
	require.Equal(t, graph.Static, ce.EdgeType)
}
