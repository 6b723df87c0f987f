package graph

import "errors"

// Mode selects how a Builder turns a peer list into an AdjacencyList.
type Mode string

const (
	// ModeSymphony is the default: static edges plus Symphony-sampled
	// successor/long-distance/on-demand edges.
	ModeSymphony Mode = "symphony"
	// ModeAllToAll builds a full mesh (every lexicographically-greater peer
	// becomes a Successor edge), bypassing Symphony sampling entirely.
	ModeAllToAll Mode = "all-to-all"
)

// DefaultMinSuccessors is used when Config.MinSuccessors is zero.
const DefaultMinSuccessors = 2

// Config configures a Builder for one overlay.
type Config struct {
	OverlayID string `yaml:"-"`
	NodeID    string `yaml:"-"`

	// Mode selects the construction algorithm. Default: ModeSymphony.
	Mode Mode `yaml:"mode"`

	// StaticEdges are peer ids that always receive a direct Static edge.
	StaticEdges []string `yaml:"static_edges"`

	// ManualTopology, when true, restricts the adjacency list to static
	// edges only; no successor/long-distance/on-demand edges are built.
	ManualTopology bool `yaml:"manual_topology"`

	MinSuccessors    int `yaml:"min_successors"`
	MaxLongDistEdges int `yaml:"max_long_dist_edges"`
	MaxOnDemandEdges int `yaml:"max_on_demand_edges"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSymphony
	}
	if c.MinSuccessors == 0 {
		c.MinSuccessors = DefaultMinSuccessors
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.OverlayID == "" {
		return errors.New("graph: config: OverlayID must not be empty")
	}
	if c.NodeID == "" {
		return errors.New("graph: config: NodeID must not be empty")
	}
	if c.Mode != ModeSymphony && c.Mode != ModeAllToAll {
		return errors.New("graph: config: Mode must be \"symphony\" or \"all-to-all\"")
	}
	if c.MinSuccessors < 0 {
		return errors.New("graph: config: MinSuccessors must not be negative")
	}
	if c.MaxLongDistEdges < 0 {
		return errors.New("graph: config: MaxLongDistEdges must not be negative")
	}
	if c.MaxOnDemandEdges < 0 {
		return errors.New("graph: config: MaxOnDemandEdges must not be negative")
	}
	return nil
}
