// Package config loads symphonyd's root configuration: node identity plus
// one section per overlay the node participates in, each aggregating the
// signalling transport, tunnel manager and graph builder settings for that
// overlay.
//
// time.Duration fields decode as plain nanosecond integers, not duration
// strings (yaml.v3 has no special-cased decoding for time.Duration).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/symphonymesh/symphonyd/internal/graph"
	"github.com/symphonymesh/symphonyd/internal/registration"
	"github.com/symphonymesh/symphonyd/internal/signaling"
	"github.com/symphonymesh/symphonyd/internal/tunnel"
)

const (
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"

	// DefaultDataDir is the default directory for persistent node data
	// (node identity files, per-overlay adjacency list persistence).
	DefaultDataDir = "/var/lib/symphonyd"

	// FlavorKernel and FlavorNAT are the two recognized TunnelFlavor values.
	FlavorKernel = "kernel"
	FlavorNAT    = "nat"
)

// OverlayConfig aggregates the settings needed to join a single overlay:
// how to reach its signalling server, how this node's tunnel interfaces
// should be named and exposed, and how its topology should be built.
type OverlayConfig struct {
	Signaling signaling.Config     `yaml:"signaling"`
	Tunnel    tunnel.OverlayConfig `yaml:"tunnel"`
	Graph     graph.Config         `yaml:"graph"`
}

// Config is the top-level configuration for the symphonyd node. It is
// populated from a YAML file via ParseConfig.
type Config struct {
	// NodeID uniquely identifies this node across every overlay it joins.
	// Required.
	NodeID string `yaml:"node_id"`

	// LogLevel is the log level: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// DataDir is the directory for persistent node data.
	// Default: /var/lib/symphonyd
	DataDir string `yaml:"data_dir"`

	// TunnelFlavor selects the tunnel manager every overlay on this node
	// runs: "kernel" (Geneve, direct reachability) or "nat" (WireGuard with
	// STUN-discovered candidates). A node runs exactly one flavour node-wide
	// rather than mixing them, since the two data planes need disjoint
	// privileges and the original deployment model never runs both at once.
	// Default: "kernel"
	TunnelFlavor string `yaml:"tunnel_flavor"`

	// TunnelManager holds settings shared by both tunnel manager flavours
	// across every overlay (handshake timeouts, global interface ignore
	// list).
	TunnelManager tunnel.ManagerConfig `yaml:"tunnel_manager"`

	// Overlays maps an overlay id to its settings. A node with no entries
	// here joins no overlay.
	Overlays map[string]OverlayConfig `yaml:"overlays"`

	// Registration holds the node's identity and TLS client-certificate
	// settings for the signalling transport. DataDir is filled in from the
	// root DataDir rather than configured separately.
	Registration registration.Config `yaml:"registration"`
}

// ApplyDefaults sets default values for zero-valued fields, including the
// per-overlay sections, whose graph.Config.OverlayID/NodeID are filled in
// from the map key and the root NodeID since those fields are intentionally
// absent from the YAML shape.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.TunnelFlavor == "" {
		c.TunnelFlavor = FlavorKernel
	}
	c.TunnelManager.ApplyDefaults()
	c.Registration.DataDir = c.DataDir
	c.Registration.ApplyDefaults()

	for id, ov := range c.Overlays {
		ov.Signaling.ApplyDefaults()
		ov.Graph.OverlayID = id
		ov.Graph.NodeID = c.NodeID
		ov.Graph.ApplyDefaults()
		if ov.Tunnel.TapNamePrefix == "" {
			ov.Tunnel.TapNamePrefix = tapNamePrefixFromOverlayID(id)
		}
		c.Overlays[id] = ov
	}
}

// tapNamePrefixFromOverlayID mirrors the original's fallback of truncating
// the overlay id itself when no explicit prefix is configured.
func tapNamePrefixFromOverlayID(overlayID string) string {
	const fallbackLen = 5
	if len(overlayID) <= fallbackLen {
		return overlayID
	}
	return overlayID[:fallbackLen]
}

// Validate checks that required fields are set and every subsystem's
// settings are individually valid.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: NodeID is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	switch c.TunnelFlavor {
	case FlavorKernel, FlavorNAT:
	default:
		return fmt.Errorf("config: invalid tunnel_flavor %q", c.TunnelFlavor)
	}
	if err := c.TunnelManager.Validate(); err != nil {
		return fmt.Errorf("config: tunnel_manager: %w", err)
	}
	if err := c.Registration.Validate(); err != nil {
		return fmt.Errorf("config: registration: %w", err)
	}
	for id, ov := range c.Overlays {
		if err := ov.Signaling.Validate(); err != nil {
			return fmt.Errorf("config: overlays[%s]: signaling: %w", id, err)
		}
		if err := ov.Graph.Validate(); err != nil {
			return fmt.Errorf("config: overlays[%s]: graph: %w", id, err)
		}
	}
	return nil
}

// ParseConfig reads a YAML configuration file and returns a Config with
// defaults applied and validated.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
