// Package tunnel implements the two tunnel-manager flavours that realize an
// overlay's adjacency as live links: a kernel/Geneve manager for directly
// reachable peers and a NAT-traversing WireGuard manager for peers behind
// NAT, both driven by the same handshake-over-remote-action state machine.
package tunnel

import (
	"errors"
	"time"
)

// Default timeouts for the tunnel managers' timed transactions.
const (
	DefaultGeneveSetupTimeout = 30 * time.Second
	DefaultLinkSetupTimeout   = 30 * time.Second
	DefaultEventPeriod        = 1 * time.Second
)

// TapNameMaxLen is the kernel-imposed limit on network interface names.
const TapNameMaxLen = 15

// OverlayConfig carries the per-overlay settings a tunnel manager needs to
// create interfaces for that overlay: where to find this node on the
// network, which existing interfaces never to hand the data plane, and
// whether overlay traffic is permitted to tunnel over another overlay's
// interface.
type OverlayConfig struct {
	TapNamePrefix           string   `yaml:"tap_name_prefix"`
	IgnoredInterfaces       []string `yaml:"ignored_interfaces"`
	AllowRecursiveTunneling bool     `yaml:"allow_recursive_tunneling"`
	EndpointAddress         string   `yaml:"endpoint_address"`
	StunServers             []string `yaml:"stun_servers"`
	TurnServers             []string `yaml:"turn_servers"`
}

// ManagerConfig holds settings shared by both tunnel manager flavours.
type ManagerConfig struct {
	// GeneveSetupTimeout bounds how long a kernel-flavour tunnel may remain
	// Authorized (or short of Online) before it is rolled back.
	GeneveSetupTimeout time.Duration `yaml:"geneve_setup_timeout"`
	// LinkSetupTimeout bounds how long a NAT-traversing handshake may run
	// before it is rolled back.
	LinkSetupTimeout time.Duration `yaml:"link_setup_timeout"`
	// EventPeriod is the tick interval at which timed transactions are
	// checked for expiry.
	EventPeriod time.Duration `yaml:"event_period"`
	// GlobalIgnoredInterfaces is added to every overlay's ignore list
	// regardless of AllowRecursiveTunneling.
	GlobalIgnoredInterfaces []string `yaml:"global_ignored_interfaces"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *ManagerConfig) ApplyDefaults() {
	if c.GeneveSetupTimeout <= 0 {
		c.GeneveSetupTimeout = DefaultGeneveSetupTimeout
	}
	if c.LinkSetupTimeout <= 0 {
		c.LinkSetupTimeout = DefaultLinkSetupTimeout
	}
	if c.EventPeriod <= 0 {
		c.EventPeriod = DefaultEventPeriod
	}
}

// Validate checks that configuration values are usable.
func (c *ManagerConfig) Validate() error {
	if c.GeneveSetupTimeout <= 0 {
		return errors.New("tunnel: config: GeneveSetupTimeout must be positive")
	}
	if c.LinkSetupTimeout <= 0 {
		return errors.New("tunnel: config: LinkSetupTimeout must be positive")
	}
	if c.EventPeriod <= 0 {
		return errors.New("tunnel: config: EventPeriod must be positive")
	}
	return nil
}
