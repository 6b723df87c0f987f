// Package signaling implements the presence and directed-message transport
// that lets overlay nodes discover each other's signalling address and
// ferry RemoteActions between them without a direct connection.
package signaling

import (
	"errors"
	"time"
)

const (
	// DefaultPresenceInterval is the base interval between self-announce
	// presence broadcasts; the actual interval is jittered per overlay.
	DefaultPresenceInterval = 30 * time.Second

	// DefaultCacheExpiry is the default lifetime of a jidcache entry.
	DefaultCacheExpiry = 60 * time.Second

	// DefaultRequestTimeout bounds how long a queued outgoing remote action
	// or a pending CBT may wait before being scavenged.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaintenanceInterval is how often the maintenance tick runs.
	DefaultMaintenanceInterval = 5 * time.Second

	// DefaultMaxConnectRetries bounds how many times Run retries a failed
	// dial before giving up on the transport entirely.
	DefaultMaxConnectRetries = 5

	// DefaultRetryInterval is the delay between connect retries.
	DefaultRetryInterval = 4 * time.Second
)

// Config holds per-overlay signalling transport settings.
type Config struct {
	// Endpoint is the signalling server's websocket URL (e.g. "wss://sig.example/ws").
	Endpoint string `yaml:"endpoint"`

	PresenceInterval    time.Duration `yaml:"presence_interval"`
	CacheExpiry         time.Duration `yaml:"cache_expiry"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	MaxConnectRetries   int           `yaml:"max_connect_retries"`
	RetryInterval       time.Duration `yaml:"retry_interval"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.PresenceInterval == 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	if c.CacheExpiry == 0 {
		c.CacheExpiry = DefaultCacheExpiry
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.MaxConnectRetries == 0 {
		c.MaxConnectRetries = DefaultMaxConnectRetries
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("signaling: config: Endpoint must not be empty")
	}
	if c.PresenceInterval <= 0 {
		return errors.New("signaling: config: PresenceInterval must be positive")
	}
	if c.CacheExpiry <= 0 {
		return errors.New("signaling: config: CacheExpiry must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("signaling: config: RequestTimeout must be positive")
	}
	if c.MaintenanceInterval <= 0 {
		return errors.New("signaling: config: MaintenanceInterval must be positive")
	}
	if c.MaxConnectRetries <= 0 {
		return errors.New("signaling: config: MaxConnectRetries must be positive")
	}
	if c.RetryInterval <= 0 {
		return errors.New("signaling: config: RetryInterval must be positive")
	}
	return nil
}
