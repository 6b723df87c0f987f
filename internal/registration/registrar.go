package registration

import (
	"crypto/tls"
	"log/slog"
)

// Registrar resolves this node's persistent identity and the TLS material
// it presents to the signalling transport. Unlike the control-plane
// registration this package is adapted from, there is no remote
// registration call here: identity is generated once on first run and
// persisted locally as self-attested material, with no server issuing or
// countersigning it. The TLS client material is loaded separately from the
// certificate files named in Config.
type Registrar struct {
	cfg    Config
	logger *slog.Logger
}

// NewRegistrar creates a new Registrar with the given config and logger.
func NewRegistrar(cfg Config, logger *slog.Logger) *Registrar {
	cfg.ApplyDefaults()
	return &Registrar{
		cfg:    cfg,
		logger: logger.With("component", "registration"),
	}
}

// Register loads this node's persisted identity, generating and saving one
// if this is the node's first run.
func (r *Registrar) Register() (*Identity, error) {
	identity, err := LoadOrCreateIdentity(r.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	r.logger.Info("node identity ready", "node_id", identity.NodeID)
	return identity, nil
}

// IsRegistered returns true if a valid identity exists on disk.
func (r *Registrar) IsRegistered() bool {
	_, err := LoadIdentity(r.cfg.DataDir)
	return err == nil
}

// TLSConfig builds the TLS client config this node presents to the
// signalling transport, per the Registrar's Config.
func (r *Registrar) TLSConfig() (*tls.Config, error) {
	return LoadClientTLSConfig(r.cfg)
}
