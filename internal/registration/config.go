package registration

import "errors"

// Config holds the configuration for a node's identity and the TLS client
// credentials it presents to the presence/signalling transport. Config is
// passed as a constructor argument — no file I/O happens at decode time.
type Config struct {
	// DataDir is the directory identity.json and the private key file are
	// persisted under (required). Filled in from the root config's DataDir,
	// not set directly in YAML.
	DataDir string `yaml:"-"`

	// TLSCertFile and TLSKeyFile are the client certificate/key pair
	// presented to the signalling transport for mutual TLS. Both empty
	// means no client certificate is presented.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// TLSCAFile, if set, is a PEM bundle used instead of the system trust
	// store to verify the signalling transport's server certificate.
	TLSCAFile string `yaml:"tls_ca_file"`

	// TLSInsecureSkipVerify disables server certificate verification.
	// Never set in production; exists for local/dev signalling servers.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
}

// ApplyDefaults sets default values for zero-valued fields. Currently a
// no-op: every field here either has no sensible default (the TLS paths) or
// defaults correctly to its zero value (DataDir is validated as required,
// InsecureSkipVerify defaults to false).
func (c *Config) ApplyDefaults() {}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("registration: config: DataDir is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("registration: config: TLSCertFile and TLSKeyFile must be set together")
	}
	return nil
}
