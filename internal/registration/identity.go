package registration

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/symphonymesh/symphonyd/internal/fsutil"
)

// Identity holds a node's persistent overlay identity: a stable node id
// derived from its public key, and the keypair itself.
type Identity struct {
	NodeID     string `json:"node_id"`
	PublicKey  []byte `json:"-"`
	PrivateKey []byte `json:"-"` // never serialized to JSON
}

type identityFile struct {
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key"`
}

// ErrNotRegistered indicates that no identity files exist in data_dir.
var ErrNotRegistered = errors.New("registration: node has no persisted identity")

// deriveNodeID turns a public key into a short, stable, human-pasteable id:
// the first 16 hex characters of its SHA-256 digest.
func deriveNodeID(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// SaveIdentity persists a node identity atomically to dataDir.
func SaveIdentity(dataDir string, id *Identity) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("registration: save identity: %w", err)
	}

	jsonData, err := json.MarshalIndent(identityFile{
		NodeID:    id.NodeID,
		PublicKey: base64.StdEncoding.EncodeToString(id.PublicKey),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("registration: save identity: %w", err)
	}
	if err := fsutil.WriteFileAtomic(dataDir, "identity.json", jsonData, 0o600); err != nil {
		return fmt.Errorf("registration: save identity: %w", err)
	}

	privKeyData := []byte(base64.StdEncoding.EncodeToString(id.PrivateKey))
	if err := fsutil.WriteFileAtomic(dataDir, "private_key", privKeyData, 0o600); err != nil {
		return fmt.Errorf("registration: save identity: %w", err)
	}

	return nil
}

// LoadIdentity reads a previously saved node identity from dataDir.
func LoadIdentity(dataDir string) (*Identity, error) {
	jsonData, err := os.ReadFile(filepath.Join(dataDir, "identity.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("registration: load identity: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(jsonData, &f); err != nil {
		return nil, fmt.Errorf("registration: load identity: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(f.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("registration: load identity: decode public key: %w", err)
	}

	privKeyData, err := os.ReadFile(filepath.Join(dataDir, "private_key"))
	if err != nil {
		return nil, fmt.Errorf("registration: load identity: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(privKeyData)))
	if err != nil {
		return nil, fmt.Errorf("registration: load identity: decode private key: %w", err)
	}

	if f.NodeID == "" {
		return nil, fmt.Errorf("registration: load identity: node_id is empty")
	}

	return &Identity{NodeID: f.NodeID, PublicKey: pub, PrivateKey: priv}, nil
}

// LoadOrCreateIdentity loads a persisted identity from dataDir, generating
// and saving a fresh one if none exists yet.
func LoadOrCreateIdentity(dataDir string) (*Identity, error) {
	id, err := LoadIdentity(dataDir)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotRegistered) {
		return nil, err
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("registration: generate identity: %w", err)
	}
	id = &Identity{
		NodeID:     deriveNodeID(kp.PublicKey),
		PublicKey:  kp.PublicKey,
		PrivateKey: kp.PrivateKey,
	}
	if err := SaveIdentity(dataDir, id); err != nil {
		return nil, err
	}
	return id, nil
}
