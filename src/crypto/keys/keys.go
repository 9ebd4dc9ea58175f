package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain-separation tags for signer derivation. Each per-purpose keypair is
// derived from the node root key so that one root seed controls a node without
// any key ever signing for two protocols.
const (
	ConsensusSignerTag = "agent-world-node-consensus-signer-v1"
	StorageProofTag    = "agent-world-node-storage-proof-signer-v1"
)

// Keypair wraps an ed25519 keypair with its hex forms, which is how keys
// travel in config files and wire envelopes.
type Keypair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateKeypair creates a new random ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{Private: priv, Public: pub}, nil
}

// FromSeedHex builds a keypair from a 64-hex 32-byte seed.
func FromSeedHex(seedHex string) (*Keypair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("private key must be valid hex: %v", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be %d-byte hex, got %d bytes", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		Private: priv,
		Public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// SeedHex returns the hex encoding of the private key seed.
func (k *Keypair) SeedHex() string {
	return hex.EncodeToString(k.Private.Seed())
}

// PublicHex returns the hex encoding of the public key.
func (k *Keypair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

// Sign signs data and returns the hex encoding of the signature.
func (k *Keypair) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.Private, data))
}

// Verify checks a hex signature over data against a hex public key.
func Verify(publicHex string, data []byte, signatureHex string) error {
	pub, err := hex.DecodeString(publicHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d-byte hex", ed25519.PublicKeySize)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature must be %d-byte hex", ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// DeriveSigner derives a per-purpose keypair from the node root keypair. The
// seed is SHA256(tag || rootSeed || nodeID), which keeps derivation
// deterministic across restarts and distinct across nodes and purposes.
func DeriveSigner(root *Keypair, tag, nodeID string) *Keypair {
	hasher := sha256.New()
	hasher.Write([]byte(tag))
	hasher.Write(root.Private.Seed())
	hasher.Write([]byte(nodeID))
	seed := hasher.Sum(nil)

	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		Private: priv,
		Public:  priv.Public().(ed25519.PublicKey),
	}
}
