// Package membership handles the validator directory: the signed bootstrap
// snapshot and the durable recovery-alert queue used to propagate
// revocations.
package membership

import (
	"fmt"

	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/wire"
)

const directorySignTag = "agent-world:directory:v1|"

// DirectorySnapshot is the signed validator set a node consumes at bootstrap.
type DirectorySnapshot struct {
	WorldID         string                `json:"world_id"`
	Validators      []consensus.Validator `json:"validators"`
	QuorumThreshold uint64                `json:"quorum_threshold"`
	IssuedAtMs      int64                 `json:"issued_at_ms"`
	SignerPublicKey string                `json:"signer_public_key_hex"`
	Signature       string                `json:"signature"`
}

func (d DirectorySnapshot) signingBytes() ([]byte, error) {
	unsigned := d
	unsigned.Signature = ""
	return wire.SigningBytes(directorySignTag, unsigned)
}

// Sign signs the snapshot with the issuer key.
func (d *DirectorySnapshot) Sign(kp *keys.Keypair) error {
	d.SignerPublicKey = kp.PublicHex()
	data, err := d.signingBytes()
	if err != nil {
		return err
	}
	d.Signature = kp.Sign(data)
	return nil
}

// Verify checks the snapshot signature against the trusted issuer key and
// validates its contents.
func (d DirectorySnapshot) Verify(trustedIssuerKey string) error {
	if d.SignerPublicKey != trustedIssuerKey {
		return fmt.Errorf("directory signed by untrusted key")
	}
	data, err := d.signingBytes()
	if err != nil {
		return err
	}
	if err := keys.Verify(d.SignerPublicKey, data, d.Signature); err != nil {
		return fmt.Errorf("directory signature: %v", err)
	}
	if len(d.Validators) == 0 {
		return fmt.Errorf("directory has no validators")
	}
	var total uint64
	for _, v := range d.Validators {
		total += v.Stake
	}
	if d.QuorumThreshold > total {
		return fmt.Errorf("quorum threshold %d exceeds total stake %d", d.QuorumThreshold, total)
	}
	return nil
}
