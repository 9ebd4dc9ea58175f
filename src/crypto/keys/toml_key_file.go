package keys

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml"
)

// NodeKeySection is the [node] table of the node config file.
type NodeKeySection struct {
	PrivateKey string `toml:"private_key"`
	PublicKey  string `toml:"public_key"`
}

type nodeKeyFile struct {
	Node NodeKeySection `toml:"node"`
}

// LoadOrCreateKeyFile reads the node keypair from a TOML config file. A
// missing file is created with a fresh keypair; a file with a private key but
// no public key gets the public key derived and filled in. Existing keys are
// never overwritten. All writes are atomic (tmp, fsync, rename).
func LoadOrCreateKeyFile(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kp, genErr := GenerateKeypair()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := writeKeyFile(path, kp); writeErr != nil {
			return nil, writeErr
		}
		return kp, nil
	}
	if err != nil {
		return nil, err
	}

	var file nodeKeyFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse key file %s: %v", path, err)
	}

	if file.Node.PrivateKey == "" {
		return nil, fmt.Errorf("key file %s has no [node] private_key", path)
	}

	kp, err := FromSeedHex(file.Node.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %v", path, err)
	}

	if file.Node.PublicKey == "" {
		// Preserve the private key, fill in the derived public key.
		if err := writeKeyFile(path, kp); err != nil {
			return nil, err
		}
		return kp, nil
	}

	if file.Node.PublicKey != kp.PublicHex() {
		return nil, fmt.Errorf("key file %s public_key does not match private key", path)
	}

	return kp, nil
}

func writeKeyFile(path string, kp *Keypair) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	out, err := toml.Marshal(nodeKeyFile{Node: NodeKeySection{
		PrivateKey: kp.SeedHex(),
		PublicKey:  kp.PublicHex(),
	}})
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
