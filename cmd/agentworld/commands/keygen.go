package commands

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/agentworld/agentworld/src/crypto/keys"
)

var (
	keyFile        string
	defaultKeyFile = _config.Keyfile()
)

// NewKeygenCmd produces a KeygenCmd which creates a key file
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create new key file",
		RunE:  keygen,
	}

	AddKeygenFlags(cmd)

	return cmd
}

//AddKeygenFlags adds flags to the keygen command
func AddKeygenFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&keyFile, "file", defaultKeyFile, "File where the key will be written")
}

func keygen(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(keyFile); err == nil {
		return fmt.Errorf("a key already lives under: %s", path.Dir(keyFile))
	}

	if err := os.MkdirAll(path.Dir(keyFile), 0700); err != nil {
		return fmt.Errorf("writing key: %s", err)
	}

	key, err := keys.LoadOrCreateKeyFile(keyFile)
	if err != nil {
		return fmt.Errorf("writing key: %s", err)
	}

	fmt.Printf("Your key has been saved to: %s\n", keyFile)
	fmt.Printf("Public key: %s\n", key.PublicHex())

	return nil
}
