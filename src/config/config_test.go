package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDataDirMovesDefaultStorageRoot(t *testing.T) {
	c := NewDefaultConfig()
	c.SetDataDir("/tmp/aw")
	assert.Equal(t, "/tmp/aw", c.DataDir)
	assert.Equal(t, filepath.Join("/tmp/aw", DefaultStoreDir), c.StorageRoot)
	assert.Equal(t, filepath.Join("/tmp/aw", DefaultKeyfile), c.Keyfile())

	// An explicitly set storage root is left alone.
	c = NewDefaultConfig()
	c.StorageRoot = "/var/blobs"
	c.SetDataDir("/tmp/aw")
	assert.Equal(t, "/var/blobs", c.StorageRoot)
}

func TestParseValidators(t *testing.T) {
	c := NewDefaultConfig()
	c.Validators = []string{"node-b:33", "node-a:34"}

	validators, err := c.ParseValidators()
	require.NoError(t, err)
	require.Len(t, validators, 2)
	assert.Equal(t, "node-a", validators[0].ID)
	assert.Equal(t, uint64(34), validators[0].Stake)
	assert.Equal(t, "node-b", validators[1].ID)

	for _, bad := range []string{"node-a", "node-a:", ":34", "node-a:zero", "node-a:0"} {
		c.Validators = []string{bad}
		_, err := c.ParseValidators()
		assert.Error(t, err, bad)
	}
}

func TestLogLevelFallsBackToDebug(t *testing.T) {
	assert.Equal(t, LogLevel("info").String(), "info")
	assert.Equal(t, LogLevel("bogus").String(), "debug")
}
