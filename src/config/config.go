// Package config holds the top-level runtime configuration shared by the CLI
// and the embedding API.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/consensus"
)

// Default filenames under the datadir.
const (
	// DefaultKeyfile is the TOML file carrying the [node] keypair table.
	DefaultKeyfile = "key.toml"

	// DefaultStoreDir is the folder containing the content-addressed blob
	// store.
	DefaultStoreDir = "store"
)

// Default configuration values.
const (
	DefaultLogLevel     = "debug"
	DefaultStatusBind   = "127.0.0.1:8090"
	DefaultWorldID      = "agent-world"
	DefaultRole         = "sequencer"
	DefaultTickMs       = 1000
	DefaultProbeTickMs  = 5000
	DefaultRewardPollMs = 2000
	DefaultCacheSize    = 10000
	DefaultStore        = false
)

// Config contains all the configuration properties of an agentworld node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogDir, when set, adds per-level log files next to stderr output.
	LogDir string `mapstructure:"log-dir"`

	// NodeID is this node's identity in the validator directory.
	NodeID string `mapstructure:"node-id"`

	// WorldID names the world this node participates in.
	WorldID string `mapstructure:"world-id"`

	// Role is one of sequencer, storage, observer.
	Role string `mapstructure:"node-role"`

	// StatusBind is the listen address of the HTTP status service.
	StatusBind string `mapstructure:"status-bind"`

	// NoService disables the HTTP status service.
	NoService bool `mapstructure:"no-service"`

	// TickMs is the consensus tick interval in milliseconds.
	TickMs int64 `mapstructure:"node-tick-ms"`

	// ProbeTickMs is the storage-probe interval in milliseconds.
	ProbeTickMs int64 `mapstructure:"probe-tick-ms"`

	// RewardPollMs is the reward-loop interval in milliseconds.
	RewardPollMs int64 `mapstructure:"reward-poll-ms"`

	// Validators holds "id:stake" entries forming the validator directory.
	Validators []string `mapstructure:"node-validator"`

	// AutoAttestAll lets the local validator attest blocks it did not
	// propose.
	AutoAttestAll bool `mapstructure:"node-auto-attest-all"`

	// GossipBind is the address an external gossip transport binds to. The
	// core consumes the abstract gossip facade; the surrounding process owns
	// the actual transport.
	GossipBind string `mapstructure:"node-gossip-bind"`

	// GossipPeers are transport peer addresses, for the same external
	// transport.
	GossipPeers []string `mapstructure:"node-gossip-peer"`

	// ExecutionBridgeState points at the persisted bridge state file; its
	// directory hosts the bridge files when ExecutionWorldDir is unset.
	ExecutionBridgeState string `mapstructure:"execution-bridge-state"`

	// ExecutionWorldDir overrides the executed-world directory.
	ExecutionWorldDir string `mapstructure:"execution-world-dir"`

	// ExecutionRecordsDir overrides the replication envelope directory.
	ExecutionRecordsDir string `mapstructure:"execution-records-dir"`

	// Store activates the persistent badger blob store instead of the
	// in-memory one.
	Store bool `mapstructure:"store"`

	// StorageRoot is the directory of the content-addressed blob store.
	StorageRoot string `mapstructure:"storage-root"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// MainTokenAccount receives auto-redeemed power units.
	MainTokenAccount string `mapstructure:"main-token-account"`

	// AutoRedeem converts minted credits to power after each settlement.
	AutoRedeem bool `mapstructure:"auto-redeem"`

	// RewardLeader is the stated settlement publisher.
	RewardLeader string `mapstructure:"reward-leader"`

	// RewardLeaderStaleMs is how long the stated leader's head may lag
	// before failover considers it stale.
	RewardLeaderStaleMs int64 `mapstructure:"reward-leader-stale-ms"`

	// RewardFailover lets the freshest peer replace a stale leader.
	RewardFailover bool `mapstructure:"reward-failover"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:      DefaultDataDir(),
		LogLevel:     DefaultLogLevel,
		WorldID:      DefaultWorldID,
		Role:         DefaultRole,
		StatusBind:   DefaultStatusBind,
		TickMs:       DefaultTickMs,
		ProbeTickMs:  DefaultProbeTickMs,
		RewardPollMs: DefaultRewardPollMs,
		CacheSize:    DefaultCacheSize,
		Store:        DefaultStore,
		StorageRoot:  DefaultStorageRoot(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level directory, and updates the storage root if it
// is currently set to the default value.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.StorageRoot == DefaultStorageRoot() {
		c.StorageRoot = filepath.Join(dataDir, DefaultStoreDir)
	}
}

// Keyfile returns the full path of the TOML file containing the node keypair.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// ParseValidators converts the "id:stake" entries into a validator set sorted
// by id.
func (c *Config) ParseValidators() ([]consensus.Validator, error) {
	out := make([]consensus.Validator, 0, len(c.Validators))
	for _, entry := range c.Validators {
		idx := strings.LastIndex(entry, ":")
		if idx <= 0 || idx == len(entry)-1 {
			return nil, fmt.Errorf("validator %q is not id:stake", entry)
		}
		stake, err := strconv.ParseUint(entry[idx+1:], 10, 64)
		if err != nil || stake == 0 {
			return nil, fmt.Errorf("validator %q needs a positive stake", entry)
		}
		out = append(out, consensus.Validator{ID: entry[:idx], Stake: stake})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Logger returns a formatted logrus Entry with prefix set to "agentworld".
// When LogDir is configured, per-level files are attached with an lfshook.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogDir != "" {
			if err := os.MkdirAll(c.LogDir, 0700); err == nil {
				c.logger.Hooks.Add(lfshook.NewHook(
					lfshook.PathMap{
						logrus.DebugLevel: filepath.Join(c.LogDir, "debug.log"),
						logrus.InfoLevel:  filepath.Join(c.LogDir, "info.log"),
						logrus.WarnLevel:  filepath.Join(c.LogDir, "warn.log"),
						logrus.ErrorLevel: filepath.Join(c.LogDir, "error.log"),
					},
					&logrus.TextFormatter{},
				))
			} else {
				c.logger.WithField("log_dir", c.LogDir).Warn("Cannot create log directory, file logging disabled")
			}
		}
	}
	return c.logger.WithField("prefix", "agentworld")
}

// DefaultStorageRoot returns the default path of the blob store.
func DefaultStorageRoot() string {
	return filepath.Join(DefaultDataDir(), DefaultStoreDir)
}

// DefaultDataDir returns the default top-level directory based on the
// underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".AgentWorld")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "AgentWorld")
		} else {
			return filepath.Join(home, ".agentworld")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a level name, defaulting to debug.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
