package node

import (
	"fmt"
	"path/filepath"

	"github.com/agentworld/agentworld/src/challenge"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/reward"
)

// Role selects which planes a node runs.
type Role string

const (
	// RoleSequencer runs consensus, replication, challenges, and rewards.
	RoleSequencer Role = "sequencer"
	// RoleStorage replicates and answers challenges but never proposes.
	RoleStorage Role = "storage"
	// RoleObserver follows the chain read-only via gap sync.
	RoleObserver Role = "observer"
)

// Config collects everything a node runtime needs.
type Config struct {
	NodeID  string
	WorldID string
	Role    Role

	TickMs       int64
	ProbeTickMs  int64
	RewardPollMs int64

	DataDir string

	// WorldDir and RecordsDir override the directories derived from DataDir
	// for the execution bridge and the replication envelope log.
	WorldDir   string
	RecordsDir string

	GapSyncRetries int

	Consensus consensus.Config
	Challenge challenge.Config
	Reward    reward.Config

	// StorageProofKeys binds peer node ids to their storage-proof public
	// keys for challenge receipt verification.
	StorageProofKeys map[string]string
}

// DefaultConfig returns a sequencer config with shipped timings.
func DefaultConfig(nodeID, worldID string) Config {
	return Config{
		NodeID:         nodeID,
		WorldID:        worldID,
		Role:           RoleSequencer,
		TickMs:         1000,
		ProbeTickMs:    5000,
		RewardPollMs:   2000,
		GapSyncRetries: 3,
		Consensus:      consensus.DefaultConfig(worldID, nodeID),
		Challenge:      challenge.DefaultConfig(),
		Reward: reward.Config{
			WorldID:     worldID,
			LocalNodeID: nodeID,
		},
	}
}

// Validate rejects configs the runtime cannot start from.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if c.WorldID == "" {
		return fmt.Errorf("world id cannot be empty")
	}
	switch c.Role {
	case RoleSequencer, RoleStorage, RoleObserver:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.TickMs <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.GapSyncRetries <= 0 {
		return fmt.Errorf("gap sync retries must be positive")
	}
	return c.Consensus.Validate()
}

// replicationDir is where commit envelopes persist for a node.
func (c *Config) replicationDir() string {
	if c.RecordsDir != "" {
		return c.RecordsDir
	}
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "node-distfs", c.NodeID)
}

// bridgeDir is where the executed world persists for a node.
func (c *Config) bridgeDir() string {
	if c.WorldDir != "" {
		return c.WorldDir
	}
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "world", c.NodeID)
}
