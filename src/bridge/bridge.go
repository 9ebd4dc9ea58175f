// Package bridge binds committed consensus heights to kernel execution. It
// owns the persisted world: snapshot, journal, and the last executed binding
// survive restarts, so replaying a committed batch is idempotent.
package bridge

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/crypto"
	"github.com/agentworld/agentworld/src/kernel"
	"github.com/agentworld/agentworld/src/wire"
)

const executionBlockTag = "agent-world:execution-block:v1|"

const (
	stateFileName    = "bridge-state.json"
	worldDirName     = "world"
	snapshotFileName = "snapshot.json"
	journalFileName  = "journal.json"
)

// persistedState is the restart marker binding the last executed height.
type persistedState struct {
	WorldID            string `json:"world_id"`
	LastHeight         uint64 `json:"last_height"`
	ExecutionBlockHash string `json:"execution_block_hash"`
	ExecutionStateRoot string `json:"execution_state_root"`
}

// Bridge implements the consensus execution hook over a persisted kernel.
type Bridge struct {
	sync.Mutex

	logger *logrus.Entry

	worldID string
	dir     string
	kernel  *kernel.Kernel

	lastHeight    uint64
	lastBlockHash string
	lastStateRoot string

	nextActionID uint64
}

// NewBridge opens (or creates) the persisted world under dir. An empty dir
// keeps everything in memory.
func NewBridge(worldID string, sandbox kernel.ModuleSandbox, dir string, logger *logrus.Entry) (*Bridge, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}
	b := &Bridge{
		logger:       logger,
		worldID:      worldID,
		dir:          dir,
		nextActionID: 1,
	}

	if dir != "" {
		loaded, err := b.load(sandbox)
		if err != nil {
			return nil, err
		}
		if loaded {
			return b, nil
		}
	}
	b.kernel = kernel.NewKernel(worldID, sandbox, logger)
	return b, nil
}

// Kernel exposes the underlying world for status snapshots and direct
// submission paths. Callers hold the node runtime lock.
func (b *Bridge) Kernel() *kernel.Kernel {
	return b.kernel
}

// EncodeAction wraps a kernel action as an opaque consensus payload with a
// fresh action id.
func (b *Bridge) EncodeAction(a kernel.Action) (wire.CommittedAction, error) {
	payload, err := wire.Marshal(a)
	if err != nil {
		return wire.CommittedAction{}, err
	}
	b.Lock()
	id := b.nextActionID
	b.nextActionID++
	b.Unlock()
	return wire.CommittedAction{ActionID: id, Payload: payload}, nil
}

// LastExecuted returns the binding of the most recently executed height.
func (b *Bridge) LastExecuted() (uint64, string, string) {
	b.Lock()
	defer b.Unlock()
	return b.lastHeight, b.lastBlockHash, b.lastStateRoot
}

// executionBlockHash derives the deterministic execution binding for a
// height: every honest node that executed the same batch on the same state
// arrives at the same value.
func executionBlockHash(worldID string, height uint64, blockHash, stateRoot string) string {
	payload := fmt.Sprintf("%s|%d|%s|%s", worldID, height, blockHash, stateRoot)
	return crypto.TaggedSHA256Hex(executionBlockTag, []byte(payload))
}

// ExecuteCommitted applies a committed batch to the kernel, advances the
// tick, persists the world, and returns the execution binding. Re-executing
// the last height returns the stored binding unchanged.
func (b *Bridge) ExecuteCommitted(height uint64, blockHash string, actions []wire.CommittedAction) (consensus.ExecutionResult, error) {
	b.Lock()
	defer b.Unlock()

	if height == b.lastHeight && b.lastBlockHash != "" {
		return consensus.ExecutionResult{Height: height, BlockHash: b.lastBlockHash, StateRoot: b.lastStateRoot}, nil
	}
	if height != b.lastHeight+1 {
		return consensus.ExecutionResult{}, fmt.Errorf("execute height %d out of order, last executed %d", height, b.lastHeight)
	}

	if _, err := b.kernel.ApplyCommittedActions(actions); err != nil {
		return consensus.ExecutionResult{}, err
	}
	b.kernel.AdvanceTick()

	snapshot := b.kernel.Snapshot()
	stateRoot, err := snapshot.StateRoot()
	if err != nil {
		return consensus.ExecutionResult{}, err
	}
	if snapshot.NextActionID > b.nextActionID {
		b.nextActionID = snapshot.NextActionID
	}

	execHash := executionBlockHash(b.worldID, height, blockHash, stateRoot)
	b.lastHeight = height
	b.lastBlockHash = execHash
	b.lastStateRoot = stateRoot

	if b.dir != "" {
		if err := b.persist(snapshot); err != nil {
			return consensus.ExecutionResult{}, err
		}
	}

	b.logger.WithFields(logrus.Fields{
		"height":     height,
		"actions":    len(actions),
		"state_root": stateRoot,
	}).Debug("Executed committed batch")

	return consensus.ExecutionResult{Height: height, BlockHash: execHash, StateRoot: stateRoot}, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *Bridge) persist(snapshot kernel.WorldSnapshot) error {
	snapshotBytes, err := wire.MarshalJSON(snapshot)
	if err != nil {
		return err
	}
	journalBytes, err := wire.MarshalJSON(b.kernel.Journal())
	if err != nil {
		return err
	}
	stateBytes, err := wire.MarshalJSON(persistedState{
		WorldID:            b.worldID,
		LastHeight:         b.lastHeight,
		ExecutionBlockHash: b.lastBlockHash,
		ExecutionStateRoot: b.lastStateRoot,
	})
	if err != nil {
		return err
	}

	worldDir := filepath.Join(b.dir, worldDirName)
	if err := writeFileAtomic(filepath.Join(worldDir, snapshotFileName), snapshotBytes); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(worldDir, journalFileName), journalBytes); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(b.dir, stateFileName), stateBytes)
}

func (b *Bridge) load(sandbox kernel.ModuleSandbox) (bool, error) {
	stateBytes, err := ioutil.ReadFile(filepath.Join(b.dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	var persisted persistedState
	if err := wire.UnmarshalJSON(stateBytes, &persisted); err != nil {
		return false, fmt.Errorf("decode bridge state: %v", err)
	}
	if persisted.WorldID != b.worldID {
		return false, fmt.Errorf("persisted world %s does not match %s", persisted.WorldID, b.worldID)
	}

	worldDir := filepath.Join(b.dir, worldDirName)
	snapshotBytes, err := ioutil.ReadFile(filepath.Join(worldDir, snapshotFileName))
	if err != nil {
		return false, err
	}
	var snapshot kernel.WorldSnapshot
	if err := wire.UnmarshalJSON(snapshotBytes, &snapshot); err != nil {
		return false, fmt.Errorf("decode world snapshot: %v", err)
	}

	var journal []kernel.WorldEvent
	journalBytes, err := ioutil.ReadFile(filepath.Join(worldDir, journalFileName))
	if err == nil {
		if err := wire.UnmarshalJSON(journalBytes, &journal); err != nil {
			return false, fmt.Errorf("decode world journal: %v", err)
		}
	} else if !os.IsNotExist(err) {
		return false, err
	}

	b.kernel = kernel.FromSnapshot(snapshot, journal, sandbox, b.logger)
	b.lastHeight = persisted.LastHeight
	b.lastBlockHash = persisted.ExecutionBlockHash
	b.lastStateRoot = persisted.ExecutionStateRoot
	b.nextActionID = snapshot.NextActionID
	if b.nextActionID == 0 {
		b.nextActionID = 1
	}

	b.logger.WithFields(logrus.Fields{
		"height": b.lastHeight,
		"tick":   snapshot.State.Tick,
	}).Debug("Reloaded persisted world")
	return true, nil
}
