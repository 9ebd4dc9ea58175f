package bridge

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/kernel"
	"github.com/agentworld/agentworld/src/wire"
)

func newMemBridge(t *testing.T) *Bridge {
	b, err := NewBridge("w1", nil, "", common.NewTestEntry(t, "bridge"))
	require.NoError(t, err)
	return b
}

func encodeActions(t *testing.T, b *Bridge, actions ...kernel.Action) []wire.CommittedAction {
	out := make([]wire.CommittedAction, 0, len(actions))
	for _, a := range actions {
		committed, err := b.EncodeAction(a)
		require.NoError(t, err)
		out = append(out, committed)
	}
	return out
}

func worldGenesis() []kernel.Action {
	return []kernel.Action{
		{Kind: kernel.KindRegisterLocation, RegisterLocation: &kernel.RegisterLocation{LocationID: "origin"}},
		{Kind: kernel.KindRegisterAgent, RegisterAgent: &kernel.RegisterAgent{
			AgentID:         "scout",
			LocationID:      "origin",
			InitialBalances: map[string]int64{kernel.Electricity: 10},
		}},
	}
}

func TestExecuteCommittedAppliesBatch(t *testing.T) {
	b := newMemBridge(t)
	batch := encodeActions(t, b, worldGenesis()...)

	result, err := b.ExecuteCommitted(1, "bh1", batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Height)
	assert.NotEmpty(t, result.BlockHash)
	assert.NotEmpty(t, result.StateRoot)

	state := b.Kernel().State()
	assert.Contains(t, state.Agents, "scout")
	assert.Equal(t, uint64(1), state.Tick)

	height, execHash, stateRoot := b.LastExecuted()
	assert.Equal(t, uint64(1), height)
	assert.Equal(t, result.BlockHash, execHash)
	assert.Equal(t, result.StateRoot, stateRoot)
}

func TestExecuteCommittedIdempotentPerHeight(t *testing.T) {
	b := newMemBridge(t)
	batch := encodeActions(t, b, worldGenesis()...)

	first, err := b.ExecuteCommitted(1, "bh1", batch)
	require.NoError(t, err)

	// Replaying the committed height returns the stored binding and does not
	// advance the world.
	again, err := b.ExecuteCommitted(1, "bh1", batch)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, uint64(1), b.Kernel().State().Tick)
}

func TestExecuteCommittedRejectsOutOfOrderHeight(t *testing.T) {
	b := newMemBridge(t)
	_, err := b.ExecuteCommitted(3, "bh3", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of order")
}

func TestExecutionBindingIsDeterministicAcrossNodes(t *testing.T) {
	left := newMemBridge(t)
	right := newMemBridge(t)

	batch := encodeActions(t, left, worldGenesis()...)

	leftResult, err := left.ExecuteCommitted(1, "bh1", batch)
	require.NoError(t, err)
	rightResult, err := right.ExecuteCommitted(1, "bh1", batch)
	require.NoError(t, err)

	assert.Equal(t, leftResult.BlockHash, rightResult.BlockHash)
	assert.Equal(t, leftResult.StateRoot, rightResult.StateRoot)
}

func TestBridgeSurvivesRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "bridge")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	b, err := NewBridge("w1", nil, dir, common.NewTestEntry(t, "bridge"))
	require.NoError(t, err)

	genesis := encodeActions(t, b, worldGenesis()...)
	_, err = b.ExecuteCommitted(1, "bh1", genesis)
	require.NoError(t, err)

	move := encodeActions(t, b, kernel.Action{
		Kind:             kernel.KindRegisterLocation,
		RegisterLocation: &kernel.RegisterLocation{LocationID: "outpost", XCM: 100000},
	})
	second, err := b.ExecuteCommitted(2, "bh2", move)
	require.NoError(t, err)

	reloaded, err := NewBridge("w1", nil, dir, common.NewTestEntry(t, "bridge"))
	require.NoError(t, err)
	height, execHash, stateRoot := reloaded.LastExecuted()
	assert.Equal(t, uint64(2), height)
	assert.Equal(t, second.BlockHash, execHash)
	assert.Equal(t, second.StateRoot, stateRoot)
	assert.Contains(t, reloaded.Kernel().State().Locations, "outpost")

	// Execution continues from the persisted height; an already-applied
	// action inside the batch is skipped by id.
	third := append([]wire.CommittedAction{}, move...)
	extra := encodeActions(t, reloaded, kernel.Action{
		Kind:             kernel.KindRegisterLocation,
		RegisterLocation: &kernel.RegisterLocation{LocationID: "relay", YCM: 200000},
	})
	third = append(third, extra...)

	result, err := reloaded.ExecuteCommitted(3, "bh3", third)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.Height)
	assert.Contains(t, reloaded.Kernel().State().Locations, "relay")

	// A mismatched world id refuses to open the persisted state.
	_, err = NewBridge("other-world", nil, dir, common.NewTestEntry(t, "bridge"))
	require.Error(t, err)
}
