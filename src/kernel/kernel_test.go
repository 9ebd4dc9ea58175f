package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/wire"
)

func newTestKernel(t *testing.T) *Kernel {
	return NewKernel("test-world", NewMapSandbox(), common.NewTestEntry(t, "kernel"))
}

func setupMoveWorld(t *testing.T, electricity int64) *Kernel {
	k := newTestKernel(t)

	k.Submit(Action{Kind: KindRegisterLocation, RegisterLocation: &RegisterLocation{LocationID: "L1", XCM: 0, YCM: 0}})
	k.Submit(Action{Kind: KindRegisterLocation, RegisterLocation: &RegisterLocation{LocationID: "L2", XCM: 100000, YCM: 0}})
	k.Submit(Action{Kind: KindRegisterAgent, RegisterAgent: &RegisterAgent{
		AgentID:    "A",
		LocationID: "L1",
		InitialBalances: map[string]int64{
			Electricity: electricity,
		},
	}})
	for _, ev := range k.StepAll() {
		require.NotEqual(t, EvActionRejected, ev.Kind, "setup action rejected: %v", ev.Reject)
	}
	return k
}

func TestMoveAgentChargesPerKilometer(t *testing.T) {
	k := setupMoveWorld(t, 500)

	k.Submit(Action{Kind: KindMoveAgent, MoveAgent: &MoveAgent{AgentID: "A", ToLocationID: "L2"}})
	events := k.StepAll()
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, EvAgentMoved, ev.Kind)
	assert.Equal(t, uint64(100000), ev.DistanceCM)
	assert.Equal(t, MovementCost(100000, 1), ev.Amount)
	assert.Equal(t, "L2", k.State().Agents["A"].LocationID)
	assert.Equal(t, int64(500)-ev.Amount, k.State().Balance("A", Electricity))
}

func TestMoveAgentWithoutFuelRejects(t *testing.T) {
	k := setupMoveWorld(t, 0)
	before := k.Snapshot()

	k.Submit(Action{Kind: KindMoveAgent, MoveAgent: &MoveAgent{AgentID: "A", ToLocationID: "L2"}})
	events := k.StepAll()
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, EvActionRejected, ev.Kind)
	require.NotNil(t, ev.Reject)
	assert.Equal(t, RejectInsufficientResource, ev.Reject.Code)
	assert.Equal(t, Electricity, ev.Reject.ResourceKind)
	assert.Equal(t, "L1", k.State().Agents["A"].LocationID)

	// State maps are untouched by the rejection.
	beforeRoot, err := before.StateRoot()
	require.NoError(t, err)
	after := k.Snapshot()
	after.NextEventID = before.NextEventID
	after.NextActionID = before.NextActionID
	after.AppliedIDs = before.AppliedIDs
	afterRoot, err := after.StateRoot()
	require.NoError(t, err)
	assert.Equal(t, beforeRoot, afterRoot)
}

func TestMovementCost(t *testing.T) {
	assert.Equal(t, int64(0), MovementCost(0, 1))
	assert.Equal(t, int64(1), MovementCost(1, 1))
	assert.Equal(t, int64(1), MovementCost(100000, 1))
	assert.Equal(t, int64(2), MovementCost(100001, 1))
	assert.Equal(t, int64(6), MovementCost(250001, 2))
}

func TestTransferResource(t *testing.T) {
	k := setupMoveWorld(t, 100)
	k.Submit(Action{Kind: KindRegisterAgent, RegisterAgent: &RegisterAgent{AgentID: "B", LocationID: "L1"}})
	k.Submit(Action{Kind: KindTransferResource, TransferResource: &TransferResource{
		From: "A", To: "B", Kind: Electricity, Amount: 40,
	}})
	events := k.StepAll()
	require.Len(t, events, 2)
	assert.Equal(t, EvResourceTransferred, events[1].Kind)
	assert.Equal(t, int64(60), k.State().Balance("A", Electricity))
	assert.Equal(t, int64(40), k.State().Balance("B", Electricity))

	// Overdraft rejects without moving anything.
	k.Submit(Action{Kind: KindTransferResource, TransferResource: &TransferResource{
		From: "A", To: "B", Kind: Electricity, Amount: 1000,
	}})
	events = k.StepAll()
	require.Len(t, events, 1)
	require.Equal(t, EvActionRejected, events[0].Kind)
	assert.Equal(t, RejectInsufficientResource, events[0].Reject.Code)
	assert.Equal(t, int64(60), k.State().Balance("A", Electricity))
}

func TestDeterministicReplay(t *testing.T) {
	run := func() (string, []WorldEvent) {
		k := newTestKernel(t)
		k.Submit(Action{Kind: KindRegisterLocation, RegisterLocation: &RegisterLocation{LocationID: "L1"}})
		k.Submit(Action{Kind: KindRegisterLocation, RegisterLocation: &RegisterLocation{LocationID: "L2", XCM: 300000}})
		k.Submit(Action{Kind: KindRegisterAgent, RegisterAgent: &RegisterAgent{
			AgentID: "A", LocationID: "L1",
			InitialBalances: map[string]int64{Electricity: 10, Points: 3},
		}})
		k.Submit(Action{Kind: KindRegisterAgent, RegisterAgent: &RegisterAgent{AgentID: "B", LocationID: "L2"}})
		k.Submit(Action{Kind: KindMoveAgent, MoveAgent: &MoveAgent{AgentID: "A", ToLocationID: "L2"}})
		k.Submit(Action{Kind: KindTransferResource, TransferResource: &TransferResource{From: "A", To: "B", Kind: Points, Amount: 2}})
		k.Submit(Action{Kind: KindPublishSocialFact, PublishSocialFact: &PublishSocialFact{AuthorAgent: "B", Subject: "A", Fact: "helped"}})
		k.StepAll()

		snap := k.Snapshot()
		root, err := snap.StateRoot()
		require.NoError(t, err)
		return root, k.Journal()
	}

	root1, journal1 := run()
	root2, journal2 := run()
	assert.Equal(t, root1, root2)
	assert.Equal(t, journal1, journal2)
}

func TestSnapshotRoundTrip(t *testing.T) {
	k := setupMoveWorld(t, 77)
	k.Submit(Action{Kind: KindMoveAgent, MoveAgent: &MoveAgent{AgentID: "A", ToLocationID: "L2"}})
	k.StepAll()

	snap := k.Snapshot()
	root, err := snap.StateRoot()
	require.NoError(t, err)

	restored := FromSnapshot(snap, k.Journal(), NewMapSandbox(), common.NewTestEntry(t, "kernel"))
	restoredSnap := restored.Snapshot()
	restoredRoot, err := restoredSnap.StateRoot()
	require.NoError(t, err)
	assert.Equal(t, root, restoredRoot)
	assert.Equal(t, k.Journal(), restored.Journal())
}

func TestApplyCommittedActionsIsIdempotent(t *testing.T) {
	k := setupMoveWorld(t, 100)

	payload, err := wire.Marshal(Action{Kind: KindHarvest, Harvest: &Harvest{AgentID: "A", Kind: Points, Amount: 5}})
	require.NoError(t, err)
	batch := []wire.CommittedAction{{ActionID: 100, Payload: payload}}

	events, err := k.ApplyCommittedActions(batch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(5), k.State().Balance("A", Points))

	events, err = k.ApplyCommittedActions(batch)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(5), k.State().Balance("A", Points))
}

func TestArtifactLifecycle(t *testing.T) {
	k := setupMoveWorld(t, 0)
	k.Submit(Action{Kind: KindRegisterAgent, RegisterAgent: &RegisterAgent{
		AgentID: "B", LocationID: "L1", InitialBalances: map[string]int64{Points: 10},
	}})

	bytes := []byte("wasm module bytes")
	k.Submit(Action{Kind: KindDeployModuleArtifact, DeployModuleArtifact: &DeployModuleArtifact{Publisher: "A", Bytes: bytes}})
	events := k.StepAll()
	require.Len(t, events, 2)
	require.Equal(t, EvArtifactDeployed, events[1].Kind)
	hash := events[1].Subject

	k.Submit(Action{Kind: KindInstallModule, InstallModule: &InstallModule{ModuleID: "m1", WasmHash: hash}})
	k.Submit(Action{Kind: KindDestroyModuleArtifact, DestroyModuleArtifact: &DestroyModuleArtifact{WasmHash: hash, Requester: "A"}})
	events = k.StepAll()
	require.Len(t, events, 2)
	assert.Equal(t, EvModuleInstalled, events[0].Kind)
	require.Equal(t, EvActionRejected, events[1].Kind)
	assert.Equal(t, RejectArtifactInUse, events[1].Reject.Code)

	// Marketplace: list then buy moves points and closes the order.
	k.Submit(Action{Kind: KindListModuleArtifact, ListModuleArtifact: &ListModuleArtifact{
		OrderID: "o1", Seller: "A", WasmHash: hash, PricePoints: 4,
	}})
	k.Submit(Action{Kind: KindBuyModuleArtifact, BuyModuleArtifact: &BuyModuleArtifact{OrderID: "o1", Buyer: "B"}})
	events = k.StepAll()
	require.Len(t, events, 2)
	assert.Equal(t, EvArtifactSold, events[1].Kind)
	assert.Equal(t, int64(6), k.State().Balance("B", Points))
	assert.Equal(t, int64(4), k.State().Balance("A", Points))
	assert.Empty(t, k.State().Orders)

	// After uninstall the artifact can be destroyed.
	k.Submit(Action{Kind: KindUninstallModule, UninstallModule: &UninstallModule{ModuleID: "m1"}})
	k.Submit(Action{Kind: KindDestroyModuleArtifact, DestroyModuleArtifact: &DestroyModuleArtifact{WasmHash: hash, Requester: "A"}})
	events = k.StepAll()
	require.Len(t, events, 2)
	assert.Equal(t, EvArtifactDestroyed, events[1].Kind)
	assert.Empty(t, k.State().Artifacts)
}

func TestManifestGovernance(t *testing.T) {
	k := setupMoveWorld(t, 0)

	k.Submit(Action{Kind: KindDeployModuleArtifact, DeployModuleArtifact: &DeployModuleArtifact{Publisher: "A", Bytes: []byte("m")}})
	events := k.StepAll()
	hash := events[len(events)-1].Subject
	k.Submit(Action{Kind: KindInstallModule, InstallModule: &InstallModule{ModuleID: "m1", WasmHash: hash}})
	k.Submit(Action{Kind: KindProposeManifest, ProposeManifest: &ProposeManifest{ProposalID: "p1", Proposer: "A", ModuleIDs: []string{"m1"}}})

	// Applying without votes rejects.
	k.Submit(Action{Kind: KindApplyManifest, ApplyManifest: &ApplyManifest{ProposalID: "p1"}})
	events = k.StepAll()
	require.Equal(t, EvActionRejected, events[len(events)-1].Kind)

	k.Submit(Action{Kind: KindVoteManifest, VoteManifest: &VoteManifest{ProposalID: "p1", Voter: "A", Approve: true}})
	k.Submit(Action{Kind: KindApplyManifest, ApplyManifest: &ApplyManifest{ProposalID: "p1"}})
	events = k.StepAll()
	require.Equal(t, EvManifestApplied, events[len(events)-1].Kind)
	assert.True(t, k.State().Proposals["p1"].Applied)
}
