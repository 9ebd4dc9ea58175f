package consensus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/wire"
)

type stubHook struct {
	calls       int
	failWith    error
	wrongHeight bool
}

func (h *stubHook) ExecuteCommitted(height uint64, blockHash string, actions []wire.CommittedAction) (ExecutionResult, error) {
	h.calls++
	if h.failWith != nil {
		return ExecutionResult{}, h.failWith
	}
	result := ExecutionResult{
		Height:    height,
		BlockHash: "exec-" + blockHash,
		StateRoot: "root-" + blockHash,
	}
	if h.wrongHeight {
		result.Height = height + 1
	}
	return result, nil
}

func threeValidators() []Validator {
	return []Validator{
		{ID: "a", Stake: 34},
		{ID: "b", Stake: 33},
		{ID: "c", Stake: 33},
	}
}

func newTestEngine(t *testing.T, localID string, hook ExecutionHook) *Engine {
	conf := DefaultConfig("w1", localID)
	conf.Validators = threeValidators()
	if hook == nil {
		hook = &stubHook{}
	}
	engine, err := NewEngine(conf, nil, hook, common.NewTestEntry(t, "consensus"))
	require.NoError(t, err)
	return engine
}

func attest(validatorID, blockHash string, height uint64, approve bool) wire.AttestationMessage {
	return wire.AttestationMessage{
		WorldID:     "w1",
		Height:      height,
		BlockHash:   blockHash,
		ValidatorID: validatorID,
		Approve:     approve,
		TargetEpoch: 0,
	}
}

func TestConfigValidation(t *testing.T) {
	conf := DefaultConfig("w1", "a")
	assert.True(t, IsKind(conf.Validate(), InvalidConfig))

	conf.Validators = []Validator{{ID: "a", Stake: 0}}
	assert.True(t, IsKind(conf.Validate(), InvalidConfig))

	conf.Validators = threeValidators()
	assert.NoError(t, conf.Validate())
}

func TestRequiredStake(t *testing.T) {
	assert.Equal(t, uint64(67), RequiredStake(100))
	assert.Equal(t, uint64(2), RequiredStake(3))
	assert.Equal(t, uint64(3), RequiredStake(4))
	assert.Equal(t, uint64(0), RequiredStake(0))
}

func TestQuorumCommit(t *testing.T) {
	engine := newTestEngine(t, "a", nil)

	// Slot 0: proposer is "a" (sorted order), proposes height 1 with an
	// empty action root and self-attests.
	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	require.NotNil(t, outcome.Proposal)
	assert.Equal(t, uint64(1), outcome.Proposal.Height)
	assert.Equal(t, wire.ActionRoot(nil), outcome.Proposal.ActionRoot)
	require.NotNil(t, outcome.Attestation)
	assert.Equal(t, StatusPending, outcome.Status)

	blockHash := outcome.Proposal.BlockHash

	// b's Allow pushes 34+33=67 to the threshold of 67.
	require.NoError(t, engine.HandleAttestation(attest("b", blockHash, 1, true)))
	outcome, err = engine.Advance(2000)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, outcome.Status)
	require.NotNil(t, outcome.Committed)
	assert.Equal(t, uint64(1), outcome.Committed.Height)
	assert.Equal(t, "exec-"+blockHash, outcome.Committed.ExecutionBlockHash)
	assert.Equal(t, uint64(1), engine.CommittedHeight())

	// Binding is stored and immutable.
	binding, ok := engine.ExecutionBinding(1)
	require.True(t, ok)
	assert.Equal(t, "root-"+blockHash, binding.ExecutionStateRoot)
}

func TestQuorumRejection(t *testing.T) {
	engine := newTestEngine(t, "a", nil)
	require.NoError(t, engine.SubmitAction(wire.CommittedAction{ActionID: 1, Payload: []byte("x")}))

	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	blockHash := outcome.Proposal.BlockHash
	assert.Equal(t, 0, engine.PoolLen())

	// Deny weight 33+33=66 > total - required = 33.
	require.NoError(t, engine.HandleAttestation(attest("b", blockHash, 1, false)))
	require.NoError(t, engine.HandleAttestation(attest("c", blockHash, 1, false)))
	outcome, err = engine.Advance(2000)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, outcome.Status)
	assert.Equal(t, uint64(0), engine.CommittedHeight())

	// Rejected actions return to the pool.
	assert.Equal(t, 1, engine.PoolLen())
}

func TestProposerRotation(t *testing.T) {
	engine := newTestEngine(t, "b", nil)
	assert.Equal(t, "a", engine.ExpectedProposer(0))
	assert.Equal(t, "b", engine.ExpectedProposer(1))
	assert.Equal(t, "c", engine.ExpectedProposer(2))
	assert.Equal(t, "a", engine.ExpectedProposer(3))

	// Slot 0 belongs to "a": the local node must not propose.
	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	assert.Nil(t, outcome.Proposal)
	assert.Equal(t, StatusPending, outcome.Status)
}

func remoteProposal(proposer string, height, slot uint64, actions []wire.CommittedAction) wire.ProposalMessage {
	root := wire.ActionRoot(actions)
	return wire.ProposalMessage{
		WorldID:          "w1",
		Height:           height,
		Slot:             slot,
		Epoch:            0,
		ProposerID:       proposer,
		ParentBlockHash:  "",
		BlockHash:        wire.BlockHash("w1", height, slot, 0, proposer, "", root),
		ActionRoot:       root,
		CommittedActions: actions,
	}
}

func TestRemoteProposalAndAutoAttest(t *testing.T) {
	engine := newTestEngine(t, "b", nil)
	engine.conf.AutoAttestAllValidators = true

	require.NoError(t, engine.HandleProposal(remoteProposal("a", 1, 0, nil)))

	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	require.NotNil(t, outcome.Attestation)
	assert.Equal(t, "b", outcome.Attestation.ValidatorID)
	assert.True(t, outcome.Attestation.Approve)
	assert.Equal(t, StatusPending, outcome.Status)
}

func TestStaleProposalRejected(t *testing.T) {
	engine := newTestEngine(t, "a", nil)

	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	require.NoError(t, engine.HandleAttestation(attest("b", outcome.Proposal.BlockHash, 1, true)))
	_, err = engine.Advance(2000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), engine.CommittedHeight())

	err = engine.HandleProposal(remoteProposal("b", 1, 1, nil))
	require.Error(t, err)
	assert.True(t, IsKind(err, Consensus))
	assert.Contains(t, err.Error(), "stale")
}

func TestWrongProposerRejected(t *testing.T) {
	engine := newTestEngine(t, "b", nil)
	err := engine.HandleProposal(remoteProposal("c", 1, 0, nil))
	require.Error(t, err)
	assert.True(t, IsKind(err, Consensus))
}

func TestUnknownValidatorAttestation(t *testing.T) {
	engine := newTestEngine(t, "a", nil)
	outcome, err := engine.Advance(1000)
	require.NoError(t, err)

	err = engine.HandleAttestation(attest("mallory", outcome.Proposal.BlockHash, 1, true))
	require.Error(t, err)
	assert.True(t, IsKind(err, Consensus))
	assert.Contains(t, err.Error(), "unknown validator")
}

func TestExecutionMismatchIsFatal(t *testing.T) {
	hook := &stubHook{wrongHeight: true}
	engine := newTestEngine(t, "a", hook)

	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	require.NoError(t, engine.HandleAttestation(attest("b", outcome.Proposal.BlockHash, 1, true)))

	_, err = engine.Advance(2000)
	require.Error(t, err)
	assert.True(t, IsKind(err, Execution))
	assert.True(t, engine.Halted())

	// Halted engines refuse further work.
	_, err = engine.Advance(3000)
	assert.True(t, IsKind(err, Execution))
	assert.Equal(t, uint64(0), engine.CommittedHeight())
}

func TestExecutionHookErrorIsFatal(t *testing.T) {
	hook := &stubHook{failWith: fmt.Errorf("disk on fire")}
	engine := newTestEngine(t, "a", hook)

	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	require.NoError(t, engine.HandleAttestation(attest("b", outcome.Proposal.BlockHash, 1, true)))
	_, err = engine.Advance(2000)
	require.Error(t, err)
	assert.True(t, IsKind(err, Execution))
	assert.Contains(t, engine.Status().LastError, "disk on fire")
}

func TestDoubleVoteSlashed(t *testing.T) {
	engine := newTestEngine(t, "a", nil)
	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	blockHash := outcome.Proposal.BlockHash

	require.NoError(t, engine.HandleAttestation(attest("c", blockHash, 1, true)))

	// Same target epoch, different block hash.
	err = engine.HandleAttestation(attest("c", "other-hash", 1, true))
	require.Error(t, err)
	assert.True(t, IsKind(err, Consensus))
	assert.True(t, IsSlashable(err))
	assert.Contains(t, err.Error(), "double vote")

	// Re-gossip of the identical vote is not a slashing offence.
	assert.NoError(t, engine.HandleAttestation(attest("c", blockHash, 1, true)))
}

func TestVotesAcrossHeightsInOneEpochNotSlashed(t *testing.T) {
	engine := newTestEngine(t, "a", nil)
	engine.conf.AutoAttestAllValidators = true

	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	require.NoError(t, engine.HandleAttestation(attest("b", outcome.Proposal.BlockHash, 1, true)))
	_, err = engine.Advance(2000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), engine.CommittedHeight())

	// Height 2 lands in the same 32-slot epoch: honest validators vote again
	// with the same target epoch and a new block hash. That is chain
	// progression, not a double vote.
	proposal := remoteProposal("b", 2, 1, nil)
	require.NoError(t, engine.HandleProposal(proposal))
	require.NoError(t, engine.HandleAttestation(attest("b", proposal.BlockHash, 2, true)))

	outcome, err = engine.Advance(3000)
	require.NoError(t, err)
	require.NotNil(t, outcome.Attestation)
	assert.Equal(t, StatusCommitted, outcome.Status)
	assert.Equal(t, uint64(2), engine.CommittedHeight())
}

func TestSurroundVoteSlashed(t *testing.T) {
	engine := newTestEngine(t, "a", nil)
	outcome, err := engine.Advance(1000)
	require.NoError(t, err)

	first := attest("c", outcome.Proposal.BlockHash, 1, true)
	first.SourceEpoch = 2
	first.TargetEpoch = 3
	require.NoError(t, engine.HandleAttestation(first))

	surround := attest("c", outcome.Proposal.BlockHash, 1, true)
	surround.SourceEpoch = 1
	surround.TargetEpoch = 4
	err = engine.HandleAttestation(surround)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "surround vote")
}

func TestActionPoolRefusesWhenFull(t *testing.T) {
	conf := DefaultConfig("w1", "a")
	conf.Validators = threeValidators()
	conf.MaxPendingActions = 2
	engine, err := NewEngine(conf, nil, &stubHook{}, common.NewTestEntry(t, "consensus"))
	require.NoError(t, err)

	require.NoError(t, engine.SubmitAction(wire.CommittedAction{ActionID: 1}))
	require.NoError(t, engine.SubmitAction(wire.CommittedAction{ActionID: 2}))
	err = engine.SubmitAction(wire.CommittedAction{ActionID: 3})
	require.Error(t, err)
	assert.True(t, IsKind(err, Consensus))
}

func TestPeerCommitExecutionMismatch(t *testing.T) {
	engine := newTestEngine(t, "a", nil)

	outcome, err := engine.Advance(1000)
	require.NoError(t, err)
	blockHash := outcome.Proposal.BlockHash
	require.NoError(t, engine.HandleAttestation(attest("b", blockHash, 1, true)))
	_, err = engine.Advance(2000)
	require.NoError(t, err)

	// Peer claims a different state root for the same height.
	err = engine.ValidatePeerCommit(wire.CommitEnvelope{
		NodeID:             "b",
		WorldID:            "w1",
		Height:             1,
		BlockHash:          blockHash,
		ExecutionBlockHash: "exec-" + blockHash,
		ExecutionStateRoot: "root-tampered",
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, Consensus))
	assert.Contains(t, err.Error(), "execution mismatch")

	// The peer head did not advance.
	_, ok := engine.PeerHeads()["b"]
	assert.False(t, ok)

	// A matching commit is accepted.
	require.NoError(t, engine.ValidatePeerCommit(wire.CommitEnvelope{
		NodeID:             "b",
		WorldID:            "w1",
		Height:             1,
		BlockHash:          blockHash,
		ExecutionBlockHash: "exec-" + blockHash,
		ExecutionStateRoot: "root-" + blockHash,
	}))
	assert.Equal(t, uint64(1), engine.PeerHeads()["b"].Height)
}

func TestRequirePeerExecutionHashes(t *testing.T) {
	engine := newTestEngine(t, "a", nil)
	engine.conf.RequirePeerExecutionHashes = true

	err := engine.ValidatePeerCommit(wire.CommitEnvelope{NodeID: "b", WorldID: "w1", Height: 5, BlockHash: "h"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "omits execution hashes")
}

func TestNetworkCommittedHeight(t *testing.T) {
	engine := newTestEngine(t, "a", nil)
	assert.Equal(t, uint64(0), engine.NetworkCommittedHeight())

	engine.UpdatePeerHead("b", CommittedHead{Height: 9, BlockHash: "h9"})
	engine.UpdatePeerHead("c", CommittedHead{Height: 4, BlockHash: "h4"})
	assert.Equal(t, uint64(9), engine.NetworkCommittedHeight())

	// Heads never move backwards.
	engine.UpdatePeerHead("b", CommittedHead{Height: 3, BlockHash: "h3"})
	assert.Equal(t, uint64(9), engine.PeerHeads()["b"].Height)
}
