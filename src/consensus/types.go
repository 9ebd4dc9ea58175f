package consensus

import (
	"github.com/agentworld/agentworld/src/wire"
)

// ProposalStatus is the aggregate verdict on a pending proposal.
type ProposalStatus string

const (
	StatusPending   ProposalStatus = "Pending"
	StatusCommitted ProposalStatus = "Committed"
	StatusRejected  ProposalStatus = "Rejected"
)

// Attestation is one validator's weighted vote on (height, block hash).
type Attestation struct {
	ValidatorID string `json:"validator_id"`
	Approve     bool   `json:"approve"`
	Weight      uint64 `json:"weight"`
	SourceEpoch uint64 `json:"source_epoch"`
	TargetEpoch uint64 `json:"target_epoch"`
	VotedAtMs   int64  `json:"voted_at_ms"`
	Reason      string `json:"reason,omitempty"`
}

// PendingProposal is the engine's single in-flight block candidate.
type PendingProposal struct {
	Height           uint64                 `json:"height"`
	Slot             uint64                 `json:"slot"`
	Epoch            uint64                 `json:"epoch"`
	Proposer         string                 `json:"proposer"`
	ParentBlockHash  string                 `json:"parent_block_hash"`
	BlockHash        string                 `json:"block_hash"`
	ActionRoot       string                 `json:"action_root"`
	CommittedActions []wire.CommittedAction `json:"committed_actions"`
	Attestations     map[string]Attestation `json:"attestations"`
}

// CommittedHead is a node's latest committed binding. Immutable once set for
// a height.
type CommittedHead struct {
	Height             uint64 `json:"height"`
	BlockHash          string `json:"block_hash"`
	CommittedAtMs      int64  `json:"committed_at_ms"`
	ExecutionBlockHash string `json:"execution_block_hash,omitempty"`
	ExecutionStateRoot string `json:"execution_state_root,omitempty"`
}

// ExecutionResult is what the execution hook returns for a committed height.
type ExecutionResult struct {
	Height    uint64
	BlockHash string
	StateRoot string
}

// ExecutionHook binds committed consensus heights to world execution. The
// kernel-backed bridge implements it; tests use stubs.
type ExecutionHook interface {
	ExecuteCommitted(height uint64, blockHash string, actions []wire.CommittedAction) (ExecutionResult, error)
}

// TickOutcome carries the messages a tick produced for broadcast. When a
// height committed, the fields after Committed describe the block so the
// replication envelope can be built without re-querying the engine.
type TickOutcome struct {
	Status      ProposalStatus
	Proposal    *wire.ProposalMessage
	Attestation *wire.AttestationMessage
	Committed   *CommittedHead

	CommittedActions []wire.CommittedAction
	CommittedSlot    uint64
	CommittedEpoch   uint64
	ActionRoot       string
	ParentBlockHash  string
}

// attestationMark is what the slashing history remembers per vote.
type attestationMark struct {
	Height      uint64
	SourceEpoch uint64
	TargetEpoch uint64
	BlockHash   string
}
