package wire

import (
	"fmt"

	"github.com/agentworld/agentworld/src/crypto"
)

// Domain-separation tags. Every hash input is prefixed with one of these so a
// digest computed for one protocol can never collide with another.
const (
	BlockHashTag  = "agent-world:block:v1|"
	ActionRootTag = "agent-world:action-root:v1|"
	StateRootTag  = "agent-world:state-root:v1|"
	CommitSignTag = "agent-world:replication-commit:v1|"
	AttestSignTag = "agent-world:attestation:v1|"
	ProposeSigTag = "agent-world:proposal:v1|"
	SettleSignTag = "agent-world:settlement:v1|"
	ProofSignTag  = "agent-world:storage-proof:v1|"
)

// Gossip topics and request protocols.
const (
	TopicConsensusPrefix   = "agent-world/consensus/"
	TopicReplicationPrefix = "agent-world/replication/"
	ProtocolFetchBlob      = "agent-world/fetch-blob/1"
	ProtocolFetchCommit    = "agent-world/fetch-commit/1"
	ProtocolChallenge      = "agent-world/storage-challenge/1"
)

// CommittedAction is an opaque consensus payload: the kernel action encoded as
// canonical CBOR together with its submission id. Consensus orders and hashes
// these without interpreting them; the execution hook decodes them.
type CommittedAction struct {
	ActionID uint64 `json:"action_id"`
	Payload  []byte `json:"payload"`
}

// ActionRoot hashes an ordered action list under the action-root tag. The
// empty list hashes to a well-defined value.
func ActionRoot(actions []CommittedAction) string {
	encoded, err := Marshal(actions)
	if err != nil {
		// Marshal of a concrete slice cannot fail; keep the signature simple.
		panic(err)
	}
	return crypto.TaggedSHA256Hex(ActionRootTag, encoded)
}

// BlockHash computes the domain-separated hash binding a proposal's identity.
func BlockHash(worldID string, height, slot, epoch uint64, proposer, parentBlockHash, actionRoot string) string {
	payload := fmt.Sprintf("%s|%d|%d|%d|%s|%s|%s",
		worldID, height, slot, epoch, proposer, parentBlockHash, actionRoot)
	return crypto.TaggedSHA256Hex(BlockHashTag, []byte(payload))
}

// ConsensusKind discriminates consensus gossip messages.
type ConsensusKind string

const (
	KindProposal    ConsensusKind = "proposal"
	KindAttestation ConsensusKind = "attestation"
	KindCommit      ConsensusKind = "commit"
)

// ConsensusGossip is the single frame type on the consensus topic; Kind
// selects which payload is set.
type ConsensusGossip struct {
	Kind        ConsensusKind       `json:"kind"`
	Proposal    *ProposalMessage    `json:"proposal,omitempty"`
	Attestation *AttestationMessage `json:"attestation,omitempty"`
}

// ProposalMessage announces a candidate block for a height.
type ProposalMessage struct {
	WorldID          string            `json:"world_id"`
	Height           uint64            `json:"height"`
	Slot             uint64            `json:"slot"`
	Epoch            uint64            `json:"epoch"`
	ProposerID       string            `json:"proposer_id"`
	ParentBlockHash  string            `json:"parent_block_hash"`
	BlockHash        string            `json:"block_hash"`
	ActionRoot       string            `json:"action_root"`
	CommittedActions []CommittedAction `json:"committed_actions"`
	ProposedAtMs     int64             `json:"proposed_at_ms"`
	SignerPublicKey  string            `json:"signer_public_key_hex"`
	Signature        string            `json:"signature"`
}

// AttestationMessage is a validator's signed Allow/Deny vote on a
// (height, block_hash).
type AttestationMessage struct {
	WorldID         string `json:"world_id"`
	Height          uint64 `json:"height"`
	BlockHash       string `json:"block_hash"`
	ValidatorID     string `json:"validator_id"`
	Approve         bool   `json:"approve"`
	SourceEpoch     uint64 `json:"source_epoch"`
	TargetEpoch     uint64 `json:"target_epoch"`
	VotedAtMs       int64  `json:"voted_at_ms"`
	Reason          string `json:"reason,omitempty"`
	SignerPublicKey string `json:"signer_public_key_hex"`
	Signature       string `json:"signature"`
}

// CommitEnvelope is the replication message binding a committed height to its
// execution result. Signature covers the canonical bytes with Signature
// cleared; the signer public key must match the directory binding for NodeID.
type CommitEnvelope struct {
	NodeID             string `json:"node_id"`
	WorldID            string `json:"world_id"`
	Height             uint64 `json:"height"`
	Slot               uint64 `json:"slot"`
	Epoch              uint64 `json:"epoch"`
	BlockHash          string `json:"block_hash"`
	ActionRoot         string `json:"action_root"`
	ParentBlockHash    string `json:"parent_block_hash"`
	ExecutionBlockHash string `json:"execution_block_hash,omitempty"`
	ExecutionStateRoot string `json:"execution_state_root,omitempty"`
	CommittedAtMs      int64  `json:"committed_at_ms"`
	PayloadBytes       []byte `json:"payload_bytes"`
	SignerPublicKey    string `json:"signer_public_key_hex"`
	Signature          string `json:"signature"`
}

// SettlementEnvelope is the signed wrapper the reward runtime publishes around
// an epoch settlement report before submitting the mint action.
type SettlementEnvelope struct {
	WorldID         string `json:"world_id"`
	EpochIndex      uint64 `json:"epoch_index"`
	ReportBytes     []byte `json:"report_bytes"`
	SettlementHash  string `json:"settlement_hash"`
	PublisherNodeID string `json:"publisher_node_id"`
	SignerPublicKey string `json:"signer_public_key_hex"`
	Signature       string `json:"signature"`
}

// FetchBlobRequest asks a provider for a content-addressed blob, or a byte
// range of it when Length > 0.
type FetchBlobRequest struct {
	WorldID     string `json:"world_id"`
	ContentHash string `json:"content_hash"`
	Offset      uint64 `json:"offset"`
	Length      uint64 `json:"length"`
}

// FetchBlobResponse carries the requested bytes.
type FetchBlobResponse struct {
	ContentHash string `json:"content_hash"`
	Bytes       []byte `json:"bytes"`
	Found       bool   `json:"found"`
}

// FetchCommitRequest asks a peer for its commit envelope at a height.
type FetchCommitRequest struct {
	WorldID string `json:"world_id"`
	Height  uint64 `json:"height"`
}

// FetchCommitResponse returns the envelope when the peer has one.
type FetchCommitResponse struct {
	Found    bool            `json:"found"`
	Envelope *CommitEnvelope `json:"envelope,omitempty"`
}

// StorageChallengeRequest asks a provider to prove possession of a byte range
// of a blob.
type StorageChallengeRequest struct {
	WorldID     string `json:"world_id"`
	ContentHash string `json:"content_hash"`
	Offset      uint64 `json:"offset"`
	Length      uint64 `json:"length"`
	Nonce       uint64 `json:"nonce"`
	IssuedAtMs  int64  `json:"issued_at_ms"`
}

// StorageChallengeReceipt is the provider's signed proof: the range bytes'
// hash, its claimed full-blob digest, and a signature under its storage-proof
// key over the canonical receipt bytes.
type StorageChallengeReceipt struct {
	WorldID         string `json:"world_id"`
	ContentHash     string `json:"content_hash"`
	Offset          uint64 `json:"offset"`
	Length          uint64 `json:"length"`
	Nonce           uint64 `json:"nonce"`
	RangeHash       string `json:"range_hash"`
	ClaimedFullHash string `json:"claimed_full_hash"`
	ProverNodeID    string `json:"prover_node_id"`
	RespondedAtMs   int64  `json:"responded_at_ms"`
	SignerPublicKey string `json:"signer_public_key_hex"`
	Signature       string `json:"signature"`
}

// SigningBytes returns the tagged canonical encoding of v. Callers clear the
// signature field before encoding and place the resulting signature alongside.
func SigningBytes(tag string, v interface{}) ([]byte, error) {
	encoded, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(tag)+len(encoded))
	out = append(out, []byte(tag)...)
	out = append(out, encoded...)
	return out, nil
}

// ProposalSigningBytes returns the bytes a proposer signs.
func (m ProposalMessage) ProposalSigningBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = ""
	return SigningBytes(ProposeSigTag, unsigned)
}

// AttestationSigningBytes returns the bytes a validator signs.
func (m AttestationMessage) AttestationSigningBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = ""
	return SigningBytes(AttestSignTag, unsigned)
}

// CommitSigningBytes returns the bytes the replication signer signs.
func (m CommitEnvelope) CommitSigningBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = ""
	return SigningBytes(CommitSignTag, unsigned)
}

// SettlementSigningBytes returns the bytes the settlement publisher signs.
func (m SettlementEnvelope) SettlementSigningBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = ""
	return SigningBytes(SettleSignTag, unsigned)
}

// ReceiptSigningBytes returns the bytes a storage prover signs.
func (m StorageChallengeReceipt) ReceiptSigningBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = ""
	return SigningBytes(ProofSignTag, unsigned)
}
