package consensus

import (
	"sort"

	"github.com/sirupsen/logrus"

	cm "github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/wire"
)

// Engine is the per-world proof-of-stake state machine. One proposal is in
// flight at a time; heights commit when Allow-weighted stake reaches the
// two-thirds threshold. Not safe for concurrent use; the node runtime
// serializes access.
type Engine struct {
	logger *logrus.Entry
	conf   Config

	stakes  map[string]uint64
	pubkeys map[string]string
	order   []string

	totalStake    uint64
	requiredStake uint64

	signer *keys.Keypair
	hook   ExecutionHook

	nextHeight             uint64
	nextSlot               uint64
	committedHeight        uint64
	committedEpoch         uint64
	lastCommittedBlockHash string
	lastHead               *CommittedHead

	pending *PendingProposal

	peerHeads    map[string]CommittedHead
	execBindings *cm.LRU

	records     map[uint64]CommittedHead
	recordOrder []uint64

	actionPool []wire.CommittedAction

	attHistory map[string][]attestationMark

	lastStatus ProposalStatus
	lastError  string
	halted     bool
}

// NewEngine validates the config and builds an engine at genesis.
func NewEngine(conf Config, signer *keys.Keypair, hook ExecutionHook, logger *logrus.Entry) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}

	stakes := map[string]uint64{}
	pubkeys := map[string]string{}
	var total uint64
	for _, v := range conf.Validators {
		stakes[v.ID] = v.Stake
		if v.PublicKeyHex != "" {
			pubkeys[v.ID] = v.PublicKeyHex
		}
		total += v.Stake
	}

	return &Engine{
		logger:        logger,
		conf:          conf,
		stakes:        stakes,
		pubkeys:       pubkeys,
		order:         sortedValidatorIDs(conf.Validators),
		totalStake:    total,
		requiredStake: RequiredStake(total),
		signer:        signer,
		hook:          hook,
		nextHeight:    1,
		peerHeads:     map[string]CommittedHead{},
		execBindings:  cm.NewLRU(conf.ExecutionBindingCacheSize, nil),
		records:       map[uint64]CommittedHead{},
		attHistory:    map[string][]attestationMark{},
		lastStatus:    StatusPending,
	}, nil
}

// ExpectedProposer is the deterministic round-robin proposer for a slot.
func (e *Engine) ExpectedProposer(slot uint64) string {
	return e.order[slot%uint64(len(e.order))]
}

// Epoch maps a slot to its epoch.
func (e *Engine) Epoch(slot uint64) uint64 {
	return slot / e.conf.EpochLengthSlots
}

// CommittedHeight returns the locally committed height.
func (e *Engine) CommittedHeight() uint64 {
	return e.committedHeight
}

// Halted reports whether a fatal execution error stopped the engine.
func (e *Engine) Halted() bool {
	return e.halted
}

// SubmitAction queues an opaque committed-action payload for inclusion in a
// future proposal. A full pool refuses with a typed error.
func (e *Engine) SubmitAction(action wire.CommittedAction) error {
	if len(e.actionPool) >= e.conf.MaxPendingActions {
		return NewError(Consensus, "action pool full (%d)", e.conf.MaxPendingActions)
	}
	e.actionPool = append(e.actionPool, action)
	return nil
}

// PoolLen returns the number of queued consensus actions.
func (e *Engine) PoolLen() int {
	return len(e.actionPool)
}

// UpdatePeerHead records a peer's committed head. Heads only move forward.
func (e *Engine) UpdatePeerHead(peerID string, head CommittedHead) {
	if existing, ok := e.peerHeads[peerID]; ok && existing.Height >= head.Height {
		return
	}
	e.peerHeads[peerID] = head
}

// PeerHeads returns a copy of the known peer head map.
func (e *Engine) PeerHeads() map[string]CommittedHead {
	out := make(map[string]CommittedHead, len(e.peerHeads))
	for id, head := range e.peerHeads {
		out[id] = head
	}
	return out
}

// NetworkCommittedHeight is the highest committed height seen anywhere.
func (e *Engine) NetworkCommittedHeight() uint64 {
	max := e.committedHeight
	for _, head := range e.peerHeads {
		if head.Height > max {
			max = head.Height
		}
	}
	return max
}

// ExecutionBinding returns the immutable execution binding for a height.
func (e *Engine) ExecutionBinding(height uint64) (CommittedHead, bool) {
	if v, ok := e.execBindings.Get(height); ok {
		return v.(CommittedHead), true
	}
	if head, ok := e.records[height]; ok {
		return head, true
	}
	return CommittedHead{}, false
}

func (e *Engine) verifySender(validatorID, signerPublicKey string, data []byte, signature string) error {
	if _, ok := e.stakes[validatorID]; !ok {
		return NewError(Consensus, "attestation from unknown validator %s", validatorID)
	}
	if !e.conf.EnforceSignatures {
		return nil
	}
	bound, ok := e.pubkeys[validatorID]
	if !ok {
		return NewError(Consensus, "validator %s has no directory key", validatorID)
	}
	if signerPublicKey != bound {
		return NewError(Consensus, "validator %s signed with an unbound key", validatorID)
	}
	if err := keys.Verify(bound, data, signature); err != nil {
		return NewError(Consensus, "validator %s signature: %v", validatorID, err)
	}
	return nil
}

// HandleProposal ingests a peer proposal. Stale, misordered, malformed, or
// badly signed proposals are rejected with a Consensus error; the engine
// itself never stops over them.
func (e *Engine) HandleProposal(msg wire.ProposalMessage) error {
	if e.halted {
		return NewError(Execution, "engine halted")
	}
	if msg.WorldID != e.conf.WorldID {
		return NewError(Consensus, "proposal for foreign world %s", msg.WorldID)
	}
	if msg.Height <= e.committedHeight {
		return NewError(Consensus, "stale pos proposal at height %d", msg.Height)
	}
	if expected := e.ExpectedProposer(msg.Slot); msg.ProposerID != expected {
		return NewError(Consensus, "proposer missing: slot %d expects %s, got %s", msg.Slot, expected, msg.ProposerID)
	}

	signingBytes, err := msg.ProposalSigningBytes()
	if err != nil {
		return NewError(Consensus, "proposal encoding: %v", err)
	}
	if err := e.verifySender(msg.ProposerID, msg.SignerPublicKey, signingBytes, msg.Signature); err != nil {
		return err
	}

	if root := wire.ActionRoot(msg.CommittedActions); root != msg.ActionRoot {
		return NewError(Consensus, "action root mismatch at height %d", msg.Height)
	}
	expectedHash := wire.BlockHash(msg.WorldID, msg.Height, msg.Slot, msg.Epoch,
		msg.ProposerID, msg.ParentBlockHash, msg.ActionRoot)
	if expectedHash != msg.BlockHash {
		return NewError(Consensus, "block hash mismatch at height %d", msg.Height)
	}

	if e.pending != nil {
		if e.pending.BlockHash == msg.BlockHash {
			return nil
		}
		return NewError(Consensus, "conflicting proposal at height %d", msg.Height)
	}

	e.pending = &PendingProposal{
		Height:           msg.Height,
		Slot:             msg.Slot,
		Epoch:            msg.Epoch,
		Proposer:         msg.ProposerID,
		ParentBlockHash:  msg.ParentBlockHash,
		BlockHash:        msg.BlockHash,
		ActionRoot:       msg.ActionRoot,
		CommittedActions: msg.CommittedActions,
		Attestations:     map[string]Attestation{},
	}
	e.nextHeight = msg.Height
	e.nextSlot = msg.Slot
	return nil
}

// ensureSlashFree rejects double votes (same height and target epoch with a
// different block or source) and surround votes against the validator's
// bounded history. Votes at distinct heights within one epoch are the normal
// progression of the chain and never conflict.
func (e *Engine) ensureSlashFree(validatorID string, mark attestationMark) error {
	for _, h := range e.attHistory[validatorID] {
		if h == mark {
			continue
		}
		if h.Height == mark.Height && h.TargetEpoch == mark.TargetEpoch {
			return NewSlashableError("double vote by %s at height %d target epoch %d",
				validatorID, mark.Height, mark.TargetEpoch)
		}
		if (mark.SourceEpoch < h.SourceEpoch && mark.TargetEpoch > h.TargetEpoch) ||
			(mark.SourceEpoch > h.SourceEpoch && mark.TargetEpoch < h.TargetEpoch) {
			return NewSlashableError("surround vote by %s (%d->%d surrounds %d->%d)",
				validatorID, mark.SourceEpoch, mark.TargetEpoch, h.SourceEpoch, h.TargetEpoch)
		}
	}
	return nil
}

func (e *Engine) recordAttestation(validatorID string, mark attestationMark) {
	history := append(e.attHistory[validatorID], mark)
	if len(history) > e.conf.MaxAttestationHistory {
		history = history[len(history)-e.conf.MaxAttestationHistory:]
	}
	e.attHistory[validatorID] = history
}

// HandleAttestation ingests a peer vote for the pending proposal.
func (e *Engine) HandleAttestation(msg wire.AttestationMessage) error {
	if e.halted {
		return NewError(Execution, "engine halted")
	}
	if msg.WorldID != e.conf.WorldID {
		return NewError(Consensus, "attestation for foreign world %s", msg.WorldID)
	}

	signingBytes, err := msg.AttestationSigningBytes()
	if err != nil {
		return NewError(Consensus, "attestation encoding: %v", err)
	}
	if err := e.verifySender(msg.ValidatorID, msg.SignerPublicKey, signingBytes, msg.Signature); err != nil {
		return err
	}

	mark := attestationMark{
		Height:      msg.Height,
		SourceEpoch: msg.SourceEpoch,
		TargetEpoch: msg.TargetEpoch,
		BlockHash:   msg.BlockHash,
	}
	if err := e.ensureSlashFree(msg.ValidatorID, mark); err != nil {
		return err
	}
	e.recordAttestation(msg.ValidatorID, mark)

	if e.pending == nil || e.pending.Height != msg.Height || e.pending.BlockHash != msg.BlockHash {
		return NewError(Consensus, "attestation for unknown proposal at height %d", msg.Height)
	}
	if _, ok := e.pending.Attestations[msg.ValidatorID]; ok {
		return nil
	}
	e.pending.Attestations[msg.ValidatorID] = Attestation{
		ValidatorID: msg.ValidatorID,
		Approve:     msg.Approve,
		Weight:      e.stakes[msg.ValidatorID],
		SourceEpoch: msg.SourceEpoch,
		TargetEpoch: msg.TargetEpoch,
		VotedAtMs:   msg.VotedAtMs,
		Reason:      msg.Reason,
	}
	return nil
}

// ValidatePeerCommit checks a peer commit's execution binding against the
// local one and advances the peer head map on success.
func (e *Engine) ValidatePeerCommit(env wire.CommitEnvelope) error {
	if e.conf.RequirePeerExecutionHashes && (env.ExecutionBlockHash == "" || env.ExecutionStateRoot == "") {
		return NewError(Consensus, "peer %s commit at height %d omits execution hashes", env.NodeID, env.Height)
	}
	if env.ExecutionBlockHash != "" {
		if local, ok := e.ExecutionBinding(env.Height); ok {
			if local.ExecutionBlockHash != env.ExecutionBlockHash || local.ExecutionStateRoot != env.ExecutionStateRoot {
				return NewError(Consensus, "peer commit execution mismatch at height %d from %s", env.Height, env.NodeID)
			}
		}
	}
	e.UpdatePeerHead(env.NodeID, CommittedHead{
		Height:             env.Height,
		BlockHash:          env.BlockHash,
		CommittedAtMs:      env.CommittedAtMs,
		ExecutionBlockHash: env.ExecutionBlockHash,
		ExecutionStateRoot: env.ExecutionStateRoot,
	})
	return nil
}

// AdoptCommittedHead fast-forwards past a height the network already
// committed, used by gap sync after the envelope's execution binding has been
// validated and replayed locally. Heights must arrive in order.
func (e *Engine) AdoptCommittedHead(head CommittedHead, slot, epoch uint64) error {
	if e.halted {
		return NewError(Execution, "engine halted: %s", e.lastError)
	}
	if head.Height != e.committedHeight+1 {
		return NewError(Consensus, "adopt height %d out of order, committed %d", head.Height, e.committedHeight)
	}
	if e.pending != nil && e.pending.Height <= head.Height {
		e.pending = nil
	}

	e.execBindings.Add(head.Height, head)
	e.records[head.Height] = head
	e.recordOrder = append(e.recordOrder, head.Height)
	e.pruneRecords()

	e.committedHeight = head.Height
	e.committedEpoch = epoch
	e.lastCommittedBlockHash = head.BlockHash
	e.lastHead = &head
	e.nextHeight = head.Height + 1
	if slot+1 > e.nextSlot {
		e.nextSlot = slot + 1
	}
	return nil
}

func (e *Engine) signAttestation(msg *wire.AttestationMessage) error {
	if e.signer == nil {
		return nil
	}
	msg.SignerPublicKey = e.signer.PublicHex()
	data, err := msg.AttestationSigningBytes()
	if err != nil {
		return err
	}
	msg.Signature = e.signer.Sign(data)
	return nil
}

func (e *Engine) localAttestation(nowMs int64) (*wire.AttestationMessage, error) {
	if _, isValidator := e.stakes[e.conf.LocalID]; !isValidator {
		return nil, nil
	}
	if _, ok := e.pending.Attestations[e.conf.LocalID]; ok {
		return nil, nil
	}
	if e.conf.LocalID != e.pending.Proposer && !e.conf.AutoAttestAllValidators {
		return nil, nil
	}

	msg := wire.AttestationMessage{
		WorldID:     e.conf.WorldID,
		Height:      e.pending.Height,
		BlockHash:   e.pending.BlockHash,
		ValidatorID: e.conf.LocalID,
		Approve:     true,
		SourceEpoch: e.committedEpoch,
		TargetEpoch: e.pending.Epoch,
		VotedAtMs:   nowMs,
	}
	if err := e.signAttestation(&msg); err != nil {
		return nil, NewError(Consensus, "sign attestation: %v", err)
	}

	mark := attestationMark{
		Height:      msg.Height,
		SourceEpoch: msg.SourceEpoch,
		TargetEpoch: msg.TargetEpoch,
		BlockHash:   msg.BlockHash,
	}
	if err := e.ensureSlashFree(e.conf.LocalID, mark); err != nil {
		return nil, err
	}
	e.recordAttestation(e.conf.LocalID, mark)

	e.pending.Attestations[e.conf.LocalID] = Attestation{
		ValidatorID: e.conf.LocalID,
		Approve:     true,
		Weight:      e.stakes[e.conf.LocalID],
		SourceEpoch: msg.SourceEpoch,
		TargetEpoch: msg.TargetEpoch,
		VotedAtMs:   nowMs,
	}
	return &msg, nil
}

func (e *Engine) propose(nowMs int64) (*wire.ProposalMessage, error) {
	n := len(e.actionPool)
	if n > e.conf.MaxActionsPerBlock {
		n = e.conf.MaxActionsPerBlock
	}
	actions := e.actionPool[:n]
	e.actionPool = e.actionPool[n:]

	slot := e.nextSlot
	epoch := e.Epoch(slot)
	actionRoot := wire.ActionRoot(actions)
	blockHash := wire.BlockHash(e.conf.WorldID, e.nextHeight, slot, epoch,
		e.conf.LocalID, e.lastCommittedBlockHash, actionRoot)

	e.pending = &PendingProposal{
		Height:           e.nextHeight,
		Slot:             slot,
		Epoch:            epoch,
		Proposer:         e.conf.LocalID,
		ParentBlockHash:  e.lastCommittedBlockHash,
		BlockHash:        blockHash,
		ActionRoot:       actionRoot,
		CommittedActions: actions,
		Attestations:     map[string]Attestation{},
	}

	msg := wire.ProposalMessage{
		WorldID:          e.conf.WorldID,
		Height:           e.nextHeight,
		Slot:             slot,
		Epoch:            epoch,
		ProposerID:       e.conf.LocalID,
		ParentBlockHash:  e.lastCommittedBlockHash,
		BlockHash:        blockHash,
		ActionRoot:       actionRoot,
		CommittedActions: actions,
		ProposedAtMs:     nowMs,
	}
	if e.signer != nil {
		msg.SignerPublicKey = e.signer.PublicHex()
		data, err := msg.ProposalSigningBytes()
		if err != nil {
			return nil, NewError(Consensus, "sign proposal: %v", err)
		}
		msg.Signature = e.signer.Sign(data)
	}
	return &msg, nil
}

func (e *Engine) aggregate() ProposalStatus {
	var allow, deny uint64
	for _, att := range e.pending.Attestations {
		if att.Approve {
			allow += att.Weight
		} else {
			deny += att.Weight
		}
	}
	if allow >= e.requiredStake {
		return StatusCommitted
	}
	if deny > e.totalStake-e.requiredStake {
		return StatusRejected
	}
	return StatusPending
}

func (e *Engine) pruneRecords() {
	for len(e.recordOrder) > e.conf.MaxRecords {
		oldest := e.recordOrder[0]
		e.recordOrder = e.recordOrder[1:]
		delete(e.records, oldest)
	}
}

func (e *Engine) commitPending(nowMs int64) (*CommittedHead, error) {
	p := e.pending
	result, err := e.hook.ExecuteCommitted(p.Height, p.BlockHash, p.CommittedActions)
	if err != nil {
		e.halted = true
		e.lastError = err.Error()
		return nil, NewError(Execution, "execution hook at height %d: %v", p.Height, err)
	}
	if result.Height != p.Height || result.BlockHash == "" || result.StateRoot == "" {
		e.halted = true
		e.lastError = "execution binding mismatch"
		return nil, NewError(Execution,
			"execution binding mismatch at height %d: got height %d", p.Height, result.Height)
	}

	head := CommittedHead{
		Height:             p.Height,
		BlockHash:          p.BlockHash,
		CommittedAtMs:      nowMs,
		ExecutionBlockHash: result.BlockHash,
		ExecutionStateRoot: result.StateRoot,
	}
	e.execBindings.Add(p.Height, head)
	e.records[p.Height] = head
	e.recordOrder = append(e.recordOrder, p.Height)
	e.pruneRecords()

	e.committedHeight = p.Height
	e.committedEpoch = p.Epoch
	e.lastCommittedBlockHash = p.BlockHash
	e.lastHead = &head
	e.nextHeight = p.Height + 1
	e.nextSlot = p.Slot + 1
	e.pending = nil

	e.logger.WithFields(logrus.Fields{
		"height":     head.Height,
		"block_hash": head.BlockHash,
	}).Debug("Committed height")

	return &head, nil
}

func (e *Engine) rejectPending() error {
	p := e.pending
	var overflowErr error
	for _, action := range p.CommittedActions {
		if len(e.actionPool) >= e.conf.MaxPendingActions {
			overflowErr = NewError(Consensus, "action pool full while requeueing height %d", p.Height)
			break
		}
		e.actionPool = append(e.actionPool, action)
	}
	e.nextHeight = p.Height + 1
	e.nextSlot = p.Slot + 1
	e.pending = nil
	return overflowErr
}

// Advance runs one consensus step: propose if nothing is pending, add the
// local attestation, aggregate, and apply the decision. The outcome carries
// whatever must be broadcast.
func (e *Engine) Advance(nowMs int64) (TickOutcome, error) {
	outcome := TickOutcome{Status: StatusPending}
	if e.halted {
		return outcome, NewError(Execution, "engine halted: %s", e.lastError)
	}

	if e.pending == nil {
		if e.ExpectedProposer(e.nextSlot) != e.conf.LocalID {
			e.lastStatus = StatusPending
			return outcome, nil
		}
		proposal, err := e.propose(nowMs)
		if err != nil {
			return outcome, err
		}
		outcome.Proposal = proposal
	}

	attestation, err := e.localAttestation(nowMs)
	if err != nil {
		return outcome, err
	}
	outcome.Attestation = attestation

	status := e.aggregate()
	e.lastStatus = status
	outcome.Status = status

	switch status {
	case StatusCommitted:
		p := e.pending
		head, err := e.commitPending(nowMs)
		if err != nil {
			return outcome, err
		}
		outcome.Committed = head
		outcome.CommittedActions = p.CommittedActions
		outcome.CommittedSlot = p.Slot
		outcome.CommittedEpoch = p.Epoch
		outcome.ActionRoot = p.ActionRoot
		outcome.ParentBlockHash = p.ParentBlockHash
	case StatusRejected:
		if err := e.rejectPending(); err != nil {
			e.lastError = err.Error()
			return outcome, err
		}
	}
	return outcome, nil
}

// StatusSnapshot is the read-only consensus view for the status surface.
type StatusSnapshot struct {
	Slot                   uint64                   `json:"slot"`
	Epoch                  uint64                   `json:"epoch"`
	LatestHeight           uint64                   `json:"latest_height"`
	CommittedHeight        uint64                   `json:"committed_height"`
	NetworkCommittedHeight uint64                   `json:"network_committed_height"`
	LastStatus             ProposalStatus           `json:"last_status"`
	LastBlockHash          string                   `json:"last_block_hash,omitempty"`
	LastExecutionBlockHash string                   `json:"last_execution_block_hash,omitempty"`
	LastExecutionStateRoot string                   `json:"last_execution_state_root,omitempty"`
	KnownPeerHeads         map[string]CommittedHead `json:"known_peer_heads"`
	LastError              string                   `json:"last_error,omitempty"`
	Halted                 bool                     `json:"halted,omitempty"`
}

// Status builds a point-in-time snapshot; no field reads block.
func (e *Engine) Status() StatusSnapshot {
	snap := StatusSnapshot{
		Slot:                   e.nextSlot,
		Epoch:                  e.Epoch(e.nextSlot),
		LatestHeight:           e.nextHeight,
		CommittedHeight:        e.committedHeight,
		NetworkCommittedHeight: e.NetworkCommittedHeight(),
		LastStatus:             e.lastStatus,
		LastBlockHash:          e.lastCommittedBlockHash,
		KnownPeerHeads:         e.PeerHeads(),
		LastError:              e.lastError,
		Halted:                 e.halted,
	}
	if e.lastHead != nil {
		snap.LastExecutionBlockHash = e.lastHead.ExecutionBlockHash
		snap.LastExecutionStateRoot = e.lastHead.ExecutionStateRoot
	}
	return snap
}

// ValidatorIDs returns the rotation order.
func (e *Engine) ValidatorIDs() []string {
	return append([]string{}, e.order...)
}

// DirectoryKey returns the bound public key for a validator.
func (e *Engine) DirectoryKey(validatorID string) (string, bool) {
	key, ok := e.pubkeys[validatorID]
	return key, ok
}

// Stakes returns validator stakes sorted by id, for status payloads.
func (e *Engine) Stakes() []Validator {
	out := make([]Validator, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, Validator{ID: id, Stake: e.stakes[id], PublicKeyHex: e.pubkeys[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
