package node

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/src/cas"
	"github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/gossip"
	"github.com/agentworld/agentworld/src/kernel"
	"github.com/agentworld/agentworld/src/wire"
)

func clusterRoot(t *testing.T, suffix string) *keys.Keypair {
	kp, err := keys.FromSeedHex(strings.Repeat("0", 64-len(suffix)) + suffix)
	require.NoError(t, err)
	return kp
}

// boundValidator binds a validator id to the consensus key its node will
// derive from the given root, the way a signed directory would.
func boundValidator(id string, stake uint64, root *keys.Keypair) consensus.Validator {
	return consensus.Validator{
		ID:           id,
		Stake:        stake,
		PublicKeyHex: keys.DeriveSigner(root, keys.ConsensusSignerTag, id).PublicHex(),
	}
}

func newClusterNode(t *testing.T, hub *gossip.InmemHub, id string, root *keys.Keypair, role Role, validators []consensus.Validator) *Node {
	conf := DefaultConfig(id, "w1")
	conf.Role = role
	conf.Consensus.Validators = validators
	conf.Consensus.AutoAttestAllValidators = true
	n, err := NewNode(conf, root, hub.Join(id), nil, nil, common.NewTestEntry(t, id))
	require.NoError(t, err)
	return n
}

func worldGenesisActions() []kernel.Action {
	return []kernel.Action{
		{Kind: kernel.KindRegisterLocation, RegisterLocation: &kernel.RegisterLocation{LocationID: "origin"}},
		{Kind: kernel.KindRegisterAgent, RegisterAgent: &kernel.RegisterAgent{
			AgentID:         "scout",
			LocationID:      "origin",
			InitialBalances: map[string]int64{kernel.Electricity: 10},
		}},
	}
}

func TestClusterCommitsAndReplicates(t *testing.T) {
	hub := gossip.NewInmemHub()
	rootA := clusterRoot(t, "0a")
	rootB := clusterRoot(t, "0b")
	rootC := clusterRoot(t, "0c")
	validators := []consensus.Validator{
		boundValidator("node-a", 34, rootA),
		boundValidator("node-b", 33, rootB),
		boundValidator("node-c", 33, rootC),
	}

	a := newClusterNode(t, hub, "node-a", rootA, RoleSequencer, validators)
	b := newClusterNode(t, hub, "node-b", rootB, RoleSequencer, validators)
	c := newClusterNode(t, hub, "node-c", rootC, RoleSequencer, validators)

	for _, action := range worldGenesisActions() {
		require.NoError(t, a.SubmitAction(action))
	}

	// Slot 0 belongs to node-a: it proposes, the others attest.
	require.NoError(t, a.Tick(1000))
	require.NoError(t, b.Tick(1000))
	require.NoError(t, c.Tick(1000))

	// Next tick node-a aggregates the quorum, commits, and publishes the
	// signed commit envelope; the others commit from their own engines.
	require.NoError(t, a.Tick(2000))
	require.NoError(t, b.Tick(2000))
	require.NoError(t, c.Tick(2000))

	for _, n := range []*Node{a, b, c} {
		status := n.Status()
		assert.Equal(t, uint64(1), status.Consensus.CommittedHeight, status.NodeID)
		assert.Empty(t, status.LastGateError, status.NodeID)
		assert.Contains(t, n.bridge.Kernel().State().Agents, "scout", status.NodeID)
	}

	// Only the proposer's envelope circulates; peers index it and learn the
	// proposer's head from it.
	env, ok := b.repl.EnvelopeAt(1)
	require.True(t, ok)
	assert.Equal(t, "node-a", env.NodeID)
	assert.Equal(t, uint64(1), b.Status().Consensus.KnownPeerHeads["node-a"].Height)

	balances := a.Balances(5)
	assert.Equal(t, "w1", balances.WorldID)
	assert.Equal(t, int64(10), balances.Resources["scout|electricity"])

	// Known peer heads feed the ranked provider list the challenge engine
	// directs its probes at.
	assert.Contains(t, b.chal.Providers(), "node-a")
}

func TestSlashableVoteRaisesRecoveryAlert(t *testing.T) {
	hub := gossip.NewInmemHub()
	rootA := clusterRoot(t, "4a")
	rootB := clusterRoot(t, "4b")
	validators := []consensus.Validator{
		boundValidator("node-a", 67, rootA),
		boundValidator("node-b", 33, rootB),
	}

	a := newClusterNode(t, hub, "node-a", rootA, RoleSequencer, validators)
	b := newClusterNode(t, hub, "node-b", rootB, RoleSequencer, validators)

	// Round one: node-a proposes height 1, node-b votes for it honestly.
	require.NoError(t, a.Tick(1000))
	require.NoError(t, b.Tick(1000))

	// node-b equivocates: a second vote at the same height and target epoch
	// for a different block hash, properly signed with its consensus key.
	signerB := keys.DeriveSigner(rootB, keys.ConsensusSignerTag, "node-b")
	forged := wire.AttestationMessage{
		WorldID:     "w1",
		Height:      1,
		BlockHash:   "conflicting-hash",
		ValidatorID: "node-b",
		Approve:     true,
		TargetEpoch: 0,
		VotedAtMs:   1500,
	}
	forged.SignerPublicKey = signerB.PublicHex()
	signingBytes, err := forged.AttestationSigningBytes()
	require.NoError(t, err)
	forged.Signature = signerB.Sign(signingBytes)

	attacker := hub.Join("node-x")
	data, err := wire.Marshal(wire.ConsensusGossip{Kind: wire.KindAttestation, Attestation: &forged})
	require.NoError(t, err)
	require.NoError(t, attacker.Publish(a.consensusTopic(), data))

	// The tick ingests the equivocation, raises a recovery alert naming the
	// offender, and delivers it in the same tick. Consensus still commits.
	require.NoError(t, a.Tick(2000))
	log := a.alerts.EventLog()
	require.Len(t, log, 1)
	assert.Equal(t, "node-b", log[0].NodeID)
	assert.Equal(t, "w1", log[0].WorldID)
	assert.Contains(t, log[0].Reason, "double vote")
	assert.Equal(t, uint64(1), a.alerts.Metrics().Succeeded)
	assert.Equal(t, 0, a.alerts.PendingLen())
	assert.Equal(t, uint64(1), a.Status().Consensus.CommittedHeight)
}

func TestObserverFollowsViaGapSync(t *testing.T) {
	hub := gossip.NewInmemHub()
	rootA := clusterRoot(t, "1a")
	rootB := clusterRoot(t, "1b")
	rootC := clusterRoot(t, "1c")
	rootO := clusterRoot(t, "1d")
	validators := []consensus.Validator{
		boundValidator("node-a", 34, rootA),
		boundValidator("node-b", 33, rootB),
		boundValidator("node-c", 33, rootC),
	}

	a := newClusterNode(t, hub, "node-a", rootA, RoleSequencer, validators)
	b := newClusterNode(t, hub, "node-b", rootB, RoleSequencer, validators)
	c := newClusterNode(t, hub, "node-c", rootC, RoleSequencer, validators)
	observer := newClusterNode(t, hub, "node-o", rootO, RoleObserver, validators)

	for _, action := range worldGenesisActions() {
		require.NoError(t, a.SubmitAction(action))
	}

	// Two full rounds: node-a commits height 1, node-b height 2. The
	// observer does not tick while they run.
	require.NoError(t, a.Tick(1000))
	require.NoError(t, b.Tick(1000))
	require.NoError(t, c.Tick(1000))
	require.NoError(t, a.Tick(2000))
	require.NoError(t, b.Tick(2000))
	require.NoError(t, c.Tick(2000))
	require.NoError(t, b.Tick(3000))
	require.NoError(t, a.Tick(3000))
	require.NoError(t, c.Tick(3000))
	require.NoError(t, b.Tick(4000))
	require.NoError(t, a.Tick(4000))
	require.NoError(t, c.Tick(4000))

	require.Equal(t, uint64(2), b.Status().Consensus.CommittedHeight)

	// One observer tick ingests the queued envelopes and replays both
	// heights in order through its own kernel.
	require.NoError(t, observer.Tick(5000))

	status := observer.Status()
	assert.Equal(t, uint64(2), status.Consensus.CommittedHeight)
	assert.Equal(t, uint64(2), status.Replication.NetworkCommittedHeight)
	assert.Contains(t, observer.bridge.Kernel().State().Agents, "scout")

	// The observer never proposed or attested.
	assert.Equal(t, consensus.StatusPending, status.Consensus.LastStatus)
}

func TestStorageGateDefersReplicationInOrder(t *testing.T) {
	hub := gossip.NewInmemHub()
	root := clusterRoot(t, "2a")
	validators := []consensus.Validator{boundValidator("node-a", 100, root)}

	conf := DefaultConfig("node-a", "w1")
	conf.Consensus.Validators = validators
	conf.Consensus.AutoAttestAllValidators = true
	blobs := cas.NewInmemStore()
	n, err := NewNode(conf, root, hub.Join("node-a"), blobs, nil, common.NewTestEntry(t, "node-a"))
	require.NoError(t, err)

	for _, action := range worldGenesisActions() {
		require.NoError(t, n.SubmitAction(action))
	}

	// Height 1: nothing replicated yet, the gate sample is empty and passes.
	require.NoError(t, n.Tick(1000))
	_, ok := n.repl.EnvelopeAt(1)
	require.True(t, ok)

	// Height 2: the gate samples height 1's blob, and with no peer able to
	// re-serve it the commit is deferred. Consensus still advanced.
	require.NoError(t, n.Tick(2000))
	status := n.Status()
	assert.Equal(t, uint64(2), status.Consensus.CommittedHeight)
	assert.Contains(t, status.LastGateError, "storage gate")
	assert.Equal(t, 1, status.Replication.PendingCommits)
	_, ok = n.repl.EnvelopeAt(2)
	assert.False(t, ok)

	// Height 3 queues behind the deferred height 2.
	require.NoError(t, n.Tick(3000))
	assert.Equal(t, 2, n.Status().Replication.PendingCommits)

	// A peer that can serve the blobs appears; the next tick drains the
	// queue in height order and replicates the fresh commit too.
	peer := hub.Join("node-p")
	peer.RegisterHandler(wire.ProtocolFetchBlob, func(from string, payload []byte) ([]byte, error) {
		var req wire.FetchBlobRequest
		if err := wire.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		resp := wire.FetchBlobResponse{ContentHash: req.ContentHash}
		if data, err := blobs.Get(req.ContentHash); err == nil {
			resp.Found = true
			resp.Bytes = data
		}
		return wire.Marshal(resp)
	})

	require.NoError(t, n.Tick(4000))
	status = n.Status()
	assert.Empty(t, status.LastGateError)
	assert.Equal(t, 0, status.Replication.PendingCommits)
	for height := uint64(2); height <= 4; height++ {
		_, ok := n.repl.EnvelopeAt(height)
		assert.True(t, ok, "height %d", height)
	}
}

func TestRewardPollSubmitsSettlementMint(t *testing.T) {
	hub := gossip.NewInmemHub()
	root := clusterRoot(t, "3a")
	validators := []consensus.Validator{boundValidator("node-a", 100, root)}

	conf := DefaultConfig("node-a", "w1")
	conf.Consensus.Validators = validators
	conf.Consensus.AutoAttestAllValidators = true
	conf.Reward.Election.LeaderNodeID = "node-a"
	conf.Reward.Election.LeaderStaleMs = 60000
	n, err := NewNode(conf, root, hub.Join("node-a"), nil, nil, common.NewTestEntry(t, "node-a"))
	require.NoError(t, err)

	// Bind the node identity so the minted settlement passes the kernel's
	// signer checks, then commit the binding.
	require.NoError(t, n.SubmitAction(kernel.Action{
		Kind: kernel.KindBindNodeIdentity,
		BindNodeIdentity: &kernel.BindNodeIdentity{
			NodeID:       "node-a",
			PublicKeyHex: n.signer.PublicHex(),
		},
	}))
	require.NoError(t, n.Tick(1000))

	n.ObserveSettlementReport(kernel.EpochSettlementReport{
		EpochIndex:        1,
		PoolPoints:        100,
		DistributedPoints: 40,
		Settlements:       []kernel.NodeSettlement{{NodeID: "node-a", AwardedPoints: 40}},
	})

	// The poll elects the leader and submits the mint action; the following
	// tick commits it.
	require.NoError(t, n.rewardPoll(2000))
	assert.Equal(t, "node-a", n.Status().RewardPublisher)
	require.NoError(t, n.Tick(3000))

	state := n.bridge.Kernel().State()
	require.Contains(t, state.Reward.Balances, "node-a")
	assert.NotZero(t, state.Reward.Balances["node-a"].PowerCreditBalance)
}
