// Package node wires the planes together: consensus ticks, replication,
// storage challenges, the reward loop, and the status surface all hang off
// one runtime guarded by a single lock.
package node

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworld/agentworld/src/bridge"
	"github.com/agentworld/agentworld/src/cas"
	"github.com/agentworld/agentworld/src/challenge"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/consensus/membership"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/gossip"
	"github.com/agentworld/agentworld/src/kernel"
	"github.com/agentworld/agentworld/src/replication"
	"github.com/agentworld/agentworld/src/reward"
	"github.com/agentworld/agentworld/src/wire"
)

// pendingCommit is a committed head whose replication was deferred by the
// storage gate; it retries on later ticks.
type pendingCommit struct {
	head       consensus.CommittedHead
	slot       uint64
	epoch      uint64
	actionRoot string
	parent     string
	payload    []byte
}

type proofKeyResolver struct {
	keys map[string]string
}

func (r *proofKeyResolver) ProofKey(nodeID string) (string, bool) {
	key, ok := r.keys[nodeID]
	return key, ok
}

// Node is the full runtime. All mutable state is behind coreLock; subsystem
// locks are only taken after coreLock is released or from within it, never
// the other way around.
type Node struct {
	coreLock sync.Mutex

	logger *logrus.Entry
	conf   Config

	network gossip.Network

	signer      *keys.Keypair
	proofSigner *keys.Keypair

	engine   *consensus.Engine
	bridge   *bridge.Bridge
	repl     *replication.Runtime
	chal     *challenge.Engine
	rewardRt *reward.Runtime
	alerts   *membership.AlertQueue

	consensusSub *gossip.Subscription
	commitSub    *gossip.Subscription

	pendingReports     []kernel.EpochSettlementReport
	pendingReplication []pendingCommit

	running       bool
	tickCount     uint64
	lastTickMs    int64
	lastGateError string

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewNode builds the runtime from a root keypair. Consensus and storage-proof
// signers derive from the root so restarts keep the same identities.
func NewNode(conf Config, root *keys.Keypair, network gossip.Network, blobs cas.Store, sandbox kernel.ModuleSandbox, logger *logrus.Entry) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}
	logger = logger.WithField("node_id", conf.NodeID)

	signer := keys.DeriveSigner(root, keys.ConsensusSignerTag, conf.NodeID)
	proofSigner := keys.DeriveSigner(root, keys.StorageProofTag, conf.NodeID)

	worldBridge, err := bridge.NewBridge(conf.WorldID, sandbox, conf.bridgeDir(), logger)
	if err != nil {
		return nil, err
	}

	engine, err := consensus.NewEngine(conf.Consensus, signer, worldBridge, logger)
	if err != nil {
		return nil, err
	}

	if blobs == nil {
		blobs = cas.NewInmemStore()
	}
	repl, err := replication.NewRuntime(conf.NodeID, conf.WorldID, signer, engine, blobs, conf.replicationDir(), logger)
	if err != nil {
		return nil, err
	}

	var resolver challenge.ProofKeyResolver
	if len(conf.StorageProofKeys) > 0 {
		resolver = &proofKeyResolver{keys: conf.StorageProofKeys}
	}
	chal := challenge.NewEngine(conf.WorldID, conf.NodeID, conf.Challenge, challenge.DefaultBackoffPolicy(), blobs, network, proofSigner, resolver, logger)

	n := &Node{
		logger:      logger,
		conf:        conf,
		network:     network,
		signer:      signer,
		proofSigner: proofSigner,
		engine:      engine,
		bridge:      worldBridge,
		repl:        repl,
		chal:        chal,
		shutdownCh:  make(chan struct{}),
	}

	rewardConf := conf.Reward
	rewardConf.WorldID = conf.WorldID
	rewardConf.LocalNodeID = conf.NodeID
	n.rewardRt = reward.NewRuntime(rewardConf, signer, lockedSubmitter{n: n},
		func() *kernel.WorldState { return worldBridge.Kernel().State() },
		func() kernel.AuditReport { return worldBridge.Kernel().AuditRewardState() },
		logger)

	n.alerts = membership.NewAlertQueue(membership.DefaultAlertQueueConfig(), alertLogSink{logger: logger}, logger)

	n.consensusSub = network.Subscribe(n.consensusTopic(), 256)
	n.commitSub = network.Subscribe(n.replicationTopic(), 256)
	network.RegisterHandler(wire.ProtocolFetchCommit, repl.ServeFetchCommit)
	network.RegisterHandler(wire.ProtocolFetchBlob, repl.ServeFetchBlob)
	network.RegisterHandler(wire.ProtocolChallenge, chal.AnswerChallenge(nowMs))

	return n, nil
}

// alertLogSink delivers recovery alerts to the operator log until a real
// directory reconciler is attached.
type alertLogSink struct {
	logger *logrus.Entry
}

func (s alertLogSink) Deliver(alert membership.RecoveryAlert) error {
	s.logger.WithFields(logrus.Fields{
		"world_id": alert.WorldID,
		"peer":     alert.NodeID,
		"reason":   alert.Reason,
	}).Warn("Membership recovery alert")
	return nil
}

func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func (n *Node) consensusTopic() string {
	return wire.TopicConsensusPrefix + n.conf.WorldID
}

func (n *Node) replicationTopic() string {
	return wire.TopicReplicationPrefix + n.conf.WorldID
}

// BootstrapDirectory verifies a signed validator directory against the
// trusted issuer key before the node starts. The configured validator set
// must match the directory.
func (n *Node) BootstrapDirectory(snap membership.DirectorySnapshot, trustedIssuerKey string) error {
	if err := snap.Verify(trustedIssuerKey); err != nil {
		return err
	}
	if snap.WorldID != n.conf.WorldID {
		return consensus.NewError(consensus.InvalidConfig, "directory for world %s, node runs %s", snap.WorldID, n.conf.WorldID)
	}
	return nil
}

// submitActionLocked encodes a kernel action into the consensus pool. The
// caller holds coreLock.
func (n *Node) submitActionLocked(action kernel.Action) error {
	committed, err := n.bridge.EncodeAction(action)
	if err != nil {
		return err
	}
	return n.engine.SubmitAction(committed)
}

// SubmitAction feeds a kernel action into the consensus-ordered queue.
func (n *Node) SubmitAction(action kernel.Action) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.submitActionLocked(action)
}

// lockedSubmitter is the reward runtime's path into the pool; the reward
// poll already holds coreLock when it runs.
type lockedSubmitter struct {
	n *Node
}

func (s lockedSubmitter) SubmitAction(action kernel.Action) error {
	return s.n.submitActionLocked(action)
}

// ObserveSettlementReport queues an epoch report for the reward loop.
func (n *Node) ObserveSettlementReport(report kernel.EpochSettlementReport) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	n.pendingReports = append(n.pendingReports, report)
}

// ingestInbound drains both gossip inboxes into the engine and the
// replication log. Bad messages are logged and dropped, never fatal; votes
// that carry slashing evidence additionally raise a recovery alert for the
// directory reconciler.
func (n *Node) ingestInbound(tickMs int64) {
	for _, msg := range n.consensusSub.Drain() {
		var frame wire.ConsensusGossip
		if err := wire.Unmarshal(msg.Payload, &frame); err != nil {
			n.logger.WithError(err).Debug("Undecodable consensus frame")
			continue
		}
		switch {
		case frame.Kind == wire.KindProposal && frame.Proposal != nil:
			if err := n.engine.HandleProposal(*frame.Proposal); err != nil {
				n.logger.WithError(err).Debug("Proposal rejected")
			}
		case frame.Kind == wire.KindAttestation && frame.Attestation != nil:
			if err := n.engine.HandleAttestation(*frame.Attestation); err != nil {
				if consensus.IsSlashable(err) {
					n.alerts.Enqueue(membership.RecoveryAlert{
						WorldID:      n.conf.WorldID,
						NodeID:       frame.Attestation.ValidatorID,
						Reason:       err.Error(),
						DetectedAtMs: tickMs,
					}, tickMs)
					n.logger.WithError(err).Warn("Slashable attestation")
					continue
				}
				n.logger.WithError(err).Debug("Attestation rejected")
			}
		}
	}

	for _, msg := range n.commitSub.Drain() {
		var env wire.CommitEnvelope
		if err := wire.Unmarshal(msg.Payload, &env); err != nil {
			n.logger.WithError(err).Debug("Undecodable commit envelope")
			continue
		}
		if err := n.engine.ValidatePeerCommit(env); err != nil {
			n.logger.WithError(err).Debug("Peer commit refused by engine")
			continue
		}
		if err := n.repl.ApplyRemoteMessage(env); err != nil {
			n.logger.WithError(err).Debug("Peer commit refused by replication")
			continue
		}
		if len(env.PayloadBytes) > 0 {
			n.chal.TrackBlob(cas.ContentHash(env.PayloadBytes))
		}
		n.bridge.Kernel().ObservePeerCommit(env.NodeID, env.Height, env.BlockHash)
	}
}

// replicateCommit runs the storage gate and, when it passes, publishes the
// signed commit envelope. Returns false when the gate deferred the commit.
func (n *Node) replicateCommit(tickMs int64, p pendingCommit) bool {
	if err := n.chal.CommitGate(n.repl.RecentReplicatedContentHashes(n.conf.Challenge.GateSampleSize)); err != nil {
		n.lastGateError = err.Error()
		n.logger.WithError(err).Warn("Commit replication deferred by storage gate")
		return false
	}
	n.lastGateError = ""

	env, err := n.repl.BuildLocalCommitMessage(tickMs, p.head, p.slot, p.epoch, p.actionRoot, p.parent, p.payload)
	if err != nil {
		n.logger.WithError(err).Error("Commit envelope build failed")
		return true
	}
	if env == nil {
		return true
	}
	if len(p.payload) > 0 {
		n.chal.TrackBlob(cas.ContentHash(p.payload))
	}
	data, err := wire.Marshal(*env)
	if err != nil {
		n.logger.WithError(err).Error("Commit envelope encode failed")
		return true
	}
	if err := n.network.Publish(n.replicationTopic(), data); err != nil {
		n.logger.WithError(err).Warn("Commit envelope publish failed")
	}
	return true
}

// enqueueOrReplicate keeps deferred commits in height order: a new commit
// never overtakes one still behind the gate.
func (n *Node) enqueueOrReplicate(tickMs int64, p pendingCommit) {
	if len(n.pendingReplication) > 0 || !n.replicateCommit(tickMs, p) {
		n.pendingReplication = append(n.pendingReplication, p)
	}
}

func (n *Node) retryDeferredReplication(tickMs int64) {
	for len(n.pendingReplication) > 0 {
		if !n.replicateCommit(tickMs, n.pendingReplication[0]) {
			return
		}
		n.pendingReplication = n.pendingReplication[1:]
	}
}

// refreshProviders reranks commit providers from the known peer heads so
// challenge probes and gap fetches prefer the freshest peers.
func (n *Node) refreshProviders(tickMs int64) {
	heads := n.engine.PeerHeads()
	if len(heads) == 0 {
		return
	}
	records := make([]gossip.ProviderRecord, 0, len(heads))
	for peerID, head := range heads {
		records = append(records, gossip.ProviderRecord{
			NodeID:     peerID,
			LastSeenMs: head.CommittedAtMs,
		})
	}
	n.chal.SetProviders(gossip.RankProviders(records, tickMs))
}

// gapSync pulls missing committed heights from peers and replays them.
func (n *Node) gapSync() {
	local := n.engine.CommittedHeight()
	if n.repl.NetworkCommittedHeight() <= local {
		return
	}
	applied, err := n.repl.GapSync(n.network, local, n.conf.GapSyncRetries, func(env wire.CommitEnvelope) error {
		var actions []wire.CommittedAction
		if len(env.PayloadBytes) > 0 {
			if err := wire.Unmarshal(env.PayloadBytes, &actions); err != nil {
				return err
			}
		}
		result, err := n.bridge.ExecuteCommitted(env.Height, env.BlockHash, actions)
		if err != nil {
			return err
		}
		head := consensus.CommittedHead{
			Height:             env.Height,
			BlockHash:          env.BlockHash,
			CommittedAtMs:      env.CommittedAtMs,
			ExecutionBlockHash: result.BlockHash,
			ExecutionStateRoot: result.StateRoot,
		}
		return n.engine.AdoptCommittedHead(head, env.Slot, env.Epoch)
	})
	if err != nil {
		n.logger.WithError(err).Debug("Gap sync incomplete")
	}
	if applied > 0 {
		n.logger.WithField("heights", applied).Debug("Gap sync applied")
	}
}

// broadcast publishes whatever the consensus step produced.
func (n *Node) broadcast(outcome consensus.TickOutcome) {
	publish := func(frame wire.ConsensusGossip) {
		data, err := wire.Marshal(frame)
		if err != nil {
			n.logger.WithError(err).Error("Consensus frame encode failed")
			return
		}
		if err := n.network.Publish(n.consensusTopic(), data); err != nil {
			n.logger.WithError(err).Warn("Consensus frame publish failed")
		}
	}
	if outcome.Proposal != nil {
		publish(wire.ConsensusGossip{Kind: wire.KindProposal, Proposal: outcome.Proposal})
	}
	if outcome.Attestation != nil {
		publish(wire.ConsensusGossip{Kind: wire.KindAttestation, Attestation: outcome.Attestation})
	}
}

// Tick runs one full runtime step at the given wall time. The test suite
// drives this directly; Run calls it on the tick interval.
func (n *Node) Tick(tickMs int64) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	n.tickCount++
	n.lastTickMs = tickMs

	n.ingestInbound(tickMs)

	n.retryDeferredReplication(tickMs)

	var tickErr error
	if n.conf.Role != RoleObserver {
		outcome, err := n.engine.Advance(tickMs)
		if err != nil {
			tickErr = err
			n.logger.WithError(err).Warn("Consensus advance failed")
		}
		n.broadcast(outcome)
		if outcome.Committed != nil {
			payload, err := wire.Marshal(outcome.CommittedActions)
			if err != nil {
				n.logger.WithError(err).Error("Committed batch encode failed")
			} else {
				n.enqueueOrReplicate(tickMs, pendingCommit{
					head:       *outcome.Committed,
					slot:       outcome.CommittedSlot,
					epoch:      outcome.CommittedEpoch,
					actionRoot: outcome.ActionRoot,
					parent:     outcome.ParentBlockHash,
					payload:    payload,
				})
			}
		}
	}

	n.gapSync()
	n.ingestInbound(tickMs)

	n.refreshProviders(tickMs)

	n.alerts.Flush(tickMs)
	n.alerts.ReplayDeadLetters(tickMs)

	return tickErr
}

// rewardPoll runs one reward iteration under the runtime lock.
func (n *Node) rewardPoll(pollMs int64) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	heads := []reward.PeerHead{}
	status := n.engine.Status()
	selfCommitted := int64(0)
	if last, ok := n.engine.ExecutionBinding(status.CommittedHeight); ok {
		selfCommitted = last.CommittedAtMs
	}
	heads = append(heads, reward.PeerHead{
		NodeID:        n.conf.NodeID,
		Height:        status.CommittedHeight,
		CommittedAtMs: selfCommitted,
	})
	for peerID, head := range status.KnownPeerHeads {
		heads = append(heads, reward.PeerHead{
			NodeID:        peerID,
			Height:        head.Height,
			CommittedAtMs: head.CommittedAtMs,
		})
	}

	reports := n.pendingReports
	n.pendingReports = nil

	if err := n.rewardRt.Poll(pollMs, heads, reports); err != nil {
		// Unsubmitted reports stay queued for the next poll.
		n.pendingReports = append(reports, n.pendingReports...)
		return err
	}
	return nil
}

// Run starts the tick, probe, and reward goroutines and blocks until
// Shutdown.
func (n *Node) Run() {
	n.coreLock.Lock()
	if n.running {
		n.coreLock.Unlock()
		return
	}
	n.running = true
	n.coreLock.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(time.Duration(n.conf.TickMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-n.shutdownCh:
				return
			case <-ticker.C:
				if err := n.Tick(nowMs()); err != nil {
					n.logger.WithError(err).Warn("Tick failed")
				}
			}
		}
	}()

	probeMs := n.conf.ProbeTickMs
	if probeMs <= 0 {
		probeMs = 5000
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(time.Duration(probeMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-n.shutdownCh:
				return
			case <-ticker.C:
				n.chal.ProbeTick(nowMs())
			}
		}
	}()

	pollMs := n.conf.RewardPollMs
	if pollMs <= 0 {
		pollMs = 2000
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(time.Duration(pollMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-n.shutdownCh:
				return
			case <-ticker.C:
				if err := n.rewardPoll(nowMs()); err != nil {
					n.logger.WithError(err).Warn("Reward poll failed")
				}
			}
		}
	}()

	n.wg.Wait()
}

// Shutdown stops the goroutines and waits for them.
func (n *Node) Shutdown() {
	n.coreLock.Lock()
	if !n.running {
		n.coreLock.Unlock()
		return
	}
	n.running = false
	n.coreLock.Unlock()

	close(n.shutdownCh)
	n.wg.Wait()
	n.logger.Debug("Node stopped")
}
