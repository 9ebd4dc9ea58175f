package kernel

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/agentworld/agentworld/src/crypto"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/wire"
)

// Kernel owns the world state and journal. It is not safe for concurrent use;
// the node runtime serializes access behind its mutex.
type Kernel struct {
	logger *logrus.Entry

	state   *WorldState
	journal []WorldEvent

	pending []ActionEnvelope

	nextActionID uint64
	nextEventID  uint64

	// applied tracks committed action ids so replayed batches are no-ops.
	applied map[uint64]bool

	sandbox ModuleSandbox
	signers map[string]*keys.Keypair

	lastRuleCost ruleCharge
}

type ruleCharge struct {
	owner string
	cost  ResourceDelta
}

func marshalAction(a Action) ([]byte, error) {
	return wire.Marshal(a)
}

// NewKernel creates a kernel over a fresh world.
func NewKernel(worldID string, sandbox ModuleSandbox, logger *logrus.Entry) *Kernel {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}
	return &Kernel{
		logger:       logger,
		state:        NewWorldState(worldID),
		nextActionID: 1,
		nextEventID:  1,
		applied:      map[uint64]bool{},
		sandbox:      sandbox,
		signers:      map[string]*keys.Keypair{},
	}
}

// FromSnapshot rebuilds a kernel from a snapshot and its journal. Pure: two
// calls with the same inputs produce identical kernels.
func FromSnapshot(snapshot WorldSnapshot, journal []WorldEvent, sandbox ModuleSandbox, logger *logrus.Entry) *Kernel {
	k := NewKernel(snapshot.State.WorldID, sandbox, logger)
	state := snapshot.State
	if state.Reward.LastNonces == nil {
		state.Reward.LastNonces = map[string]uint64{}
	}
	k.state = &state
	k.journal = append([]WorldEvent{}, journal...)
	k.nextActionID = snapshot.NextActionID
	k.nextEventID = snapshot.NextEventID
	for _, id := range snapshot.AppliedIDs {
		k.applied[id] = true
	}
	return k
}

// BindSigner registers a node's local signing keypair for mint and redeem
// signatures. Keys never enter the serialized state.
func (k *Kernel) BindSigner(nodeID string, kp *keys.Keypair) {
	k.signers[nodeID] = kp
}

// Signer returns the registered keypair for a node, if any.
func (k *Kernel) Signer(nodeID string) *keys.Keypair {
	return k.signers[nodeID]
}

// State exposes the world state for read-only inspection.
func (k *Kernel) State() *WorldState {
	return k.state
}

// Journal returns the append-only event log.
func (k *Kernel) Journal() []WorldEvent {
	return k.journal
}

// PendingCount returns the number of queued actions.
func (k *Kernel) PendingCount() int {
	return len(k.pending)
}

// AdvanceTick moves world time forward one tick.
func (k *Kernel) AdvanceTick() {
	k.state.Tick++
}

// Submit appends an action to the pending queue and returns its id.
func (k *Kernel) Submit(action Action) uint64 {
	id := k.nextActionID
	k.nextActionID++
	k.pending = append(k.pending, ActionEnvelope{ID: id, Action: action})
	return id
}

// Step pops one pending action and reduces it. Returns nil when the queue is
// empty; otherwise the terminal event (outcome or rejection).
func (k *Kernel) Step() *WorldEvent {
	if len(k.pending) == 0 {
		return nil
	}
	env := k.pending[0]
	k.pending = k.pending[1:]
	return k.reduce(env)
}

// StepAll drains the queue and returns every terminal event in order.
func (k *Kernel) StepAll() []WorldEvent {
	var events []WorldEvent
	for {
		ev := k.Step()
		if ev == nil {
			return events
		}
		events = append(events, *ev)
	}
}

// ApplyCommittedActions replays a committed batch. Idempotent: actions whose
// id has already been applied are skipped.
func (k *Kernel) ApplyCommittedActions(batch []wire.CommittedAction) ([]WorldEvent, error) {
	var events []WorldEvent
	for _, committed := range batch {
		if k.applied[committed.ActionID] {
			continue
		}
		var action Action
		if err := wire.Unmarshal(committed.Payload, &action); err != nil {
			return events, fmt.Errorf("decode committed action %d: %v", committed.ActionID, err)
		}
		if committed.ActionID >= k.nextActionID {
			k.nextActionID = committed.ActionID + 1
		}
		ev := k.reduce(ActionEnvelope{ID: committed.ActionID, Action: action})
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

// Snapshot captures the full kernel state.
func (k *Kernel) Snapshot() WorldSnapshot {
	applied := make([]uint64, 0, len(k.applied))
	for id := range k.applied {
		applied = append(applied, id)
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] < applied[j] })

	return WorldSnapshot{
		State:        *k.state,
		NextActionID: k.nextActionID,
		NextEventID:  k.nextEventID,
		AppliedIDs:   applied,
	}
}

// ObservePeerCommit journals a peer's committed head without touching state.
func (k *Kernel) ObservePeerCommit(peerID string, height uint64, blockHash string) {
	k.appendEvent(WorldEvent{
		Kind:    EvPeerCommitObserved,
		Subject: peerID,
		Amount:  int64(height),
		Note:    blockHash,
	})
}

func (k *Kernel) appendEvent(ev WorldEvent) *WorldEvent {
	ev.ID = k.nextEventID
	ev.Tick = k.state.Tick
	k.nextEventID++
	k.journal = append(k.journal, ev)
	return &k.journal[len(k.journal)-1]
}

func (k *Kernel) reject(actionID uint64, reason RejectReason) *WorldEvent {
	k.logger.WithFields(logrus.Fields{
		"action_id": actionID,
		"code":      reason.Code,
	}).Debug("Action rejected")
	return k.appendEvent(WorldEvent{
		Kind:     EvActionRejected,
		ActionID: actionID,
		Reject:   &reason,
	})
}

// reduce runs the rule pipeline then the action reducer. All fallible state
// changes are validate-then-commit: a rejection leaves every map untouched.
func (k *Kernel) reduce(env ActionEnvelope) *WorldEvent {
	k.applied[env.ID] = true
	k.lastRuleCost = ruleCharge{}

	action, reason := k.runRulePipeline(env)
	if reason != nil {
		return k.reject(env.ID, *reason)
	}

	ev, rej := k.apply(env.ID, *action)
	if rej != nil {
		k.refundRuleCost()
		return k.reject(env.ID, *rej)
	}
	ev.ActionID = env.ID
	return k.appendEvent(*ev)
}

func (k *Kernel) apply(actionID uint64, a Action) (*WorldEvent, *RejectReason) {
	switch a.Kind {
	case KindRegisterAgent:
		return k.applyRegisterAgent(a.RegisterAgent)
	case KindRegisterLocation:
		return k.applyRegisterLocation(a.RegisterLocation)
	case KindMoveAgent:
		return k.applyMoveAgent(a.MoveAgent)
	case KindTransferResource:
		return k.applyTransferResource(a.TransferResource)
	case KindHarvest:
		return k.applyHarvest(a.Harvest)
	case KindMintPower:
		return k.applyMintPower(a.MintPower)
	case KindBurnPower:
		return k.applyBurnPower(a.BurnPower)
	case KindRedeemPower:
		return k.applyRedeemPower(a.RedeemPower, nil)
	case KindRedeemPowerSigned:
		return k.applyRedeemPower(&a.RedeemPowerSigned.RedeemPower, a.RedeemPowerSigned)
	case KindPublishSocialFact:
		return k.applyPublishSocialFact(a.PublishSocialFact)
	case KindInstallModule:
		return k.applyInstallModule(a.InstallModule)
	case KindUpgradeModule:
		return k.applyUpgradeModule(a.UpgradeModule)
	case KindUninstallModule:
		return k.applyUninstallModule(a.UninstallModule)
	case KindProposeManifest:
		return k.applyProposeManifest(a.ProposeManifest)
	case KindVoteManifest:
		return k.applyVoteManifest(a.VoteManifest)
	case KindApplyManifest:
		return k.applyApplyManifest(a.ApplyManifest)
	case KindDeployModuleArtifact:
		return k.applyDeployModuleArtifact(a.DeployModuleArtifact)
	case KindListModuleArtifact:
		return k.applyListModuleArtifact(a.ListModuleArtifact)
	case KindBuyModuleArtifact:
		return k.applyBuyModuleArtifact(a.BuyModuleArtifact)
	case KindDestroyModuleArtifact:
		return k.applyDestroyModuleArtifact(a.DestroyModuleArtifact)
	case KindApplySettlementMint:
		return k.applySettlementMint(a.ApplySettlementMint)
	case KindBindNodeIdentity:
		return k.applyBindNodeIdentity(a.BindNodeIdentity)
	default:
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: fmt.Sprintf("unknown action kind %q", a.Kind)}
	}
}

func (k *Kernel) applyRegisterAgent(p *RegisterAgent) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing register_agent payload"}
	}
	if _, ok := k.state.Agents[p.AgentID]; ok {
		return nil, &RejectReason{Code: RejectAlreadyExists, Detail: "agent " + p.AgentID}
	}
	if _, ok := k.state.Locations[p.LocationID]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "location " + p.LocationID}
	}
	for kind, amount := range p.InitialBalances {
		if amount < 0 {
			return nil, &RejectReason{Code: RejectInvalidAction, ResourceKind: kind, Detail: "negative initial balance"}
		}
	}

	k.state.Agents[p.AgentID] = &Agent{
		ID:             p.AgentID,
		LocationID:     p.LocationID,
		RegisteredTick: k.state.Tick,
	}
	kinds := make([]string, 0, len(p.InitialBalances))
	for kind := range p.InitialBalances {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		k.state.creditResource(p.AgentID, kind, p.InitialBalances[kind])
	}
	return &WorldEvent{Kind: EvAgentRegistered, Subject: p.AgentID, Object: p.LocationID}, nil
}

func (k *Kernel) applyRegisterLocation(p *RegisterLocation) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing register_location payload"}
	}
	if _, ok := k.state.Locations[p.LocationID]; ok {
		return nil, &RejectReason{Code: RejectAlreadyExists, Detail: "location " + p.LocationID}
	}
	k.state.Locations[p.LocationID] = &Location{ID: p.LocationID, XCM: p.XCM, YCM: p.YCM}
	return &WorldEvent{Kind: EvLocationRegistered, Subject: p.LocationID}, nil
}

func (k *Kernel) applyMoveAgent(p *MoveAgent) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing move_agent payload"}
	}
	agent, ok := k.state.Agents[p.AgentID]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.AgentID}
	}
	from, ok := k.state.Locations[agent.LocationID]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "location " + agent.LocationID}
	}
	to, ok := k.state.Locations[p.ToLocationID]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "location " + p.ToLocationID}
	}

	distance := DistanceCM(from, to)
	cost := MovementCost(distance, k.state.Config.MoveCostPerKmElectricity)
	if k.state.Balance(p.AgentID, Electricity) < cost {
		return nil, &RejectReason{
			Code:         RejectInsufficientResource,
			ResourceKind: Electricity,
			Detail:       fmt.Sprintf("movement needs %d, agent %s has %d", cost, p.AgentID, k.state.Balance(p.AgentID, Electricity)),
		}
	}

	k.state.creditResource(p.AgentID, Electricity, -cost)
	agent.LocationID = p.ToLocationID
	return &WorldEvent{
		Kind:         EvAgentMoved,
		Subject:      p.AgentID,
		Object:       p.ToLocationID,
		ResourceKind: Electricity,
		Amount:       cost,
		DistanceCM:   distance,
	}, nil
}

func (k *Kernel) applyTransferResource(p *TransferResource) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing transfer_resource payload"}
	}
	if p.Amount <= 0 {
		return nil, &RejectReason{Code: RejectInvalidAction, ResourceKind: p.Kind, Detail: "transfer amount must be positive"}
	}
	if _, ok := k.state.Agents[p.From]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.From}
	}
	if _, ok := k.state.Agents[p.To]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.To}
	}
	if k.state.Balance(p.From, p.Kind) < p.Amount {
		return nil, &RejectReason{Code: RejectInsufficientResource, ResourceKind: p.Kind,
			Detail: fmt.Sprintf("agent %s has %d", p.From, k.state.Balance(p.From, p.Kind))}
	}

	k.state.creditResource(p.From, p.Kind, -p.Amount)
	k.state.creditResource(p.To, p.Kind, p.Amount)
	return &WorldEvent{Kind: EvResourceTransferred, Subject: p.From, Object: p.To, ResourceKind: p.Kind, Amount: p.Amount}, nil
}

func (k *Kernel) applyHarvest(p *Harvest) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing harvest payload"}
	}
	if p.Amount <= 0 {
		return nil, &RejectReason{Code: RejectInvalidAction, ResourceKind: p.Kind, Detail: "harvest amount must be positive"}
	}
	if _, ok := k.state.Agents[p.AgentID]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.AgentID}
	}
	k.state.creditResource(p.AgentID, p.Kind, p.Amount)
	return &WorldEvent{Kind: EvResourceHarvested, Subject: p.AgentID, ResourceKind: p.Kind, Amount: p.Amount}, nil
}

func (k *Kernel) applyPublishSocialFact(p *PublishSocialFact) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing publish_social_fact payload"}
	}
	if _, ok := k.state.Agents[p.AuthorAgent]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.AuthorAgent}
	}
	k.state.SocialFacts = append(k.state.SocialFacts, SocialFact{
		AuthorAgent: p.AuthorAgent,
		Subject:     p.Subject,
		Fact:        p.Fact,
		Tick:        k.state.Tick,
	})
	return &WorldEvent{Kind: EvSocialFactPublished, Subject: p.AuthorAgent, Object: p.Subject, Note: p.Fact}, nil
}

func (k *Kernel) applyInstallModule(p *InstallModule) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing install_module payload"}
	}
	if _, ok := k.state.Modules[p.ModuleID]; ok {
		return nil, &RejectReason{Code: RejectAlreadyExists, Detail: "module " + p.ModuleID}
	}
	if _, ok := k.state.Artifacts[p.WasmHash]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "artifact " + p.WasmHash}
	}
	subs := append([]string{}, p.Subscriptions...)
	sort.Strings(subs)
	k.state.Modules[p.ModuleID] = &InstalledModule{
		ModuleID:      p.ModuleID,
		WasmHash:      p.WasmHash,
		Subscriptions: subs,
	}
	return &WorldEvent{Kind: EvModuleInstalled, Subject: p.ModuleID, Object: p.WasmHash}, nil
}

func (k *Kernel) applyUpgradeModule(p *UpgradeModule) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing upgrade_module payload"}
	}
	mod, ok := k.state.Modules[p.ModuleID]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "module " + p.ModuleID}
	}
	if _, ok := k.state.Artifacts[p.WasmHash]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "artifact " + p.WasmHash}
	}
	mod.WasmHash = p.WasmHash
	return &WorldEvent{Kind: EvModuleUpgraded, Subject: p.ModuleID, Object: p.WasmHash}, nil
}

func (k *Kernel) applyUninstallModule(p *UninstallModule) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing uninstall_module payload"}
	}
	if _, ok := k.state.Modules[p.ModuleID]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "module " + p.ModuleID}
	}
	delete(k.state.Modules, p.ModuleID)
	return &WorldEvent{Kind: EvModuleUninstalled, Subject: p.ModuleID}, nil
}

func (k *Kernel) applyProposeManifest(p *ProposeManifest) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing propose_manifest payload"}
	}
	if _, ok := k.state.Proposals[p.ProposalID]; ok {
		return nil, &RejectReason{Code: RejectAlreadyExists, Detail: "proposal " + p.ProposalID}
	}
	k.state.Proposals[p.ProposalID] = &ManifestProposal{
		ProposalID: p.ProposalID,
		Proposer:   p.Proposer,
		ModuleIDs:  append([]string{}, p.ModuleIDs...),
		Votes:      map[string]bool{},
	}
	return &WorldEvent{Kind: EvManifestProposed, Subject: p.ProposalID, Object: p.Proposer}, nil
}

func (k *Kernel) applyVoteManifest(p *VoteManifest) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing vote_manifest payload"}
	}
	prop, ok := k.state.Proposals[p.ProposalID]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "proposal " + p.ProposalID}
	}
	if prop.Applied {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "proposal " + p.ProposalID + " already applied"}
	}
	prop.Votes[p.Voter] = p.Approve
	return &WorldEvent{Kind: EvManifestVoted, Subject: p.ProposalID, Object: p.Voter}, nil
}

func (k *Kernel) applyApplyManifest(p *ApplyManifest) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing apply_manifest payload"}
	}
	prop, ok := k.state.Proposals[p.ProposalID]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "proposal " + p.ProposalID}
	}
	if prop.Applied {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "proposal " + p.ProposalID + " already applied"}
	}
	approvals, rejections := 0, 0
	for _, approve := range prop.Votes {
		if approve {
			approvals++
		} else {
			rejections++
		}
	}
	if approvals < k.state.Config.ManifestApprovalVotes || approvals <= rejections {
		return nil, &RejectReason{Code: RejectInvalidAction,
			Detail: fmt.Sprintf("proposal %s has %d approvals, %d rejections", p.ProposalID, approvals, rejections)}
	}
	// Every module named by the manifest must resolve to an installed module.
	for _, moduleID := range prop.ModuleIDs {
		if _, ok := k.state.Modules[moduleID]; !ok {
			return nil, &RejectReason{Code: RejectNotFound, Detail: "module " + moduleID}
		}
	}
	prop.Applied = true
	return &WorldEvent{Kind: EvManifestApplied, Subject: p.ProposalID}, nil
}

func (k *Kernel) applyDeployModuleArtifact(p *DeployModuleArtifact) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing deploy_module_artifact payload"}
	}
	if _, ok := k.state.Agents[p.Publisher]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.Publisher}
	}
	hash := crypto.SHA256Hex(p.Bytes)
	if _, ok := k.state.Artifacts[hash]; ok {
		return nil, &RejectReason{Code: RejectAlreadyExists, Detail: "artifact " + hash}
	}
	k.state.Artifacts[hash] = &ModuleArtifact{
		WasmHash:       hash,
		PublisherAgent: p.Publisher,
		Bytes:          append([]byte{}, p.Bytes...),
		DeployedAtTick: k.state.Tick,
	}
	return &WorldEvent{Kind: EvArtifactDeployed, Subject: hash, Object: p.Publisher}, nil
}

func (k *Kernel) applyListModuleArtifact(p *ListModuleArtifact) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing list_module_artifact payload"}
	}
	if _, ok := k.state.Orders[p.OrderID]; ok {
		return nil, &RejectReason{Code: RejectAlreadyExists, Detail: "order " + p.OrderID}
	}
	if _, ok := k.state.Agents[p.Seller]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.Seller}
	}
	artifact, ok := k.state.Artifacts[p.WasmHash]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "artifact " + p.WasmHash}
	}
	if artifact.PublisherAgent != p.Seller {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "seller " + p.Seller + " is not the publisher"}
	}
	if p.PricePoints < 0 {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "negative price"}
	}
	k.state.Orders[p.OrderID] = &ArtifactOrder{
		OrderID:     p.OrderID,
		Seller:      p.Seller,
		WasmHash:    p.WasmHash,
		PricePoints: p.PricePoints,
		ListedTick:  k.state.Tick,
	}
	return &WorldEvent{Kind: EvArtifactListed, Subject: p.OrderID, Object: p.WasmHash, Amount: p.PricePoints}, nil
}

func (k *Kernel) applyBuyModuleArtifact(p *BuyModuleArtifact) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing buy_module_artifact payload"}
	}
	order, ok := k.state.Orders[p.OrderID]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "order " + p.OrderID}
	}
	if _, ok := k.state.Agents[p.Buyer]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.Buyer}
	}
	if k.state.Balance(p.Buyer, Points) < order.PricePoints {
		return nil, &RejectReason{Code: RejectInsufficientResource, ResourceKind: Points,
			Detail: fmt.Sprintf("buyer %s has %d, order costs %d", p.Buyer, k.state.Balance(p.Buyer, Points), order.PricePoints)}
	}

	k.state.creditResource(p.Buyer, Points, -order.PricePoints)
	k.state.creditResource(order.Seller, Points, order.PricePoints)
	delete(k.state.Orders, p.OrderID)
	return &WorldEvent{Kind: EvArtifactSold, Subject: p.OrderID, Object: p.Buyer, Amount: order.PricePoints}, nil
}

func (k *Kernel) applyDestroyModuleArtifact(p *DestroyModuleArtifact) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing destroy_module_artifact payload"}
	}
	artifact, ok := k.state.Artifacts[p.WasmHash]
	if !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "artifact " + p.WasmHash}
	}
	if artifact.PublisherAgent != p.Requester {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "requester " + p.Requester + " is not the publisher"}
	}
	for _, moduleID := range sortedKeys(k.state.Modules) {
		if k.state.Modules[moduleID].WasmHash == p.WasmHash {
			return nil, &RejectReason{Code: RejectArtifactInUse, Detail: "installed module " + moduleID + " references " + p.WasmHash}
		}
	}
	orderIDs := make([]string, 0, len(k.state.Orders))
	for orderID := range k.state.Orders {
		orderIDs = append(orderIDs, orderID)
	}
	sort.Strings(orderIDs)
	for _, orderID := range orderIDs {
		if k.state.Orders[orderID].WasmHash == p.WasmHash {
			return nil, &RejectReason{Code: RejectArtifactInUse, Detail: "open order " + orderID + " references " + p.WasmHash}
		}
	}
	delete(k.state.Artifacts, p.WasmHash)
	return &WorldEvent{Kind: EvArtifactDestroyed, Subject: p.WasmHash}, nil
}

func (k *Kernel) applyBindNodeIdentity(p *BindNodeIdentity) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing bind_node_identity payload"}
	}
	if existing, ok := k.state.Bindings[p.NodeID]; ok && existing != p.PublicKeyHex {
		return nil, &RejectReason{Code: RejectAlreadyExists, Detail: "node " + p.NodeID + " already bound to a different key"}
	}
	k.state.Bindings[p.NodeID] = p.PublicKeyHex
	return &WorldEvent{Kind: EvIdentityBound, Subject: p.NodeID, Note: p.PublicKeyHex}, nil
}
