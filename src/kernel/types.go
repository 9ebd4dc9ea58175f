// Package kernel implements the deterministic world state machine: a pending
// action queue, a reducer that applies one action atomically, an append-only
// event journal, a pre-action rule pipeline, and the reward-asset ledger.
// State is a pure function of (genesis config, ordered action sequence); no
// wall clock or randomness reaches the reducer.
package kernel

// ActionKind discriminates the Action union.
type ActionKind string

const (
	KindRegisterAgent         ActionKind = "register_agent"
	KindRegisterLocation      ActionKind = "register_location"
	KindMoveAgent             ActionKind = "move_agent"
	KindTransferResource      ActionKind = "transfer_resource"
	KindHarvest               ActionKind = "harvest"
	KindMintPower             ActionKind = "mint_power"
	KindBurnPower             ActionKind = "burn_power"
	KindRedeemPower           ActionKind = "redeem_power"
	KindRedeemPowerSigned     ActionKind = "redeem_power_signed"
	KindPublishSocialFact     ActionKind = "publish_social_fact"
	KindInstallModule         ActionKind = "install_module"
	KindUpgradeModule         ActionKind = "upgrade_module"
	KindUninstallModule       ActionKind = "uninstall_module"
	KindProposeManifest       ActionKind = "propose_manifest"
	KindVoteManifest          ActionKind = "vote_manifest"
	KindApplyManifest         ActionKind = "apply_manifest"
	KindDeployModuleArtifact  ActionKind = "deploy_module_artifact"
	KindListModuleArtifact    ActionKind = "list_module_artifact"
	KindBuyModuleArtifact     ActionKind = "buy_module_artifact"
	KindDestroyModuleArtifact ActionKind = "destroy_module_artifact"
	KindApplySettlementMint   ActionKind = "apply_settlement_mint"
	KindBindNodeIdentity      ActionKind = "bind_node_identity"
)

// Action is a tagged union: Kind selects which payload pointer is set. An
// action is never mutated after creation.
type Action struct {
	Kind ActionKind `json:"kind"`

	RegisterAgent         *RegisterAgent         `json:"register_agent,omitempty"`
	RegisterLocation      *RegisterLocation      `json:"register_location,omitempty"`
	MoveAgent             *MoveAgent             `json:"move_agent,omitempty"`
	TransferResource      *TransferResource      `json:"transfer_resource,omitempty"`
	Harvest               *Harvest               `json:"harvest,omitempty"`
	MintPower             *MintPower             `json:"mint_power,omitempty"`
	BurnPower             *BurnPower             `json:"burn_power,omitempty"`
	RedeemPower           *RedeemPower           `json:"redeem_power,omitempty"`
	RedeemPowerSigned     *RedeemPowerSigned     `json:"redeem_power_signed,omitempty"`
	PublishSocialFact     *PublishSocialFact     `json:"publish_social_fact,omitempty"`
	InstallModule         *InstallModule         `json:"install_module,omitempty"`
	UpgradeModule         *UpgradeModule         `json:"upgrade_module,omitempty"`
	UninstallModule       *UninstallModule       `json:"uninstall_module,omitempty"`
	ProposeManifest       *ProposeManifest       `json:"propose_manifest,omitempty"`
	VoteManifest          *VoteManifest          `json:"vote_manifest,omitempty"`
	ApplyManifest         *ApplyManifest         `json:"apply_manifest,omitempty"`
	DeployModuleArtifact  *DeployModuleArtifact  `json:"deploy_module_artifact,omitempty"`
	ListModuleArtifact    *ListModuleArtifact    `json:"list_module_artifact,omitempty"`
	BuyModuleArtifact     *BuyModuleArtifact     `json:"buy_module_artifact,omitempty"`
	DestroyModuleArtifact *DestroyModuleArtifact `json:"destroy_module_artifact,omitempty"`
	ApplySettlementMint   *ApplySettlementMint   `json:"apply_settlement_mint,omitempty"`
	BindNodeIdentity      *BindNodeIdentity      `json:"bind_node_identity,omitempty"`
}

// ActionEnvelope pairs an action with its monotonically increasing id.
type ActionEnvelope struct {
	ID     uint64 `json:"id"`
	Action Action `json:"action"`
}

type RegisterAgent struct {
	AgentID         string           `json:"agent_id"`
	LocationID      string           `json:"location_id"`
	InitialBalances map[string]int64 `json:"initial_balances,omitempty"`
}

type RegisterLocation struct {
	LocationID string `json:"location_id"`
	XCM        int64  `json:"x_cm"`
	YCM        int64  `json:"y_cm"`
}

type MoveAgent struct {
	AgentID      string `json:"agent_id"`
	ToLocationID string `json:"to_location_id"`
}

type TransferResource struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Kind   string `json:"resource_kind"`
	Amount int64  `json:"amount"`
}

type Harvest struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"resource_kind"`
	Amount  int64  `json:"amount"`
}

type MintPower struct {
	NodeID  string `json:"node_id"`
	Credits uint64 `json:"credits"`
}

type BurnPower struct {
	NodeID  string `json:"node_id"`
	Credits uint64 `json:"credits"`
}

type RedeemPower struct {
	NodeID      string `json:"node_id"`
	TargetAgent string `json:"target_agent"`
	Credits     uint64 `json:"credits"`
	Nonce       uint64 `json:"nonce"`
}

type RedeemPowerSigned struct {
	RedeemPower
	SignerPublicKey string `json:"signer_public_key_hex"`
	Signature       string `json:"signature"`
}

type PublishSocialFact struct {
	AuthorAgent string `json:"author_agent"`
	Subject     string `json:"subject"`
	Fact        string `json:"fact"`
}

type InstallModule struct {
	ModuleID      string   `json:"module_id"`
	WasmHash      string   `json:"wasm_hash"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

type UpgradeModule struct {
	ModuleID string `json:"module_id"`
	WasmHash string `json:"wasm_hash"`
}

type UninstallModule struct {
	ModuleID string `json:"module_id"`
}

type ProposeManifest struct {
	ProposalID string   `json:"proposal_id"`
	Proposer   string   `json:"proposer"`
	ModuleIDs  []string `json:"module_ids"`
}

type VoteManifest struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	Approve    bool   `json:"approve"`
}

type ApplyManifest struct {
	ProposalID string `json:"proposal_id"`
}

type DeployModuleArtifact struct {
	Publisher string `json:"publisher"`
	Bytes     []byte `json:"bytes"`
}

type ListModuleArtifact struct {
	OrderID     string `json:"order_id"`
	Seller      string `json:"seller"`
	WasmHash    string `json:"wasm_hash"`
	PricePoints int64  `json:"price_points"`
}

type BuyModuleArtifact struct {
	OrderID string `json:"order_id"`
	Buyer   string `json:"buyer"`
}

type DestroyModuleArtifact struct {
	WasmHash  string `json:"wasm_hash"`
	Requester string `json:"requester"`
}

type ApplySettlementMint struct {
	Report       EpochSettlementReport `json:"report"`
	SignerNodeID string                `json:"signer_node_id"`
}

type BindNodeIdentity struct {
	NodeID       string `json:"node_id"`
	PublicKeyHex string `json:"public_key_hex"`
}

// NodeSettlement is one node's awarded points inside an epoch report.
type NodeSettlement struct {
	NodeID        string `json:"node_id"`
	AwardedPoints uint64 `json:"awarded_points"`
}

// EpochSettlementReport is the per-epoch points distribution the reward
// runtime observes and the kernel mints from.
type EpochSettlementReport struct {
	EpochIndex        uint64           `json:"epoch_index"`
	PoolPoints        uint64           `json:"pool_points"`
	DistributedPoints uint64           `json:"distributed_points"`
	Settlements       []NodeSettlement `json:"settlements"`
}

// EventKind labels journal entries.
type EventKind string

const (
	EvAgentRegistered     EventKind = "agent_registered"
	EvLocationRegistered  EventKind = "location_registered"
	EvAgentMoved          EventKind = "agent_moved"
	EvResourceTransferred EventKind = "resource_transferred"
	EvResourceHarvested   EventKind = "resource_harvested"
	EvPowerMinted         EventKind = "power_minted"
	EvPowerBurned         EventKind = "power_burned"
	EvPowerRedeemed       EventKind = "power_redeemed"
	EvSocialFactPublished EventKind = "social_fact_published"
	EvModuleInstalled     EventKind = "module_installed"
	EvModuleUpgraded      EventKind = "module_upgraded"
	EvModuleUninstalled   EventKind = "module_uninstalled"
	EvManifestProposed    EventKind = "manifest_proposed"
	EvManifestVoted       EventKind = "manifest_voted"
	EvManifestApplied     EventKind = "manifest_applied"
	EvArtifactDeployed    EventKind = "artifact_deployed"
	EvArtifactListed      EventKind = "artifact_listed"
	EvArtifactSold        EventKind = "artifact_sold"
	EvArtifactDestroyed   EventKind = "artifact_destroyed"
	EvRewardMinted        EventKind = "reward_minted"
	EvEpochSettled        EventKind = "epoch_settled"
	EvIdentityBound       EventKind = "identity_bound"
	EvActionRejected      EventKind = "action_rejected"
	EvRuleDecided         EventKind = "rule_decided"
	EvPeerCommitObserved  EventKind = "peer_commit_observed"
)

// WorldEvent is one journal entry. Field meaning depends on Kind; unused
// fields stay zero so canonical encoding is stable.
type WorldEvent struct {
	ID           uint64        `json:"id"`
	Tick         uint64        `json:"tick"`
	Kind         EventKind     `json:"kind"`
	ActionID     uint64        `json:"action_id,omitempty"`
	Subject      string        `json:"subject,omitempty"`
	Object       string        `json:"object,omitempty"`
	ResourceKind string        `json:"resource_kind,omitempty"`
	Amount       int64         `json:"amount,omitempty"`
	DistanceCM   uint64        `json:"distance_cm,omitempty"`
	Epoch        uint64        `json:"epoch,omitempty"`
	Reject       *RejectReason `json:"reject,omitempty"`
	Note         string        `json:"note,omitempty"`
}

// RejectCode enumerates machine-readable rejection reasons.
type RejectCode string

const (
	RejectInsufficientResource RejectCode = "InsufficientResource"
	RejectNotFound             RejectCode = "NotFound"
	RejectOverflow             RejectCode = "Overflow"
	RejectRuleDenied           RejectCode = "RuleDenied"
	RejectAlreadyExists        RejectCode = "AlreadyExists"
	RejectNonceReplayed        RejectCode = "NonceReplayed"
	RejectReserveUnderflow     RejectCode = "ReserveUnderflow"
	RejectSignaturePolicy      RejectCode = "SignaturePolicy"
	RejectSignatureInvalid     RejectCode = "SignatureInvalid"
	RejectArtifactInUse        RejectCode = "ArtifactInUse"
	RejectPoolBudgetExceeded   RejectCode = "PoolBudgetExceeded"
	RejectInvalidAction        RejectCode = "InvalidAction"
)

// RejectReason is attached to every ActionRejected event: the code is the
// machine-readable variant, Detail the one-line human form.
type RejectReason struct {
	Code         RejectCode `json:"code"`
	ResourceKind string     `json:"resource_kind,omitempty"`
	Detail       string     `json:"detail,omitempty"`
}

func (r RejectReason) String() string {
	if r.ResourceKind != "" {
		return string(r.Code) + "{kind: " + r.ResourceKind + "}: " + r.Detail
	}
	return string(r.Code) + ": " + r.Detail
}
