package kernel

import (
	"sort"

	"github.com/agentworld/agentworld/src/crypto"
	"github.com/agentworld/agentworld/src/wire"
)

// CMPerKM converts map distances: coordinates are centimeters, movement cost
// is charged per started kilometer.
const CMPerKM = 100000

// Electricity is the resource debited by agent movement.
const Electricity = "electricity"

// Points is the resource spent on artifact marketplace purchases.
const Points = "points"

type Agent struct {
	ID             string `json:"id"`
	LocationID     string `json:"location_id"`
	RegisteredTick uint64 `json:"registered_tick"`
}

type Location struct {
	ID  string `json:"id"`
	XCM int64  `json:"x_cm"`
	YCM int64  `json:"y_cm"`
}

// ModuleArtifact is immutable once deployed: WasmHash = SHA256 of Bytes.
type ModuleArtifact struct {
	WasmHash        string `json:"wasm_hash"`
	PublisherAgent  string `json:"publisher_agent_id"`
	Bytes           []byte `json:"bytes"`
	DeployedAtTick  uint64 `json:"deployed_at_tick"`
}

type InstalledModule struct {
	ModuleID      string   `json:"module_id"`
	WasmHash      string   `json:"wasm_hash"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

type ManifestProposal struct {
	ProposalID string          `json:"proposal_id"`
	Proposer   string          `json:"proposer"`
	ModuleIDs  []string        `json:"module_ids"`
	Votes      map[string]bool `json:"votes"`
	Applied    bool            `json:"applied"`
}

type ArtifactOrder struct {
	OrderID     string `json:"order_id"`
	Seller      string `json:"seller"`
	WasmHash    string `json:"wasm_hash"`
	PricePoints int64  `json:"price_points"`
	ListedTick  uint64 `json:"listed_tick"`
}

type SocialFact struct {
	AuthorAgent string `json:"author_agent"`
	Subject     string `json:"subject"`
	Fact        string `json:"fact"`
	Tick        uint64 `json:"tick"`
}

type RewardAssetConfig struct {
	PointsPerCredit        uint64 `json:"points_per_credit"`
	CreditsPerPowerUnit    uint64 `json:"credits_per_power_unit"`
	MaxRedeemPowerPerEpoch uint64 `json:"max_redeem_power_per_epoch"`
	MinRedeemPowerUnit     uint64 `json:"min_redeem_power_unit"`
}

type RewardSignaturePolicy struct {
	RequireMintsigV2              bool `json:"require_mintsig_v2"`
	AllowMintsigV1Fallback        bool `json:"allow_mintsig_v1_fallback"`
	RequireRedeemSignature        bool `json:"require_redeem_signature"`
	RequireRedeemSignerMatchNode  bool `json:"require_redeem_signer_match_node_id"`
}

type ProtocolPowerReserve struct {
	EpochIndex          uint64 `json:"epoch_index"`
	AvailablePowerUnits uint64 `json:"available_power_units"`
	RedeemedPowerUnits  uint64 `json:"redeemed_power_units"`
}

type NodeAssetBalance struct {
	NodeID             string `json:"node_id"`
	PowerCreditBalance uint64 `json:"power_credit_balance"`
	TotalMintedCredits uint64 `json:"total_minted_credits"`
	TotalBurnedCredits uint64 `json:"total_burned_credits"`
}

// MintScheme identifies how a mint record was signed.
type MintScheme string

const (
	MintSchemeV1 MintScheme = "v1"
	MintSchemeV2 MintScheme = "v2"
)

type RewardMintRecord struct {
	EpochIndex          uint64     `json:"epoch_index"`
	NodeID              string     `json:"node_id"`
	SourceAwardedPoints uint64     `json:"source_awarded_points"`
	MintedPowerCredits  uint64     `json:"minted_power_credits"`
	SignerNodeID        string     `json:"signer_node_id"`
	SignerPublicKey     string     `json:"signer_public_key_hex,omitempty"`
	SettlementHash      string     `json:"settlement_hash"`
	Signature           string     `json:"signature"`
	SignatureScheme     MintScheme `json:"signature_scheme"`
}

type RewardState struct {
	Config      RewardAssetConfig            `json:"config"`
	Policy      RewardSignaturePolicy        `json:"policy"`
	Reserve     ProtocolPowerReserve         `json:"reserve"`
	Balances    map[string]*NodeAssetBalance `json:"balances"`
	MintRecords []RewardMintRecord           `json:"mint_records"`
	MintedKeys  map[string]bool              `json:"minted_keys"`
	UsedNonces  map[string]bool              `json:"used_nonces"`
	LastNonces  map[string]uint64            `json:"last_nonces"`
	PoolBudgets map[uint64]uint64            `json:"pool_budgets"`
}

type WorldConfig struct {
	MoveCostPerKmElectricity int64 `json:"move_cost_per_km_electricity"`
	ManifestApprovalVotes    int   `json:"manifest_approval_votes"`
}

// WorldState holds every map the reducer touches. Canonical CBOR encoding
// sorts map keys, so hashing a state is order-independent; any iteration that
// feeds the journal goes through sorted keys explicitly.
type WorldState struct {
	WorldID     string                      `json:"world_id"`
	Tick        uint64                      `json:"tick"`
	Agents      map[string]*Agent           `json:"agents"`
	Locations   map[string]*Location        `json:"locations"`
	Balances    map[string]int64            `json:"balances"`
	Artifacts   map[string]*ModuleArtifact  `json:"artifacts"`
	Modules     map[string]*InstalledModule `json:"modules"`
	Proposals   map[string]*ManifestProposal `json:"proposals"`
	Orders      map[string]*ArtifactOrder   `json:"orders"`
	SocialFacts []SocialFact                `json:"social_facts"`
	Bindings    map[string]string           `json:"bindings"`
	Reward      RewardState                 `json:"reward"`
	Config      WorldConfig                 `json:"config"`
}

// WorldSnapshot is the full serializable kernel state.
type WorldSnapshot struct {
	State        WorldState `json:"state"`
	NextActionID uint64     `json:"next_action_id"`
	NextEventID  uint64     `json:"next_event_id"`
	AppliedIDs   []uint64   `json:"applied_action_ids"`
}

// DefaultRewardAssetConfig returns the shipped reward parameters.
func DefaultRewardAssetConfig() RewardAssetConfig {
	return RewardAssetConfig{
		PointsPerCredit:        10,
		CreditsPerPowerUnit:    1,
		MaxRedeemPowerPerEpoch: 10000,
		MinRedeemPowerUnit:     1,
	}
}

// DefaultRewardSignaturePolicy allows v1 content-hash mints as a fallback and
// does not force redeem signatures.
func DefaultRewardSignaturePolicy() RewardSignaturePolicy {
	return RewardSignaturePolicy{
		RequireMintsigV2:             false,
		AllowMintsigV1Fallback:       true,
		RequireRedeemSignature:       false,
		RequireRedeemSignerMatchNode: true,
	}
}

// DefaultWorldConfig returns default world parameters: 1 electricity per
// started kilometer moved, single-vote manifest approval.
func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		MoveCostPerKmElectricity: 1,
		ManifestApprovalVotes:    1,
	}
}

// NewWorldState creates an empty world with default config.
func NewWorldState(worldID string) *WorldState {
	return &WorldState{
		WorldID:   worldID,
		Agents:    map[string]*Agent{},
		Locations: map[string]*Location{},
		Balances:  map[string]int64{},
		Artifacts: map[string]*ModuleArtifact{},
		Modules:   map[string]*InstalledModule{},
		Proposals: map[string]*ManifestProposal{},
		Orders:    map[string]*ArtifactOrder{},
		Bindings:  map[string]string{},
		Reward: RewardState{
			Config:      DefaultRewardAssetConfig(),
			Policy:      DefaultRewardSignaturePolicy(),
			Balances:    map[string]*NodeAssetBalance{},
			MintedKeys:  map[string]bool{},
			UsedNonces:  map[string]bool{},
			LastNonces:  map[string]uint64{},
			PoolBudgets: map[uint64]uint64{},
		},
		Config: DefaultWorldConfig(),
	}
}

func balanceKey(owner, kind string) string {
	return owner + "|" + kind
}

// Balance returns owner's balance of a resource kind.
func (s *WorldState) Balance(owner, kind string) int64 {
	return s.Balances[balanceKey(owner, kind)]
}

func (s *WorldState) creditResource(owner, kind string, amount int64) {
	key := balanceKey(owner, kind)
	next := s.Balances[key] + amount
	if next == 0 {
		delete(s.Balances, key)
		return
	}
	s.Balances[key] = next
}

func (s *WorldState) nodeBalance(nodeID string) *NodeAssetBalance {
	b, ok := s.Reward.Balances[nodeID]
	if !ok {
		b = &NodeAssetBalance{NodeID: nodeID}
		s.Reward.Balances[nodeID] = b
	}
	return b
}

// sortedKeys returns map keys in lexicographic order for deterministic
// iteration.
func sortedKeys(m map[string]*InstalledModule) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// isqrt is the integer square root (floor), Newton's method. Floating point
// never touches state-affecting arithmetic.
func isqrt(n uint64) uint64 {
	if n < 2 {
		return n
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// DistanceCM is the integer euclidean distance between two locations.
func DistanceCM(a, b *Location) uint64 {
	dx := a.XCM - b.XCM
	dy := a.YCM - b.YCM
	return isqrt(uint64(dx*dx) + uint64(dy*dy))
}

// MovementCost charges per started kilometer.
func MovementCost(distanceCM uint64, perKmCost int64) int64 {
	km := (distanceCM + CMPerKM - 1) / CMPerKM
	return int64(km) * perKmCost
}

// StateRoot is the domain-separated hash of the canonical snapshot encoding.
func (s *WorldSnapshot) StateRoot() (string, error) {
	encoded, err := wire.Marshal(s)
	if err != nil {
		return "", err
	}
	return crypto.TaggedSHA256Hex(wire.StateRootTag, encoded), nil
}
