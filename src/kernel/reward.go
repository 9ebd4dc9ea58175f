package kernel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentworld/agentworld/src/crypto"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/wire"
)

// Power is the resource credited to agents by power redemption.
const Power = "power"

// Mint signature schemes. v1 is a keyless content hash kept for legacy
// records; v2 is an ed25519 signature over the pipe-delimited payload.
const (
	mintsigV1Prefix   = "mintsig:v1:"
	mintsigV2Prefix   = "mintsig:v2:"
	redeemsigV1Prefix = "redeemsig:v1:"
)

func mintsigV1Payload(r RewardMintRecord) string {
	return fmt.Sprintf("mintsig:v1|%d|%s|%d|%d|%s|%s",
		r.EpochIndex, r.NodeID, r.SourceAwardedPoints, r.MintedPowerCredits, r.SettlementHash, r.SignerNodeID)
}

func mintsigV2Payload(r RewardMintRecord) string {
	return fmt.Sprintf("mintsig:v2|%d|%s|%d|%d|%s|%s|%s",
		r.EpochIndex, r.NodeID, r.SourceAwardedPoints, r.MintedPowerCredits, r.SettlementHash, r.SignerNodeID, r.SignerPublicKey)
}

func redeemsigV1Payload(p RedeemPower) string {
	return fmt.Sprintf("redeemsig:v1|%s|%s|%d|%d", p.NodeID, p.TargetAgent, p.Credits, p.Nonce)
}

// SignRedeem produces the signature string for a redeem action.
func SignRedeem(kp *keys.Keypair, p RedeemPower) string {
	return redeemsigV1Prefix + kp.Sign([]byte(redeemsigV1Payload(p)))
}

// VerifyMintRecord re-verifies a mint record under its stated scheme.
func VerifyMintRecord(r RewardMintRecord) error {
	switch r.SignatureScheme {
	case MintSchemeV1:
		expected := mintsigV1Prefix + crypto.SHA256Hex([]byte(mintsigV1Payload(r)))
		if r.Signature != expected {
			return fmt.Errorf("mintsig v1 content hash mismatch for epoch %d node %s", r.EpochIndex, r.NodeID)
		}
		return nil
	case MintSchemeV2:
		if !strings.HasPrefix(r.Signature, mintsigV2Prefix) {
			return fmt.Errorf("mintsig v2 record missing prefix for epoch %d node %s", r.EpochIndex, r.NodeID)
		}
		sig := strings.TrimPrefix(r.Signature, mintsigV2Prefix)
		return keys.Verify(r.SignerPublicKey, []byte(mintsigV2Payload(r)), sig)
	default:
		return fmt.Errorf("unknown mint signature scheme %q", r.SignatureScheme)
	}
}

// SettlementHash is the canonical hash of an epoch settlement report.
func SettlementHash(report EpochSettlementReport) (string, error) {
	encoded, err := wire.Marshal(report)
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex(encoded), nil
}

// MintedKey is the idempotency key a settlement mint stores per (epoch, node).
func MintedKey(epoch uint64, nodeID string) string {
	return fmt.Sprintf("%d|%s", epoch, nodeID)
}

func nonceKey(nodeID string, nonce uint64) string {
	return fmt.Sprintf("%s|%d", nodeID, nonce)
}

// SetPoolBudget caps an epoch's total minted credits.
func (k *Kernel) SetPoolBudget(epoch, credits uint64) {
	k.state.Reward.PoolBudgets[epoch] = credits
}

// SetPowerReserve seeds the protocol power reserve.
func (k *Kernel) SetPowerReserve(epoch, availableUnits uint64) {
	k.state.Reward.Reserve = ProtocolPowerReserve{
		EpochIndex:          epoch,
		AvailablePowerUnits: availableUnits,
	}
}

func (k *Kernel) applyMintPower(p *MintPower) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing mint_power payload"}
	}
	if p.Credits == 0 {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "mint of zero credits"}
	}
	b := k.state.nodeBalance(p.NodeID)
	b.PowerCreditBalance += p.Credits
	b.TotalMintedCredits += p.Credits
	return &WorldEvent{Kind: EvPowerMinted, Subject: p.NodeID, Amount: int64(p.Credits)}, nil
}

func (k *Kernel) applyBurnPower(p *BurnPower) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing burn_power payload"}
	}
	if p.Credits == 0 {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "burn of zero credits"}
	}
	b, ok := k.state.Reward.Balances[p.NodeID]
	if !ok || b.PowerCreditBalance < p.Credits {
		return nil, &RejectReason{Code: RejectInsufficientResource, ResourceKind: "power_credit",
			Detail: fmt.Sprintf("node %s cannot burn %d credits", p.NodeID, p.Credits)}
	}
	b.PowerCreditBalance -= p.Credits
	b.TotalBurnedCredits += p.Credits
	return &WorldEvent{Kind: EvPowerBurned, Subject: p.NodeID, Amount: int64(p.Credits)}, nil
}

// applyRedeemPower burns node credits into agent power units. The whole step
// is validate-then-commit: any rejection leaves all balances untouched.
func (k *Kernel) applyRedeemPower(p *RedeemPower, signed *RedeemPowerSigned) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing redeem_power payload"}
	}
	cfg := k.state.Reward.Config
	policy := k.state.Reward.Policy

	if policy.RequireRedeemSignature && signed == nil {
		return nil, &RejectReason{Code: RejectSignaturePolicy, Detail: "redeem requires a signature"}
	}
	if signed != nil {
		bound, ok := k.state.Bindings[p.NodeID]
		if !ok {
			return nil, &RejectReason{Code: RejectSignaturePolicy, Detail: "node " + p.NodeID + " has no identity binding"}
		}
		if policy.RequireRedeemSignerMatchNode && signed.SignerPublicKey != bound {
			return nil, &RejectReason{Code: RejectSignaturePolicy, Detail: "signer key does not match binding for " + p.NodeID}
		}
		if err := keys.Verify(signed.SignerPublicKey, []byte(redeemsigV1Payload(*p)), strings.TrimPrefix(signed.Signature, redeemsigV1Prefix)); err != nil {
			return nil, &RejectReason{Code: RejectSignatureInvalid, Detail: "redeem signature: " + err.Error()}
		}
	}

	if k.state.Reward.UsedNonces[nonceKey(p.NodeID, p.Nonce)] {
		return nil, &RejectReason{Code: RejectNonceReplayed, Detail: fmt.Sprintf("node %s nonce %d", p.NodeID, p.Nonce)}
	}
	if _, ok := k.state.Agents[p.TargetAgent]; !ok {
		return nil, &RejectReason{Code: RejectNotFound, Detail: "agent " + p.TargetAgent}
	}
	if p.Credits == 0 || cfg.CreditsPerPowerUnit == 0 || p.Credits%cfg.CreditsPerPowerUnit != 0 {
		return nil, &RejectReason{Code: RejectInvalidAction,
			Detail: fmt.Sprintf("credits %d not a multiple of %d", p.Credits, cfg.CreditsPerPowerUnit)}
	}
	powerUnits := p.Credits / cfg.CreditsPerPowerUnit
	if powerUnits < cfg.MinRedeemPowerUnit {
		return nil, &RejectReason{Code: RejectInvalidAction,
			Detail: fmt.Sprintf("%d power units below minimum %d", powerUnits, cfg.MinRedeemPowerUnit)}
	}
	// The epoch cap is cumulative over everything already redeemed from the
	// reserve, not a per-action limit.
	nextRedeemed := k.state.Reward.Reserve.RedeemedPowerUnits + powerUnits
	if nextRedeemed < powerUnits {
		return nil, &RejectReason{Code: RejectOverflow, ResourceKind: Power, Detail: "redeemed power units overflow"}
	}
	if nextRedeemed > cfg.MaxRedeemPowerPerEpoch {
		return nil, &RejectReason{Code: RejectInvalidAction,
			Detail: fmt.Sprintf("epoch redeem cap: %d units already redeemed, %d more exceeds maximum %d",
				k.state.Reward.Reserve.RedeemedPowerUnits, powerUnits, cfg.MaxRedeemPowerPerEpoch)}
	}
	balance, ok := k.state.Reward.Balances[p.NodeID]
	if !ok || balance.PowerCreditBalance < p.Credits {
		return nil, &RejectReason{Code: RejectInsufficientResource, ResourceKind: "power_credit",
			Detail: fmt.Sprintf("node %s cannot redeem %d credits", p.NodeID, p.Credits)}
	}
	if k.state.Reward.Reserve.AvailablePowerUnits < powerUnits {
		return nil, &RejectReason{Code: RejectReserveUnderflow,
			Detail: fmt.Sprintf("reserve holds %d units, redeem needs %d", k.state.Reward.Reserve.AvailablePowerUnits, powerUnits)}
	}
	if k.state.Balance(p.TargetAgent, Power)+int64(powerUnits) < k.state.Balance(p.TargetAgent, Power) {
		return nil, &RejectReason{Code: RejectOverflow, ResourceKind: Power, Detail: "target balance overflow"}
	}

	balance.PowerCreditBalance -= p.Credits
	balance.TotalBurnedCredits += p.Credits
	k.state.Reward.UsedNonces[nonceKey(p.NodeID, p.Nonce)] = true
	if p.Nonce > k.state.Reward.LastNonces[p.NodeID] {
		k.state.Reward.LastNonces[p.NodeID] = p.Nonce
	}
	k.state.creditResource(p.TargetAgent, Power, int64(powerUnits))
	k.state.Reward.Reserve.AvailablePowerUnits -= powerUnits
	k.state.Reward.Reserve.RedeemedPowerUnits = nextRedeemed

	return &WorldEvent{
		Kind:         EvPowerRedeemed,
		Subject:      p.NodeID,
		Object:       p.TargetAgent,
		ResourceKind: Power,
		Amount:       int64(powerUnits),
	}, nil
}

// applySettlementMint converts an epoch settlement report into signed mint
// records. Floor division remainders are reassigned one credit at a time to
// the highest-awarded nodes, ties broken by lexicographic node id. Idempotent
// per (epoch, node); epochs with a pool budget never distribute past it.
func (k *Kernel) applySettlementMint(p *ApplySettlementMint) (*WorldEvent, *RejectReason) {
	if p == nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "missing apply_settlement_mint payload"}
	}
	cfg := k.state.Reward.Config
	policy := k.state.Reward.Policy
	if cfg.PointsPerCredit == 0 {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "points_per_credit is zero"}
	}

	// Every party to a mint needs an identity binding in the directory:
	// the publisher signing the records and every node receiving credits.
	if _, ok := k.state.Bindings[p.SignerNodeID]; !ok {
		return nil, &RejectReason{Code: RejectSignaturePolicy, Detail: "node identity is not bound: " + p.SignerNodeID}
	}

	signer := k.signers[p.SignerNodeID]
	scheme := MintSchemeV2
	if signer == nil {
		if policy.RequireMintsigV2 {
			return nil, &RejectReason{Code: RejectSignaturePolicy,
				Detail: "governance requires mintsig v2 and no signer key is available for " + p.SignerNodeID}
		}
		if !policy.AllowMintsigV1Fallback {
			return nil, &RejectReason{Code: RejectSignaturePolicy, Detail: "mintsig v1 fallback disabled"}
		}
		scheme = MintSchemeV1
	}

	settlementHash, err := SettlementHash(p.Report)
	if err != nil {
		return nil, &RejectReason{Code: RejectInvalidAction, Detail: "settlement hash: " + err.Error()}
	}

	epoch := p.Report.EpochIndex

	// Compute credits per node: floor division first, then remainders.
	type grant struct {
		nodeID  string
		awarded uint64
		credits uint64
	}
	seen := map[string]bool{}
	var grants []grant
	var remainderPoints uint64
	for _, s := range p.Report.Settlements {
		if seen[s.NodeID] {
			return nil, &RejectReason{Code: RejectInvalidAction, Detail: "duplicate settlement for node " + s.NodeID}
		}
		seen[s.NodeID] = true
		if _, ok := k.state.Bindings[s.NodeID]; !ok {
			return nil, &RejectReason{Code: RejectSignaturePolicy, Detail: "node identity is not bound: " + s.NodeID}
		}
		grants = append(grants, grant{
			nodeID:  s.NodeID,
			awarded: s.AwardedPoints,
			credits: s.AwardedPoints / cfg.PointsPerCredit,
		})
		remainderPoints += s.AwardedPoints % cfg.PointsPerCredit
	}

	extraCredits := remainderPoints / cfg.PointsPerCredit
	if extraCredits > 0 {
		ranked := make([]int, len(grants))
		for i := range ranked {
			ranked[i] = i
		}
		sort.Slice(ranked, func(a, b int) bool {
			ga, gb := grants[ranked[a]], grants[ranked[b]]
			if ga.awarded != gb.awarded {
				return ga.awarded > gb.awarded
			}
			return ga.nodeID < gb.nodeID
		})
		for i := uint64(0); i < extraCredits && len(ranked) > 0; i++ {
			grants[ranked[i%uint64(len(ranked))]].credits++
		}
	}

	// Pool budget cap: count credits already minted this epoch, clip new
	// grants so the epoch total never exceeds the budget.
	budget, hasBudget := k.state.Reward.PoolBudgets[epoch]
	var epochMinted uint64
	if hasBudget {
		for _, r := range k.state.Reward.MintRecords {
			if r.EpochIndex == epoch {
				epochMinted += r.MintedPowerCredits
			}
		}
	}

	minted := 0
	for i := range grants {
		g := grants[i]
		if k.state.Reward.MintedKeys[MintedKey(epoch, g.nodeID)] {
			continue
		}
		credits := g.credits
		if hasBudget {
			remaining := uint64(0)
			if budget > epochMinted {
				remaining = budget - epochMinted
			}
			if credits > remaining {
				credits = remaining
			}
		}

		record := RewardMintRecord{
			EpochIndex:          epoch,
			NodeID:              g.nodeID,
			SourceAwardedPoints: g.awarded,
			MintedPowerCredits:  credits,
			SignerNodeID:        p.SignerNodeID,
			SettlementHash:      settlementHash,
			SignatureScheme:     scheme,
		}
		if scheme == MintSchemeV2 {
			record.SignerPublicKey = signer.PublicHex()
			record.Signature = mintsigV2Prefix + signer.Sign([]byte(mintsigV2Payload(record)))
		} else {
			record.Signature = mintsigV1Prefix + crypto.SHA256Hex([]byte(mintsigV1Payload(record)))
		}

		k.state.Reward.MintedKeys[MintedKey(epoch, g.nodeID)] = true
		k.state.Reward.MintRecords = append(k.state.Reward.MintRecords, record)
		if credits > 0 {
			b := k.state.nodeBalance(g.nodeID)
			b.PowerCreditBalance += credits
			b.TotalMintedCredits += credits
			epochMinted += credits
		}
		minted++

		k.appendEvent(WorldEvent{
			Kind:    EvRewardMinted,
			Subject: g.nodeID,
			Amount:  int64(credits),
			Epoch:   epoch,
			Note:    string(scheme),
		})
	}

	return &WorldEvent{
		Kind:    EvEpochSettled,
		Subject: p.SignerNodeID,
		Amount:  int64(minted),
		Epoch:   epoch,
		Note:    settlementHash,
	}, nil
}

// AuditViolation is one invariant breach found by AuditRewardState.
type AuditViolation struct {
	Code   string `json:"code"`
	NodeID string `json:"node_id,omitempty"`
	Epoch  uint64 `json:"epoch,omitempty"`
	Detail string `json:"detail"`
}

// AuditReport summarizes a full reward-ledger audit.
type AuditReport struct {
	RecordsChecked int              `json:"records_checked"`
	Violations     []AuditViolation `json:"violations"`
}

// AuditRewardState re-verifies every mint record signature, recomputes
// per-node totals, and checks the global conservation equation
// sum(minted) = sum(balances) + sum(burned).
func (k *Kernel) AuditRewardState() AuditReport {
	report := AuditReport{RecordsChecked: len(k.state.Reward.MintRecords)}

	for _, r := range k.state.Reward.MintRecords {
		if err := VerifyMintRecord(r); err != nil {
			report.Violations = append(report.Violations, AuditViolation{
				Code:   "mint_signature_invalid",
				NodeID: r.NodeID,
				Epoch:  r.EpochIndex,
				Detail: err.Error(),
			})
		}
		if _, ok := k.state.Bindings[r.SignerNodeID]; !ok {
			report.Violations = append(report.Violations, AuditViolation{
				Code:   "mint_signer_unbound",
				NodeID: r.NodeID,
				Epoch:  r.EpochIndex,
				Detail: "signer " + r.SignerNodeID + " has no identity binding",
			})
		}
	}

	var globalMinted, globalBalance, globalBurned uint64
	nodeIDs := make([]string, 0, len(k.state.Reward.Balances))
	for nodeID := range k.state.Reward.Balances {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)
	for _, nodeID := range nodeIDs {
		b := k.state.Reward.Balances[nodeID]
		if b.TotalMintedCredits-b.TotalBurnedCredits != b.PowerCreditBalance {
			report.Violations = append(report.Violations, AuditViolation{
				Code:   "node_balance_mismatch",
				NodeID: nodeID,
				Detail: fmt.Sprintf("balance %d != minted %d - burned %d", b.PowerCreditBalance, b.TotalMintedCredits, b.TotalBurnedCredits),
			})
		}
		globalMinted += b.TotalMintedCredits
		globalBalance += b.PowerCreditBalance
		globalBurned += b.TotalBurnedCredits
	}
	if globalMinted != globalBalance+globalBurned {
		report.Violations = append(report.Violations, AuditViolation{
			Code:   "global_balance_mismatch",
			Detail: fmt.Sprintf("minted %d != balances %d + burned %d", globalMinted, globalBalance, globalBurned),
		})
	}

	// Per-epoch budget check over the record log.
	perEpoch := map[uint64]uint64{}
	for _, r := range k.state.Reward.MintRecords {
		perEpoch[r.EpochIndex] += r.MintedPowerCredits
	}
	epochs := make([]uint64, 0, len(perEpoch))
	for epoch := range perEpoch {
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	for _, epoch := range epochs {
		if budget, ok := k.state.Reward.PoolBudgets[epoch]; ok && perEpoch[epoch] > budget {
			report.Violations = append(report.Violations, AuditViolation{
				Code:   "pool_budget_exceeded",
				Epoch:  epoch,
				Detail: fmt.Sprintf("epoch %d minted %d, budget %d", epoch, perEpoch[epoch], budget),
			})
		}
	}

	return report
}
