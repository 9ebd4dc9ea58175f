// Package reward drives the settlement publisher: leader/failover election,
// signed settlement envelopes, mint submission, optional auto-redeem, and the
// periodic ledger audit.
package reward

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/kernel"
	"github.com/agentworld/agentworld/src/wire"
)

// PeerHead is one node's committed head, as seen by the election.
type PeerHead struct {
	NodeID        string `json:"node_id"`
	Height        uint64 `json:"height"`
	CommittedAtMs int64  `json:"committed_at_ms"`
}

// ElectionPolicy names the stated settlement leader and whether a stale
// leader may be replaced.
type ElectionPolicy struct {
	LeaderNodeID   string
	LeaderStaleMs  int64
	EnableFailover bool
}

// ElectPublisher picks the settlement publisher for this poll. The stated
// leader wins while its last commit is fresh; otherwise the failover winner is
// the candidate with the highest committed height, then the most recent
// commit, then the lowest node id. Candidates include self and exclude the
// stated leader.
func ElectPublisher(nowMs int64, policy ElectionPolicy, heads []PeerHead) string {
	for _, head := range heads {
		if head.NodeID != policy.LeaderNodeID {
			continue
		}
		if policy.LeaderStaleMs <= 0 || nowMs-head.CommittedAtMs <= policy.LeaderStaleMs {
			return policy.LeaderNodeID
		}
	}
	if !policy.EnableFailover {
		return policy.LeaderNodeID
	}

	winner := ""
	var best PeerHead
	for _, head := range heads {
		if head.NodeID == policy.LeaderNodeID {
			continue
		}
		if winner == "" {
			winner, best = head.NodeID, head
			continue
		}
		if head.Height != best.Height {
			if head.Height > best.Height {
				winner, best = head.NodeID, head
			}
			continue
		}
		if head.CommittedAtMs != best.CommittedAtMs {
			if head.CommittedAtMs > best.CommittedAtMs {
				winner, best = head.NodeID, head
			}
			continue
		}
		if head.NodeID < winner {
			winner, best = head.NodeID, head
		}
	}
	if winner == "" {
		return policy.LeaderNodeID
	}
	return winner
}

// ActionSubmitter feeds actions into the consensus-ordered queue.
type ActionSubmitter interface {
	SubmitAction(a kernel.Action) error
}

// Config parameterizes the runtime loop.
type Config struct {
	WorldID          string
	LocalNodeID      string
	MainTokenAccount string
	Election         ElectionPolicy
	AutoRedeem       bool
	AuditIntervalMs  int64
	AuditPath        string
}

// Runtime is the settlement worker state. Poll is called at a fixed cadence
// by the node's reward goroutine.
type Runtime struct {
	sync.Mutex

	logger *logrus.Entry

	conf      Config
	signer    *keys.Keypair
	submitter ActionSubmitter
	state     func() *kernel.WorldState
	audit     func() kernel.AuditReport

	submittedEpochs map[uint64]bool
	redeemedEpochs  map[uint64]bool
	nextNonce       uint64
	lastPublisher   string
	lastAuditMs     int64
	lastAudit       *kernel.AuditReport
}

// NewRuntime builds a reward runtime. state and audit snapshot the kernel
// under the node's runtime lock.
func NewRuntime(conf Config, signer *keys.Keypair, submitter ActionSubmitter, state func() *kernel.WorldState, audit func() kernel.AuditReport, logger *logrus.Entry) *Runtime {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}
	return &Runtime{
		logger:          logger,
		conf:            conf,
		signer:          signer,
		submitter:       submitter,
		state:           state,
		audit:           audit,
		submittedEpochs: map[uint64]bool{},
		redeemedEpochs:  map[uint64]bool{},
		nextNonce:       1,
	}
}

// BuildSettlementEnvelope wraps a report in a signed canonical envelope.
func (r *Runtime) BuildSettlementEnvelope(report kernel.EpochSettlementReport) (wire.SettlementEnvelope, error) {
	reportBytes, err := wire.Marshal(report)
	if err != nil {
		return wire.SettlementEnvelope{}, err
	}
	hash, err := kernel.SettlementHash(report)
	if err != nil {
		return wire.SettlementEnvelope{}, err
	}
	env := wire.SettlementEnvelope{
		WorldID:         r.conf.WorldID,
		EpochIndex:      report.EpochIndex,
		ReportBytes:     reportBytes,
		SettlementHash:  hash,
		PublisherNodeID: r.conf.LocalNodeID,
	}
	if r.signer == nil {
		return wire.SettlementEnvelope{}, fmt.Errorf("no settlement signer configured")
	}
	env.SignerPublicKey = r.signer.PublicHex()
	data, err := env.SettlementSigningBytes()
	if err != nil {
		return wire.SettlementEnvelope{}, err
	}
	env.Signature = r.signer.Sign(data)
	return env, nil
}

// VerifySettlementEnvelope checks the envelope hash and signature. When
// expectedKey is non-empty the signer key must match it.
func VerifySettlementEnvelope(env wire.SettlementEnvelope, expectedKey string) error {
	var report kernel.EpochSettlementReport
	if err := wire.Unmarshal(env.ReportBytes, &report); err != nil {
		return fmt.Errorf("settlement report: %v", err)
	}
	hash, err := kernel.SettlementHash(report)
	if err != nil {
		return err
	}
	if hash != env.SettlementHash {
		return fmt.Errorf("settlement hash mismatch")
	}
	if report.EpochIndex != env.EpochIndex {
		return fmt.Errorf("settlement epoch mismatch")
	}
	if expectedKey != "" && env.SignerPublicKey != expectedKey {
		return fmt.Errorf("settlement signed by unexpected key")
	}
	data, err := env.SettlementSigningBytes()
	if err != nil {
		return err
	}
	return keys.Verify(env.SignerPublicKey, data, env.Signature)
}

// Poll runs one reward iteration: elect the publisher, submit new settlement
// reports if local is the publisher, auto-redeem, and audit on interval.
func (r *Runtime) Poll(nowMs int64, heads []PeerHead, reports []kernel.EpochSettlementReport) error {
	r.Lock()
	defer r.Unlock()

	publisher := ElectPublisher(nowMs, r.conf.Election, heads)
	r.lastPublisher = publisher

	for _, report := range reports {
		if r.submittedEpochs[report.EpochIndex] {
			continue
		}
		env, err := r.BuildSettlementEnvelope(report)
		if err != nil {
			return err
		}
		if err := VerifySettlementEnvelope(env, r.signer.PublicHex()); err != nil {
			return fmt.Errorf("own settlement envelope failed verification: %v", err)
		}
		if publisher != r.conf.LocalNodeID {
			continue
		}
		action := kernel.Action{
			Kind: kernel.KindApplySettlementMint,
			ApplySettlementMint: &kernel.ApplySettlementMint{
				Report:       report,
				SignerNodeID: r.conf.LocalNodeID,
			},
		}
		if err := r.submitter.SubmitAction(action); err != nil {
			return err
		}
		r.submittedEpochs[report.EpochIndex] = true
		r.logger.WithFields(logrus.Fields{
			"epoch":       report.EpochIndex,
			"distributed": report.DistributedPoints,
			"pool":        report.PoolPoints,
		}).Debug("Settlement mint submitted")
	}

	if err := r.autoRedeemSettled(); err != nil {
		return err
	}

	if r.conf.AuditIntervalMs > 0 && nowMs-r.lastAuditMs >= r.conf.AuditIntervalMs {
		r.lastAuditMs = nowMs
		if err := r.runAudit(); err != nil {
			return err
		}
	}
	return nil
}

// nextRedeemableEpoch picks the oldest submitted epoch whose mint is already
// visible in executed state and has not been redeemed yet.
func (r *Runtime) nextRedeemableEpoch(st *kernel.WorldState) (uint64, bool) {
	var epoch uint64
	found := false
	for e := range r.submittedEpochs {
		if r.redeemedEpochs[e] {
			continue
		}
		if !st.Reward.MintedKeys[kernel.MintedKey(e, r.conf.LocalNodeID)] {
			continue
		}
		if !found || e < epoch {
			epoch = e
			found = true
		}
	}
	return epoch, found
}

// autoRedeemSettled converts freshly minted credits into power units for the
// node's main token account, bounded by the kernel's redeem limits, available
// balance, and remaining protocol reserve. A submitted mint spends at least
// one tick in the consensus queue, so redemption waits until the mint shows
// up in executed state; one epoch redeems per poll so the balance read is
// never ahead of a redeem still in flight.
func (r *Runtime) autoRedeemSettled() error {
	if !r.conf.AutoRedeem || r.conf.MainTokenAccount == "" {
		return nil
	}

	st := r.state()
	epoch, ok := r.nextRedeemableEpoch(st)
	if !ok {
		return nil
	}

	rs := st.Reward
	perUnit := rs.Config.CreditsPerPowerUnit
	if perUnit == 0 {
		perUnit = 1
	}

	var available uint64
	if balance, ok := rs.Balances[r.conf.LocalNodeID]; ok {
		available = balance.PowerCreditBalance
	}
	units := available / perUnit
	if rs.Config.MaxRedeemPowerPerEpoch > 0 {
		remaining := uint64(0)
		if rs.Config.MaxRedeemPowerPerEpoch > rs.Reserve.RedeemedPowerUnits {
			remaining = rs.Config.MaxRedeemPowerPerEpoch - rs.Reserve.RedeemedPowerUnits
		}
		if units > remaining {
			units = remaining
		}
	}
	if units > rs.Reserve.AvailablePowerUnits {
		units = rs.Reserve.AvailablePowerUnits
	}
	if units < rs.Config.MinRedeemPowerUnit || units == 0 {
		// Nothing worth redeeming for this epoch; don't retry it forever.
		r.redeemedEpochs[epoch] = true
		return nil
	}

	// Restarts reset the in-memory counter; the ledger remembers the last
	// nonce this node actually spent.
	nonce := r.nextNonce
	if last := rs.LastNonces[r.conf.LocalNodeID]; last >= nonce {
		nonce = last + 1
	}

	redeem := kernel.RedeemPower{
		NodeID:      r.conf.LocalNodeID,
		TargetAgent: r.conf.MainTokenAccount,
		Credits:     units * perUnit,
		Nonce:       nonce,
	}
	signed := &kernel.RedeemPowerSigned{
		RedeemPower:     redeem,
		SignerPublicKey: r.signer.PublicHex(),
		Signature:       kernel.SignRedeem(r.signer, redeem),
	}
	action := kernel.Action{Kind: kernel.KindRedeemPowerSigned, RedeemPowerSigned: signed}
	if err := r.submitter.SubmitAction(action); err != nil {
		return err
	}
	r.nextNonce = nonce + 1
	r.redeemedEpochs[epoch] = true
	r.logger.WithFields(logrus.Fields{
		"epoch":   epoch,
		"credits": redeem.Credits,
		"target":  redeem.TargetAgent,
	}).Debug("Auto-redeem submitted")
	return nil
}

func (r *Runtime) runAudit() error {
	report := r.audit()
	r.lastAudit = &report
	if len(report.Violations) > 0 {
		r.logger.WithField("violations", len(report.Violations)).Warn("Reward audit found violations")
	}
	if r.conf.AuditPath == "" {
		return nil
	}
	data, err := wire.MarshalJSON(report)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.conf.AuditPath), 0700); err != nil {
		return err
	}
	tmp := r.conf.AuditPath + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, r.conf.AuditPath)
}

// LastPublisher returns the winner of the most recent election.
func (r *Runtime) LastPublisher() string {
	r.Lock()
	defer r.Unlock()
	return r.lastPublisher
}

// LastAudit returns the most recent audit report, if one has run.
func (r *Runtime) LastAudit() *kernel.AuditReport {
	r.Lock()
	defer r.Unlock()
	return r.lastAudit
}
