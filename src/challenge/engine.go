// Package challenge runs the storage-challenge plane: periodic signed probes
// against remote providers, per-blob adaptive back-off, and the gate that
// blocks commit replication while local storage cannot be re-verified.
package challenge

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworld/agentworld/src/cas"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/crypto"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/gossip"
	"github.com/agentworld/agentworld/src/wire"
)

// FailureKind classifies a failed storage check. The kind picks the back-off
// multiplier.
type FailureKind string

const (
	HashMismatch     FailureKind = "HashMismatch"
	MissingSample    FailureKind = "MissingSample"
	Timeout          FailureKind = "Timeout"
	ReadIoError      FailureKind = "ReadIoError"
	SignatureInvalid FailureKind = "SignatureInvalid"
	Unknown          FailureKind = "Unknown"
)

// BackoffPolicy parameterizes the adaptive delay. Delay grows by the kind's
// multiplier per consecutive failure and clamps to [BaseMs, MaxMs].
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	Multipliers map[FailureKind]int64
}

// DefaultBackoffPolicy returns the shipped back-off parameters. Integrity
// failures back off harder than transient network ones.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseMs: 2000,
		MaxMs:  600000,
		Multipliers: map[FailureKind]int64{
			HashMismatch:     4,
			MissingSample:    3,
			Timeout:          2,
			ReadIoError:      2,
			SignatureInvalid: 4,
			Unknown:          2,
		},
	}
}

// Delay computes the back-off for the n-th consecutive failure of a kind.
func (p BackoffPolicy) Delay(kind FailureKind, consecutive uint64) int64 {
	if consecutive == 0 || p.BaseMs <= 0 {
		return 0
	}
	mult, ok := p.Multipliers[kind]
	if !ok || mult < 1 {
		mult = 1
	}
	delay := p.BaseMs
	for i := uint64(0); i < consecutive && i < 16; i++ {
		delay *= mult
		if delay >= p.MaxMs {
			return p.MaxMs
		}
	}
	if delay < p.BaseMs {
		return p.BaseMs
	}
	if p.MaxMs > 0 && delay > p.MaxMs {
		return p.MaxMs
	}
	return delay
}

// CursorState is the per-(world, content-hash) probe cursor.
type CursorState struct {
	NextAttemptMs       int64       `json:"next_attempt_ms"`
	ConsecutiveFailures uint64      `json:"consecutive_failures"`
	LastFailureKind     FailureKind `json:"last_failure_kind,omitempty"`
	LastProbeMs         int64       `json:"last_probe_ms"`
}

// Counters accumulates probe outcomes across rounds.
type Counters struct {
	RoundsExecuted   uint64                 `json:"rounds_executed"`
	TotalChecks      uint64                 `json:"total_checks"`
	PassedChecks     uint64                 `json:"passed_checks"`
	FailedChecks     uint64                 `json:"failed_checks"`
	FailureKinds     map[FailureKind]uint64 `json:"failure_kinds"`
	BackoffSkipped   uint64                 `json:"backoff_skipped"`
	BackoffAppliedMs int64                  `json:"backoff_applied_ms"`
}

// Config bounds the probe loop and the commit gate.
type Config struct {
	ChallengesPerTick int
	MaxSampleBytes    uint64
	ChallengeTTLMs    int64
	GateSampleSize    int
}

// DefaultConfig returns the shipped probe parameters.
func DefaultConfig() Config {
	return Config{
		ChallengesPerTick: 4,
		MaxSampleBytes:    4096,
		ChallengeTTLMs:    5000,
		GateSampleSize:    4,
	}
}

// ProofKeyResolver maps a prover node id to its bound storage-proof public
// key.
type ProofKeyResolver interface {
	ProofKey(nodeID string) (string, bool)
}

// Engine probes tracked blobs and answers peers' probes.
type Engine struct {
	sync.Mutex

	logger *logrus.Entry

	worldID     string
	localNodeID string
	conf        Config
	policy      BackoffPolicy

	blobs       cas.Store
	network     gossip.Network
	proofSigner *keys.Keypair
	resolver    ProofKeyResolver

	cursors   map[string]*CursorState
	counters  Counters
	nonce     uint64
	providers []string
}

// NewEngine builds a challenge engine over a blob store and network facade.
func NewEngine(worldID, localNodeID string, conf Config, policy BackoffPolicy, blobs cas.Store, network gossip.Network, proofSigner *keys.Keypair, resolver ProofKeyResolver, logger *logrus.Entry) *Engine {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}
	return &Engine{
		logger:      logger,
		worldID:     worldID,
		localNodeID: localNodeID,
		conf:        conf,
		policy:      policy,
		blobs:       blobs,
		network:     network,
		proofSigner: proofSigner,
		resolver:    resolver,
		cursors:     map[string]*CursorState{},
		counters:    Counters{FailureKinds: map[FailureKind]uint64{}},
	}
}

// SetProviders pins the ranked provider order used for probe requests.
func (e *Engine) SetProviders(providers []string) {
	e.Lock()
	defer e.Unlock()
	e.providers = append([]string{}, providers...)
}

// Providers returns the current ranked provider order.
func (e *Engine) Providers() []string {
	e.Lock()
	defer e.Unlock()
	return append([]string{}, e.providers...)
}

// TrackBlob registers a content hash for periodic probing.
func (e *Engine) TrackBlob(contentHash string) {
	e.Lock()
	defer e.Unlock()
	if _, ok := e.cursors[contentHash]; !ok {
		e.cursors[contentHash] = &CursorState{}
	}
}

// CursorFor returns a copy of a blob's probe cursor.
func (e *Engine) CursorFor(contentHash string) (CursorState, bool) {
	e.Lock()
	defer e.Unlock()
	c, ok := e.cursors[contentHash]
	if !ok {
		return CursorState{}, false
	}
	return *c, true
}

// Counters returns a copy of the cumulative probe counters.
func (e *Engine) Counters() Counters {
	e.Lock()
	defer e.Unlock()
	out := e.counters
	out.FailureKinds = map[FailureKind]uint64{}
	for k, v := range e.counters.FailureKinds {
		out.FailureKinds[k] = v
	}
	return out
}

// sampleRange derives the probe byte range for this round. Offsets come from
// a hash of the round nonce so repeated probes of a blob cover different
// ranges while staying reproducible.
func (e *Engine) sampleRange(contentHash string, blobLen uint64) (uint64, uint64) {
	length := e.conf.MaxSampleBytes
	if length == 0 || length > blobLen {
		length = blobLen
	}
	if length == blobLen {
		return 0, length
	}
	seed := crypto.SHA256([]byte(fmt.Sprintf("%s|%s|%d", e.worldID, contentHash, e.nonce)))
	pick := binary.BigEndian.Uint64(seed[:8])
	offset := pick % (blobLen - length + 1)
	return offset, length
}

func (e *Engine) recordFailure(cursor *CursorState, kind FailureKind, nowMs int64, contentHash string) {
	cursor.ConsecutiveFailures++
	cursor.LastFailureKind = kind
	delay := e.policy.Delay(kind, cursor.ConsecutiveFailures)
	cursor.NextAttemptMs = nowMs + delay
	e.counters.FailedChecks++
	e.counters.FailureKinds[kind]++
	e.counters.BackoffAppliedMs += delay
	e.logger.WithFields(logrus.Fields{
		"hash":        contentHash,
		"kind":        kind,
		"consecutive": cursor.ConsecutiveFailures,
		"delay_ms":    delay,
	}).Debug("Storage probe failed")
}

func (e *Engine) recordSuccess(cursor *CursorState) {
	cursor.ConsecutiveFailures = 0
	cursor.LastFailureKind = ""
	cursor.NextAttemptMs = 0
	e.counters.PassedChecks++
}

// ProbeTick runs one probe round: up to ChallengesPerTick tracked blobs,
// least-recently-probed first, skipping those still in back-off.
func (e *Engine) ProbeTick(nowMs int64) {
	e.Lock()
	defer e.Unlock()

	e.counters.RoundsExecuted++

	hashes := make([]string, 0, len(e.cursors))
	for hash := range e.cursors {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		a, b := e.cursors[hashes[i]], e.cursors[hashes[j]]
		if a.LastProbeMs != b.LastProbeMs {
			return a.LastProbeMs < b.LastProbeMs
		}
		return hashes[i] < hashes[j]
	})

	probed := 0
	for _, hash := range hashes {
		if probed >= e.conf.ChallengesPerTick {
			break
		}
		cursor := e.cursors[hash]
		if cursor.NextAttemptMs > nowMs {
			e.counters.BackoffSkipped++
			continue
		}
		probed++
		cursor.LastProbeMs = nowMs
		e.counters.TotalChecks++
		e.nonce++

		kind, ok := e.probeOne(hash, nowMs)
		if ok {
			e.recordSuccess(cursor)
		} else {
			e.recordFailure(cursor, kind, nowMs, hash)
		}
	}
}

// probeOne challenges one blob against a remote provider. Returns the failure
// kind when the check did not pass.
func (e *Engine) probeOne(contentHash string, nowMs int64) (FailureKind, bool) {
	local, err := e.blobs.Get(contentHash)
	if err != nil {
		return MissingSample, false
	}
	offset, length := e.sampleRange(contentHash, uint64(len(local)))
	wantRange, err := e.blobs.GetRange(contentHash, offset, length)
	if err != nil {
		return ReadIoError, false
	}

	req := wire.StorageChallengeRequest{
		WorldID:     e.worldID,
		ContentHash: contentHash,
		Offset:      offset,
		Length:      length,
		Nonce:       e.nonce,
		IssuedAtMs:  nowMs,
	}
	reqBytes, err := wire.Marshal(req)
	if err != nil {
		return Unknown, false
	}

	var respBytes []byte
	if len(e.providers) > 0 {
		respBytes, err = e.network.RequestWithProviders(wire.ProtocolChallenge, reqBytes, e.providers)
	} else {
		respBytes, err = e.network.Request(wire.ProtocolChallenge, reqBytes)
	}
	if err != nil {
		return Timeout, false
	}

	var receipt wire.StorageChallengeReceipt
	if err := wire.Unmarshal(respBytes, &receipt); err != nil {
		return Unknown, false
	}

	if receipt.RespondedAtMs < nowMs || receipt.RespondedAtMs > nowMs+e.conf.ChallengeTTLMs {
		return Timeout, false
	}
	if e.resolver != nil {
		boundKey, bound := e.resolver.ProofKey(receipt.ProverNodeID)
		if !bound || receipt.SignerPublicKey != boundKey {
			return SignatureInvalid, false
		}
	}
	data, err := receipt.ReceiptSigningBytes()
	if err != nil {
		return Unknown, false
	}
	if err := keys.Verify(receipt.SignerPublicKey, data, receipt.Signature); err != nil {
		return SignatureInvalid, false
	}
	if receipt.ClaimedFullHash != contentHash {
		return HashMismatch, false
	}
	if receipt.RangeHash != crypto.SHA256Hex(wantRange) {
		return HashMismatch, false
	}
	return "", true
}

// AnswerChallenge serves the prover side of the protocol: hash the requested
// range of the local blob and sign a receipt under the storage-proof key.
func (e *Engine) AnswerChallenge(now func() int64) gossip.Handler {
	return func(from string, payload []byte) ([]byte, error) {
		var req wire.StorageChallengeRequest
		if err := wire.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if req.WorldID != e.worldID {
			return nil, fmt.Errorf("foreign world %s", req.WorldID)
		}
		rangeBytes, err := e.blobs.GetRange(req.ContentHash, req.Offset, req.Length)
		if err != nil {
			return nil, err
		}
		receipt := wire.StorageChallengeReceipt{
			WorldID:         req.WorldID,
			ContentHash:     req.ContentHash,
			Offset:          req.Offset,
			Length:          req.Length,
			Nonce:           req.Nonce,
			RangeHash:       crypto.SHA256Hex(rangeBytes),
			ClaimedFullHash: req.ContentHash,
			ProverNodeID:    e.localNodeID,
			RespondedAtMs:   now(),
		}
		if e.proofSigner == nil {
			return nil, fmt.Errorf("no storage-proof signer configured")
		}
		receipt.SignerPublicKey = e.proofSigner.PublicHex()
		data, err := receipt.ReceiptSigningBytes()
		if err != nil {
			return nil, err
		}
		receipt.Signature = e.proofSigner.Sign(data)
		return wire.Marshal(receipt)
	}
}

// RequiredNetworkBlobMatches is the gate threshold for a sample of k blobs.
func RequiredNetworkBlobMatches(k int) int {
	return (2*k + 2) / 3
}

// CommitGate verifies a sample of recently replicated blobs both locally and
// over the network before a commit may replicate. Consensus state is never
// touched; the caller simply retries next tick.
func (e *Engine) CommitGate(recentHashes []string) error {
	e.Lock()
	providers := append([]string{}, e.providers...)
	sample := recentHashes
	if e.conf.GateSampleSize > 0 && len(sample) > e.conf.GateSampleSize {
		sample = sample[:e.conf.GateSampleSize]
	}
	e.Unlock()

	if len(sample) == 0 {
		return nil
	}

	matches := 0
	for _, hash := range sample {
		local, err := e.blobs.Get(hash)
		if err != nil || cas.ContentHash(local) != hash {
			continue
		}

		reqBytes, err := wire.Marshal(wire.FetchBlobRequest{WorldID: e.worldID, ContentHash: hash})
		if err != nil {
			continue
		}
		var respBytes []byte
		if len(providers) > 0 {
			respBytes, err = e.network.RequestWithProviders(wire.ProtocolFetchBlob, reqBytes, providers)
		} else {
			respBytes, err = e.network.Request(wire.ProtocolFetchBlob, reqBytes)
		}
		if err != nil {
			continue
		}
		var resp wire.FetchBlobResponse
		if err := wire.Unmarshal(respBytes, &resp); err != nil {
			continue
		}
		if resp.Found && cas.ContentHash(resp.Bytes) == hash {
			matches++
		}
	}

	required := RequiredNetworkBlobMatches(len(sample))
	if matches < required {
		return consensus.NewError(consensus.Consensus,
			"storage gate: %d of %d network blob matches, need %d", matches, len(sample), required)
	}
	return nil
}
