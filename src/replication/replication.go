// Package replication signs and stores local commit envelopes, validates and
// indexes remote ones, and backs gap sync plus content-addressed blob serving.
package replication

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworld/agentworld/src/cas"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/gossip"
	"github.com/agentworld/agentworld/src/wire"
)

// Directory resolves validator identities for signature checks.
type Directory interface {
	DirectoryKey(nodeID string) (string, bool)
	ValidatorIDs() []string
}

// Runtime owns the local envelope log and index. Safe for concurrent use.
type Runtime struct {
	sync.Mutex

	logger *logrus.Entry

	localNodeID string
	worldID     string
	signer      *keys.Keypair
	directory   Directory
	blobs       cas.Store

	dir string

	envelopes map[uint64]wire.CommitEnvelope
	order     []uint64
	seen      map[string]bool

	networkCommittedHeight uint64

	rejectedCount    uint64
	lastRejectReason string
}

// NewRuntime builds a replication runtime. dir may be empty for in-memory
// operation; otherwise envelopes persist there and are reloaded on start.
func NewRuntime(localNodeID, worldID string, signer *keys.Keypair, directory Directory, blobs cas.Store, dir string, logger *logrus.Entry) (*Runtime, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}
	r := &Runtime{
		logger:      logger,
		localNodeID: localNodeID,
		worldID:     worldID,
		signer:      signer,
		directory:   directory,
		blobs:       blobs,
		dir:         dir,
		envelopes:   map[uint64]wire.CommitEnvelope{},
		seen:        map[string]bool{},
	}
	if dir != "" {
		if err := r.loadPersisted(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func envelopeKey(worldID string, height uint64, blockHash string) string {
	return fmt.Sprintf("%s|%d|%s", worldID, height, blockHash)
}

func (r *Runtime) isValidator(nodeID string) bool {
	for _, id := range r.directory.ValidatorIDs() {
		if id == nodeID {
			return true
		}
	}
	return false
}

func (r *Runtime) store(env wire.CommitEnvelope, persist bool) error {
	r.envelopes[env.Height] = env
	r.order = append(r.order, env.Height)
	r.seen[envelopeKey(env.WorldID, env.Height, env.BlockHash)] = true
	if env.Height > r.networkCommittedHeight {
		r.networkCommittedHeight = env.Height
	}
	if persist && r.dir != "" {
		return r.persist(env)
	}
	return nil
}

// BuildLocalCommitMessage signs the local commit for a height and stores the
// envelope. Returns nil when the height was already replicated.
func (r *Runtime) BuildLocalCommitMessage(nowMs int64, head consensus.CommittedHead, slot, epoch uint64, actionRoot, parentBlockHash string, payload []byte) (*wire.CommitEnvelope, error) {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.envelopes[head.Height]; ok {
		return nil, nil
	}

	env := wire.CommitEnvelope{
		NodeID:             r.localNodeID,
		WorldID:            r.worldID,
		Height:             head.Height,
		Slot:               slot,
		Epoch:              epoch,
		BlockHash:          head.BlockHash,
		ActionRoot:         actionRoot,
		ParentBlockHash:    parentBlockHash,
		ExecutionBlockHash: head.ExecutionBlockHash,
		ExecutionStateRoot: head.ExecutionStateRoot,
		CommittedAtMs:      nowMs,
		PayloadBytes:       payload,
	}
	if r.signer != nil {
		env.SignerPublicKey = r.signer.PublicHex()
		data, err := env.CommitSigningBytes()
		if err != nil {
			return nil, consensus.NewError(consensus.Replication, "encode commit: %v", err)
		}
		env.Signature = r.signer.Sign(data)
	}

	if len(payload) > 0 && r.blobs != nil {
		if _, err := r.blobs.Put(payload); err != nil {
			return nil, consensus.NewError(consensus.Replication, "store commit payload: %v", err)
		}
	}
	if err := r.store(env, true); err != nil {
		return nil, consensus.NewError(consensus.Replication, "persist commit: %v", err)
	}
	return &env, nil
}

func (r *Runtime) rejectMessage(format string, args ...interface{}) error {
	err := consensus.NewError(consensus.Replication, format, args...)
	r.rejectedCount++
	r.lastRejectReason = err.Reason
	return err
}

// ApplyRemoteMessage validates and stores a peer's commit envelope.
func (r *Runtime) ApplyRemoteMessage(env wire.CommitEnvelope) error {
	r.Lock()
	defer r.Unlock()

	if env.WorldID != r.worldID {
		return r.rejectMessage("commit for foreign world %s", env.WorldID)
	}
	if env.NodeID == r.localNodeID {
		return nil
	}
	if !r.isValidator(env.NodeID) {
		return r.rejectMessage("commit from unknown validator %s", env.NodeID)
	}

	boundKey, ok := r.directory.DirectoryKey(env.NodeID)
	if ok {
		if env.SignerPublicKey != boundKey {
			return r.rejectMessage("commit from %s signed with unbound key", env.NodeID)
		}
		data, err := env.CommitSigningBytes()
		if err != nil {
			return r.rejectMessage("encode commit from %s: %v", env.NodeID, err)
		}
		if err := keys.Verify(env.SignerPublicKey, data, env.Signature); err != nil {
			return r.rejectMessage("commit signature from %s: %v", env.NodeID, err)
		}
	}

	if r.seen[envelopeKey(env.WorldID, env.Height, env.BlockHash)] {
		return r.rejectMessage("duplicate commit at height %d from %s", env.Height, env.NodeID)
	}
	if existing, ok := r.envelopes[env.Height]; ok && existing.BlockHash != env.BlockHash {
		return r.rejectMessage("conflicting commit at height %d from %s", env.Height, env.NodeID)
	}

	if len(env.PayloadBytes) > 0 && r.blobs != nil {
		if _, err := r.blobs.Put(env.PayloadBytes); err != nil {
			return r.rejectMessage("store payload at height %d: %v", env.Height, err)
		}
	}
	if err := r.store(env, true); err != nil {
		return r.rejectMessage("persist commit at height %d: %v", env.Height, err)
	}
	return nil
}

// EnvelopeAt returns the stored envelope for a height.
func (r *Runtime) EnvelopeAt(height uint64) (wire.CommitEnvelope, bool) {
	r.Lock()
	defer r.Unlock()
	env, ok := r.envelopes[height]
	return env, ok
}

// NetworkCommittedHeight is the highest height any stored envelope reaches.
func (r *Runtime) NetworkCommittedHeight() uint64 {
	r.Lock()
	defer r.Unlock()
	return r.networkCommittedHeight
}

// RecentReplicatedContentHashes returns up to n content hashes covered by the
// most recently stored envelopes, newest first.
func (r *Runtime) RecentReplicatedContentHashes(n int) []string {
	r.Lock()
	defer r.Unlock()

	var out []string
	seen := map[string]bool{}
	for i := len(r.order) - 1; i >= 0 && len(out) < n; i-- {
		env := r.envelopes[r.order[i]]
		if len(env.PayloadBytes) == 0 {
			continue
		}
		hash := cas.ContentHash(env.PayloadBytes)
		if !seen[hash] {
			seen[hash] = true
			out = append(out, hash)
		}
	}
	return out
}

// LoadBlobByHash reads a blob from the local store.
func (r *Runtime) LoadBlobByHash(contentHash string) ([]byte, error) {
	if r.blobs == nil {
		return nil, consensus.NewError(consensus.Replication, "no blob store attached")
	}
	return r.blobs.Get(contentHash)
}

// BuildFetchBlobRequest builds the network-side audit request for a hash.
func (r *Runtime) BuildFetchBlobRequest(contentHash string) wire.FetchBlobRequest {
	return wire.FetchBlobRequest{
		WorldID:     r.worldID,
		ContentHash: contentHash,
	}
}

// RejectedStats reports how many remote messages were refused and why the
// last one was.
func (r *Runtime) RejectedStats() (uint64, string) {
	r.Lock()
	defer r.Unlock()
	return r.rejectedCount, r.lastRejectReason
}

// GapSync fetches each missing height in order from peers, retrying each up
// to maxRetries before giving up for this tick. Retrieved envelopes pass
// through apply before counting.
func (r *Runtime) GapSync(network gossip.Network, localCommitted uint64, maxRetries int, apply func(wire.CommitEnvelope) error) (int, error) {
	target := r.NetworkCommittedHeight()
	applied := 0
	for height := localCommitted + 1; height <= target; height++ {
		if env, ok := r.EnvelopeAt(height); ok {
			if err := apply(env); err != nil {
				return applied, err
			}
			applied++
			continue
		}

		request, err := wire.Marshal(wire.FetchCommitRequest{WorldID: r.worldID, Height: height})
		if err != nil {
			return applied, consensus.NewError(consensus.Replication, "encode fetch at height %d: %v", height, err)
		}

		var env *wire.CommitEnvelope
		var lastErr error
		for attempt := 0; attempt < maxRetries; attempt++ {
			respBytes, err := network.Request(wire.ProtocolFetchCommit, request)
			if err != nil {
				lastErr = err
				continue
			}
			var resp wire.FetchCommitResponse
			if err := wire.Unmarshal(respBytes, &resp); err != nil {
				lastErr = err
				continue
			}
			if !resp.Found || resp.Envelope == nil {
				lastErr = fmt.Errorf("height %d not found", height)
				continue
			}
			env = resp.Envelope
			break
		}
		if env == nil {
			return applied, consensus.NewError(consensus.Gossip, "gap sync at height %d: %v", height, lastErr)
		}

		if err := r.ApplyRemoteMessage(*env); err != nil {
			return applied, err
		}
		if err := apply(*env); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// ServeFetchCommit answers peer gap-sync requests from the local log.
func (r *Runtime) ServeFetchCommit(from string, payload []byte) ([]byte, error) {
	var req wire.FetchCommitRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.WorldID != r.worldID {
		return nil, fmt.Errorf("foreign world %s", req.WorldID)
	}
	resp := wire.FetchCommitResponse{}
	if env, ok := r.EnvelopeAt(req.Height); ok {
		resp.Found = true
		resp.Envelope = &env
	}
	return wire.Marshal(resp)
}

// ServeFetchBlob answers content-addressed blob fetches.
func (r *Runtime) ServeFetchBlob(from string, payload []byte) ([]byte, error) {
	var req wire.FetchBlobRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	resp := wire.FetchBlobResponse{ContentHash: req.ContentHash}
	if r.blobs != nil {
		var blob []byte
		var err error
		if req.Length > 0 {
			blob, err = r.blobs.GetRange(req.ContentHash, req.Offset, req.Length)
		} else {
			blob, err = r.blobs.Get(req.ContentHash)
		}
		if err == nil {
			resp.Found = true
			resp.Bytes = blob
		}
	}
	return wire.Marshal(resp)
}
