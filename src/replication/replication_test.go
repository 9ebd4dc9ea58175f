package replication

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/src/cas"
	"github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/gossip"
	"github.com/agentworld/agentworld/src/wire"
)

type stubDirectory struct {
	keys map[string]string
}

func (d *stubDirectory) DirectoryKey(nodeID string) (string, bool) {
	key, ok := d.keys[nodeID]
	return key, ok
}

func (d *stubDirectory) ValidatorIDs() []string {
	ids := []string{}
	for id := range d.keys {
		ids = append(ids, id)
	}
	return ids
}

func testKeypair(t *testing.T, seed byte) *keys.Keypair {
	seedHex := ""
	for i := 0; i < 31; i++ {
		seedHex += "00"
	}
	seedHex += "0" + string("0123456789abcdef"[seed%16])
	kp, err := keys.FromSeedHex(seedHex)
	require.NoError(t, err)
	return kp
}

func newTestRuntime(t *testing.T, nodeID string, signer *keys.Keypair, dir *stubDirectory, path string) *Runtime {
	r, err := NewRuntime(nodeID, "w1", signer, dir, cas.NewInmemStore(), path, common.NewTestEntry(t, "replication"))
	require.NoError(t, err)
	return r
}

func signedRemoteEnvelope(t *testing.T, kp *keys.Keypair, nodeID string, height uint64, blockHash string, payload []byte) wire.CommitEnvelope {
	env := wire.CommitEnvelope{
		NodeID:          nodeID,
		WorldID:         "w1",
		Height:          height,
		Slot:            height - 1,
		Epoch:           0,
		BlockHash:       blockHash,
		ActionRoot:      wire.ActionRoot(nil),
		CommittedAtMs:   1000,
		PayloadBytes:    payload,
		SignerPublicKey: kp.PublicHex(),
	}
	data, err := env.CommitSigningBytes()
	require.NoError(t, err)
	env.Signature = kp.Sign(data)
	return env
}

func TestBuildLocalCommitMessageSignsAndDedupes(t *testing.T) {
	signer := testKeypair(t, 1)
	dir := &stubDirectory{keys: map[string]string{"a": signer.PublicHex()}}
	r := newTestRuntime(t, "a", signer, dir, "")

	head := consensus.CommittedHead{
		Height:             1,
		BlockHash:          "bh1",
		ExecutionBlockHash: "xh1",
		ExecutionStateRoot: "root1",
	}
	env, err := r.BuildLocalCommitMessage(5000, head, 0, 0, wire.ActionRoot(nil), "", []byte("payload-1"))
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "a", env.NodeID)
	assert.Equal(t, signer.PublicHex(), env.SignerPublicKey)

	data, err := env.CommitSigningBytes()
	require.NoError(t, err)
	assert.NoError(t, keys.Verify(env.SignerPublicKey, data, env.Signature))

	// The payload is stored under its content hash.
	hashes := r.RecentReplicatedContentHashes(4)
	require.Len(t, hashes, 1)
	blob, err := r.LoadBlobByHash(hashes[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-1"), blob)

	// A second build for the same height is a no-op.
	again, err := r.BuildLocalCommitMessage(6000, head, 0, 0, wire.ActionRoot(nil), "", []byte("payload-1"))
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestApplyRemoteMessageValidation(t *testing.T) {
	peerKey := testKeypair(t, 2)
	dir := &stubDirectory{keys: map[string]string{"a": "", "b": peerKey.PublicHex()}}
	r := newTestRuntime(t, "a", nil, dir, "")

	env := signedRemoteEnvelope(t, peerKey, "b", 1, "bh1", []byte("blob"))
	require.NoError(t, r.ApplyRemoteMessage(env))
	assert.Equal(t, uint64(1), r.NetworkCommittedHeight())

	// Exact duplicate.
	err := r.ApplyRemoteMessage(env)
	require.Error(t, err)
	assert.True(t, consensus.IsKind(err, consensus.Replication))
	assert.Contains(t, err.Error(), "duplicate")

	// Conflicting block hash at the same height.
	fork := signedRemoteEnvelope(t, peerKey, "b", 1, "bh1-fork", nil)
	err = r.ApplyRemoteMessage(fork)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting")

	// Unknown validator.
	ghost := signedRemoteEnvelope(t, peerKey, "ghost", 2, "bh2", nil)
	err = r.ApplyRemoteMessage(ghost)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown validator")

	// Tampered signature.
	bad := signedRemoteEnvelope(t, peerKey, "b", 2, "bh2", nil)
	bad.ExecutionStateRoot = "forged"
	err = r.ApplyRemoteMessage(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")

	// Key not bound in the directory.
	otherKey := testKeypair(t, 3)
	unbound := signedRemoteEnvelope(t, otherKey, "b", 2, "bh2", nil)
	err = r.ApplyRemoteMessage(unbound)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbound key")

	// Foreign world.
	foreign := signedRemoteEnvelope(t, peerKey, "b", 3, "bh3", nil)
	foreign.WorldID = "w2"
	assert.Error(t, r.ApplyRemoteMessage(foreign))

	count, reason := r.RejectedStats()
	assert.Equal(t, uint64(6), count)
	assert.NotEmpty(t, reason)
}

func TestReplicationLogSurvivesRestart(t *testing.T) {
	path, err := ioutil.TempDir("", "replication")
	require.NoError(t, err)
	defer os.RemoveAll(path)

	signer := testKeypair(t, 4)
	dir := &stubDirectory{keys: map[string]string{"a": signer.PublicHex()}}

	r := newTestRuntime(t, "a", signer, dir, path)
	for h := uint64(1); h <= 3; h++ {
		head := consensus.CommittedHead{Height: h, BlockHash: wire.BlockHash("w1", h, h-1, 0, "a", "", wire.ActionRoot(nil))}
		env, err := r.BuildLocalCommitMessage(int64(h)*1000, head, h-1, 0, wire.ActionRoot(nil), "", nil)
		require.NoError(t, err)
		require.NotNil(t, env)
	}

	reloaded := newTestRuntime(t, "a", signer, dir, path)
	assert.Equal(t, uint64(3), reloaded.NetworkCommittedHeight())
	env, ok := reloaded.EnvelopeAt(2)
	require.True(t, ok)
	assert.Equal(t, uint64(2), env.Height)
	assert.NotEmpty(t, env.Signature)

	// A reloaded height is still deduped.
	dup, err := reloaded.BuildLocalCommitMessage(9000, consensus.CommittedHead{Height: 2, BlockHash: env.BlockHash}, 1, 0, env.ActionRoot, "", nil)
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestGapSyncCatchesUp(t *testing.T) {
	hub := gossip.NewInmemHub()
	netA := hub.Join("a")
	netB := hub.Join("b")

	keyB := testKeypair(t, 5)
	dir := &stubDirectory{keys: map[string]string{"a": "", "b": keyB.PublicHex()}}

	behind := newTestRuntime(t, "a", nil, dir, "")
	ahead := newTestRuntime(t, "b", keyB, dir, "")
	netB.RegisterHandler(wire.ProtocolFetchCommit, ahead.ServeFetchCommit)
	netA.RegisterHandler(wire.ProtocolFetchCommit, behind.ServeFetchCommit)

	for h := uint64(1); h <= 3; h++ {
		head := consensus.CommittedHead{Height: h, BlockHash: wire.BlockHash("w1", h, h-1, 0, "b", "", wire.ActionRoot(nil))}
		env, err := ahead.BuildLocalCommitMessage(int64(h)*1000, head, h-1, 0, wire.ActionRoot(nil), "", nil)
		require.NoError(t, err)
		require.NotNil(t, env)
	}

	// The lagging node learns the network height from one gossiped envelope.
	latest, ok := ahead.EnvelopeAt(3)
	require.True(t, ok)
	require.NoError(t, behind.ApplyRemoteMessage(latest))
	assert.Equal(t, uint64(3), behind.NetworkCommittedHeight())

	applied := []uint64{}
	n, err := behind.GapSync(netA, 0, 3, func(env wire.CommitEnvelope) error {
		applied = append(applied, env.Height)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint64{1, 2, 3}, applied)

	for h := uint64(1); h <= 3; h++ {
		_, ok := behind.EnvelopeAt(h)
		assert.True(t, ok)
	}
}

func TestGapSyncBoundedRetries(t *testing.T) {
	hub := gossip.NewInmemHub()
	netA := hub.Join("a")

	keyB := testKeypair(t, 6)
	dir := &stubDirectory{keys: map[string]string{"a": "", "b": keyB.PublicHex()}}
	behind := newTestRuntime(t, "a", nil, dir, "")

	// Height 2 is known but no peer serves the fetch protocol.
	env := signedRemoteEnvelope(t, keyB, "b", 2, "bh2", nil)
	require.NoError(t, behind.ApplyRemoteMessage(env))

	n, err := behind.GapSync(netA, 0, 2, func(wire.CommitEnvelope) error { return nil })
	require.Error(t, err)
	assert.True(t, consensus.IsKind(err, consensus.Gossip))
	assert.Equal(t, 0, n)
}

func TestServeFetchBlobRange(t *testing.T) {
	signer := testKeypair(t, 7)
	dir := &stubDirectory{keys: map[string]string{"a": signer.PublicHex()}}
	r := newTestRuntime(t, "a", signer, dir, "")

	payload := []byte("0123456789")
	head := consensus.CommittedHead{Height: 1, BlockHash: "bh1"}
	_, err := r.BuildLocalCommitMessage(1000, head, 0, 0, wire.ActionRoot(nil), "", payload)
	require.NoError(t, err)

	hash := cas.ContentHash(payload)

	reqBytes, err := wire.Marshal(wire.FetchBlobRequest{WorldID: "w1", ContentHash: hash, Offset: 2, Length: 4})
	require.NoError(t, err)
	respBytes, err := r.ServeFetchBlob("b", reqBytes)
	require.NoError(t, err)
	var resp wire.FetchBlobResponse
	require.NoError(t, wire.Unmarshal(respBytes, &resp))
	assert.True(t, resp.Found)
	assert.Equal(t, []byte("2345"), resp.Bytes)

	// Unknown hash answers not-found rather than erroring.
	reqBytes, err = wire.Marshal(wire.FetchBlobRequest{WorldID: "w1", ContentHash: "missing"})
	require.NoError(t, err)
	respBytes, err = r.ServeFetchBlob("b", reqBytes)
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(respBytes, &resp))
	assert.False(t, resp.Found)
}
