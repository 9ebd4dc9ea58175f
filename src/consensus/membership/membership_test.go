package membership

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/crypto/keys"
)

func TestDirectorySignVerify(t *testing.T) {
	issuer, err := keys.GenerateKeypair()
	require.NoError(t, err)

	snap := DirectorySnapshot{
		WorldID: "w1",
		Validators: []consensus.Validator{
			{ID: "a", Stake: 34},
			{ID: "b", Stake: 33},
		},
		QuorumThreshold: 45,
		IssuedAtMs:      1000,
	}
	require.NoError(t, snap.Sign(issuer))
	assert.NoError(t, snap.Verify(issuer.PublicHex()))

	// Tampering breaks the signature.
	tampered := snap
	tampered.Validators = append([]consensus.Validator{}, snap.Validators...)
	tampered.Validators[0].Stake = 99
	assert.Error(t, tampered.Verify(issuer.PublicHex()))

	// An untrusted issuer key is refused before verification.
	other, err := keys.GenerateKeypair()
	require.NoError(t, err)
	assert.Error(t, snap.Verify(other.PublicHex()))

	// Threshold above total stake is invalid.
	broken := DirectorySnapshot{WorldID: "w1", Validators: snap.Validators, QuorumThreshold: 1000}
	require.NoError(t, broken.Sign(issuer))
	assert.Error(t, broken.Verify(issuer.PublicHex()))
}

// flakySink fails the first failures deliveries, then succeeds.
type flakySink struct {
	failures  int
	delivered []RecoveryAlert
}

func (s *flakySink) Deliver(alert RecoveryAlert) error {
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("sink unavailable")
	}
	s.delivered = append(s.delivered, alert)
	return nil
}

func testQueue(t *testing.T, conf AlertQueueConfig, sink AlertSink) *AlertQueue {
	return NewAlertQueue(conf, sink, common.NewTestEntry(t, "membership"))
}

func TestAlertRedeliveredExactlyOnce(t *testing.T) {
	sink := &flakySink{failures: 1}
	conf := DefaultAlertQueueConfig()
	conf.RetryBackoffMs = 100
	q := testQueue(t, conf, sink)

	alert := RecoveryAlert{WorldID: "w1", NodeID: "b", Reason: "revoked", DetectedAtMs: 1}
	q.Enqueue(alert, 1000)

	q.Flush(1000)
	assert.Empty(t, sink.delivered)
	assert.Equal(t, 1, q.PendingLen())

	// Before the backoff elapses nothing is retried.
	q.Flush(1050)
	assert.Empty(t, sink.delivered)

	q.Flush(1200)
	require.Len(t, sink.delivered, 1)
	assert.Equal(t, alert, sink.delivered[0])
	assert.Equal(t, 0, q.PendingLen())

	// No further deliveries of the same alert.
	q.Flush(2000)
	assert.Len(t, sink.delivered, 1)

	m := q.Metrics()
	assert.Equal(t, uint64(2), m.Attempted)
	assert.Equal(t, uint64(1), m.Succeeded)
	assert.Equal(t, uint64(1), m.Failed)
}

func TestAlertArchivedAfterRetryLimit(t *testing.T) {
	sink := &flakySink{failures: 1 << 30}
	conf := DefaultAlertQueueConfig()
	conf.MaxRetryAttempts = 3
	conf.RetryBackoffMs = 10
	q := testQueue(t, conf, sink)

	q.Enqueue(RecoveryAlert{WorldID: "w1", NodeID: "b", DetectedAtMs: 1}, 0)
	for now := int64(0); now < 1000; now += 50 {
		q.Flush(now)
	}

	letters := q.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, RetryLimitExceeded, letters[0].Reason)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, 0, q.PendingLen())
	assert.Equal(t, uint64(3), q.Metrics().Attempted)
}

func TestCapacityEvictsOldestToDeadLetter(t *testing.T) {
	conf := DefaultAlertQueueConfig()
	conf.MaxPendingAlerts = 2
	q := testQueue(t, conf, &flakySink{})

	first := RecoveryAlert{WorldID: "w1", NodeID: "n1", DetectedAtMs: 1}
	q.Enqueue(first, 0)
	q.Enqueue(RecoveryAlert{WorldID: "w1", NodeID: "n2", DetectedAtMs: 2}, 0)
	q.Enqueue(RecoveryAlert{WorldID: "w1", NodeID: "n3", DetectedAtMs: 3}, 0)

	assert.Equal(t, 2, q.PendingLen())
	letters := q.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, CapacityEvicted, letters[0].Reason)
	assert.Equal(t, first, letters[0].Alert)
	assert.Len(t, q.EventLog(), 3)
}

func TestDeadLetterReplay(t *testing.T) {
	sink := &flakySink{failures: 2}
	conf := DefaultAlertQueueConfig()
	conf.MaxRetryAttempts = 1
	conf.ReplayIntervalMs = 500
	q := testQueue(t, conf, sink)

	q.Enqueue(RecoveryAlert{WorldID: "w1", NodeID: "b", DetectedAtMs: 1}, 0)
	q.Flush(0)
	require.Len(t, q.DeadLetters(), 1)

	// Too early: the scheduler does nothing.
	assert.Equal(t, 0, q.ReplayDeadLetters(100))

	assert.Equal(t, 1, q.ReplayDeadLetters(600))
	assert.Empty(t, q.DeadLetters())
	assert.Equal(t, 1, q.PendingLen())

	// Second failure archives again; the next replay redelivers.
	q.Flush(600)
	require.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, 1, q.ReplayDeadLetters(1200))
	q.Flush(1200)
	assert.Len(t, sink.delivered, 1)
	assert.Equal(t, 0, q.PendingLen())
}

func TestMetricsLineStore(t *testing.T) {
	q := testQueue(t, DefaultAlertQueueConfig(), &flakySink{})
	q.Enqueue(RecoveryAlert{WorldID: "w1", NodeID: "b", DetectedAtMs: 1}, 0)
	q.Flush(0)

	lines := q.MetricsLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "attempted=1")
	assert.Contains(t, lines[0], "succeeded=1")
}
