package membership

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// RecoveryAlert announces a membership event (revocation, key rotation,
// unreachable validator) that must reach the directory reconciler.
type RecoveryAlert struct {
	WorldID      string `json:"world_id"`
	NodeID       string `json:"node_id"`
	Reason       string `json:"reason"`
	DetectedAtMs int64  `json:"detected_at_ms"`
}

// key orders the alert event log.
func (a RecoveryAlert) key() string {
	return fmt.Sprintf("%s|%s|%d", a.WorldID, a.NodeID, a.DetectedAtMs)
}

// DeadLetterReason says why an alert was archived.
type DeadLetterReason string

const (
	RetryLimitExceeded DeadLetterReason = "RetryLimitExceeded"
	CapacityEvicted    DeadLetterReason = "CapacityEvicted"
)

// DeadLetterRecord is an archived undeliverable alert.
type DeadLetterRecord struct {
	Alert        RecoveryAlert    `json:"alert"`
	Reason       DeadLetterReason `json:"reason"`
	Attempts     int              `json:"attempts"`
	ArchivedAtMs int64            `json:"archived_at_ms"`
}

// AlertSink is the delivery target; the directory reconciler implements it.
type AlertSink interface {
	Deliver(alert RecoveryAlert) error
}

// DeliveryMetrics counts alert delivery outcomes.
type DeliveryMetrics struct {
	Attempted uint64 `json:"attempted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Deferred  uint64 `json:"deferred"`
	Dropped   uint64 `json:"dropped"`
}

// AlertQueueConfig bounds the queue and its retry policy.
type AlertQueueConfig struct {
	MaxPendingAlerts int
	MaxRetryAttempts int
	RetryBackoffMs   int64
	ReplayIntervalMs int64
}

// DefaultAlertQueueConfig returns the shipped alert queue parameters.
func DefaultAlertQueueConfig() AlertQueueConfig {
	return AlertQueueConfig{
		MaxPendingAlerts: 256,
		MaxRetryAttempts: 5,
		RetryBackoffMs:   2000,
		ReplayIntervalMs: 60000,
	}
}

type pendingAlert struct {
	alert         RecoveryAlert
	attempts      int
	nextAttemptMs int64
}

// AlertQueue is the durable recovery-alert buffer: bounded pending list with
// oldest-first eviction to the dead-letter archive, per-alert retry with
// backoff, a replay scheduler that moves archived records back into pending,
// and an appended metrics line store.
type AlertQueue struct {
	sync.Mutex

	logger *logrus.Entry
	conf   AlertQueueConfig
	sink   AlertSink

	pending    []pendingAlert
	deadLetter []DeadLetterRecord
	eventLog   []RecoveryAlert

	metrics      DeliveryMetrics
	metricsLines []string

	lastReplayMs int64
}

// NewAlertQueue builds a queue over a sink.
func NewAlertQueue(conf AlertQueueConfig, sink AlertSink, logger *logrus.Entry) *AlertQueue {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}
	return &AlertQueue{
		logger: logger,
		conf:   conf,
		sink:   sink,
	}
}

// Enqueue buffers an alert. A full buffer evicts its oldest entry to the
// dead-letter archive with CapacityEvicted.
func (q *AlertQueue) Enqueue(alert RecoveryAlert, nowMs int64) {
	q.Lock()
	defer q.Unlock()

	q.eventLog = append(q.eventLog, alert)

	if len(q.pending) >= q.conf.MaxPendingAlerts {
		evicted := q.pending[0]
		q.pending = q.pending[1:]
		q.deadLetter = append(q.deadLetter, DeadLetterRecord{
			Alert:        evicted.alert,
			Reason:       CapacityEvicted,
			Attempts:     evicted.attempts,
			ArchivedAtMs: nowMs,
		})
		q.metrics.Dropped++
		q.logger.WithField("alert", evicted.alert.key()).Warn("Alert evicted to dead letter")
	}
	q.pending = append(q.pending, pendingAlert{alert: alert, nextAttemptMs: nowMs})
}

// Flush attempts every due delivery once. Failures reschedule with linear
// backoff until the retry limit, then archive as RetryLimitExceeded.
func (q *AlertQueue) Flush(nowMs int64) {
	q.Lock()
	defer q.Unlock()

	var remaining []pendingAlert
	for _, p := range q.pending {
		if p.nextAttemptMs > nowMs {
			q.metrics.Deferred++
			remaining = append(remaining, p)
			continue
		}

		q.metrics.Attempted++
		p.attempts++
		if err := q.sink.Deliver(p.alert); err != nil {
			q.metrics.Failed++
			if p.attempts >= q.conf.MaxRetryAttempts {
				q.deadLetter = append(q.deadLetter, DeadLetterRecord{
					Alert:        p.alert,
					Reason:       RetryLimitExceeded,
					Attempts:     p.attempts,
					ArchivedAtMs: nowMs,
				})
				q.metrics.Dropped++
				q.logger.WithFields(logrus.Fields{
					"alert":    p.alert.key(),
					"attempts": p.attempts,
				}).Warn("Alert retry limit exceeded")
				continue
			}
			p.nextAttemptMs = nowMs + q.conf.RetryBackoffMs*int64(p.attempts)
			remaining = append(remaining, p)
			continue
		}
		q.metrics.Succeeded++
	}
	q.pending = remaining

	q.appendMetricsLine(nowMs)
}

// ReplayDeadLetters moves archived records back into the pending buffer when
// the replay interval has elapsed.
func (q *AlertQueue) ReplayDeadLetters(nowMs int64) int {
	q.Lock()
	defer q.Unlock()

	if nowMs-q.lastReplayMs < q.conf.ReplayIntervalMs {
		return 0
	}
	q.lastReplayMs = nowMs

	replayed := 0
	var kept []DeadLetterRecord
	for _, rec := range q.deadLetter {
		if len(q.pending) >= q.conf.MaxPendingAlerts {
			kept = append(kept, rec)
			continue
		}
		q.pending = append(q.pending, pendingAlert{alert: rec.Alert, nextAttemptMs: nowMs})
		replayed++
	}
	q.deadLetter = kept
	return replayed
}

func (q *AlertQueue) appendMetricsLine(nowMs int64) {
	line := fmt.Sprintf("ts=%d attempted=%d succeeded=%d failed=%d deferred=%d dropped=%d",
		nowMs, q.metrics.Attempted, q.metrics.Succeeded, q.metrics.Failed, q.metrics.Deferred, q.metrics.Dropped)
	q.metricsLines = append(q.metricsLines, line)
}

// PendingLen returns the number of buffered alerts.
func (q *AlertQueue) PendingLen() int {
	q.Lock()
	defer q.Unlock()
	return len(q.pending)
}

// DeadLetters returns a copy of the archive.
func (q *AlertQueue) DeadLetters() []DeadLetterRecord {
	q.Lock()
	defer q.Unlock()
	return append([]DeadLetterRecord{}, q.deadLetter...)
}

// Metrics returns the current delivery counters.
func (q *AlertQueue) Metrics() DeliveryMetrics {
	q.Lock()
	defer q.Unlock()
	return q.metrics
}

// MetricsLines returns the appended metrics line store.
func (q *AlertQueue) MetricsLines() []string {
	q.Lock()
	defer q.Unlock()
	return append([]string{}, q.metricsLines...)
}

// EventLog returns every alert ever enqueued, in arrival order.
func (q *AlertQueue) EventLog() []RecoveryAlert {
	q.Lock()
	defer q.Unlock()
	return append([]RecoveryAlert{}, q.eventLog...)
}
