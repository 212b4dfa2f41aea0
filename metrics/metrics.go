package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardMetrics
)

// RewardMetrics wraps collectors tracking issuer and orchestrator health.
type RewardMetrics struct {
	sends               *prometheus.CounterVec
	sendLatency         prometheus.Histogram
	entries             *prometheus.CounterVec
	partialPayouts      prometheus.Counter
	persistenceFailures prometheus.Counter
	reclaimed           prometheus.Counter
	batchDuration       prometheus.Histogram
}

// Rewards returns the lazily registered collectors.
func Rewards() *RewardMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardMetrics{
			sends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confess",
				Subsystem: "issuer",
				Name:      "sends_total",
				Help:      "Reward transfers attempted, segmented by outcome (confirmed or failure reason).",
			}, []string{"outcome"}),
			sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "confess",
				Subsystem: "issuer",
				Name:      "send_duration_seconds",
				Help:      "Latency from submission to confirmation or failure.",
				Buckets:   prometheus.DefBuckets,
			}),
			entries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confess",
				Subsystem: "referrals",
				Name:      "entries_total",
				Help:      "Referral entries processed, segmented by outcome.",
			}, []string{"outcome"}),
			partialPayouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "confess",
				Subsystem: "referrals",
				Name:      "partial_payouts_total",
				Help:      "Entries where one leg was delivered and the other failed.",
			}),
			persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "confess",
				Subsystem: "referrals",
				Name:      "persistence_failures_total",
				Help:      "Entries whose legs were both delivered but could not be marked paid.",
			}),
			reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "confess",
				Subsystem: "referrals",
				Name:      "stale_claims_reclaimed_total",
				Help:      "PAYING claims returned to PENDING after their lease expired.",
			}),
			batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "confess",
				Subsystem: "referrals",
				Name:      "batch_duration_seconds",
				Help:      "Duration of a full reward batch pass.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.sends,
			rewardsRegistry.sendLatency,
			rewardsRegistry.entries,
			rewardsRegistry.partialPayouts,
			rewardsRegistry.persistenceFailures,
			rewardsRegistry.reclaimed,
			rewardsRegistry.batchDuration,
		)
	})
	return rewardsRegistry
}

func (m *RewardMetrics) RecordSend(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
	m.sendLatency.Observe(took.Seconds())
}

func (m *RewardMetrics) RecordEntry(outcome string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(outcome).Inc()
}

func (m *RewardMetrics) RecordPartialPayout() {
	if m == nil {
		return
	}
	m.partialPayouts.Inc()
}

func (m *RewardMetrics) RecordPersistenceFailure() {
	if m == nil {
		return
	}
	m.persistenceFailures.Inc()
}

func (m *RewardMetrics) RecordReclaimed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

func (m *RewardMetrics) ObserveBatch(took time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(took.Seconds())
}
