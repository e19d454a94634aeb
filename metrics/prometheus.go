package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	bundlesConfirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagshard",
			Subsystem: "bundle",
			Name:      "confirmed_total",
			Help:      "Bundles that reached quorum.",
		},
		[]string{"shard_id"},
	)
	bundlesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagshard",
			Subsystem: "bundle",
			Name:      "failed_total",
			Help:      "Bundles that timed out before quorum.",
		},
		[]string{"shard_id"},
	)
	transactionsConfirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagshard",
			Subsystem: "bundle",
			Name:      "transactions_confirmed_total",
			Help:      "Transactions carried by confirmed bundles.",
		},
		[]string{"shard_id"},
	)
	confirmationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dagshard",
			Subsystem: "bundle",
			Name:      "confirmation_seconds",
			Help:      "Time from bundle creation to quorum.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"shard_id"},
	)
	verificationTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dagshard",
			Subsystem: "quorum",
			Name:      "signature_verification_seconds",
			Help:      "Validator signature verification time.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		},
		[]string{"shard_id"},
	)
	crossShardLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dagshard",
			Subsystem: "crossshard",
			Name:      "coordination_seconds",
			Help:      "Cross-shard prepare/commit duration as seen by each leg's shard.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"shard_id"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(bundlesConfirmed, bundlesFailed, transactionsConfirmed,
			confirmationLatency, verificationTime, crossShardLatency)
	})
}

func RecordBundleConfirmed(shardID string, txs int, latency time.Duration) {
	RegisterMetrics()
	bundlesConfirmed.WithLabelValues(shardID).Inc()
	transactionsConfirmed.WithLabelValues(shardID).Add(float64(txs))
	confirmationLatency.WithLabelValues(shardID).Observe(latency.Seconds())
}

func RecordBundleFailed(shardID string) {
	RegisterMetrics()
	bundlesFailed.WithLabelValues(shardID).Inc()
}

func RecordSignatureVerification(shardID string, elapsed time.Duration) {
	RegisterMetrics()
	verificationTime.WithLabelValues(shardID).Observe(elapsed.Seconds())
}

func RecordCrossShard(shardID string, d time.Duration) {
	RegisterMetrics()
	crossShardLatency.WithLabelValues(shardID).Observe(d.Seconds())
}

// ForgetShard drops every series labelled with a removed shard.
func ForgetShard(shardID string) {
	labels := prometheus.Labels{"shard_id": shardID}
	for _, c := range []*prometheus.CounterVec{bundlesConfirmed, bundlesFailed, transactionsConfirmed} {
		c.DeletePartialMatch(labels)
	}
	for _, h := range []*prometheus.HistogramVec{confirmationLatency, verificationTime, crossShardLatency} {
		h.DeletePartialMatch(labels)
	}
}
