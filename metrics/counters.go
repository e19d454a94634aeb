package metrics

import (
	"sync/atomic"
	"time"
)

// Counters are bumped on the transaction path. They are lock-free so sampling
// never contends with bundle processing.
type Counters struct {
	confirmedTx      atomic.Uint64
	confirmedBundles atomic.Uint64
	failedBundles    atomic.Uint64
	latencyNanos     atomic.Uint64
	verifyCount      atomic.Uint64
	verifyNanos      atomic.Uint64
	crossCount       atomic.Uint64
	crossNanos       atomic.Uint64
	resourceCost     atomic.Uint64
}

func (c *Counters) BundleConfirmed(txs int, confirmation time.Duration, cost uint64) {
	c.confirmedTx.Add(uint64(txs))
	c.confirmedBundles.Add(1)
	c.latencyNanos.Add(uint64(max(confirmation, 0)))
	c.resourceCost.Add(cost)
}

func (c *Counters) BundleFailed() {
	c.failedBundles.Add(1)
}

func (c *Counters) SignatureVerified(d time.Duration) {
	c.verifyCount.Add(1)
	c.verifyNanos.Add(uint64(max(d, 0)))
}

func (c *Counters) CrossShard(d time.Duration) {
	c.crossCount.Add(1)
	c.crossNanos.Add(uint64(max(d, 0)))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	At               time.Time
	ConfirmedTx      uint64
	ConfirmedBundles uint64
	FailedBundles    uint64
	LatencyNanos     uint64
	VerifyCount      uint64
	VerifyNanos      uint64
	CrossCount       uint64
	CrossNanos       uint64
	ResourceCost     uint64
}

func (c *Counters) Snapshot(at time.Time) Snapshot {
	return Snapshot{
		At:               at,
		ConfirmedTx:      c.confirmedTx.Load(),
		ConfirmedBundles: c.confirmedBundles.Load(),
		FailedBundles:    c.failedBundles.Load(),
		LatencyNanos:     c.latencyNanos.Load(),
		VerifyCount:      c.verifyCount.Load(),
		VerifyNanos:      c.verifyNanos.Load(),
		CrossCount:       c.crossCount.Load(),
		CrossNanos:       c.crossNanos.Load(),
		ResourceCost:     c.resourceCost.Load(),
	}
}
