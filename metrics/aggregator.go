// Package metrics samples per-shard throughput, latency and health into ring
// buffers without touching the locks of the bundle pipeline.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagshard/clock"
	"dagshard/logger"
	"dagshard/models"
)

var ErrUnknownField = errors.New("unknown metrics field")

// Source is one shard as seen by the sampler.
type Source interface {
	ID() string
	CounterSnapshot(at time.Time) Snapshot
	TargetTPS() float64
	ApplySample(m models.ShardMetrics)
}

// Summary is an aggregate over a shard's retained samples.
type Summary struct {
	Field string  `json:"field"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Min   float64 `json:"min"`
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

type Aggregator struct {
	interval time.Duration
	capacity int
	clock    clock.Clock
	sources  func() []Source

	mu    sync.Mutex
	rings map[string]*Ring
	last  map[string]Snapshot
}

func NewAggregator(interval time.Duration, capacity int, clk clock.Clock, sources func() []Source) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Aggregator{
		interval: interval,
		capacity: capacity,
		clock:    clk,
		sources:  sources,
		rings:    make(map[string]*Ring),
		last:     make(map[string]Snapshot),
	}
}

func (a *Aggregator) Interval() time.Duration { return a.interval }

// Run samples every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SampleOnce()
		}
	}
}

// SampleOnce takes one sample of every source.
func (a *Aggregator) SampleOnce() []models.ShardMetrics {
	now := a.clock.Now()
	sources := a.sources()
	out := make([]models.ShardMetrics, 0, len(sources))

	for _, src := range sources {
		cur := src.CounterSnapshot(now)

		a.mu.Lock()
		prev, seen := a.last[src.ID()]
		if !seen {
			prev = Snapshot{At: now.Add(-a.interval)}
		}
		ring, ok := a.rings[src.ID()]
		if !ok {
			ring = NewRing(a.capacity)
			a.rings[src.ID()] = ring
		}
		a.last[src.ID()] = cur
		a.mu.Unlock()

		var before *models.ShardMetrics
		if m, ok := ring.Last(); ok {
			before = &m
		}
		sample := Derive(src.ID(), prev, cur, src.TargetTPS(), before)
		ring.Push(sample)
		src.ApplySample(sample)
		out = append(out, sample)
	}
	logger.Logger.Debug("Sampled shard metrics", zap.Int("shards", len(out)))
	return out
}

// Derive turns two counter snapshots into a sample. prevSample carries
// latency, success rate and health across windows without completions.
func Derive(shardID string, prev, cur Snapshot, targetTPS float64, prevSample *models.ShardMetrics) models.ShardMetrics {
	m := models.ShardMetrics{ShardID: shardID, Timestamp: cur.At, SuccessRate: 100, NodeHealth: 100}
	if prevSample != nil {
		m.Latency = prevSample.Latency
		m.SuccessRate = prevSample.SuccessRate
		m.NodeHealth = prevSample.NodeHealth
		m.ValidationTime = prevSample.ValidationTime
		m.CrossShardCoordinationTime = prevSample.CrossShardCoordinationTime
	}

	elapsed := cur.At.Sub(prev.At).Seconds()
	if elapsed > 0 {
		m.Throughput = float64(cur.ConfirmedTx-prev.ConfirmedTx) / elapsed
	}

	confirmed := cur.ConfirmedBundles - prev.ConfirmedBundles
	failed := cur.FailedBundles - prev.FailedBundles
	if confirmed > 0 {
		m.Latency = nanosToMillis(cur.LatencyNanos-prev.LatencyNanos) / float64(confirmed)
	}
	if confirmed+failed > 0 {
		m.SuccessRate = 100 * float64(confirmed) / float64(confirmed+failed)
		m.NodeHealth = 0.5*m.NodeHealth + 0.5*m.SuccessRate
	}
	if n := cur.VerifyCount - prev.VerifyCount; n > 0 {
		m.ValidationTime = nanosToMillis(cur.VerifyNanos-prev.VerifyNanos) / float64(n)
	}
	if n := cur.CrossCount - prev.CrossCount; n > 0 {
		m.CrossShardCoordinationTime = nanosToMillis(cur.CrossNanos-prev.CrossNanos) / float64(n)
	}
	if targetTPS > 0 {
		m.ResourceUtilization = math.Min(100, 100*m.Throughput/targetTPS)
	}
	return m
}

// Series returns the retained samples of a shard, oldest first.
func (a *Aggregator) Series(shardID string) []models.ShardMetrics {
	a.mu.Lock()
	ring, ok := a.rings[shardID]
	a.mu.Unlock()
	if !ok {
		return []models.ShardMetrics{}
	}
	return ring.Snapshot()
}

// Latest returns the most recent sample of a shard.
func (a *Aggregator) Latest(shardID string) (models.ShardMetrics, bool) {
	a.mu.Lock()
	ring, ok := a.rings[shardID]
	a.mu.Unlock()
	if !ok {
		return models.ShardMetrics{}, false
	}
	return ring.Last()
}

// Aggregate summarises one field over the retained samples.
func (a *Aggregator) Aggregate(shardID, field string) (Summary, error) {
	get, ok := fields[field]
	if !ok {
		return Summary{}, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	s := Summary{Field: field}
	for i, m := range a.Series(shardID) {
		v := get(m)
		if i == 0 || v > s.Max {
			s.Max = v
		}
		if i == 0 || v < s.Min {
			s.Min = v
		}
		s.Sum += v
		s.Count++
	}
	if s.Count > 0 {
		s.Avg = s.Sum / float64(s.Count)
	}
	return s, nil
}

// Forget drops a removed shard's history.
func (a *Aggregator) Forget(shardID string) {
	a.mu.Lock()
	delete(a.rings, shardID)
	delete(a.last, shardID)
	a.mu.Unlock()
}

var fields = map[string]func(models.ShardMetrics) float64{
	"throughput":                    func(m models.ShardMetrics) float64 { return m.Throughput },
	"latency":                       func(m models.ShardMetrics) float64 { return m.Latency },
	"success_rate":                  func(m models.ShardMetrics) float64 { return m.SuccessRate },
	"validation_time":               func(m models.ShardMetrics) float64 { return m.ValidationTime },
	"cross_shard_coordination_time": func(m models.ShardMetrics) float64 { return m.CrossShardCoordinationTime },
	"resource_utilization":          func(m models.ShardMetrics) float64 { return m.ResourceUtilization },
	"node_health":                   func(m models.ShardMetrics) float64 { return m.NodeHealth },
}

func nanosToMillis(n uint64) float64 {
	return float64(n) / float64(time.Millisecond)
}
