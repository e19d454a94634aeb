// Package bench drives a bounded synthetic load through the shards and samples
// overall metrics while it runs.
package bench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dagshard/logger"
	"dagshard/models"
)

// Target is the node under load.
type Target interface {
	Start() error
	Stop() error
	ShardIDs() []string
	Submit(shardID string, tx models.Transaction) (string, error)
	Overall() models.OverallMetrics
}

type Params struct {
	Duration       time.Duration `json:"duration"`
	TargetTPS      float64       `json:"targetTPS"`
	AutoStop       bool          `json:"autoStop"`
	SampleInterval time.Duration `json:"sampleInterval"`
}

type Result struct {
	Submitted int                     `json:"submitted"`
	Rejected  int                     `json:"rejected"`
	Samples   []models.OverallMetrics `json:"samples"`
}

// tick is the load generator's resolution; higher rates submit batches.
const tick = 10 * time.Millisecond

// Run enables intake, submits transactions round-robin across the shards at
// TargetTPS for Duration and returns the samples taken meanwhile. The load is
// deterministic: fees cycle 1..10 and shards are visited in id order.
func Run(ctx context.Context, target Target, p Params) (Result, error) {
	if p.Duration <= 0 || p.TargetTPS <= 0 || math.IsInf(p.TargetTPS, 0) || math.IsNaN(p.TargetTPS) {
		return Result{}, fmt.Errorf("%w: benchmark needs a positive duration and targetTPS", models.ErrInvalidConfig)
	}
	if p.SampleInterval <= 0 {
		p.SampleInterval = time.Second
	}
	shards := target.ShardIDs()
	if len(shards) == 0 {
		return Result{}, fmt.Errorf("%w: no shards to load", models.ErrUnknownShard)
	}
	if err := target.Start(); err != nil {
		return Result{}, err
	}
	log := logger.Logger.With(zap.String("component", "bench"))
	log.Info("Benchmark started",
		zap.Duration("duration", p.Duration),
		zap.Float64("target_tps", p.TargetTPS),
		zap.Int("shards", len(shards)))

	runCtx, cancel := context.WithTimeout(ctx, p.Duration)
	defer cancel()

	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		perTick := p.TargetTPS * tick.Seconds()
		var owed float64
		seq := 0
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			owed += perTick
			n := int(owed)
			owed -= float64(n)
			submitted, rejected := 0, 0
			for i := 0; i < n; i++ {
				shardID := shards[seq%len(shards)]
				_, err := target.Submit(shardID, models.Transaction{
					Fee:          uint64(seq%10 + 1),
					ResourceCost: 21000,
				})
				seq++
				switch {
				case err == nil:
					submitted++
				case errors.Is(err, models.ErrQueueFull), errors.Is(err, models.ErrIntakeStopped):
					rejected++
				default:
					return fmt.Errorf("submit to %s: %w", shardID, err)
				}
			}
			mu.Lock()
			res.Submitted += submitted
			res.Rejected += rejected
			mu.Unlock()
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(p.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sample := target.Overall()
				mu.Lock()
				res.Samples = append(res.Samples, sample)
				mu.Unlock()
			}
		}
	})

	err := g.Wait()
	res.Samples = append(res.Samples, target.Overall())
	if p.AutoStop {
		if stopErr := target.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	log.Info("Benchmark finished",
		zap.Int("submitted", res.Submitted),
		zap.Int("rejected", res.Rejected),
		zap.Int("samples", len(res.Samples)),
		zap.Error(err))
	return res, err
}
