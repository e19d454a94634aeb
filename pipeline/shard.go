// Package pipeline runs one shard: the bundle builder feeding the quorum
// verifier, which confirms nodes in the shard's DAG store.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dagshard/bundle"
	"dagshard/clock"
	"dagshard/dag"
	"dagshard/logger"
	"dagshard/metrics"
	"dagshard/models"
	"dagshard/quorum"
	"dagshard/repository"
	"dagshard/sigverify"
	"dagshard/transport"
)

type Config struct {
	Bundle bundle.Config
	Quorum quorum.Config
	// MaxInflight caps bundles awaiting quorum; the builder waits beyond it.
	MaxInflight int
	// TickInterval is the flush and timeout sweep cadence.
	TickInterval time.Duration
	// ErrorHealthThreshold moves an active shard to error below this health.
	ErrorHealthThreshold float64
}

type Options struct {
	Config      Config
	Shard       models.ShardConfig
	Validators  *models.ValidatorSet
	Signatures  sigverify.Verifier
	Archive     repository.Archive
	Broadcaster transport.Broadcaster
	Clock       clock.Clock
}

type Shard struct {
	id    string
	spec  models.ShardConfig
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	Store    *dag.Store
	Builder  *bundle.Builder
	Verifier *quorum.Verifier

	counters metrics.Counters
	intake   atomic.Bool
	kick     chan struct{}

	// Sampling and confirmation never share a lock.
	status     atomic.Value  // models.ShardStatus
	currentTPS atomic.Uint64 // float64 bits
	nodeHealth atomic.Uint64 // float64 bits

	mu      sync.Mutex
	watches map[string]chan models.LegOutcome // leg tx id

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Shard, error) {
	if opts.Shard.ShardID == "" {
		return nil, fmt.Errorf("%w: shard id required", models.ErrInvalidConfig)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	cfg := opts.Config
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 8
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.ErrorHealthThreshold <= 0 {
		cfg.ErrorHealthThreshold = 50
	}

	id := opts.Shard.ShardID
	s := &Shard{
		id:      id,
		spec:    opts.Shard,
		cfg:     cfg,
		clock:   opts.Clock,
		log:     logger.Shard(id),
		Store:   dag.NewStore(id),
		kick:    make(chan struct{}, 1),
		watches: make(map[string]chan models.LegOutcome),
	}
	s.status.Store(models.ShardSyncing)
	s.nodeHealth.Store(math.Float64bits(100))

	verifier, err := quorum.New(quorum.Options{
		ShardID:     id,
		Config:      cfg.Quorum,
		Validators:  opts.Validators,
		Signatures:  opts.Signatures,
		Store:       s.Store,
		Archive:     opts.Archive,
		Broadcaster: opts.Broadcaster,
		Observer:    s,
		Clock:       opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	s.Verifier = verifier
	s.Builder = bundle.New(id, "builder-"+id, cfg.Bundle, s.Store, opts.Clock, verifier)
	return s, nil
}

func (s *Shard) ID() string { return s.id }

func (s *Shard) TargetTPS() float64 { return s.spec.TargetTPS }

// Start launches the flush/sweep loop. Calling it twice is a no-op.
func (s *Shard) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Close stops the loop and refuses new bundles.
func (s *Shard) Close() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()
	s.intake.Store(false)
	s.Verifier.Close()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Shard) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.Tick(ctx)
	}
}

// Tick sweeps timed-out bundles and, while intake is enabled, builds every
// bundle that is due as long as the in-flight limit allows. A stopped shard
// keeps its queued transactions until intake resumes.
func (s *Shard) Tick(ctx context.Context) {
	s.Verifier.Sweep()
	if !s.intake.Load() {
		return
	}
	for s.Builder.Ready() {
		if s.Verifier.Inflight() >= s.cfg.MaxInflight {
			s.log.Debug("In-flight bundle limit reached", zap.Int("inflight", s.Verifier.Inflight()))
			return
		}
		batch, err := s.Builder.BuildBundle(ctx)
		for _, r := range batch.Rejected {
			if r.Tx.CrossShardID != "" {
				s.resolve(models.LegOutcome{ShardID: s.id, TxID: r.Tx.ID, Err: r.Err})
			}
		}
		if err != nil {
			s.log.Warn("Bundle build failed", zap.Error(err))
			return
		}
	}
}

// Submit puts a transaction on the intake queue.
func (s *Shard) Submit(tx models.Transaction) (string, error) {
	if !s.intake.Load() {
		return "", models.ErrIntakeStopped
	}
	id, err := s.Builder.Enqueue(tx)
	if err != nil {
		return "", err
	}
	if s.Builder.Len() >= s.Builder.Config().MaxSize {
		s.poke()
	}
	return id, nil
}

// Stage queues a cross-shard leg and returns a channel that receives the
// leg's outcome once its bundle confirms or fails.
func (s *Shard) Stage(ctx context.Context, tx models.Transaction) (<-chan models.LegOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.intake.Load() {
		return nil, fmt.Errorf("%w: %w", models.ErrLegRejected, models.ErrIntakeStopped)
	}
	if s.Status() == models.ShardError {
		return nil, fmt.Errorf("%w: shard %s is in error", models.ErrLegRejected, s.id)
	}
	if tx.ID == "" {
		tx.ID = models.NewID()
	}

	ch := make(chan models.LegOutcome, 1)
	s.mu.Lock()
	s.watches[tx.ID] = ch
	s.mu.Unlock()

	if _, err := s.Builder.Enqueue(tx); err != nil {
		s.mu.Lock()
		delete(s.watches, tx.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", models.ErrLegRejected, err)
	}
	s.poke()
	return ch, nil
}

// RecordCrossShard adds a coordination duration to the shard's metrics.
func (s *Shard) RecordCrossShard(d time.Duration) {
	s.counters.CrossShard(d)
	metrics.RecordCrossShard(s.id, d)
}

// SetIntake enables or disables new transactions. In-flight bundles keep
// collecting signatures either way.
func (s *Shard) SetIntake(on bool) {
	s.intake.Store(on)
	if on {
		s.transition(models.ShardOffline, models.ShardActive)
		return
	}
	if !s.transition(models.ShardActive, models.ShardOffline) {
		s.transition(models.ShardError, models.ShardOffline)
	}
}

func (s *Shard) IntakeEnabled() bool { return s.intake.Load() }

func (s *Shard) Status() models.ShardStatus {
	return s.status.Load().(models.ShardStatus)
}

func (s *Shard) transition(from, to models.ShardStatus) bool {
	return s.status.CompareAndSwap(from, to)
}

func (s *Shard) State() models.ShardState {
	return models.ShardState{
		ShardID:              s.id,
		Region:               s.spec.Region,
		NodeCount:            s.spec.NodeCount,
		ValidationStrategy:   s.spec.ValidationStrategy,
		Status:               s.Status(),
		CurrentTPS:           math.Float64frombits(s.currentTPS.Load()),
		TransactionCount:     s.counters.Snapshot(time.Time{}).ConfirmedTx,
		TargetTPS:            s.spec.TargetTPS,
		NodeHealth:           math.Float64frombits(s.nodeHealth.Load()),
		TotalValidatorWeight: s.Verifier.TotalWeight(),
		QuorumFraction:       s.Verifier.Fraction(),
	}
}

// CounterSnapshot implements metrics.Source.
func (s *Shard) CounterSnapshot(at time.Time) metrics.Snapshot {
	return s.counters.Snapshot(at)
}

// ApplySample implements metrics.Source.
func (s *Shard) ApplySample(m models.ShardMetrics) {
	s.currentTPS.Store(math.Float64bits(m.Throughput))
	s.nodeHealth.Store(math.Float64bits(m.NodeHealth))
	if m.NodeHealth < s.cfg.ErrorHealthThreshold {
		if s.transition(models.ShardActive, models.ShardError) {
			s.log.Warn("Shard health below threshold", zap.Float64("node_health", m.NodeHealth))
		}
		return
	}
	if s.transition(models.ShardError, models.ShardActive) {
		s.log.Info("Shard recovered", zap.Float64("node_health", m.NodeHealth))
	}
}

// BundleConfirmed implements quorum.Observer.
func (s *Shard) BundleConfirmed(b *models.Bundle, n *models.DagNode) {
	s.counters.BundleConfirmed(b.TransactionCount, b.ConfirmationTime, n.ResourceCost)
	metrics.RecordBundleConfirmed(s.id, b.TransactionCount, b.ConfirmationTime)
	if s.transition(models.ShardSyncing, models.ShardActive) {
		s.log.Info("Shard active after first confirmation", zap.String("bundle_id", b.BundleID))
	}

	for _, tx := range b.Transactions {
		if tx.CrossShardID != "" {
			s.resolve(models.LegOutcome{ShardID: s.id, TxID: tx.ID, BundleID: b.BundleID, Confirmed: true})
		}
	}
}

// BundleFailed implements quorum.Observer.
func (s *Shard) BundleFailed(b *models.Bundle, err error) {
	s.counters.BundleFailed()
	metrics.RecordBundleFailed(s.id)
	for _, tx := range b.Transactions {
		if tx.CrossShardID != "" {
			s.resolve(models.LegOutcome{ShardID: s.id, TxID: tx.ID, BundleID: b.BundleID, Err: err})
		}
	}
}

// SignatureVerified implements quorum.Observer.
func (s *Shard) SignatureVerified(elapsed time.Duration, _ bool) {
	s.counters.SignatureVerified(elapsed)
	metrics.RecordSignatureVerification(s.id, elapsed)
}

func (s *Shard) resolve(out models.LegOutcome) {
	s.mu.Lock()
	ch, ok := s.watches[out.TxID]
	delete(s.watches, out.TxID)
	s.mu.Unlock()
	if ok {
		ch <- out
	}
}

func (s *Shard) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
