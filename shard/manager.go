// Package shard owns the set of shards: adding and removing them, toggling
// global intake and rolling per-shard state up into overall metrics.
package shard

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dagshard/clock"
	"dagshard/crossshard"
	"dagshard/logger"
	"dagshard/metrics"
	"dagshard/models"
	"dagshard/pipeline"
	"dagshard/repository"
	"dagshard/sigverify"
	"dagshard/transport"
)

// PendingChecker tells the manager whether cross-shard work still references
// a shard.
type PendingChecker interface {
	HasPending(shardID string) bool
}

type Config struct {
	Pipeline        pipeline.Config
	ValidatorWeight uint64
	// DeterministicKeys derives validator keys from their ids instead of
	// generating them. Only for benchmarks and tests.
	DeterministicKeys bool
}

type Options struct {
	Config    Config
	Archive   repository.Archive
	Transport *transport.Local
	Clock     clock.Clock
}

type Manager struct {
	cfg       Config
	archive   repository.Archive
	transport *transport.Local
	clock     clock.Clock
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	shards  map[string]*pipeline.Shard
	running bool
	pending PendingChecker
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Config.ValidatorWeight == 0 {
		opts.Config.ValidatorWeight = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       opts.Config,
		archive:   opts.Archive,
		transport: opts.Transport,
		clock:     opts.Clock,
		log:       logger.Logger.With(zap.String("component", "shard-manager")),
		ctx:       ctx,
		cancel:    cancel,
		shards:    make(map[string]*pipeline.Shard),
	}
}

// SetPendingChecker wires the cross-shard coordinator in after construction.
func (m *Manager) SetPendingChecker(p PendingChecker) {
	m.mu.Lock()
	m.pending = p
	m.mu.Unlock()
}

// AddShard creates the shard's validator set, DAG store, builder and verifier
// and starts its pipeline. The shard starts in syncing.
func (m *Manager) AddShard(cfg models.ShardConfig) (string, error) {
	if cfg.ShardID == "" {
		cfg.ShardID = "shard-" + models.NewID()[:8]
	}
	if cfg.NodeCount <= 0 {
		return "", fmt.Errorf("%w: shard %s needs at least one validator", models.ErrInvalidConfig, cfg.ShardID)
	}
	fraction, err := models.StrategyFraction(cfg.ValidationStrategy, m.cfg.Pipeline.Quorum.Fraction)
	if err != nil {
		return "", err
	}

	ring := sigverify.NewKeyRing()
	validators := make([]models.Validator, 0, cfg.NodeCount)
	signers := make([]*sigverify.Signer, 0, cfg.NodeCount)
	for i := 0; i < cfg.NodeCount; i++ {
		id := fmt.Sprintf("%s-validator-%d", cfg.ShardID, i)
		var signer *sigverify.Signer
		if m.cfg.DeterministicKeys {
			signer = sigverify.SignerFromSeed(id, id)
		} else if signer, err = sigverify.NewSigner(id); err != nil {
			return "", err
		}
		if err := ring.Add(id, signer.Public()); err != nil {
			return "", err
		}
		validators = append(validators, models.Validator{
			ID:        id,
			Address:   fmt.Sprintf("%x", signer.Public()[:20]),
			Region:    cfg.Region,
			Weight:    m.cfg.ValidatorWeight,
			PublicKey: signer.Public(),
		})
		signers = append(signers, signer)
	}
	set, err := models.NewValidatorSet(validators...)
	if err != nil {
		return "", err
	}

	pcfg := m.cfg.Pipeline
	pcfg.Quorum.Fraction = fraction
	opts := pipeline.Options{
		Config:     pcfg,
		Shard:      cfg,
		Validators: set,
		Signatures: ring,
		Archive:    m.archive,
		Clock:      m.clock,
	}
	if m.transport != nil {
		opts.Broadcaster = m.transport
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.shards[cfg.ShardID]; exists {
		return "", fmt.Errorf("shard %s: %w", cfg.ShardID, models.ErrAlreadyExists)
	}
	p, err := pipeline.New(opts)
	if err != nil {
		return "", err
	}
	if m.transport != nil {
		m.transport.Register(cfg.ShardID, p.Verifier, signers)
	}
	m.shards[cfg.ShardID] = p
	p.SetIntake(m.running)
	p.Start(m.ctx)

	m.log.Info("Shard added",
		zap.String("shard_id", cfg.ShardID),
		zap.String("region", cfg.Region),
		zap.Int("validators", cfg.NodeCount),
		zap.Stringer("quorum", fraction))
	return cfg.ShardID, nil
}

// RemoveShard tears down a shard unless a non-terminal cross-shard
// transaction still references it.
func (m *Manager) RemoveShard(shardID string) error {
	m.mu.Lock()
	p, ok := m.shards[shardID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("shard %s: %w", shardID, models.ErrUnknownShard)
	}
	if m.pending != nil && m.pending.HasPending(shardID) {
		m.mu.Unlock()
		return fmt.Errorf("shard %s: %w", shardID, models.ErrShardHasPendingCrossShardTx)
	}
	delete(m.shards, shardID)
	m.mu.Unlock()

	if m.transport != nil {
		m.transport.Unregister(shardID)
	}
	p.Close()
	m.log.Info("Shard removed", zap.String("shard_id", shardID))
	return nil
}

// Start enables transaction intake on every shard.
func (m *Manager) Start() error {
	return m.setIntake(true)
}

// Stop halts intake. Bundles already awaiting quorum are not aborted.
func (m *Manager) Stop() error {
	return m.setIntake(false)
}

func (m *Manager) setIntake(on bool) error {
	m.mu.Lock()
	m.running = on
	shards := m.list()
	m.mu.Unlock()

	for _, p := range shards {
		p.SetIntake(on)
	}
	m.log.Info("Intake toggled", zap.Bool("running", on), zap.Int("shards", len(shards)))
	return nil
}

// Running reports whether global intake is enabled.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) Shard(shardID string) (*pipeline.Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("shard %s: %w", shardID, models.ErrUnknownShard)
	}
	return p, nil
}

// Participant implements crossshard.Directory.
func (m *Manager) Participant(shardID string) (crossshard.Participant, error) {
	p, err := m.Shard(shardID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Shards returns the pipelines ordered by shard id.
func (m *Manager) Shards() []*pipeline.Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list()
}

func (m *Manager) list() []*pipeline.Shard {
	out := make([]*pipeline.Shard, 0, len(m.shards))
	for _, p := range m.shards {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Sources adapts the shards for the metrics aggregator.
func (m *Manager) Sources() []metrics.Source {
	shards := m.Shards()
	out := make([]metrics.Source, len(shards))
	for i, p := range shards {
		out[i] = p
	}
	return out
}

func (m *Manager) States() []models.ShardState {
	shards := m.Shards()
	out := make([]models.ShardState, len(shards))
	for i, p := range shards {
		out[i] = p.State()
	}
	return out
}

// LatestSample looks up a shard's most recent metrics sample.
type LatestSample func(shardID string) (models.ShardMetrics, bool)

// OverallMetrics rolls shard state up: TPS is summed, latency and success
// rate are averaged weighted by each shard's confirmed transaction count.
func (m *Manager) OverallMetrics(latest LatestSample, crossShardTxCount int) models.OverallMetrics {
	out := models.OverallMetrics{Timestamp: m.clock.Now(), CrossShardTxCount: crossShardTxCount}
	var weight, latency, success float64
	for _, st := range m.States() {
		out.TotalTPS += st.CurrentTPS
		if st.Status == models.ShardActive {
			out.ActiveShards++
		}
		if latest == nil {
			continue
		}
		sample, ok := latest(st.ShardID)
		if !ok || st.TransactionCount == 0 {
			continue
		}
		w := float64(st.TransactionCount)
		weight += w
		latency += w * sample.Latency
		success += w * sample.SuccessRate
	}
	if weight > 0 {
		out.AvgLatency = latency / weight
		out.AvgSuccessRate = success / weight
	}
	return out
}

// Close stops every shard pipeline.
func (m *Manager) Close() error {
	m.mu.Lock()
	shards := m.list()
	m.running = false
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range shards {
		p := p
		g.Go(func() error {
			p.Close()
			return nil
		})
	}
	err := g.Wait()
	m.cancel()
	return err
}
