// Package service assembles the shard manager, cross-shard coordinator,
// metrics aggregator and archive into one node and exposes the operations the
// HTTP handlers and the CLI call.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"dagshard/bench"
	"dagshard/clock"
	"dagshard/config"
	"dagshard/crossshard"
	"dagshard/logger"
	"dagshard/metrics"
	"dagshard/models"
	"dagshard/repository"
	"dagshard/shard"
	"dagshard/transport"
)

type Options struct {
	Config config.Config
	Clock  clock.Clock
	// Archive overrides the one named by Config.Storage.
	Archive repository.Archive
	// SyncDelivery makes the in-process validators sign during Broadcast.
	SyncDelivery      bool
	DeterministicKeys bool
}

type Service struct {
	cfg         config.Config
	clock       clock.Clock
	archive     repository.Archive
	ownsArchive bool
	transport   *transport.Local
	log         *zap.Logger

	Manager     *shard.Manager
	Coordinator *crossshard.Coordinator
	Aggregator  *metrics.Aggregator

	runOnce sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the node and registers the shards listed in the configuration.
// Intake stays disabled until Start.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	metrics.RegisterMetrics()
	s := &Service{
		cfg:       cfg,
		clock:     opts.Clock,
		archive:   opts.Archive,
		transport: transport.NewLocal(!opts.SyncDelivery),
		log:       logger.Logger.With(zap.String("component", "service")),
		cancel:    func() {},
	}
	if s.archive == nil {
		archive, err := repository.Open(cfg.Storage.Driver, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s archive: %w", cfg.Storage.Driver, err)
		}
		s.archive = archive
		s.ownsArchive = true
	}

	mcfg := cfg.Manager()
	mcfg.DeterministicKeys = opts.DeterministicKeys
	s.Manager = shard.NewManager(shard.Options{
		Config:    mcfg,
		Archive:   s.archive,
		Transport: s.transport,
		Clock:     s.clock,
	})
	s.Coordinator = crossshard.New(s.Manager, cfg.Coordinator(), s.clock)
	s.Manager.SetPendingChecker(s.Coordinator)
	s.Aggregator = metrics.NewAggregator(cfg.Metrics.SampleInterval, cfg.Metrics.Window, s.clock, s.Manager.Sources)

	for _, sc := range cfg.Shards {
		if _, err := s.AddShard(sc); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Run starts metrics sampling in the background. It returns immediately.
func (s *Service) Run() {
	s.runOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Aggregator.Run(ctx)
		}()
	})
}

// Start enables intake on every shard.
func (s *Service) Start() error { return s.Manager.Start() }

// Stop halts intake; bundles awaiting quorum still finish.
func (s *Service) Stop() error { return s.Manager.Stop() }

func (s *Service) Running() bool { return s.Manager.Running() }

func (s *Service) AddShard(sc models.ShardConfig) (string, error) {
	return s.Manager.AddShard(s.cfg.ShardDefaults(sc))
}

func (s *Service) RemoveShard(shardID string) error {
	if err := s.Manager.RemoveShard(shardID); err != nil {
		return err
	}
	s.Aggregator.Forget(shardID)
	metrics.ForgetShard(shardID)
	return nil
}

func (s *Service) States() []models.ShardState { return s.Manager.States() }

func (s *Service) ShardIDs() []string {
	states := s.Manager.States()
	ids := make([]string, len(states))
	for i, st := range states {
		ids[i] = st.ShardID
	}
	return ids
}

func (s *Service) Overall() models.OverallMetrics {
	return s.Manager.OverallMetrics(s.Aggregator.Latest, s.Coordinator.Count())
}

func (s *Service) CrossShard() []models.CrossShardTransaction { return s.Coordinator.List() }

func (s *Service) CrossShardTx(id string) (models.CrossShardTransaction, error) {
	return s.Coordinator.Get(id)
}

// Metrics returns a shard's retained samples, oldest first.
func (s *Service) Metrics(shardID string) ([]models.ShardMetrics, error) {
	if _, err := s.Manager.Shard(shardID); err != nil {
		return nil, err
	}
	return s.Aggregator.Series(shardID), nil
}

func (s *Service) Aggregate(shardID, field string) (metrics.Summary, error) {
	if _, err := s.Manager.Shard(shardID); err != nil {
		return metrics.Summary{}, err
	}
	return s.Aggregator.Aggregate(shardID, field)
}

// InitiateCrossShard starts the protocol. With wait set it blocks until the
// transaction is terminal; otherwise it returns the pending record.
func (s *Service) InitiateCrossShard(ctx context.Context, from, to string, payload []byte, wait bool) (models.CrossShardTransaction, error) {
	if wait {
		return s.Coordinator.Initiate(ctx, from, to, payload)
	}
	return s.Coordinator.Submit(from, to, payload)
}

func (s *Service) Submit(shardID string, tx models.Transaction) (string, error) {
	p, err := s.Manager.Shard(shardID)
	if err != nil {
		return "", err
	}
	return p.Submit(tx)
}

func (s *Service) SubmitSignature(shardID, bundleID, validatorID string, sig []byte) (models.SignatureReceipt, error) {
	p, err := s.Manager.Shard(shardID)
	if err != nil {
		return models.SignatureReceipt{}, err
	}
	return p.Verifier.SubmitSignature(bundleID, validatorID, sig)
}

func (s *Service) Bundle(shardID, bundleID string) (*models.Bundle, error) {
	p, err := s.Manager.Shard(shardID)
	if err != nil {
		return nil, err
	}
	return p.Verifier.Bundle(bundleID)
}

// NodeView is a DAG node with the bundle that proposed it, when the
// verifier still tracks that bundle.
type NodeView struct {
	*models.DagNode
	BundleID string `json:"bundle_id,omitempty"`
}

// DAGLevel lists the nodes a shard holds at one level.
func (s *Service) DAGLevel(shardID string, level uint64) ([]NodeView, error) {
	p, err := s.Manager.Shard(shardID)
	if err != nil {
		return nil, err
	}
	nodes := p.Store.ListByLevel(level)
	out := make([]NodeView, len(nodes))
	for i, n := range nodes {
		out[i].DagNode = n
		out[i].BundleID, _ = p.Verifier.BundleForNode(n.ID)
	}
	return out, nil
}

// Node returns one node, falling back to the archive for confirmed nodes
// written before the shard's in-memory DAG was rebuilt.
func (s *Service) Node(shardID, nodeID string) (NodeView, error) {
	p, err := s.Manager.Shard(shardID)
	if err != nil {
		return NodeView{}, err
	}
	n, err := p.Store.Get(nodeID)
	if err == nil {
		view := NodeView{DagNode: n}
		view.BundleID, _ = p.Verifier.BundleForNode(nodeID)
		return view, nil
	}
	if !errors.Is(err, models.ErrUnknownNode) {
		return NodeView{}, err
	}
	n, err = s.archive.GetNode(shardID, nodeID)
	if err != nil {
		return NodeView{}, err
	}
	return NodeView{DagNode: n}, nil
}

// ArchivedNodes lists every confirmed node the archive holds for a shard.
func (s *Service) ArchivedNodes(shardID string) ([]*models.DagNode, error) {
	if _, err := s.Manager.Shard(shardID); err != nil {
		return nil, err
	}
	nodes, err := s.archive.GetAllNodes(shardID)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

// SetValidatorFault changes how an in-process validator answers broadcasts.
func (s *Service) SetValidatorFault(shardID, validatorID string, f transport.Fault) error {
	if _, err := s.Manager.Shard(shardID); err != nil {
		return err
	}
	return s.transport.SetFault(shardID, validatorID, f)
}

// Checkpoint returns the shard's latest confirmed frontier.
func (s *Service) Checkpoint(shardID string) (*models.Checkpoint, error) {
	if _, err := s.Manager.Shard(shardID); err != nil {
		return nil, err
	}
	cp, err := s.archive.GetLatestCheckpoint(shardID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint for %s: %w", shardID, models.ErrUnknownNode)
	}
	return cp, nil
}

// Benchmark runs a bounded synthetic load through every shard.
func (s *Service) Benchmark(ctx context.Context, p bench.Params) (bench.Result, error) {
	if p.SampleInterval <= 0 {
		p.SampleInterval = s.cfg.Metrics.SampleInterval
	}
	return bench.Run(ctx, s, p)
}

// Close stops sampling, cross-shard runs and every shard, then closes the
// archive if the service opened it.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	s.Coordinator.Close()
	err := s.Manager.Close()
	s.transport.Close()
	if s.ownsArchive {
		err = errors.Join(err, s.archive.Close())
	}
	s.log.Info("Service closed")
	return err
}
