// Package bundle batches a shard's pending transactions into bundles and
// their DAG nodes.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagshard/clock"
	"dagshard/dag"
	"dagshard/logger"
	"dagshard/models"
)

type Config struct {
	MaxSize       int           // transactions per bundle
	MaxWait       time.Duration // oldest transaction age that forces a flush
	QueueCapacity int           // bound on pending transactions
	MaxParents    int           // confirmed tips referenced by each bundle
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 100
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 200 * time.Millisecond
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10 * c.MaxSize
	}
	if c.MaxParents <= 0 {
		c.MaxParents = 4
	}
	return c
}

// Collector receives freshly built bundles for signature collection.
type Collector interface {
	Track(ctx context.Context, b *models.Bundle) error
}

// Rejection is a transaction dropped at build time.
type Rejection struct {
	Tx  models.Transaction
	Err error
}

// Batch is the result of one BuildBundle call. Bundle is nil when nothing was
// ready or every drained transaction was rejected.
type Batch struct {
	Bundle   *models.Bundle
	Node     *models.DagNode
	Rejected []Rejection
}

type Builder struct {
	shardID    string
	proposerID string
	cfg        Config
	store      *dag.Store
	clock      clock.Clock
	collector  Collector
	log        *zap.Logger

	mu    sync.Mutex
	queue []models.Transaction
}

func New(shardID, proposerID string, cfg Config, store *dag.Store, clk clock.Clock, collector Collector) *Builder {
	return &Builder{
		shardID:    shardID,
		proposerID: proposerID,
		cfg:        cfg.withDefaults(),
		store:      store,
		clock:      clk,
		collector:  collector,
		log:        logger.Shard(shardID),
	}
}

func (b *Builder) Config() Config { return b.cfg }

// Enqueue appends tx to the pending queue and returns its id. Transactions
// referencing a node the shard does not know are rejected immediately.
func (b *Builder) Enqueue(tx models.Transaction) (string, error) {
	if _, err := b.store.LevelFor(tx.Parents); err != nil {
		return "", err
	}
	if tx.ID == "" {
		tx.ID = models.NewID()
	}
	if tx.EnqueuedAt.IsZero() {
		tx.EnqueuedAt = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.cfg.QueueCapacity {
		return "", models.ErrQueueFull
	}
	b.queue = append(b.queue, tx)
	return tx.ID, nil
}

func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Ready reports whether a flush is due: MaxSize transactions are queued or the
// oldest one has waited MaxWait.
func (b *Builder) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready()
}

func (b *Builder) ready() bool {
	if len(b.queue) == 0 {
		return false
	}
	if len(b.queue) >= b.cfg.MaxSize {
		return true
	}
	return b.clock.Now().Sub(b.queue[0].EnqueuedAt) >= b.cfg.MaxWait
}

// BuildBundle drains up to MaxSize transactions once a flush is due, inserts
// the pending node into the store and hands the bundle to the collector. An
// empty or not-yet-due queue is a no-op.
func (b *Builder) BuildBundle(ctx context.Context) (*Batch, error) {
	b.mu.Lock()
	if !b.ready() {
		b.mu.Unlock()
		return &Batch{}, nil
	}

	n := min(b.cfg.MaxSize, len(b.queue))
	drained := append([]models.Transaction(nil), b.queue[:n]...)
	b.queue = append(b.queue[:0], b.queue[n:]...)

	batch := &Batch{}
	var accepted []models.Transaction
	for _, tx := range drained {
		if _, err := b.store.LevelFor(tx.Parents); err != nil {
			batch.Rejected = append(batch.Rejected, Rejection{Tx: tx, Err: err})
			b.log.Warn("Rejected transaction at build time",
				zap.String("tx_id", tx.ID), zap.Strings("parents", tx.Parents), zap.Error(err))
			continue
		}
		accepted = append(accepted, tx)
	}
	if len(accepted) == 0 {
		b.mu.Unlock()
		return batch, nil
	}

	parents := b.parentsFor(accepted)
	level, err := b.store.LevelFor(parents)
	if err == nil {
		batch.Bundle, batch.Node = b.assemble(accepted, parents, level)
		err = b.store.Insert(batch.Node)
	}
	if err != nil {
		// a referenced pending parent vanished; retry on the next flush
		b.queue = append(accepted, b.queue...)
		b.mu.Unlock()
		return &Batch{Rejected: batch.Rejected}, fmt.Errorf("build bundle: %w", err)
	}
	b.mu.Unlock()

	b.log.Debug("Built bundle",
		zap.String("bundle_id", batch.Bundle.BundleID),
		zap.String("node_id", batch.Node.ID),
		zap.Uint64("level", level),
		zap.Int("transactions", len(accepted)))

	if err := b.collector.Track(ctx, batch.Bundle.Clone()); err != nil {
		if derr := b.store.Discard(batch.Node.ID); derr != nil {
			b.log.Warn("Failed to discard untracked node", zap.String("node_id", batch.Node.ID), zap.Error(derr))
		}
		return batch, fmt.Errorf("hand off bundle %s: %w", batch.Bundle.BundleID, err)
	}
	return batch, nil
}

// parentsFor unions the explicit transaction parents with the confirmed tips.
func (b *Builder) parentsFor(txs []models.Transaction) []string {
	seen := make(map[string]struct{})
	for _, tx := range txs {
		for _, p := range tx.Parents {
			seen[p] = struct{}{}
		}
	}
	for _, tip := range b.store.ConfirmedTips(b.cfg.MaxParents) {
		seen[tip] = struct{}{}
	}
	parents := make([]string, 0, len(seen))
	for p := range seen {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	return parents
}

func (b *Builder) assemble(txs []models.Transaction, parents []string, level uint64) (*models.Bundle, *models.DagNode) {
	now := b.clock.Now()
	nodeID := models.NewID()

	var fee, cost uint64
	for _, tx := range txs {
		fee += tx.Fee
		cost += tx.ResourceCost
	}
	hash := ContentHash(b.shardID, nodeID, level, parents, txs, now)

	node := &models.DagNode{
		ID:               nodeID,
		ShardID:          b.shardID,
		ContentHash:      hash,
		Parents:          parents,
		Level:            level,
		TransactionCount: len(txs),
		CreatedAt:        now,
		ProposerID:       b.proposerID,
		ResourceCost:     cost,
	}
	bundle := &models.Bundle{
		BundleID:         models.NewID(),
		NodeID:           nodeID,
		ShardID:          b.shardID,
		ContentHash:      hash,
		Transactions:     txs,
		TransactionCount: len(txs),
		TotalFee:         fee,
		CreatedAt:        now,
		Status:           models.BundlePending,
	}
	return bundle, node
}

// ContentHash is the digest validators sign for a bundle.
func ContentHash(shardID, nodeID string, level uint64, parents []string, txs []models.Transaction, created time.Time) []byte {
	h := sha256.New()
	var buf [8]byte
	writeString := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	writeString(shardID)
	writeString(nodeID)
	writeUint(level)
	writeUint(uint64(len(parents)))
	for _, p := range parents {
		writeString(p)
	}
	writeUint(uint64(len(txs)))
	for _, tx := range txs {
		writeString(tx.ID)
		writeUint(tx.Fee)
		writeUint(tx.ResourceCost)
		writeString(tx.CrossShardID)
		writeString(string(tx.Payload))
	}
	writeUint(uint64(created.UnixNano()))
	return h.Sum(nil)
}
