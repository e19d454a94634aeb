// Package crossshard commits transactions that touch two shards. Phase one
// stages a leg on each shard and waits for both legs to confirm under quorum;
// phase two finalizes the record. A leg that confirmed while its counterpart
// failed is reported as a partial commit and never rolled back here.
package crossshard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagshard/clock"
	"dagshard/logger"
	"dagshard/models"
)

// Participant is one shard's side of the protocol.
type Participant interface {
	ID() string
	Stage(ctx context.Context, tx models.Transaction) (<-chan models.LegOutcome, error)
	RecordCrossShard(d time.Duration)
}

// Directory resolves shard ids to participants.
type Directory interface {
	Participant(shardID string) (Participant, error)
	Running() bool
}

type Config struct {
	// PhaseTimeout bounds lock acquisition plus staging; it should exceed the
	// bundle confirmation timeout plus the builder's max wait.
	PhaseTimeout time.Duration
	LegFee       uint64
}

type Coordinator struct {
	dir   Directory
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	mu     sync.RWMutex
	txs    map[string]*models.CrossShardTransaction
	order  []string
	causes map[string]error // first failure seen while the protocol runs

	locksMu sync.Mutex
	locks   map[string]chan struct{} // per-shard participation locks

	onLock func(shardID string) // test hook, called after each acquisition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(dir Directory, cfg Config, clk clock.Clock) *Coordinator {
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		dir:    dir,
		cfg:    cfg,
		clock:  clk,
		log:    logger.Logger.With(zap.String("component", "crossshard")),
		txs:    make(map[string]*models.CrossShardTransaction),
		causes: make(map[string]error),
		locks:  make(map[string]chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initiate runs the protocol to a terminal state and returns the final record.
// A failed transaction returns an error; ErrPartialCommitAbandoned means one
// leg is confirmed and needs application-level compensation.
func (c *Coordinator) Initiate(ctx context.Context, from, to string, payload []byte) (models.CrossShardTransaction, error) {
	rec, err := c.open(from, to, payload)
	if err != nil {
		return models.CrossShardTransaction{}, err
	}
	err = c.execute(ctx, rec.ID)
	out, _ := c.Get(rec.ID)
	return out, err
}

// Submit opens the transaction and runs the protocol in the background.
func (c *Coordinator) Submit(from, to string, payload []byte) (models.CrossShardTransaction, error) {
	rec, err := c.open(from, to, payload)
	if err != nil {
		return models.CrossShardTransaction{}, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.execute(c.ctx, rec.ID); err != nil {
			c.log.Warn("Cross-shard transaction failed", zap.String("tx_id", rec.ID), zap.Error(err))
		}
	}()
	return rec, nil
}

func (c *Coordinator) open(from, to string, payload []byte) (models.CrossShardTransaction, error) {
	if from == "" || to == "" || from == to {
		return models.CrossShardTransaction{}, models.ErrSameShard
	}
	if !c.dir.Running() {
		return models.CrossShardTransaction{}, models.ErrIntakeStopped
	}
	rec := &models.CrossShardTransaction{
		ID:        models.NewID(),
		FromShard: from,
		ToShard:   to,
		Payload:   append([]byte(nil), payload...),
		Status:    models.CrossShardPending,
		CreatedAt: c.clock.Now(),
	}
	// recorded before the shards are looked up so a concurrent removal either
	// sees it pending or the lookup below fails
	c.mu.Lock()
	c.txs[rec.ID] = rec
	c.order = append(c.order, rec.ID)
	c.mu.Unlock()
	return *rec, nil
}

func (c *Coordinator) execute(ctx context.Context, id string) error {
	rec, _ := c.Get(id)
	started := c.clock.Now()

	from, err := c.dir.Participant(rec.FromShard)
	if err != nil {
		return c.fail(id, err)
	}
	to, err := c.dir.Participant(rec.ToShard)
	if err != nil {
		return c.fail(id, err)
	}
	defer func() {
		d := c.clock.Now().Sub(started)
		from.RecordCrossShard(d)
		to.RecordCrossShard(d)
	}()

	phaseCtx, cancel := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	defer cancel()

	release, err := c.acquire(phaseCtx, rec.FromShard, rec.ToShard)
	if err != nil {
		return c.fail(id, fmt.Errorf("acquire shard locks: %w", err))
	}
	fromCh, toCh, err := c.stage(phaseCtx, rec, from, to)
	if err == nil {
		c.await(phaseCtx, id, fromCh, toCh)
	}
	release()

	if err != nil {
		return c.fail(id, err)
	}
	return c.finish(id)
}

// stage queues both legs in canonical shard order. If the second leg cannot
// be staged the first one is still watched so a late confirmation is seen.
func (c *Coordinator) stage(ctx context.Context, rec models.CrossShardTransaction, from, to Participant) (<-chan models.LegOutcome, <-chan models.LegOutcome, error) {
	legs := []struct {
		p    Participant
		role string
		ch   <-chan models.LegOutcome
	}{{p: from, role: "from"}, {p: to, role: "to"}}
	if to.ID() < from.ID() {
		legs[0], legs[1] = legs[1], legs[0]
	}

	for i := range legs {
		ch, err := legs[i].p.Stage(ctx, models.Transaction{
			ID:           rec.ID + ":" + legs[i].role,
			Fee:          c.cfg.LegFee,
			Payload:      rec.Payload,
			CrossShardID: rec.ID,
		})
		if err != nil {
			if i == 1 {
				c.watchOrphan(rec.ID, legs[0].ch)
			}
			return nil, nil, fmt.Errorf("stage %s leg on %s: %w", legs[i].role, legs[i].p.ID(), err)
		}
		legs[i].ch = ch
	}
	if legs[0].role == "from" {
		return legs[0].ch, legs[1].ch, nil
	}
	return legs[1].ch, legs[0].ch, nil
}

// await collects leg outcomes until both legs are terminal or the phase
// times out. Legs still open at the deadline are handed to an orphan watcher.
func (c *Coordinator) await(ctx context.Context, id string, fromCh, toCh <-chan models.LegOutcome) {
	for fromCh != nil || toCh != nil {
		select {
		case out := <-fromCh:
			fromCh = nil
			c.record(id, true, out)
		case out := <-toCh:
			toCh = nil
			c.record(id, false, out)
		case <-ctx.Done():
			c.mu.Lock()
			if c.causes[id] == nil {
				c.causes[id] = fmt.Errorf("phase timeout: %w", ctx.Err())
			}
			c.mu.Unlock()
			c.watchOrphan(id, fromCh)
			c.watchOrphan(id, toCh)
			return
		}
	}
}

func (c *Coordinator) record(id string, fromLeg bool, out models.LegOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.txs[id]
	if !out.Confirmed {
		if c.causes[id] == nil && out.Err != nil {
			c.causes[id] = fmt.Errorf("leg on %s: %w", out.ShardID, out.Err)
		}
		return
	}
	if fromLeg {
		rec.FromAck = true
		rec.FromBundle = out.BundleID
	} else {
		rec.ToAck = true
		rec.ToBundle = out.BundleID
	}
	c.log.Debug("Cross-shard leg acknowledged",
		zap.String("tx_id", id), zap.String("shard_id", out.ShardID), zap.String("bundle_id", out.BundleID))
}

// finish validates and commits when both acks exist, otherwise fails.
func (c *Coordinator) finish(id string) error {
	c.mu.Lock()
	rec := c.txs[id]
	if rec.Status.Terminal() {
		c.mu.Unlock()
		return nil
	}
	switch {
	case rec.FromAck && rec.ToAck:
		rec.Status = models.CrossShardValidated
		c.mu.Unlock()
		return c.commit(id)
	case rec.FromAck || rec.ToAck:
		rec.PartialCommit = true
		c.mu.Unlock()
		return c.fail(id, models.ErrPartialCommitAbandoned)
	}
	cause := c.causes[id]
	c.mu.Unlock()
	if cause == nil {
		cause = errors.New("legs not acknowledged")
	}
	return c.fail(id, cause)
}

// commit is the only way to reach committed and requires both acks.
func (c *Coordinator) commit(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.txs[id]
	if rec.Status != models.CrossShardValidated || !rec.FromAck || !rec.ToAck {
		return fmt.Errorf("commit %s from %s with acks from=%t to=%t", id, rec.Status, rec.FromAck, rec.ToAck)
	}
	rec.Status = models.CrossShardCommitted
	rec.CompletedAt = c.clock.Now()
	delete(c.causes, id)
	c.log.Info("Cross-shard transaction committed",
		zap.String("tx_id", id), zap.String("from_shard", rec.FromShard), zap.String("to_shard", rec.ToShard))
	return nil
}

// fail moves the transaction to failed. Failed is terminal.
func (c *Coordinator) fail(id string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.txs[id]
	if rec.Status.Terminal() {
		return cause
	}
	rec.Status = models.CrossShardFailed
	rec.CompletedAt = c.clock.Now()
	if prior := c.causes[id]; prior != nil && !errors.Is(cause, prior) {
		cause = fmt.Errorf("%w (%v)", cause, prior)
	}
	delete(c.causes, id)
	rec.FailureReason = cause.Error()
	if rec.PartialCommit {
		c.log.Error("Cross-shard transaction abandoned with one leg confirmed",
			zap.String("tx_id", id),
			zap.Bool("from_ack", rec.FromAck),
			zap.Bool("to_ack", rec.ToAck),
			zap.Error(models.ErrPartialCommitAbandoned))
		return fmt.Errorf("cross-shard %s: %w", id, models.ErrPartialCommitAbandoned)
	}
	c.log.Warn("Cross-shard transaction failed", zap.String("tx_id", id), zap.Error(cause))
	return fmt.Errorf("cross-shard %s: %w", id, cause)
}

// watchOrphan waits for a leg the protocol stopped waiting for. If it
// confirms after all, the failed transaction is flagged as a partial commit.
func (c *Coordinator) watchOrphan(id string, ch <-chan models.LegOutcome) {
	if ch == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case out := <-ch:
			if !out.Confirmed {
				return
			}
			c.mu.Lock()
			rec := c.txs[id]
			rec.PartialCommit = true
			rec.FailureReason = models.ErrPartialCommitAbandoned.Error()
			c.mu.Unlock()
			c.log.Error("Late leg confirmation on abandoned cross-shard transaction",
				zap.String("tx_id", id), zap.String("shard_id", out.ShardID), zap.String("bundle_id", out.BundleID))
		case <-c.ctx.Done():
		}
	}()
}

// OrderedPair returns the two shard ids in ascending order. Participation
// locks are always taken in this order so two coordinators racing on the
// same pair cannot deadlock.
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (c *Coordinator) acquire(ctx context.Context, a, b string) (func(), error) {
	first, second := OrderedPair(a, b)
	l1, l2 := c.lockFor(first), c.lockFor(second)

	select {
	case l1 <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.locked(first)
	select {
	case l2 <- struct{}{}:
	case <-ctx.Done():
		<-l1
		return nil, ctx.Err()
	}
	c.locked(second)
	return func() {
		<-l2
		<-l1
	}, nil
}

func (c *Coordinator) lockFor(shardID string) chan struct{} {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[shardID]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[shardID] = l
	}
	return l
}

func (c *Coordinator) locked(shardID string) {
	if c.onLock != nil {
		c.onLock(shardID)
	}
}

func (c *Coordinator) Get(id string) (models.CrossShardTransaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.txs[id]
	if !ok {
		return models.CrossShardTransaction{}, fmt.Errorf("%s: %w", id, models.ErrUnknownTransaction)
	}
	out := *rec
	out.Payload = append([]byte(nil), rec.Payload...)
	return out, nil
}

// List returns all transactions in creation order.
func (c *Coordinator) List() []models.CrossShardTransaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.CrossShardTransaction, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.txs[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.txs)
}

// HasPending reports whether a non-terminal transaction references shardID.
func (c *Coordinator) HasPending(shardID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.txs {
		if !rec.Status.Terminal() && rec.References(shardID) {
			return true
		}
	}
	return false
}

// Close cancels background protocol runs and waits for them.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
