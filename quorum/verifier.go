// Package quorum accumulates validator signatures per bundle and confirms a
// bundle the moment valid, distinct-validator weight reaches the quorum
// fraction of the shard's total weight.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dagshard/clock"
	"dagshard/dag"
	"dagshard/logger"
	"dagshard/models"
	"dagshard/repository"
	"dagshard/sigverify"
	"dagshard/transport"
)

type Config struct {
	Fraction            models.Fraction
	ConfirmationTimeout time.Duration
	// Retention is how long terminal bundles stay queryable in memory.
	Retention time.Duration
}

// Observer is told about terminal transitions and verification cost.
type Observer interface {
	BundleConfirmed(b *models.Bundle, n *models.DagNode)
	BundleFailed(b *models.Bundle, err error)
	SignatureVerified(elapsed time.Duration, valid bool)
}

type Options struct {
	ShardID     string
	Config      Config
	Validators  *models.ValidatorSet
	Signatures  sigverify.Verifier
	Store       *dag.Store
	Archive     repository.Archive    // optional
	Broadcaster transport.Broadcaster // optional
	Observer    Observer              // optional
	Clock       clock.Clock
}

// tally is the weight accumulator of one bundle. mu is the only lock held
// while a signature is counted.
type tally struct {
	mu        sync.Mutex
	bundle    *models.Bundle
	signed    map[string]struct{} // validators with a counted signature
	rejected  map[string]struct{} // validators with a retained invalid signature
	sumWeight uint64
	quorum    bool
	closedAt  time.Time
}

type Verifier struct {
	shardID     string
	cfg         Config
	validators  *models.ValidatorSet
	signatures  sigverify.Verifier
	store       *dag.Store
	archive     repository.Archive
	broadcaster transport.Broadcaster
	observer    Observer
	clock       clock.Clock
	log         *zap.Logger

	threshold uint64
	inflight  atomic.Int64

	mu      sync.RWMutex
	tallies map[string]*tally // bundle id
	byNode  map[string]string // node id -> bundle id
	closed  bool
}

func New(opts Options) (*Verifier, error) {
	cfg := opts.Config
	if cfg.Fraction == (models.Fraction{}) {
		cfg.Fraction = models.TwoThirds
	}
	if !cfg.Fraction.Valid() {
		return nil, fmt.Errorf("%w: quorum fraction %s", models.ErrInvalidConfig, cfg.Fraction)
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * cfg.ConfirmationTimeout
	}
	if opts.Validators == nil || opts.Validators.TotalWeight() == 0 {
		return nil, fmt.Errorf("%w: shard %s has no validator weight", models.ErrInvalidConfig, opts.ShardID)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Verifier{
		shardID:     opts.ShardID,
		cfg:         cfg,
		validators:  opts.Validators,
		signatures:  opts.Signatures,
		store:       opts.Store,
		archive:     opts.Archive,
		broadcaster: opts.Broadcaster,
		observer:    opts.Observer,
		clock:       opts.Clock,
		log:         logger.Shard(opts.ShardID),
		threshold:   cfg.Fraction.Threshold(opts.Validators.TotalWeight()),
		tallies:     make(map[string]*tally),
		byNode:      make(map[string]string),
	}, nil
}

// Threshold is the quorum weight a bundle needs.
func (v *Verifier) Threshold() uint64 { return v.threshold }

func (v *Verifier) Fraction() models.Fraction { return v.cfg.Fraction }

func (v *Verifier) TotalWeight() uint64 { return v.validators.TotalWeight() }

// Inflight counts bundles still waiting for quorum.
func (v *Verifier) Inflight() int { return int(v.inflight.Load()) }

// Track registers a pending bundle and broadcasts it to the validators.
func (v *Verifier) Track(ctx context.Context, b *models.Bundle) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return models.ErrBundleClosed
	}
	if _, exists := v.tallies[b.BundleID]; exists {
		v.mu.Unlock()
		return fmt.Errorf("bundle %s: %w", b.BundleID, models.ErrAlreadyExists)
	}
	b.Status = models.BundlePending
	v.tallies[b.BundleID] = &tally{bundle: b, signed: make(map[string]struct{}), rejected: make(map[string]struct{})}
	v.byNode[b.NodeID] = b.BundleID
	v.inflight.Add(1)
	v.mu.Unlock()

	if v.broadcaster != nil {
		if err := v.broadcaster.Broadcast(ctx, b.Clone()); err != nil {
			v.log.Warn("Bundle broadcast failed", zap.String("bundle_id", b.BundleID), zap.Error(err))
		}
	}
	return nil
}

// SubmitSignature verifies and records one validator signature.
//
// ErrRejectedSignature and ErrDuplicateSignature are informational: the
// bundle keeps collecting. The receipt reflects the accumulator afterwards.
// Each validator leaves at most one invalid record on a bundle; a later valid
// signature from it still counts. Signatures from validators outside the set
// are not recorded at all.
func (v *Verifier) SubmitSignature(bundleID, validatorID string, sig []byte) (models.SignatureReceipt, error) {
	t, ok := v.lookup(bundleID)
	if !ok {
		return models.SignatureReceipt{BundleID: bundleID}, fmt.Errorf("bundle %s: %w", bundleID, models.ErrUnknownBundle)
	}

	val, known := v.validators.Lookup(validatorID)
	if !known {
		t.mu.Lock()
		receipt := v.receipt(t, false)
		t.mu.Unlock()
		return receipt, fmt.Errorf("%w: %w: %s", models.ErrRejectedSignature, models.ErrUnknownValidator, validatorID)
	}

	// ContentHash never changes after Track, so verification runs unlocked.
	started := time.Now()
	verr := v.signatures.Verify(validatorID, t.bundle.ContentHash, sig)
	v.observer.SignatureVerified(time.Since(started), verr == nil)

	now := v.clock.Now()
	t.mu.Lock()
	if _, dup := t.signed[validatorID]; dup {
		receipt := v.receipt(t, false)
		t.mu.Unlock()
		return receipt, models.ErrDuplicateSignature
	}
	if t.bundle.Status.Terminal() {
		receipt := v.receipt(t, false)
		t.mu.Unlock()
		return receipt, models.ErrBundleClosed
	}

	if verr != nil {
		_, seen := t.rejected[validatorID]
		if !seen {
			t.rejected[validatorID] = struct{}{}
			t.bundle.Signatures = append(t.bundle.Signatures, models.ValidatorSignature{
				ValidatorID:      validatorID,
				ValidatorAddress: val.Address,
				Signature:        append([]byte(nil), sig...),
				Region:           val.Region,
				Weight:           val.Weight,
				ReceivedAt:       now,
			})
		}
		receipt := v.receipt(t, false)
		t.mu.Unlock()
		if !seen {
			v.log.Info("Rejected validator signature",
				zap.String("bundle_id", bundleID), zap.String("validator_id", validatorID), zap.Error(verr))
		}
		return receipt, fmt.Errorf("%w: %v", models.ErrRejectedSignature, verr)
	}

	t.bundle.Signatures = append(t.bundle.Signatures, models.ValidatorSignature{
		ValidatorID:      validatorID,
		ValidatorAddress: val.Address,
		Signature:        append([]byte(nil), sig...),
		Region:           val.Region,
		Weight:           val.Weight,
		ReceivedAt:       now,
		IsValid:          true,
	})

	t.signed[validatorID] = struct{}{}
	t.sumWeight += val.Weight
	if !t.quorum && v.cfg.Fraction.Reached(t.sumWeight, v.validators.TotalWeight()) {
		t.quorum = true
		v.log.Debug("Quorum reached",
			zap.String("bundle_id", bundleID),
			zap.String("validator_id", validatorID),
			zap.Uint64("weight", t.sumWeight),
			zap.Uint64("threshold", v.threshold))
	}
	confirmed, snap, node := v.tryConfirm(t)
	receipt := v.receipt(t, true)
	t.mu.Unlock()

	if confirmed {
		v.afterConfirm(snap, node)
	}
	return receipt, nil
}

// tryConfirm confirms a bundle that holds quorum once all its ancestors are
// confirmed. Caller holds t.mu.
func (v *Verifier) tryConfirm(t *tally) (bool, *models.Bundle, *models.DagNode) {
	if !t.quorum || t.bundle.Status != models.BundlePending {
		return false, nil, nil
	}
	node, err := v.store.Confirm(t.bundle.NodeID)
	switch {
	case err == nil, errors.Is(err, models.ErrAlreadyConfirmed):
	case errors.Is(err, models.ErrAncestorUnconfirmed):
		v.log.Debug("Quorum held, waiting on ancestors", zap.String("bundle_id", t.bundle.BundleID))
		return false, nil, nil
	default:
		v.log.Error("Failed to confirm node", zap.String("node_id", t.bundle.NodeID), zap.Error(err))
		return false, nil, nil
	}

	now := v.clock.Now()
	t.bundle.Status = models.BundleConfirmed
	t.bundle.ConfirmedAt = now
	t.bundle.ConfirmationTime = now.Sub(t.bundle.CreatedAt)
	t.closedAt = now
	v.inflight.Add(-1)
	return true, t.bundle.Clone(), node
}

// afterConfirm persists a confirmed bundle, notifies the observer and
// confirms descendants that were only waiting on it.
func (v *Verifier) afterConfirm(b *models.Bundle, n *models.DagNode) {
	type confirmed struct {
		bundle *models.Bundle
		node   *models.DagNode
	}
	work := []confirmed{{b, n}}
	for len(work) > 0 {
		c := work[0]
		work = work[1:]

		v.persist(c.bundle, c.node)
		v.log.Info("Bundle confirmed",
			zap.String("bundle_id", c.bundle.BundleID),
			zap.String("node_id", c.node.ID),
			zap.Uint64("level", c.node.Level),
			zap.Duration("confirmation_time", c.bundle.ConfirmationTime))
		v.observer.BundleConfirmed(c.bundle, c.node)

		for _, childID := range v.store.Children(c.node.ID) {
			v.mu.RLock()
			ct := v.tallies[v.byNode[childID]]
			v.mu.RUnlock()
			if ct == nil {
				continue
			}
			ct.mu.Lock()
			ok, snap, node := v.tryConfirm(ct)
			ct.mu.Unlock()
			if ok {
				work = append(work, confirmed{snap, node})
			}
		}
	}
}

func (v *Verifier) persist(b *models.Bundle, n *models.DagNode) {
	if v.archive == nil {
		return
	}
	if err := v.archive.PutConfirmed(b, n); err != nil {
		v.log.Error("Failed to archive confirmed bundle", zap.String("bundle_id", b.BundleID), zap.Error(err))
		return
	}
	level, nodeID, _ := v.store.LatestConfirmedLevel()
	cp := &models.Checkpoint{
		ID:             models.NewID(),
		ShardID:        v.shardID,
		NodeID:         nodeID,
		Level:          level,
		ConfirmedNodes: v.store.Stats().Confirmed,
		Timestamp:      b.ConfirmedAt.UnixMilli(),
	}
	if err := v.archive.PutCheckpoint(cp); err != nil {
		v.log.Warn("Failed to write checkpoint", zap.Error(err))
	}
}

// Sweep fails pending bundles older than the confirmation timeout and forgets
// terminal bundles past retention. Returns the bundles it failed.
func (v *Verifier) Sweep() []*models.Bundle {
	now := v.clock.Now()

	v.mu.RLock()
	tallies := make([]*tally, 0, len(v.tallies))
	for _, t := range v.tallies {
		tallies = append(tallies, t)
	}
	v.mu.RUnlock()

	var failed []*models.Bundle
	var expired []*models.Bundle
	for _, t := range tallies {
		t.mu.Lock()
		switch {
		case t.bundle.Status == models.BundlePending && now.Sub(t.bundle.CreatedAt) >= v.cfg.ConfirmationTimeout:
			t.bundle.Status = models.BundleFailed
			t.closedAt = now
			v.inflight.Add(-1)
			if err := v.store.Discard(t.bundle.NodeID); err != nil {
				v.log.Warn("Failed to discard node", zap.String("node_id", t.bundle.NodeID), zap.Error(err))
			}
			failed = append(failed, t.bundle.Clone())
		case t.bundle.Status.Terminal() && now.Sub(t.closedAt) >= v.cfg.Retention:
			expired = append(expired, t.bundle)
		}
		t.mu.Unlock()
	}

	for _, b := range failed {
		v.log.Warn("Bundle confirmation timed out",
			zap.String("bundle_id", b.BundleID),
			zap.String("node_id", b.NodeID),
			zap.Int("signatures", len(b.Signatures)))
		v.observer.BundleFailed(b, fmt.Errorf("bundle %s: %w", b.BundleID, models.ErrBundleConfirmationTimeout))
	}

	if len(expired) > 0 {
		v.mu.Lock()
		for _, b := range expired {
			delete(v.tallies, b.BundleID)
			delete(v.byNode, b.NodeID)
		}
		v.mu.Unlock()
	}
	return failed
}

// Bundle returns a snapshot of a tracked bundle, falling back to the archive
// for confirmed bundles that were already forgotten.
func (v *Verifier) Bundle(bundleID string) (*models.Bundle, error) {
	if t, ok := v.lookup(bundleID); ok {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.bundle.Clone(), nil
	}
	if v.archive != nil {
		return v.archive.GetBundle(v.shardID, bundleID)
	}
	return nil, fmt.Errorf("bundle %s: %w", bundleID, models.ErrUnknownBundle)
}

// BundleForNode maps a tracked node back to its bundle.
func (v *Verifier) BundleForNode(nodeID string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.byNode[nodeID]
	return id, ok
}

// SumWeight returns the counted weight of a tracked bundle.
func (v *Verifier) SumWeight(bundleID string) (uint64, error) {
	t, ok := v.lookup(bundleID)
	if !ok {
		return 0, fmt.Errorf("bundle %s: %w", bundleID, models.ErrUnknownBundle)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sumWeight, nil
}

// Close rejects further Track calls. Pending bundles still confirm or time out.
func (v *Verifier) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}

func (v *Verifier) lookup(bundleID string) (*tally, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.tallies[bundleID]
	return t, ok
}

func (v *Verifier) receipt(t *tally, accepted bool) models.SignatureReceipt {
	return models.SignatureReceipt{
		BundleID:  t.bundle.BundleID,
		SumWeight: t.sumWeight,
		Threshold: v.threshold,
		Status:    t.bundle.Status,
		Accepted:  accepted,
	}
}

type nopObserver struct{}

func (nopObserver) BundleConfirmed(*models.Bundle, *models.DagNode) {}
func (nopObserver) BundleFailed(*models.Bundle, error)              {}
func (nopObserver) SignatureVerified(time.Duration, bool)           {}
