package quorum

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dagshard/clock"
	"dagshard/dag"
	"dagshard/models"
	"dagshard/repository"
	"dagshard/sigverify"
	"dagshard/transport"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type events struct {
	mu        sync.Mutex
	confirmed []string
	failed    []string
	verified  int
}

func (e *events) BundleConfirmed(b *models.Bundle, _ *models.DagNode) {
	e.mu.Lock()
	e.confirmed = append(e.confirmed, b.BundleID)
	e.mu.Unlock()
}

func (e *events) BundleFailed(b *models.Bundle, _ error) {
	e.mu.Lock()
	e.failed = append(e.failed, b.BundleID)
	e.mu.Unlock()
}

func (e *events) SignatureVerified(time.Duration, bool) {
	e.mu.Lock()
	e.verified++
	e.mu.Unlock()
}

type fixture struct {
	verifier *Verifier
	store    *dag.Store
	clock    *clock.Manual
	archive  *repository.Memory
	signers  map[string]*sigverify.Signer
	events   *events
}

func newFixture(t *testing.T, weights ...uint64) *fixture {
	t.Helper()
	ring := sigverify.NewKeyRing()
	signers := make(map[string]*sigverify.Signer)
	var validators []models.Validator
	for i, w := range weights {
		id := fmt.Sprintf("v%d", i+1)
		s := sigverify.SignerFromSeed(id, "quorum-test-"+id)
		require.NoError(t, ring.Add(id, s.Public()))
		signers[id] = s
		validators = append(validators, models.Validator{ID: id, Address: "addr-" + id, Region: "eu", Weight: w})
	}
	set, err := models.NewValidatorSet(validators...)
	require.NoError(t, err)

	f := &fixture{
		store:   dag.NewStore("shard-a"),
		clock:   clock.NewManual(epoch),
		archive: repository.NewMemory(),
		signers: signers,
		events:  &events{},
	}
	f.verifier, err = New(Options{
		ShardID:    "shard-a",
		Config:     Config{Fraction: models.TwoThirds, ConfirmationTimeout: 10 * time.Second},
		Validators: set,
		Signatures: ring,
		Store:      f.store,
		Archive:    f.archive,
		Observer:   f.events,
		Clock:      f.clock,
	})
	require.NoError(t, err)
	return f
}

// track inserts a pending node and registers its bundle.
func (f *fixture) track(t *testing.T, id string, parents ...string) *models.Bundle {
	t.Helper()
	level, err := f.store.LevelFor(parents)
	require.NoError(t, err)
	hash := []byte("hash-" + id)
	require.NoError(t, f.store.Insert(&models.DagNode{
		ID: "node-" + id, ShardID: "shard-a", ContentHash: hash, Parents: parents, Level: level, CreatedAt: f.clock.Now(),
	}))
	b := &models.Bundle{
		BundleID:    id,
		NodeID:      "node-" + id,
		ShardID:     "shard-a",
		ContentHash: hash,
		CreatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.verifier.Track(context.Background(), b))
	return b
}

func (f *fixture) sign(t *testing.T, bundleID, validatorID string) (models.SignatureReceipt, error) {
	t.Helper()
	b, err := f.verifier.Bundle(bundleID)
	require.NoError(t, err)
	return f.verifier.SubmitSignature(bundleID, validatorID, f.signers[validatorID].Sign(b.ContentHash))
}

func TestConfirmsOnSecondOfThreeSignatures(t *testing.T) {
	f := newFixture(t, 1000, 1000, 1000)
	require.Equal(t, uint64(2000), f.verifier.Threshold())
	f.track(t, "b1")

	f.clock.Advance(300 * time.Millisecond)
	receipt, err := f.sign(t, "b1", "v1")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), receipt.SumWeight)
	require.Equal(t, models.BundlePending, receipt.Status)

	f.clock.Advance(450 * time.Millisecond)
	receipt, err = f.sign(t, "b1", "v2")
	require.NoError(t, err)
	require.Equal(t, uint64(2000), receipt.SumWeight)
	require.Equal(t, models.BundleConfirmed, receipt.Status)

	b, err := f.verifier.Bundle("b1")
	require.NoError(t, err)
	require.Equal(t, 750*time.Millisecond, b.ConfirmationTime)
	node, err := f.store.Get("node-b1")
	require.NoError(t, err)
	require.True(t, node.Confirmed)
	require.Equal(t, []string{"b1"}, f.events.confirmed)
	require.Equal(t, 0, f.verifier.Inflight())

	archived, err := f.archive.GetBundle("shard-a", "b1")
	require.NoError(t, err)
	require.Equal(t, models.BundleConfirmed, archived.Status)
	cp, err := f.archive.GetLatestCheckpoint("shard-a")
	require.NoError(t, err)
	require.Equal(t, "node-b1", cp.NodeID)

	// the third validator is late; confirmation time does not move
	_, err = f.sign(t, "b1", "v3")
	require.ErrorIs(t, err, models.ErrBundleClosed)
	b, _ = f.verifier.Bundle("b1")
	require.Equal(t, 750*time.Millisecond, b.ConfirmationTime)
}

func TestInvalidSignatureDoesNotCountAndBundleTimesOut(t *testing.T) {
	f := newFixture(t, 1000, 1000, 1000)
	b := f.track(t, "b1")

	_, err := f.sign(t, "b1", "v1")
	require.NoError(t, err)

	forged := f.signers["v1"].Sign(b.ContentHash)
	receipt, err := f.verifier.SubmitSignature("b1", "v2", forged)
	require.ErrorIs(t, err, models.ErrRejectedSignature)
	require.Equal(t, uint64(1000), receipt.SumWeight)
	require.Equal(t, models.BundlePending, receipt.Status)

	snap, _ := f.verifier.Bundle("b1")
	require.Len(t, snap.Signatures, 2)
	require.True(t, snap.Signatures[0].IsValid)
	require.False(t, snap.Signatures[1].IsValid)

	f.clock.Advance(9 * time.Second)
	require.Empty(t, f.verifier.Sweep())

	f.clock.Advance(time.Second)
	failed := f.verifier.Sweep()
	require.Len(t, failed, 1)
	snap, _ = f.verifier.Bundle("b1")
	require.Equal(t, models.BundleFailed, snap.Status)
	_, err = f.store.Get("node-b1")
	require.ErrorIs(t, err, models.ErrUnknownNode)
	require.Equal(t, []string{"b1"}, f.events.failed)

	// a late valid signature cannot resurrect a failed bundle
	_, err = f.sign(t, "b1", "v3")
	require.ErrorIs(t, err, models.ErrBundleClosed)
}

func TestDuplicateSignatureIsIdempotent(t *testing.T) {
	f := newFixture(t, 1000, 1000, 1000)
	f.track(t, "b1")

	_, err := f.sign(t, "b1", "v1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		receipt, err := f.sign(t, "b1", "v1")
		require.ErrorIs(t, err, models.ErrDuplicateSignature)
		require.Equal(t, uint64(1000), receipt.SumWeight)
	}
	sum, err := f.verifier.SumWeight("b1")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), sum)

	snap, _ := f.verifier.Bundle("b1")
	require.Len(t, snap.Signatures, 1)
	require.Equal(t, models.BundlePending, snap.Status)
}

func TestUnknownValidatorIsRejected(t *testing.T) {
	f := newFixture(t, 1000, 1000, 1000)
	f.track(t, "b1")
	for i := 0; i < 20; i++ {
		_, err := f.verifier.SubmitSignature("b1", "mallory", []byte("sig"))
		require.ErrorIs(t, err, models.ErrRejectedSignature)
		require.ErrorIs(t, err, models.ErrUnknownValidator)
	}
	snap, _ := f.verifier.Bundle("b1")
	require.Empty(t, snap.Signatures, "signatures from outside the set are not retained")
}

func TestRepeatedInvalidSignaturesKeepOneRecord(t *testing.T) {
	f := newFixture(t, 1000, 1000, 1000)
	f.track(t, "b1")

	for i := 0; i < 50; i++ {
		_, err := f.verifier.SubmitSignature("b1", "v2", []byte(fmt.Sprintf("garbage-%d", i)))
		require.ErrorIs(t, err, models.ErrRejectedSignature)
	}
	snap, _ := f.verifier.Bundle("b1")
	require.Len(t, snap.Signatures, 1)
	require.Equal(t, "v2", snap.Signatures[0].ValidatorID)
	require.False(t, snap.Signatures[0].IsValid)

	// a forged entry under v2's id must not lock v2 out
	receipt, err := f.sign(t, "b1", "v2")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), receipt.SumWeight)
	snap, _ = f.verifier.Bundle("b1")
	require.Len(t, snap.Signatures, 2)
	require.True(t, snap.Signatures[1].IsValid)

	_, err = f.verifier.SubmitSignature("b1", "v2", []byte("garbage-again"))
	require.ErrorIs(t, err, models.ErrDuplicateSignature)
	snap, _ = f.verifier.Bundle("b1")
	require.Len(t, snap.Signatures, 2)
}

func TestUnknownBundle(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.verifier.SubmitSignature("nope", "v1", nil)
	require.ErrorIs(t, err, models.ErrUnknownBundle)
}

func TestWeightedQuorum(t *testing.T) {
	// total 1000, threshold ceil(2/3*1000) = 667
	f := newFixture(t, 600, 300, 100)
	require.Equal(t, uint64(667), f.verifier.Threshold())
	f.track(t, "b1")

	receipt, err := f.sign(t, "b1", "v1")
	require.NoError(t, err)
	require.Equal(t, models.BundlePending, receipt.Status)
	receipt, err = f.sign(t, "b1", "v3")
	require.NoError(t, err)
	require.Equal(t, models.BundleConfirmed, receipt.Status)
}

func TestChildWaitsForParentConfirmation(t *testing.T) {
	f := newFixture(t, 1000, 1000, 1000)
	f.track(t, "parent")
	f.track(t, "child", "node-parent")

	_, err := f.sign(t, "child", "v1")
	require.NoError(t, err)
	receipt, err := f.sign(t, "child", "v2")
	require.NoError(t, err)
	require.Equal(t, models.BundlePending, receipt.Status, "child must not confirm before parent")
	node, _ := f.store.Get("node-child")
	require.False(t, node.Confirmed)

	f.clock.Advance(2 * time.Second)
	_, err = f.sign(t, "parent", "v1")
	require.NoError(t, err)
	_, err = f.sign(t, "parent", "v3")
	require.NoError(t, err)

	require.Equal(t, []string{"parent", "child"}, f.events.confirmed)
	child, _ := f.verifier.Bundle("child")
	require.Equal(t, models.BundleConfirmed, child.Status)
	require.Equal(t, 2*time.Second, child.ConfirmationTime)
	level, nodeID, ok := f.store.LatestConfirmedLevel()
	require.True(t, ok)
	require.Equal(t, uint64(1), level)
	require.Equal(t, "node-child", nodeID)
}

func TestArrivalOrderDoesNotChangeOutcome(t *testing.T) {
	orders := [][]string{{"v1", "v2", "v3"}, {"v3", "v1", "v2"}, {"v2", "v3", "v1"}}
	for _, order := range orders {
		f := newFixture(t, 1000, 1000, 1000)
		f.track(t, "b1")
		var trigger string
		for _, id := range order {
			receipt, err := f.sign(t, "b1", id)
			if err != nil {
				require.ErrorIs(t, err, models.ErrBundleClosed)
				continue
			}
			if receipt.Status == models.BundleConfirmed && trigger == "" {
				trigger = id
			}
		}
		require.Equal(t, order[1], trigger)
	}
}

func TestConcurrentSignaturesConfirmOnce(t *testing.T) {
	weights := make([]uint64, 30)
	for i := range weights {
		weights[i] = 10
	}
	f := newFixture(t, weights...)
	b := f.track(t, "b1")

	var wg sync.WaitGroup
	for id, signer := range f.signers {
		id := id
		sig := signer.Sign(b.ContentHash)
		for rep := 0; rep < 2; rep++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.verifier.SubmitSignature("b1", id, sig)
			}()
		}
	}
	wg.Wait()

	require.Equal(t, []string{"b1"}, f.events.confirmed)
	snap, _ := f.verifier.Bundle("b1")
	require.Equal(t, models.BundleConfirmed, snap.Status)
	sum, _ := f.verifier.SumWeight("b1")
	require.Equal(t, f.verifier.Threshold(), sum)
}

func TestSweepForgetsTerminalBundlesAfterRetention(t *testing.T) {
	f := newFixture(t, 1000, 1000, 1000)
	f.track(t, "b1")
	_, _ = f.sign(t, "b1", "v1")
	_, _ = f.sign(t, "b1", "v2")

	f.clock.Advance(time.Hour)
	f.verifier.Sweep()

	// still reachable through the archive
	b, err := f.verifier.Bundle("b1")
	require.NoError(t, err)
	require.Equal(t, models.BundleConfirmed, b.Status)
	_, err = f.verifier.SumWeight("b1")
	require.ErrorIs(t, err, models.ErrUnknownBundle)
}

func TestLocalTransportDeliversSignatures(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, 1000, 1000, 1000)
	local := transport.NewLocal(true)
	var signers []*sigverify.Signer
	for _, id := range []string{"v1", "v2", "v3"} {
		signers = append(signers, f.signers[id])
	}
	local.Register("shard-a", f.verifier, signers)
	require.NoError(t, local.SetFault("shard-a", "v3", transport.Corrupt))
	f.verifier.broadcaster = local

	f.track(t, "b1")
	local.Close()

	b, err := f.verifier.Bundle("b1")
	require.NoError(t, err)
	require.Equal(t, models.BundleConfirmed, b.Status)
}

func TestRejectsInvalidFraction(t *testing.T) {
	set, err := models.NewValidatorSet(models.Validator{ID: "v1", Weight: 1})
	require.NoError(t, err)
	_, err = New(Options{ShardID: "s", Validators: set, Config: Config{Fraction: models.Fraction{Num: 4, Den: 3}}})
	require.ErrorIs(t, err, models.ErrInvalidConfig)
}
