package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dagshard/bundle"
	"dagshard/clock"
	"dagshard/models"
	"dagshard/quorum"
	"dagshard/sigverify"
	"dagshard/transport"
)

var epoch = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	shard   *Shard
	clock   *clock.Manual
	local   *transport.Local
	signers []*sigverify.Signer
}

// newHarness builds a shard with three 1000-weight validators. When deliver is
// false nothing signs automatically.
func newHarness(t *testing.T, deliver bool, cfg Config) *harness {
	t.Helper()
	ring := sigverify.NewKeyRing()
	var validators []models.Validator
	var signers []*sigverify.Signer
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("v%d", i)
		s := sigverify.SignerFromSeed(id, "pipeline-"+id)
		require.NoError(t, ring.Add(id, s.Public()))
		signers = append(signers, s)
		validators = append(validators, models.Validator{ID: id, Weight: 1000})
	}
	set, err := models.NewValidatorSet(validators...)
	require.NoError(t, err)

	h := &harness{clock: clock.NewManual(epoch), signers: signers}
	opts := Options{
		Config:     cfg,
		Shard:      models.ShardConfig{ShardID: "shard-new", Region: "eu-west", NodeCount: 3, TargetTPS: 100},
		Validators: set,
		Signatures: ring,
		Clock:      h.clock,
	}
	if deliver {
		h.local = transport.NewLocal(false)
		opts.Broadcaster = h.local
	}
	h.shard, err = New(opts)
	require.NoError(t, err)
	if deliver {
		h.local.Register("shard-new", h.shard.Verifier, signers)
	}
	h.shard.SetIntake(true)
	return h
}

func defaultConfig() Config {
	return Config{
		Bundle: bundle.Config{MaxSize: 2, MaxWait: 100 * time.Millisecond},
		Quorum: quorum.Config{Fraction: models.TwoThirds, ConfirmationTimeout: time.Second},
	}
}

func TestNewShardSyncsUntilFirstConfirmation(t *testing.T) {
	h := newHarness(t, true, defaultConfig())
	require.Equal(t, models.ShardSyncing, h.shard.State().Status)

	_, err := h.shard.Submit(models.Transaction{Fee: 5})
	require.NoError(t, err)
	_, err = h.shard.Submit(models.Transaction{Fee: 7})
	require.NoError(t, err)
	h.shard.Tick(context.Background())

	state := h.shard.State()
	require.Equal(t, models.ShardActive, state.Status)
	require.Equal(t, uint64(2), state.TransactionCount)
	require.Equal(t, uint64(3000), state.TotalValidatorWeight)
	require.Equal(t, models.TwoThirds, state.QuorumFraction)
	level, _, ok := h.shard.Store.LatestConfirmedLevel()
	require.True(t, ok)
	require.Equal(t, uint64(0), level)
}

func TestSubmitRejectedWhileIntakeStopped(t *testing.T) {
	h := newHarness(t, true, defaultConfig())
	h.shard.SetIntake(false)
	_, err := h.shard.Submit(models.Transaction{})
	require.ErrorIs(t, err, models.ErrIntakeStopped)
	// syncing shards stay syncing
	require.Equal(t, models.ShardSyncing, h.shard.State().Status)
}

func TestStopDoesNotAbortInflightBundles(t *testing.T) {
	h := newHarness(t, false, defaultConfig())
	_, err := h.shard.Submit(models.Transaction{})
	require.NoError(t, err)
	_, err = h.shard.Submit(models.Transaction{})
	require.NoError(t, err)
	h.shard.Tick(context.Background())
	require.Equal(t, 1, h.shard.Verifier.Inflight())

	h.shard.SetIntake(false)

	nodes := h.shard.Store.ListByLevel(0)
	require.Len(t, nodes, 1)
	bundleID, ok := h.shard.Verifier.BundleForNode(nodes[0].ID)
	require.True(t, ok)
	for _, s := range h.signers[:2] {
		_, err := h.shard.Verifier.SubmitSignature(bundleID, s.ValidatorID, s.Sign(nodes[0].ContentHash))
		require.NoError(t, err)
	}
	b, err := h.shard.Verifier.Bundle(bundleID)
	require.NoError(t, err)
	require.Equal(t, models.BundleConfirmed, b.Status)
}

func TestStopHaltsBundleBuilding(t *testing.T) {
	h := newHarness(t, false, defaultConfig())
	_, err := h.shard.Submit(models.Transaction{})
	require.NoError(t, err)
	_, err = h.shard.Submit(models.Transaction{})
	require.NoError(t, err)
	h.shard.Tick(context.Background())
	require.Equal(t, 1, h.shard.Verifier.Inflight())

	_, err = h.shard.Submit(models.Transaction{})
	require.NoError(t, err)
	h.shard.SetIntake(false)
	_, err = h.shard.Stage(context.Background(), models.Transaction{CrossShardID: "x1"})
	require.ErrorIs(t, err, models.ErrLegRejected)
	require.ErrorIs(t, err, models.ErrIntakeStopped)

	// the queued transaction is past max_wait but nothing new is built
	h.clock.Advance(300 * time.Millisecond)
	h.shard.Tick(context.Background())
	require.Equal(t, 1, h.shard.Verifier.Inflight())
	require.Len(t, h.shard.Store.ListByLevel(0), 1)
	require.Empty(t, h.shard.Store.ListByLevel(1))
	require.Equal(t, 1, h.shard.Builder.Len())

	// timeouts are still swept while stopped
	h.clock.Advance(time.Second)
	h.shard.Tick(context.Background())
	require.Equal(t, 0, h.shard.Verifier.Inflight())
	require.Empty(t, h.shard.Store.ListByLevel(0))
	require.Equal(t, 1, h.shard.Builder.Len())

	h.shard.SetIntake(true)
	h.shard.Tick(context.Background())
	require.Equal(t, 1, h.shard.Verifier.Inflight())
	require.Equal(t, 0, h.shard.Builder.Len())
}

func TestInflightLimitAppliesBackpressure(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxInflight = 1
	h := newHarness(t, false, cfg)
	for i := 0; i < 4; i++ {
		_, err := h.shard.Submit(models.Transaction{})
		require.NoError(t, err)
	}
	h.shard.Tick(context.Background())
	require.Equal(t, 1, h.shard.Verifier.Inflight())
	require.Equal(t, 2, h.shard.Builder.Len())

	// the stuck bundle times out, freeing the slot
	h.clock.Advance(time.Second)
	h.shard.Tick(context.Background())
	require.Equal(t, 1, h.shard.Verifier.Inflight())
	require.Equal(t, 0, h.shard.Builder.Len())
}

func TestStagedLegReportsConfirmation(t *testing.T) {
	h := newHarness(t, true, defaultConfig())
	ch, err := h.shard.Stage(context.Background(), models.Transaction{ID: "leg-1", CrossShardID: "x1", Fee: 3})
	require.NoError(t, err)

	h.clock.Advance(100 * time.Millisecond)
	h.shard.Tick(context.Background())

	select {
	case out := <-ch:
		require.True(t, out.Confirmed)
		require.Equal(t, "leg-1", out.TxID)
		require.NotEmpty(t, out.BundleID)
	default:
		t.Fatal("leg outcome not delivered")
	}
}

func TestStagedLegReportsTimeout(t *testing.T) {
	h := newHarness(t, false, defaultConfig())
	ch, err := h.shard.Stage(context.Background(), models.Transaction{ID: "leg-1", CrossShardID: "x1"})
	require.NoError(t, err)

	h.clock.Advance(100 * time.Millisecond)
	h.shard.Tick(context.Background())
	h.clock.Advance(time.Second)
	h.shard.Tick(context.Background())

	out := <-ch
	require.False(t, out.Confirmed)
	require.ErrorIs(t, out.Err, models.ErrBundleConfirmationTimeout)
}

func TestHealthDrivesErrorStatus(t *testing.T) {
	h := newHarness(t, true, defaultConfig())
	_, _ = h.shard.Submit(models.Transaction{})
	_, _ = h.shard.Submit(models.Transaction{})
	h.shard.Tick(context.Background())
	require.Equal(t, models.ShardActive, h.shard.State().Status)

	h.shard.ApplySample(models.ShardMetrics{NodeHealth: 20, Throughput: 3})
	state := h.shard.State()
	require.Equal(t, models.ShardError, state.Status)
	require.Equal(t, 3.0, state.CurrentTPS)

	_, err := h.shard.Stage(context.Background(), models.Transaction{CrossShardID: "x"})
	require.ErrorIs(t, err, models.ErrLegRejected)

	h.shard.ApplySample(models.ShardMetrics{NodeHealth: 90})
	require.Equal(t, models.ShardActive, h.shard.State().Status)

	h.shard.SetIntake(false)
	require.Equal(t, models.ShardOffline, h.shard.State().Status)
	h.shard.SetIntake(true)
	require.Equal(t, models.ShardActive, h.shard.State().Status)
}

func TestSamplingRunsAlongsideConfirmation(t *testing.T) {
	h := newHarness(t, true, defaultConfig())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			h.shard.ApplySample(models.ShardMetrics{NodeHealth: 90, Throughput: float64(i % 7)})
			_ = h.shard.State()
		}
	}()

	for i := 0; i < 20; i++ {
		_, err := h.shard.Submit(models.Transaction{Fee: uint64(i + 1)})
		require.NoError(t, err)
		h.shard.Tick(context.Background())
	}
	close(stop)
	wg.Wait()

	state := h.shard.State()
	require.Equal(t, models.ShardActive, state.Status)
	require.Equal(t, uint64(20), state.TransactionCount)
	require.Equal(t, 90.0, state.NodeHealth)
}

func TestRunLoopFlushesOnKick(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := defaultConfig()
	cfg.TickInterval = time.Hour
	h := newHarness(t, true, cfg)
	h.shard.Start(context.Background())
	defer h.shard.Close()

	_, err := h.shard.Submit(models.Transaction{})
	require.NoError(t, err)
	_, err = h.shard.Submit(models.Transaction{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.shard.State().Status == models.ShardActive
	}, time.Second, 5*time.Millisecond)
}
