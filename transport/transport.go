// Package transport abstracts how bundles reach a shard's validators and how
// their signatures come back.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"dagshard/logger"
	"dagshard/models"
	"dagshard/sigverify"
)

var (
	ErrNoRoute = errors.New("no validators registered for shard")
	ErrClosed  = errors.New("transport closed")
)

// Broadcaster hands a bundle to the validators of its shard.
type Broadcaster interface {
	Broadcast(ctx context.Context, b *models.Bundle) error
}

// SignatureSink accepts validator signatures for a shard's bundles.
type SignatureSink interface {
	SubmitSignature(bundleID, validatorID string, sig []byte) (models.SignatureReceipt, error)
}

// Fault makes a local validator misbehave. Used by benchmarks and tests.
type Fault int32

const (
	Honest  Fault = iota
	Silent        // never signs
	Corrupt       // signs the wrong digest
)

var faultNames = map[string]Fault{"honest": Honest, "silent": Silent, "corrupt": Corrupt}

// ParseFault maps honest, silent or corrupt to its Fault.
func ParseFault(name string) (Fault, error) {
	f, ok := faultNames[name]
	if !ok {
		return Honest, fmt.Errorf("%w: unknown fault %q", models.ErrInvalidConfig, name)
	}
	return f, nil
}

type member struct {
	signer *sigverify.Signer
	fault  atomic.Int32
}

type group struct {
	sink    SignatureSink
	members []*member
}

// Local delivers bundles to in-process validators that sign and submit back
// to the shard's sink. With async set each broadcast is delivered on its own
// goroutine; Close waits for them.
type Local struct {
	async bool

	mu     sync.RWMutex
	shards map[string]*group
	closed bool
	wg     sync.WaitGroup
}

func NewLocal(async bool) *Local {
	return &Local{async: async, shards: make(map[string]*group)}
}

// Register routes shardID's bundles to signers, whose signatures go to sink.
func (l *Local) Register(shardID string, sink SignatureSink, signers []*sigverify.Signer) {
	g := &group{sink: sink}
	for _, s := range signers {
		g.members = append(g.members, &member{signer: s})
	}
	l.mu.Lock()
	l.shards[shardID] = g
	l.mu.Unlock()
}

func (l *Local) Unregister(shardID string) {
	l.mu.Lock()
	delete(l.shards, shardID)
	l.mu.Unlock()
}

func (l *Local) SetFault(shardID, validatorID string, f Fault) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.shards[shardID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, shardID)
	}
	for _, m := range g.members {
		if m.signer.ValidatorID == validatorID {
			m.fault.Store(int32(f))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", models.ErrUnknownValidator, validatorID)
}

func (l *Local) Broadcast(ctx context.Context, b *models.Bundle) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	g, ok := l.shards[b.ShardID]
	if !ok {
		l.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNoRoute, b.ShardID)
	}
	if !l.async {
		l.mu.RUnlock()
		deliver(ctx, g, b)
		return nil
	}
	l.wg.Add(1)
	l.mu.RUnlock()
	go func() {
		defer l.wg.Done()
		deliver(ctx, g, b)
	}()
	return nil
}

// Close stops accepting broadcasts and waits for in-flight deliveries.
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}

func deliver(ctx context.Context, g *group, b *models.Bundle) {
	for _, m := range g.members {
		if ctx.Err() != nil {
			return
		}
		var sig []byte
		switch Fault(m.fault.Load()) {
		case Silent:
			continue
		case Corrupt:
			sig = m.signer.Sign(append(append([]byte(nil), b.ContentHash...), 0xff))
		default:
			sig = m.signer.Sign(b.ContentHash)
		}
		_, err := g.sink.SubmitSignature(b.BundleID, m.signer.ValidatorID, sig)
		if err != nil && !errors.Is(err, models.ErrBundleClosed) {
			logger.Logger.Debug("Validator signature not counted",
				zap.String("shard_id", b.ShardID),
				zap.String("bundle_id", b.BundleID),
				zap.String("validator_id", m.signer.ValidatorID),
				zap.Error(err))
		}
	}
}
