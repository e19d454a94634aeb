package metrics

import (
	"sync"

	"dagshard/models"
)

// Ring keeps the most recent samples of one shard.
type Ring struct {
	mu   sync.RWMutex
	buf  []models.ShardMetrics
	next int
	full bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]models.ShardMetrics, capacity)}
}

func (r *Ring) Push(m models.ShardMetrics) {
	r.mu.Lock()
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Snapshot returns samples oldest first.
func (r *Ring) Snapshot() []models.ShardMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]models.ShardMetrics(nil), r.buf[:r.next]...)
	}
	out := make([]models.ShardMetrics, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *Ring) Last() (models.ShardMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full && r.next == 0 {
		return models.ShardMetrics{}, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}
