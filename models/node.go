package models

import (
	"time"

	"github.com/google/uuid"
)

// DagNode is one unit of the per-shard DAG. Confirmed flips false->true once.
type DagNode struct {
	ID               string    `json:"id"`                // unique id
	ShardID          string    `json:"shard_id"`          // owning shard
	ContentHash      []byte    `json:"content_hash"`      // digest validators sign
	Parents          []string  `json:"parents"`           // parent node IDs
	Level            uint64    `json:"level"`             // 1 + max(parent levels), 0 for genesis
	Confirmed        bool      `json:"confirmed"`         // set by the quorum verifier
	TransactionCount int       `json:"transaction_count"` // transactions carried by the bundle
	CreatedAt        time.Time `json:"created_at"`        // bundle build time
	ProposerID       string    `json:"proposer_id"`       // builder that produced it
	ResourceCost     uint64    `json:"resource_cost"`     // gas-equivalent cost of the payload
}

// Clone returns a deep copy safe to hand outside the owning store.
func (n *DagNode) Clone() *DagNode {
	c := *n
	c.ContentHash = append([]byte(nil), n.ContentHash...)
	c.Parents = append([]string(nil), n.Parents...)
	return &c
}

// Transaction is a pending unit of work waiting to be bundled.
type Transaction struct {
	ID           string    `json:"id"`
	Fee          uint64    `json:"fee"`
	ResourceCost uint64    `json:"resource_cost"`
	Parents      []string  `json:"parents,omitempty"`        // DAG nodes this transaction depends on
	Payload      []byte    `json:"payload,omitempty"`        // opaque
	CrossShardID string    `json:"cross_shard_id,omitempty"` // set on cross-shard legs
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Checkpoint records the confirmed frontier of a shard.
type Checkpoint struct {
	ID             string `json:"id"`
	ShardID        string `json:"shard_id"`
	NodeID         string `json:"node_id"`
	Level          uint64 `json:"level"`
	ConfirmedNodes uint64 `json:"confirmed_nodes"`
	Timestamp      int64  `json:"timestamp"` // unix ms
}

// NewID returns a random identifier for bundles, nodes and transactions.
func NewID() string {
	return uuid.NewString()
}
