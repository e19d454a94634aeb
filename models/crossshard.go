package models

import "time"

type CrossShardStatus string

const (
	CrossShardPending   CrossShardStatus = "pending"
	CrossShardValidated CrossShardStatus = "validated"
	CrossShardCommitted CrossShardStatus = "committed"
	CrossShardFailed    CrossShardStatus = "failed"
)

func (s CrossShardStatus) Terminal() bool {
	return s == CrossShardCommitted || s == CrossShardFailed
}

// CrossShardTransaction spans two shards. Committed requires both acks.
type CrossShardTransaction struct {
	ID            string           `json:"id"`
	FromShard     string           `json:"from_shard"`
	ToShard       string           `json:"to_shard"`
	Payload       []byte           `json:"payload"`
	Status        CrossShardStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   time.Time        `json:"completed_at,omitempty"`
	FromAck       bool             `json:"from_ack"`
	ToAck         bool             `json:"to_ack"`
	FromBundle    string           `json:"from_bundle,omitempty"`
	ToBundle      string           `json:"to_bundle,omitempty"`
	PartialCommit bool             `json:"partial_commit"` // one leg confirmed, the other never will
	FailureReason string           `json:"failure_reason,omitempty"`
}

// References reports whether the transaction touches shardID.
func (t *CrossShardTransaction) References(shardID string) bool {
	return t.FromShard == shardID || t.ToShard == shardID
}
