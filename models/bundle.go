package models

import "time"

type BundleStatus string

const (
	BundlePending   BundleStatus = "pending"
	BundleConfirmed BundleStatus = "confirmed"
	BundleFailed    BundleStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s BundleStatus) Terminal() bool {
	return s == BundleConfirmed || s == BundleFailed
}

// ValidatorSignature is one validator's attestation over a bundle's content hash.
type ValidatorSignature struct {
	ValidatorID      string    `json:"validator_id"`
	ValidatorAddress string    `json:"validator_address"`
	Signature        []byte    `json:"signature"`
	Region           string    `json:"region"`
	Weight           uint64    `json:"weight"`
	ReceivedAt       time.Time `json:"received_at"`
	IsValid          bool      `json:"is_valid"`
}

// Bundle is the batch validators sign. It pairs 1:1 with a DagNode.
type Bundle struct {
	BundleID         string               `json:"bundle_id"`
	NodeID           string               `json:"node_id"`
	ShardID          string               `json:"shard_id"`
	ContentHash      []byte               `json:"content_hash"`
	Transactions     []Transaction        `json:"transactions"`
	TransactionCount int                  `json:"transaction_count"`
	TotalFee         uint64               `json:"total_fee"`
	CreatedAt        time.Time            `json:"created_at"`
	Status           BundleStatus         `json:"status"`
	Signatures       []ValidatorSignature `json:"signatures"` // arrival order
	ConfirmationTime time.Duration        `json:"confirmation_time"`
	ConfirmedAt      time.Time            `json:"confirmed_at,omitempty"`
}

// Clone returns a deep copy.
func (b *Bundle) Clone() *Bundle {
	c := *b
	c.ContentHash = append([]byte(nil), b.ContentHash...)
	c.Transactions = append([]Transaction(nil), b.Transactions...)
	c.Signatures = append([]ValidatorSignature(nil), b.Signatures...)
	return &c
}

// CrossShardIDs lists the cross-shard legs carried by the bundle.
func (b *Bundle) CrossShardIDs() []string {
	var ids []string
	for _, tx := range b.Transactions {
		if tx.CrossShardID != "" {
			ids = append(ids, tx.CrossShardID)
		}
	}
	return ids
}

// SignatureReceipt describes the accumulator after a signature was processed.
type SignatureReceipt struct {
	BundleID  string       `json:"bundle_id"`
	SumWeight uint64       `json:"sum_weight"`
	Threshold uint64       `json:"threshold"`
	Status    BundleStatus `json:"status"`
	Accepted  bool         `json:"accepted"`
}

// LegOutcome is the terminal result of a staged cross-shard leg on one shard.
type LegOutcome struct {
	ShardID   string `json:"shard_id"`
	TxID      string `json:"tx_id"`
	BundleID  string `json:"bundle_id"`
	Confirmed bool   `json:"confirmed"`
	Err       error  `json:"-"`
}
