package models

import "errors"

// Errors returned by the ledger core. Callers match them with errors.Is.
var (
	ErrInvalidParentReference      = errors.New("invalid parent reference")
	ErrRejectedSignature           = errors.New("signature rejected")
	ErrDuplicateSignature          = errors.New("duplicate signature")
	ErrUnknownNode                 = errors.New("unknown node")
	ErrAlreadyConfirmed            = errors.New("node already confirmed")
	ErrShardHasPendingCrossShardTx = errors.New("shard has pending cross-shard transactions")
	ErrBundleConfirmationTimeout   = errors.New("bundle confirmation timeout")
	ErrPartialCommitAbandoned      = errors.New("partial commit abandoned")

	ErrAncestorUnconfirmed = errors.New("ancestor not confirmed")
	ErrAlreadyExists       = errors.New("already exists")
	ErrUnknownShard        = errors.New("unknown shard")
	ErrUnknownBundle       = errors.New("unknown bundle")
	ErrUnknownValidator    = errors.New("unknown validator")
	ErrUnknownTransaction  = errors.New("unknown cross-shard transaction")
	ErrBundleClosed        = errors.New("bundle no longer accepts signatures")
	ErrIntakeStopped       = errors.New("transaction intake stopped")
	ErrQueueFull           = errors.New("pending transaction queue full")
	ErrSameShard           = errors.New("cross-shard transaction needs two distinct shards")
	ErrLegRejected         = errors.New("shard rejected cross-shard leg")
	ErrInvalidConfig       = errors.New("invalid configuration")
)
