package models

import (
	"fmt"
	"time"
)

type ShardStatus string

const (
	ShardSyncing ShardStatus = "syncing"
	ShardActive  ShardStatus = "active"
	ShardOffline ShardStatus = "offline"
	ShardError   ShardStatus = "error"
)

// Fraction is an exact rational used for quorum thresholds.
type Fraction struct {
	Num uint64 `json:"num" mapstructure:"num"`
	Den uint64 `json:"den" mapstructure:"den"`
}

// TwoThirds is the default quorum fraction.
var TwoThirds = Fraction{Num: 2, Den: 3}

func (f Fraction) Valid() bool {
	return f.Den > 0 && f.Num > 0 && f.Num <= f.Den
}

// Threshold returns ceil(f * total), the smallest integer weight that satisfies
// weight >= f*total.
func (f Fraction) Threshold(total uint64) uint64 {
	if f.Den == 0 {
		return total
	}
	return (f.Num*total + f.Den - 1) / f.Den
}

// Reached reports whether sum >= f*total.
func (f Fraction) Reached(sum, total uint64) bool {
	return total > 0 && sum >= f.Threshold(total)
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// Validation strategies accepted in ShardConfig.
const (
	StrategySupermajority = "supermajority" // 2/3
	StrategyStrict        = "strict"        // 3/4
	StrategyUnanimous     = "unanimous"     // all weight
)

// StrategyFraction maps a validation strategy onto a quorum fraction. An empty
// strategy selects def.
func StrategyFraction(strategy string, def Fraction) (Fraction, error) {
	switch strategy {
	case "":
		return def, nil
	case StrategySupermajority:
		return TwoThirds, nil
	case StrategyStrict:
		return Fraction{Num: 3, Den: 4}, nil
	case StrategyUnanimous:
		return Fraction{Num: 1, Den: 1}, nil
	}
	return Fraction{}, fmt.Errorf("%w: validation strategy %q", ErrInvalidConfig, strategy)
}

// ShardConfig is the input to adding a shard.
type ShardConfig struct {
	ShardID            string  `json:"shard_id" mapstructure:"id"`
	Region             string  `json:"region" mapstructure:"region"`
	NodeCount          int     `json:"node_count" mapstructure:"node_count"`
	TargetTPS          float64 `json:"target_tps" mapstructure:"target_tps"`
	ValidationStrategy string  `json:"validation_strategy" mapstructure:"validation_strategy"`
}

// ShardState is the externally visible state of one shard.
type ShardState struct {
	ShardID              string      `json:"shard_id"`
	Region               string      `json:"region"`
	NodeCount            int         `json:"node_count"`
	ValidationStrategy   string      `json:"validation_strategy"`
	Status               ShardStatus `json:"status"`
	CurrentTPS           float64     `json:"current_tps"`
	TransactionCount     uint64      `json:"transaction_count"`
	TargetTPS            float64     `json:"target_tps"`
	NodeHealth           float64     `json:"node_health"`
	TotalValidatorWeight uint64      `json:"total_validator_weight"`
	QuorumFraction       Fraction    `json:"quorum_fraction"`
}

// ShardMetrics is one sample of a shard's time series.
type ShardMetrics struct {
	ShardID                    string    `json:"shard_id"`
	Timestamp                  time.Time `json:"timestamp"`
	Throughput                 float64   `json:"throughput"`                    // confirmed tx/s
	Latency                    float64   `json:"latency"`                       // ms, mean confirmation time
	SuccessRate                float64   `json:"success_rate"`                  // percent of bundles confirmed
	ValidationTime             float64   `json:"validation_time"`               // ms, mean signature verification
	CrossShardCoordinationTime float64   `json:"cross_shard_coordination_time"` // ms
	ResourceUtilization        float64   `json:"resource_utilization"`          // percent of target TPS
	NodeHealth                 float64   `json:"node_health"`
}

// OverallMetrics is the rollup across all shards.
type OverallMetrics struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalTPS          float64   `json:"total_tps"`
	AvgLatency        float64   `json:"avg_latency"`
	AvgSuccessRate    float64   `json:"avg_success_rate"`
	ActiveShards      int       `json:"active_shards"`
	CrossShardTxCount int       `json:"cross_shard_tx_count"`
}
