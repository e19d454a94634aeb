package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dagshard/bench"
	"dagshard/models"
	"dagshard/repository"
	"dagshard/service"
)

var (
	benchDuration time.Duration
	benchTPS      float64
	benchShards   int
	benchDurable  bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a synthetic load in-process and print sampled overall metrics",
	Long: `Builds the configured shards (or --shards fresh ones when the config has
none), drives deterministic load at --tps for --duration and prints the
benchmark result as JSON. Storage is in-memory unless --durable is set.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().DurationVar(&benchDuration, "duration", 10*time.Second, "load duration")
	benchCmd.Flags().Float64Var(&benchTPS, "tps", 1000, "target transactions per second across all shards")
	benchCmd.Flags().IntVar(&benchShards, "shards", 2, "shards to create when the config lists none")
	benchCmd.Flags().BoolVar(&benchDurable, "durable", false, "archive confirmed bundles to the configured storage")
}

func runBench(cmd *cobra.Command, args []string) error {
	if len(cfg.Shards) == 0 {
		for i := 0; i < benchShards; i++ {
			cfg.Shards = append(cfg.Shards, models.ShardConfig{
				ShardID:   fmt.Sprintf("shard-%d", i),
				TargetTPS: benchTPS / float64(benchShards),
			})
		}
	}
	opts := service.Options{Config: cfg, DeterministicKeys: true}
	if !benchDurable {
		opts.Archive = repository.NewMemory()
	}
	svc, err := service.New(opts)
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.Run()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := svc.Benchmark(ctx, bench.Params{
		Duration:  benchDuration,
		TargetTPS: benchTPS,
		AutoStop:  true,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		bench.Result
		States []models.ShardState `json:"states"`
	}{res, svc.States()})
}
