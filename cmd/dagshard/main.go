package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dagshard/config"
	"dagshard/logger"
)

var (
	configPath string
	logLevel   string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dagshard",
	Short: "DAG bundle confirmation and cross-shard coordination node",
	Long: `dagshard runs independent per-shard pipelines that batch transactions
into DAG bundles, confirm them by weighted validator quorum, and coordinate
two-shard transactions with a prepare/commit protocol.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
	rootCmd.AddCommand(serveCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
