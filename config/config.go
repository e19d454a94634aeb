// Package config loads node settings. DAGSHARD_* environment variables
// override config.yaml, which overrides the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dagshard/bundle"
	"dagshard/crossshard"
	"dagshard/models"
	"dagshard/pipeline"
	"dagshard/quorum"
	"dagshard/shard"
)

const EnvPrefix = "DAGSHARD"

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config/config.yaml"

type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Log        LogConfig            `mapstructure:"log"`
	Storage    StorageConfig        `mapstructure:"storage"`
	Bundle     BundleConfig         `mapstructure:"bundle"`
	Quorum     QuorumConfig         `mapstructure:"quorum"`
	CrossShard CrossShardConfig     `mapstructure:"crossshard"`
	Metrics    MetricsConfig        `mapstructure:"metrics"`
	Shard      ShardConfig          `mapstructure:"shard"`
	Validators ValidatorsConfig     `mapstructure:"validators"`
	Shards     []models.ShardConfig `mapstructure:"shards"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	AppLogFile string `mapstructure:"app_log_file"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type BundleConfig struct {
	MaxSize       int           `mapstructure:"max_size"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	MaxInflight   int           `mapstructure:"max_inflight"`
	MaxParents    int           `mapstructure:"max_parents"`
}

type QuorumConfig struct {
	FractionNum         uint64        `mapstructure:"fraction_num"`
	FractionDen         uint64        `mapstructure:"fraction_den"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	Retention           time.Duration `mapstructure:"retention"`
}

type CrossShardConfig struct {
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
	LegFee       uint64        `mapstructure:"leg_fee"`
}

type MetricsConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	Window         int           `mapstructure:"window"`
}

type ShardConfig struct {
	ErrorHealthThreshold float64       `mapstructure:"error_health_threshold"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
}

type ValidatorsConfig struct {
	PerShard int    `mapstructure:"per_shard"`
	Weight   uint64 `mapstructure:"weight"`
}

// Default returns a configuration that runs with no file present.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Driver: "leveldb", Path: "data/dagshard"},
		Bundle: BundleConfig{
			MaxSize:       100,
			MaxWait:       200 * time.Millisecond,
			QueueCapacity: 1000,
			MaxInflight:   8,
			MaxParents:    4,
		},
		Quorum: QuorumConfig{
			FractionNum:         2,
			FractionDen:         3,
			ConfirmationTimeout: 5 * time.Second,
			Retention:           25 * time.Second,
		},
		CrossShard: CrossShardConfig{PhaseTimeout: 10 * time.Second},
		Metrics:    MetricsConfig{SampleInterval: time.Second, Window: 300},
		Shard:      ShardConfig{ErrorHealthThreshold: 50, TickInterval: 50 * time.Millisecond},
		Validators: ValidatorsConfig{PerShard: 4, Weight: 1000},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.app_log_file", d.Log.AppLogFile)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("bundle.max_size", d.Bundle.MaxSize)
	v.SetDefault("bundle.max_wait", d.Bundle.MaxWait)
	v.SetDefault("bundle.queue_capacity", d.Bundle.QueueCapacity)
	v.SetDefault("bundle.max_inflight", d.Bundle.MaxInflight)
	v.SetDefault("bundle.max_parents", d.Bundle.MaxParents)
	v.SetDefault("quorum.fraction_num", d.Quorum.FractionNum)
	v.SetDefault("quorum.fraction_den", d.Quorum.FractionDen)
	v.SetDefault("quorum.confirmation_timeout", d.Quorum.ConfirmationTimeout)
	v.SetDefault("quorum.retention", d.Quorum.Retention)
	v.SetDefault("crossshard.phase_timeout", d.CrossShard.PhaseTimeout)
	v.SetDefault("crossshard.leg_fee", d.CrossShard.LegFee)
	v.SetDefault("metrics.sample_interval", d.Metrics.SampleInterval)
	v.SetDefault("metrics.window", d.Metrics.Window)
	v.SetDefault("shard.error_health_threshold", d.Shard.ErrorHealthThreshold)
	v.SetDefault("shard.tick_interval", d.Shard.TickInterval)
	v.SetDefault("validators.per_shard", d.Validators.PerShard)
	v.SetDefault("validators.weight", d.Validators.Weight)
}

// Load reads path if it exists. A missing file is only an error when the
// caller asked for a specific path.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Fraction() models.Fraction {
	return models.Fraction{Num: c.Quorum.FractionNum, Den: c.Quorum.FractionDen}
}

func (c Config) Validate() error {
	switch {
	case !c.Fraction().Valid():
		return fmt.Errorf("%w: quorum fraction %s", models.ErrInvalidConfig, c.Fraction())
	case c.Bundle.MaxSize <= 0:
		return fmt.Errorf("%w: bundle.max_size must be positive", models.ErrInvalidConfig)
	case c.Bundle.MaxWait <= 0:
		return fmt.Errorf("%w: bundle.max_wait must be positive", models.ErrInvalidConfig)
	case c.Quorum.ConfirmationTimeout <= 0:
		return fmt.Errorf("%w: quorum.confirmation_timeout must be positive", models.ErrInvalidConfig)
	case c.CrossShard.PhaseTimeout <= c.Quorum.ConfirmationTimeout:
		return fmt.Errorf("%w: crossshard.phase_timeout must exceed quorum.confirmation_timeout", models.ErrInvalidConfig)
	case c.Metrics.SampleInterval <= 0 || c.Metrics.Window <= 0:
		return fmt.Errorf("%w: metrics sampling must be positive", models.ErrInvalidConfig)
	case c.Validators.PerShard <= 0 || c.Validators.Weight == 0:
		return fmt.Errorf("%w: validators need a positive count and weight", models.ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Shards))
	for _, s := range c.Shards {
		if s.ShardID != "" && seen[s.ShardID] {
			return fmt.Errorf("%w: shard %s listed twice", models.ErrInvalidConfig, s.ShardID)
		}
		seen[s.ShardID] = true
	}
	return nil
}

// Pipeline maps the flat configuration onto a shard pipeline configuration.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Bundle: bundle.Config{
			MaxSize:       c.Bundle.MaxSize,
			MaxWait:       c.Bundle.MaxWait,
			QueueCapacity: c.Bundle.QueueCapacity,
			MaxParents:    c.Bundle.MaxParents,
		},
		Quorum: quorum.Config{
			Fraction:            c.Fraction(),
			ConfirmationTimeout: c.Quorum.ConfirmationTimeout,
			Retention:           c.Quorum.Retention,
		},
		MaxInflight:          c.Bundle.MaxInflight,
		TickInterval:         c.Shard.TickInterval,
		ErrorHealthThreshold: c.Shard.ErrorHealthThreshold,
	}
}

func (c Config) Manager() shard.Config {
	return shard.Config{Pipeline: c.Pipeline(), ValidatorWeight: c.Validators.Weight}
}

func (c Config) Coordinator() crossshard.Config {
	return crossshard.Config{PhaseTimeout: c.CrossShard.PhaseTimeout, LegFee: c.CrossShard.LegFee}
}

// ShardDefaults fills the validator count for shards that leave it unset.
func (c Config) ShardDefaults(s models.ShardConfig) models.ShardConfig {
	if s.NodeCount <= 0 {
		s.NodeCount = c.Validators.PerShard
	}
	return s
}
