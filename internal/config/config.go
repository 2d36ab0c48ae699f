// Package config loads and validates the metric engine's configuration.
//
// Shape and loading strategy follow the teacher's internal/storage/config:
// a single Config struct with nested per-component sections, a
// DefaultConfig constructor, and a Load that reads a YAML file, expands
// environment variables, unmarshals over the defaults, and validates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	Ingestion    IngestionConfig    `yaml:"ingestion"`
	Cardinality  CardinalityConfig  `yaml:"cardinality"`
	HotTier      HotTierConfig      `yaml:"hot_tier"`
	ColdTier     ColdTierConfig     `yaml:"cold_tier"`
	Query        QueryConfig        `yaml:"query"`
	Aggregates   AggregatesConfig   `yaml:"aggregates"`
}

// IngestionConfig configures the ingestion pipeline's buffer and flusher.
type IngestionConfig struct {
	BufferMaxSize   int           `yaml:"buffer_max_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
	WorkerThreads   int           `yaml:"worker_threads"`
}

// CardinalityConfig configures CardinalityGuard.
type CardinalityConfig struct {
	MaxSeriesPerMetric  int           `yaml:"max_series_per_metric"`
	MaxLabelsPerMetric  int           `yaml:"max_labels_per_metric"`
	MaxLabelValueLength int           `yaml:"max_label_value_length"`
	WarningThreshold    float64       `yaml:"warning_threshold"`
	CheckWindow         time.Duration `yaml:"check_window"`
	ProbeRatePerMinute  int           `yaml:"probe_rate_per_minute"`
	EstimateCacheTTL    time.Duration `yaml:"estimate_cache_ttl"`
}

// HotTierConfig configures the hot storage tier.
type HotTierConfig struct {
	RetentionDays       int `yaml:"retention_days"`
	CompressionAfterDays int `yaml:"compression_after_days"`
}

// ColdTierConfig configures the archival subsystem.
type ColdTierConfig struct {
	Enabled              bool          `yaml:"enabled"`
	RetentionDays        int           `yaml:"retention_days"`
	BatchSize            int           `yaml:"batch_size"`
	DelayBetweenBatches  time.Duration `yaml:"delay_between_batches"`
	MaxConcurrentUploads int           `yaml:"max_concurrent_uploads"`
	VacuumThresholdRows  int64         `yaml:"vacuum_threshold_rows"`
	Cron                 string        `yaml:"cron"`
	ObjectStoreBucket    string        `yaml:"object_store_bucket"`
}

// QueryConfig configures the query planner.
type QueryConfig struct {
	DefaultLimit   int           `yaml:"default_limit"`
	MaxLimit       int           `yaml:"max_limit"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBucketCount int           `yaml:"max_bucket_count"`
}

// AggregatesConfig configures the materialized 5m/1h/1d aggregate refresh.
type AggregatesConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DefaultConfig returns a configuration with the defaults documented in
// the engine's external-interface contract.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/metricstore",
		Ingestion: IngestionConfig{
			BufferMaxSize: 10000,
			FlushInterval: 5 * time.Second,
			BatchSize:     1000,
			WorkerThreads: 4,
		},
		Cardinality: CardinalityConfig{
			MaxSeriesPerMetric:  10000,
			MaxLabelsPerMetric:  10,
			MaxLabelValueLength: 100,
			WarningThreshold:    0.8,
			CheckWindow:         24 * time.Hour,
			ProbeRatePerMinute:  10,
			EstimateCacheTTL:    time.Hour,
		},
		HotTier: HotTierConfig{
			RetentionDays:        10,
			CompressionAfterDays: 7,
		},
		ColdTier: ColdTierConfig{
			Enabled:              true,
			RetentionDays:        30,
			BatchSize:            5000,
			DelayBetweenBatches:  time.Second,
			MaxConcurrentUploads: 3,
			VacuumThresholdRows:  100000,
			Cron:                 "0 0 2 * * ?",
			ObjectStoreBucket:    "metrics-archive",
		},
		Query: QueryConfig{
			DefaultLimit:   100,
			MaxLimit:       10000,
			Timeout:        30 * time.Second,
			MaxBucketCount: 1000,
		},
		Aggregates: AggregatesConfig{
			RefreshInterval: time.Minute,
		},
	}
}

// Load reads a YAML configuration file, expanding environment variables,
// and unmarshals it over DefaultConfig before validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Ingestion.BufferMaxSize <= 0 {
		return fmt.Errorf("ingestion.buffer_max_size must be positive")
	}
	if c.Ingestion.BatchSize <= 0 || c.Ingestion.BatchSize > c.Ingestion.BufferMaxSize {
		return fmt.Errorf("ingestion.batch_size must be positive and <= buffer_max_size")
	}
	if c.Cardinality.MaxSeriesPerMetric <= 0 {
		return fmt.Errorf("cardinality.max_series_per_metric must be positive")
	}
	if c.Cardinality.WarningThreshold <= 0 || c.Cardinality.WarningThreshold > 1 {
		return fmt.Errorf("cardinality.warning_threshold must be in (0, 1]")
	}
	if c.Query.MaxLimit < c.Query.DefaultLimit {
		return fmt.Errorf("query.max_limit must be >= query.default_limit")
	}
	if c.ColdTier.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("cold_tier.max_concurrent_uploads must be positive")
	}
	return nil
}
