// metricstored is the metric engine daemon: it wires the storage gateway,
// registry, cardinality guard, ingestion pipeline, and archival engine
// together and runs until signaled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metricstore/engine/internal/archival"
	"github.com/metricstore/engine/internal/cardinality"
	"github.com/metricstore/engine/internal/clock"
	"github.com/metricstore/engine/internal/config"
	"github.com/metricstore/engine/internal/ingestion"
	"github.com/metricstore/engine/internal/logging"
	"github.com/metricstore/engine/internal/objectstore"
	"github.com/metricstore/engine/internal/registry"
	"github.com/metricstore/engine/internal/storagegw"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	jsonLogs := flag.Bool("json-logs", false, "emit logs as JSON instead of text")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logging.Init(level, *jsonLogs)
	log.SetFlags(0)
	logging.Info("metricstored starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			logging.Error("load config", "error", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logging.Error("create data dir", "error", err, "path", cfg.DataDir)
		os.Exit(1)
	}

	clk := clock.System

	dbPath := cfg.DataDir + "/metricstore.db"
	gw, err := storagegw.New(dbPath, clk)
	if err != nil {
		logging.Error("open storage gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	objStore, err := objectstore.New(cfg.DataDir + "/archive")
	if err != nil {
		logging.Error("open object store", "error", err)
		os.Exit(1)
	}

	reg := registry.New(gw, clk)
	if err := reg.Preload(context.Background()); err != nil {
		logging.Error("preload registry", "error", err)
		os.Exit(1)
	}

	guard := cardinality.New(gw, clk, cardinality.Config{
		MaxSeriesPerMetric: cfg.Cardinality.MaxSeriesPerMetric,
		WarningThreshold:   cfg.Cardinality.WarningThreshold,
		CheckWindow:        cfg.Cardinality.CheckWindow,
		ProbeRatePerMinute: cfg.Cardinality.ProbeRatePerMinute,
		EstimateCacheTTL:   cfg.Cardinality.EstimateCacheTTL,
	})

	pipeline := ingestion.New(ingestion.Config{
		BufferMaxSize: cfg.Ingestion.BufferMaxSize,
		BatchSize:     cfg.Ingestion.BatchSize,
		FlushInterval: cfg.Ingestion.FlushInterval,
	}, reg, guard, gw, clk)
	if err := pipeline.Start(); err != nil {
		logging.Error("start ingestion pipeline", "error", err)
		os.Exit(1)
	}

	archiveEngine := archival.New(gw, objStore, clk, archival.Config{
		Enabled:              cfg.ColdTier.Enabled,
		RetentionDays:        cfg.ColdTier.RetentionDays,
		PageSize:             cfg.ColdTier.BatchSize,
		DeleteBatchSize:      cfg.ColdTier.BatchSize,
		MaxConcurrentUploads: cfg.ColdTier.MaxConcurrentUploads,
		VacuumThresholdRows:  cfg.ColdTier.VacuumThresholdRows,
		DelayBetweenBatches:  cfg.ColdTier.DelayBetweenBatches,
	}, nil)

	stopArchival := runArchivalScheduler(archiveEngine)
	stopAggregates := runAggregateRefreshScheduler(gw, cfg.Aggregates.RefreshInterval)

	logging.Info("metricstored ready", "data_dir", cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	close(stopArchival)
	close(stopAggregates)
	pipeline.Stop()
}

// runArchivalScheduler runs the archival job once a day in the background,
// the way the teacher's scheduler ticks its poll loop on a fixed interval.
// It returns a channel that, when closed, stops the loop.
func runArchivalScheduler(engine *archival.Engine) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
				_ = engine.RunArchivalJob(ctx)
				cancel()
			}
		}
	}()
	return stop
}

// runAggregateRefreshScheduler rebuilds the materialized 5m/1h/1d aggregate
// tables on a fixed interval so the query planner's precomputed path stays
// close to the raw hypertable, the same ticker-loop shape as
// runArchivalScheduler. It returns a channel that, when closed, stops the loop.
func runAggregateRefreshScheduler(gw *storagegw.Gateway, interval time.Duration) chan struct{} {
	if interval <= 0 {
		interval = time.Minute
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := gw.RefreshAggregates(ctx); err != nil {
					logging.Error("refresh aggregates", "error", err)
				}
				cancel()
			}
		}
	}()
	return stop
}
