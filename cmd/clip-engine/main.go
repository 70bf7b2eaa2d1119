package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/courtvision/clip-engine/internal/api"
	"github.com/courtvision/clip-engine/internal/config"
	"github.com/courtvision/clip-engine/internal/engine"
	"github.com/courtvision/clip-engine/internal/logging"
	"github.com/courtvision/clip-engine/internal/media"
	"github.com/courtvision/clip-engine/internal/metrics"
	"github.com/courtvision/clip-engine/internal/progress"
	"github.com/courtvision/clip-engine/internal/resource"
	"github.com/courtvision/clip-engine/internal/transfer"
)

var (
	Version = "dev"
	GitSHA  = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("clip-engine failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML configuration file")
		batchPath  = flag.String("batch", "", "path to the batch manifest (required)")
		ceiling    = flag.Int("ceiling", 0, "override the derived concurrency ceiling for this batch")
	)
	flag.Parse()

	if *batchPath == "" {
		flag.Usage()
		return fmt.Errorf("-batch is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("clip-engine starting", "version", Version, "commit", GitSHA)

	metrics.Init("clip_engine")
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, err := engine.LoadManifest(*batchPath)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	client, err := transfer.New(ctx, transfer.Options{
		Backend:   cfg.Storage.Backend,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		LocalDir:  cfg.Storage.LocalDir,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	runID := logging.GenerateCorrelationID()
	sinks := []progress.Sink{}
	if cfg.Progress.JournalDir != "" {
		journal, err := progress.NewJournalSink(cfg.Progress.JournalDir, runID)
		if err != nil {
			return fmt.Errorf("open progress journal: %w", err)
		}
		sinks = append(sinks, journal)
	}
	if cfg.Progress.Endpoint != "" {
		sinks = append(sinks, progress.NewHTTPSink(cfg.Progress.Endpoint))
	}
	broadcaster := progress.NewBroadcaster(sinks...)
	defer broadcaster.Close()

	coordinator := engine.New(ctx, engine.Config{
		TempDir:            cfg.Pipeline.TempDir,
		KeyPrefix:          cfg.Storage.KeyPrefix,
		AcceleratorEnabled: cfg.Pipeline.AcceleratorEnabled,
		MaxConcurrent:      cfg.Pipeline.MaxConcurrent,
		PreflightCheck:     cfg.Pipeline.PreflightCheck,
	}, media.NewFFmpeg(), client, resource.NewProbe(), broadcaster)

	if cfg.API.Enabled {
		go func() {
			if err := api.NewServer(coordinator).Run(ctx, cfg.API.Address); err != nil {
				log.Error("status API stopped", "error", err)
			}
		}()
	}

	summary, err := coordinator.ProcessBatch(ctx, jobs, *ceiling)
	if err != nil {
		return fmt.Errorf("process batch: %w", err)
	}

	log.Info("batch finished",
		"batch_id", summary.BatchID,
		"total", summary.Total,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"ceiling", summary.Ceiling,
		"duration", summary.Duration.String(),
	)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", summary.Failed, summary.Total)
	}
	return nil
}
