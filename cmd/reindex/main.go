package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/imagenary/internal/config"
	"github.com/timmy/imagenary/internal/index"
	"github.com/timmy/imagenary/internal/logger"
	"github.com/timmy/imagenary/internal/repository"
	"github.com/timmy/imagenary/internal/service"
)

// reindex inserts persisted records that are missing from the Qdrant index,
// e.g. after a crash between the record write and the index write.
func main() {
	appLogger := logger.New(logger.OptionsFromEnv("imagenary-reindex"))
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	configPath := flag.String("config", "", "Path to config file")
	workers := flag.Int("workers", 0, "Number of index workers (overrides config)")
	batchSize := flag.Int("batch", 0, "Records fetched per page (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Index.Backend != "qdrant" {
		appLogger.WithField("backend", cfg.Index.Backend).
			Fatal("Reindex needs a persistent index; the memory index is rebuilt at API startup")
	}
	if *workers > 0 {
		cfg.Reindex.Workers = *workers
	}
	if *batchSize > 0 {
		cfg.Reindex.BatchSize = *batchSize
	}

	if err := run(cfg, appLogger); err != nil {
		appLogger.WithError(err).Error("Reindex failed")
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	records := repository.NewImageRecordRepository(db, cfg.Embedding.Dimensions)

	idx, closeIndex, err := index.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open similarity index: %w", err)
	}
	defer closeIndex()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	reindexer := service.NewReindexService(records, idx, nil, &service.ReindexConfig{
		Workers:   cfg.Reindex.Workers,
		BatchSize: cfg.Reindex.BatchSize,
	})
	stats, err := reindexer.Run(ctx)
	if err != nil {
		return fmt.Errorf("reindex did not finish: %w", err)
	}

	log.WithFields(logger.Fields{
		"total":   stats.TotalRecords,
		"indexed": stats.IndexedRecords,
		"skipped": stats.SkippedRecords,
		"failed":  stats.FailedRecords,
	}).Info("Reindex completed")
	if stats.FailedRecords > 0 {
		return fmt.Errorf("%d records could not be indexed", stats.FailedRecords)
	}
	return nil
}
