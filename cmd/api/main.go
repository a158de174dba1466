package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/imagenary/internal/api"
	"github.com/timmy/imagenary/internal/api/handler"
	"github.com/timmy/imagenary/internal/config"
	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/index"
	"github.com/timmy/imagenary/internal/logger"
	"github.com/timmy/imagenary/internal/metrics"
	"github.com/timmy/imagenary/internal/repository"
	"github.com/timmy/imagenary/internal/service"
	"github.com/timmy/imagenary/internal/storage"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		appLogger.WithError(err).Fatal("Invalid config")
	}
	if err := cfg.Embedding.ValidateWithAPIKey(); err != nil {
		appLogger.WithError(err).Fatal("Invalid embedding config")
	}

	ctx := context.Background()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to get database handle")
	}
	defer sqlDB.Close()

	records := repository.NewImageRecordRepository(db, cfg.Embedding.Dimensions)

	idx, closeIndex, err := index.Open(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open similarity index")
	}
	defer closeIndex()

	registry := metrics.NewRegistry()
	m := metrics.NewMetrics(registry)

	// The memory index starts empty; rebuild it from the record store in
	// insertion order so ties resolve the same way as before the restart.
	if _, ok := idx.(*index.MemoryIndex); ok {
		warmup := service.NewReindexService(records, idx, m, &service.ReindexConfig{
			Workers:   1,
			BatchSize: cfg.Reindex.BatchSize,
		})
		stats, err := warmup.Run(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to warm memory index")
		}
		appLogger.WithField(logger.FieldCount, stats.IndexedRecords).Info("Memory index warmed")
	}

	provider, err := service.NewEmbeddingProvider(ctx, &service.EmbeddingProviderConfig{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize embedding provider")
	}
	embeddingService := service.NewEmbeddingService(provider, &service.EmbeddingConfig{
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
	defer embeddingService.Close()

	generator, err := service.NewImageGenerator(&service.GeneratorConfig{
		Provider: cfg.Generation.Provider,
		APIKey:   cfg.Generation.APIKey,
		BaseURL:  cfg.Generation.BaseURL,
		Timeout:  cfg.Generation.Timeout,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize image generator")
	}

	healthChecks := map[string]handler.HealthCheck{
		"database": sqlDB.PingContext,
	}

	if cfg.Storage.MirrorEnabled {
		artifactStore, err := storage.New(&cfg.Storage)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
		if err := artifactStore.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
		generator = service.NewMirroringGenerator(generator, artifactStore, &service.MirrorConfig{
			Prefix: cfg.Storage.Prefix,
		})
		healthChecks["object_storage"] = artifactStore.Ping
		appLogger.WithField("bucket", cfg.Storage.Bucket).Info("Artifact mirroring enabled")
	}

	orchestrator := service.NewCacheOrchestrator(embeddingService, idx, records, generator, m, &service.OrchestratorConfig{
		Threshold:  cfg.Index.Threshold,
		Dimensions: cfg.Embedding.Dimensions,
		Params: domain.GenerationParams{
			Model:          cfg.Generation.Model,
			Width:          cfg.Generation.Width,
			Height:         cfg.Generation.Height,
			Steps:          cfg.Generation.Steps,
			Format:         cfg.Generation.Format,
			NegativePrompt: cfg.Generation.NegativePrompt,
			Seed:           cfg.Generation.Seed,
		},
		MaxRetries:           cfg.Cache.MaxRetries,
		RetryInitialInterval: cfg.Cache.RetryInitialInterval,
		RetryMaxInterval:     cfg.Cache.RetryMaxInterval,
		FlightTimeout:        cfg.Cache.FlightTimeout,
		RateLimit:            cfg.Generation.RateLimit,
		Burst:                cfg.Generation.Burst,
	})

	reindexer := service.NewReindexService(records, idx, m, &service.ReindexConfig{
		Workers:   cfg.Reindex.Workers,
		BatchSize: cfg.Reindex.BatchSize,
	})

	router := api.SetupRouter(api.RouterDeps{
		Cache:        orchestrator,
		Reindexer:    reindexer,
		HealthChecks: healthChecks,
		Metrics:      metrics.Handler(registry),
	}, &cfg.Server)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":      cfg.Server.Port,
			"mode":      cfg.Server.Mode,
			"index":     cfg.Index.Backend,
			"threshold": cfg.Index.Threshold,
			"embedder":  embeddingService.GetModel(),
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
