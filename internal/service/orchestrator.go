package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pgvector/pgvector-go"
	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/index"
	"github.com/timmy/imagenary/internal/logger"
	"github.com/timmy/imagenary/internal/metrics"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Embedder maps text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RecordStore is the durable, append-only home of generated images.
type RecordStore interface {
	Insert(ctx context.Context, record *domain.ImageRecord) (string, error)
	Get(ctx context.Context, id string) (*domain.ImageRecord, error)
}

// OrchestratorConfig holds the tunables of the cache pipeline.
type OrchestratorConfig struct {
	Threshold            float64
	Dimensions           int
	Params               domain.GenerationParams
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	FlightTimeout        time.Duration
	// RateLimit is generator calls per second; zero disables throttling.
	RateLimit float64
	Burst     int
}

// CacheOrchestrator runs a prompt through Embedding, Searching and then
// either CacheHit or Generating and Storing.
//
// Concurrent misses for prompts with the same fingerprint share one
// generation. The shared work runs on a context detached from the callers,
// so a caller that gives up neither cancels a paid generation for the others
// nor causes it to be repeated.
type CacheOrchestrator struct {
	embedder  Embedder
	index     index.SimilarityIndex
	records   RecordStore
	generator ImageGenerator
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	flight    singleflight.Group
	cfg       OrchestratorConfig
}

// NewCacheOrchestrator creates a new orchestrator.
func NewCacheOrchestrator(
	embedder Embedder,
	idx index.SimilarityIndex,
	records RecordStore,
	generator ImageGenerator,
	m *metrics.Metrics,
	cfg *OrchestratorConfig,
) *CacheOrchestrator {
	o := &CacheOrchestrator{
		embedder:  embedder,
		index:     idx,
		records:   records,
		generator: generator,
		metrics:   m,
		cfg:       *cfg,
	}
	if o.cfg.FlightTimeout <= 0 {
		o.cfg.FlightTimeout = 3 * time.Minute
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return o
}

// Generate returns an image for prompt, from the cache when a stored prompt is
// similar enough and from the generator otherwise.
// Parameters:
//   - ctx: request context; cancelling it abandons the wait, not a started generation.
//   - prompt: user prompt, must be non-empty.
//
// Returns:
//   - *domain.CacheResult: image URL and whether it came from the cache.
//     StoreErr is set when a fresh artifact could not be persisted.
//   - error: classified *domain.Error.
func (o *CacheOrchestrator) Generate(ctx context.Context, prompt string) (result *domain.CacheResult, err error) {
	start := time.Now()

	if err := ValidatePrompt(prompt); err != nil {
		o.metrics.Error(string(domain.KindValidation))
		return nil, err
	}

	fp := Fingerprint(prompt)
	ctx = logger.SetFingerprint(ctx, fp[:16])

	defer func() {
		entry := logger.With(logger.Fields{logger.FieldDurationMs: time.Since(start).Milliseconds()})
		if err != nil {
			o.metrics.Error(string(domain.KindOf(err)))
			entry.WithStatus("failed").WithField("error_kind", domain.KindOf(err)).
				Warn(ctx, "Generate request failed: %v", err)
			return
		}
		entry = entry.WithField("cached", result.Cached)
		if result.Similarity != nil {
			entry = entry.WithField(logger.FieldSimilarity, *result.Similarity)
		}
		entry.WithStatus("ok").Info(ctx, "Generate request completed")
	}()

	vec, err := o.embed(ctx, prompt)
	if err != nil {
		return nil, err
	}

	match, err := o.search(ctx, vec)
	if err != nil {
		return nil, err
	}
	if match != nil {
		return o.hit(ctx, match)
	}

	o.metrics.CacheMiss()
	return o.generateShared(ctx, prompt, fp, vec)
}

// Record returns a stored record by ID.
func (o *CacheOrchestrator) Record(ctx context.Context, id string) (*domain.ImageRecord, error) {
	return o.records.Get(ctx, id)
}

func (o *CacheOrchestrator) embed(ctx context.Context, prompt string) ([]float32, error) {
	defer o.metrics.ObserveStage("embedding", time.Now())

	var vec []float32
	err := o.retry(ctx, "embedding", func() error {
		v, err := o.embedder.Embed(ctx, prompt)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, classify(domain.KindEmbedding, "embed", err)
	}
	if len(vec) != o.cfg.Dimensions {
		return nil, domain.NewError(domain.KindEmbedding, "embed",
			fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vec), o.cfg.Dimensions))
	}
	return vec, nil
}

func (o *CacheOrchestrator) search(ctx context.Context, vec []float32) (*domain.Match, error) {
	defer o.metrics.ObserveStage("search", time.Now())

	match, err := o.index.Query(ctx, vec, o.cfg.Threshold)
	if err != nil {
		return nil, classify(domain.KindSearch, "search", err)
	}
	return match, nil
}

func (o *CacheOrchestrator) hit(ctx context.Context, match *domain.Match) (*domain.CacheResult, error) {
	record, err := o.records.Get(ctx, match.RecordID)
	if err != nil {
		// An index entry without its record is an inconsistency on our side,
		// never a client-facing not_found.
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, domain.NewError(domain.KindStore, "cache_hit", err)
		}
		return nil, classify(domain.KindStore, "cache_hit", err)
	}

	o.metrics.CacheHit(match.Score)
	similarity := match.Score
	return &domain.CacheResult{
		ImageURL:   record.ImageURL,
		Cached:     true,
		Similarity: &similarity,
		RecordID:   record.ID,
	}, nil
}

// generateShared joins or starts the flight for fp and waits for it or for
// the caller's context, whichever ends first.
func (o *CacheOrchestrator) generateShared(ctx context.Context, prompt, fp string, vec []float32) (*domain.CacheResult, error) {
	ch := o.flight.DoChan(fp, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlightTimeout)
		defer cancel()
		return o.generateAndStore(fctx, prompt, fp, vec)
	})

	select {
	case res := <-ch:
		if res.Shared {
			o.metrics.Coalesced()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		shared := *res.Val.(*domain.CacheResult)
		return &shared, nil
	case <-ctx.Done():
		return nil, domain.NewError(domain.KindUnknownOutcome, "generate",
			fmt.Errorf("request ended while generation was in flight: %w", ctx.Err()))
	}
}

func (o *CacheOrchestrator) generateAndStore(ctx context.Context, prompt, fp string, vec []float32) (*domain.CacheResult, error) {
	// A flight that completed between our search and this one may already
	// have indexed a matching prompt.
	if match, err := o.index.Query(ctx, vec, o.cfg.Threshold); err == nil && match != nil {
		if res, err := o.hit(ctx, match); err == nil {
			return res, nil
		}
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, domain.NewError(domain.KindGeneration, "generate", fmt.Errorf("rate limit wait: %w", err))
		}
	}

	start := time.Now()
	var artifact *domain.Artifact
	err := o.retry(ctx, "generation", func() error {
		a, err := o.generator.Generate(ctx, prompt, o.cfg.Params)
		if err != nil {
			return err
		}
		artifact = a
		return nil
	})
	o.metrics.ObserveStage("generation", start)
	if err != nil {
		o.metrics.Generation("failed")
		return nil, classify(domain.KindGeneration, "generate", err)
	}
	o.metrics.Generation("ok")

	return o.store(ctx, prompt, fp, vec, artifact), nil
}

// store persists the record, then indexes it. Failures never lose the
// artifact; they are reported through StoreErr, logs and metrics.
func (o *CacheOrchestrator) store(ctx context.Context, prompt, fp string, vec []float32, artifact *domain.Artifact) *domain.CacheResult {
	defer o.metrics.ObserveStage("storing", time.Now())

	result := &domain.CacheResult{ImageURL: artifact.URL}

	record := &domain.ImageRecord{
		Prompt:      prompt,
		Fingerprint: fp,
		Embedding:   pgvector.NewVector(vec),
		ImageURL:    artifact.URL,
		ProviderID:  artifact.ProviderID,
		Metadata: domain.ImageMetadata{
			Width:  artifact.Width,
			Height: artifact.Height,
			Format: artifact.Format,
			Steps:  o.cfg.Params.Steps,
			Model:  o.cfg.Params.Model,
		},
	}

	id, err := o.records.Insert(ctx, record)
	if err != nil {
		o.metrics.StoreFailure("record")
		result.StoreErr = classify(domain.KindStore, "store_record", err)
		logger.FromContext(ctx).WithError(err).WithField("image_url", artifact.URL).
			Error("Generated artifact was not persisted")
		return result
	}
	result.RecordID = id

	// A concurrent reindex may have indexed the record already.
	if err := o.index.Insert(ctx, vec, id); err != nil && !errors.Is(err, domain.ErrDuplicateID) {
		o.metrics.StoreFailure("index")
		result.StoreErr = classify(domain.KindStore, "store_index", err)
		logger.FromContext(ctx).WithError(err).WithField(logger.FieldRecordID, id).
			Error("Record persisted but not indexed, reindex will pick it up")
		return result
	}

	return result
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent.
func (o *CacheOrchestrator) retry(ctx context.Context, stage string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitialInterval
	b.MaxInterval = o.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.MaxRetries)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		o.metrics.Retry(stage)
		logger.FromContext(ctx).WithError(err).WithFields(logger.Fields{
			logger.FieldStage:   stage,
			logger.FieldAttempt: attempt,
		}).Warnf("Transient failure, retrying in %s", wait)
	})
}

// classify gives err the stage's kind unless it already carries one.
func classify(kind domain.ErrorKind, op string, err error) error {
	if domain.KindOf(err) != "" {
		return err
	}
	return domain.NewError(kind, op, err)
}
