package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/index"
	"github.com/timmy/imagenary/internal/logger"
	"github.com/timmy/imagenary/internal/metrics"
)

// RecordLister pages through stored records in insertion order.
type RecordLister interface {
	List(ctx context.Context, offset, limit int) ([]domain.ImageRecord, error)
}

// ReindexService brings the similarity index in line with the record store.
// Records that are persisted but missing from the index are inserted; records
// already indexed are skipped.
type ReindexService struct {
	records   RecordLister
	index     index.SimilarityIndex
	metrics   *metrics.Metrics
	workers   int
	batchSize int
}

// ReindexConfig holds configuration for the reindex service
type ReindexConfig struct {
	// Workers > 1 indexes concurrently; use 1 where insertion order matters
	// (the memory index breaks score ties by it).
	Workers   int
	BatchSize int
}

// ReindexStats holds statistics for a reindex run
type ReindexStats struct {
	TotalRecords   int64
	IndexedRecords int64
	SkippedRecords int64
	FailedRecords  int64
	StartTime      time.Time
	EndTime        time.Time
}

// NewReindexService creates a new reindex service
func NewReindexService(records RecordLister, idx index.SimilarityIndex, m *metrics.Metrics, cfg *ReindexConfig) *ReindexService {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReindexService{
		records:   records,
		index:     idx,
		metrics:   m,
		workers:   workers,
		batchSize: batchSize,
	}
}

type reindexResult struct {
	recordID string
	skipped  bool
	err      error
}

// Run walks every stored record and indexes the ones the index lacks.
// A failed page read aborts the run; failures on single records are counted
// and logged.
func (s *ReindexService) Run(ctx context.Context) (*ReindexStats, error) {
	ctx = logger.SetComponent(ctx, "reindex")
	log := logger.FromContext(ctx)

	stats := &ReindexStats{StartTime: time.Now()}
	log.WithField("workers", s.workers).Info("Starting reindex")

	recordsChan := make(chan domain.ImageRecord, s.workers*2)
	resultsChan := make(chan *reindexResult, s.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, recordsChan, resultsChan)
		}()
	}

	done := make(chan struct{})
	go func() {
		for result := range resultsChan {
			switch {
			case result.skipped:
				atomic.AddInt64(&stats.SkippedRecords, 1)
				s.metrics.Reindexed("skipped")
			case result.err != nil:
				atomic.AddInt64(&stats.FailedRecords, 1)
				s.metrics.Reindexed("failed")
				log.WithField(logger.FieldRecordID, result.recordID).
					WithError(result.err).Error("Failed to index record")
			default:
				atomic.AddInt64(&stats.IndexedRecords, 1)
				s.metrics.Reindexed("indexed")
			}
		}
		close(done)
	}()

	var runErr error
	offset := 0
feed:
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		batch, err := s.records.List(ctx, offset, s.batchSize)
		if err != nil {
			runErr = fmt.Errorf("failed to list records at offset %d: %w", offset, err)
			break
		}
		if len(batch) == 0 {
			break
		}
		atomic.AddInt64(&stats.TotalRecords, int64(len(batch)))
		offset += len(batch)

		for _, record := range batch {
			select {
			case recordsChan <- record:
			case <-ctx.Done():
				runErr = ctx.Err()
				break feed
			}
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	close(recordsChan)
	wg.Wait()
	close(resultsChan)
	<-done

	stats.EndTime = time.Now()

	logger.With(logger.Fields{
		"total":   stats.TotalRecords,
		"indexed": stats.IndexedRecords,
		"skipped": stats.SkippedRecords,
		"failed":  stats.FailedRecords,
	}).WithSince(stats.StartTime).Info(ctx, "Reindex completed")

	return stats, runErr
}

func (s *ReindexService) worker(ctx context.Context, records <-chan domain.ImageRecord, results chan<- *reindexResult) {
	for record := range records {
		result := &reindexResult{recordID: record.ID}
		if ctx.Err() != nil {
			result.err = ctx.Err()
			results <- result
			continue
		}

		exists, err := s.index.Contains(ctx, record.ID)
		switch {
		case err != nil:
			result.err = fmt.Errorf("failed to check index: %w", err)
		case exists:
			result.skipped = true
		default:
			if err := s.insert(ctx, &record); err != nil {
				if errors.Is(err, domain.ErrDuplicateID) {
					result.skipped = true
				} else {
					result.err = err
				}
			}
		}
		results <- result
	}
}

// insert keeps the record's creation time on indexes that store one.
func (s *ReindexService) insert(ctx context.Context, record *domain.ImageRecord) error {
	if timed, ok := s.index.(index.TimedInserter); ok && !record.CreatedAt.IsZero() {
		return timed.InsertAt(ctx, record.Vector(), record.ID, record.CreatedAt)
	}
	return s.index.Insert(ctx, record.Vector(), record.ID)
}
