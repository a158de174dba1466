package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/imagenary/internal/domain"
	"gorm.io/gorm"
)

// ImageRecordRepository is the append-only record store for generated images.
type ImageRecordRepository struct {
	db         *gorm.DB
	dimensions int
}

// NewImageRecordRepository creates a new ImageRecordRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - dimensions: required embedding length for every record.
// Returns:
//   - *ImageRecordRepository: repository instance bound to db.
func NewImageRecordRepository(db *gorm.DB, dimensions int) *ImageRecordRepository {
	return &ImageRecordRepository{db: db, dimensions: dimensions}
}

// Insert persists a new record and returns its ID. The ID is generated when
// empty and CreatedAt is always set here.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - record: record to persist.
// Returns:
//   - string: ID of the persisted record.
//   - error: StoreError if the record is invalid or the insert fails.
func (r *ImageRecordRepository) Insert(ctx context.Context, record *domain.ImageRecord) (string, error) {
	const op = "record_store.insert"

	if strings.TrimSpace(record.Prompt) == "" {
		return "", domain.NewError(domain.KindStore, op, domain.ErrEmptyPrompt)
	}
	if record.ImageURL == "" {
		return "", domain.NewError(domain.KindStore, op, errors.New("image url is required"))
	}
	if n := len(record.Embedding.Slice()); n != r.dimensions {
		return "", domain.NewError(domain.KindStore, op,
			fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, n, r.dimensions))
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.CreatedAt = time.Now().UTC()

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return "", domain.NewError(domain.KindStore, op, fmt.Errorf("failed to insert record: %w", err))
	}
	return record.ID, nil
}

// Get retrieves a record by ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: record ID.
// Returns:
//   - *domain.ImageRecord: record if found.
//   - error: NotFoundError for an unknown ID, StoreError otherwise.
func (r *ImageRecordRepository) Get(ctx context.Context, id string) (*domain.ImageRecord, error) {
	const op = "record_store.get"

	var record domain.ImageRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewError(domain.KindNotFound, op, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id))
		}
		return nil, domain.NewError(domain.KindStore, op, fmt.Errorf("failed to load record: %w", err))
	}
	if err := r.checkDimensions(&record); err != nil {
		return nil, domain.NewError(domain.KindStore, op, err)
	}
	return &record, nil
}

// List returns records oldest first, for reconciliation and warm-up.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - offset: number of records to skip.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.ImageRecord: page of records.
//   - error: StoreError if the query fails or a stored embedding is corrupt.
func (r *ImageRecordRepository) List(ctx context.Context, offset, limit int) ([]domain.ImageRecord, error) {
	const op = "record_store.list"

	var records []domain.ImageRecord
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, domain.NewError(domain.KindStore, op, fmt.Errorf("failed to list records: %w", err))
	}
	for i := range records {
		if err := r.checkDimensions(&records[i]); err != nil {
			return nil, domain.NewError(domain.KindStore, op, err)
		}
	}
	return records, nil
}

// Count returns the number of stored records.
func (r *ImageRecordRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.ImageRecord{}).Count(&count).Error; err != nil {
		return 0, domain.NewError(domain.KindStore, "record_store.count", err)
	}
	return count, nil
}

// checkDimensions flags stored embeddings of the wrong length as corruption.
func (r *ImageRecordRepository) checkDimensions(record *domain.ImageRecord) error {
	if n := len(record.Embedding.Slice()); n != r.dimensions {
		return fmt.Errorf("corrupt record %s: %w: got %d, want %d",
			record.ID, domain.ErrDimensionMismatch, n, r.dimensions)
	}
	return nil
}
