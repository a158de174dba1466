package index

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/imagenary/internal/config"
	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/repository"
)

// SimilarityIndex answers "which stored vector is closest to this one".
// Implementations must make a completed Insert visible to every later Query
// and must never expose a partially written vector.
type SimilarityIndex interface {
	Query(ctx context.Context, vector []float32, threshold float64) (*domain.Match, error)
	Insert(ctx context.Context, vector []float32, id string) error
	Contains(ctx context.Context, id string) (bool, error)
}

// TimedInserter is implemented by indexes that persist insertion time for
// tie-breaking. Reindexing passes the record's creation time so a rebuilt
// index orders ties as the original did.
type TimedInserter interface {
	InsertAt(ctx context.Context, vector []float32, id string, at time.Time) error
}

var (
	_ TimedInserter   = (*repository.QdrantRepository)(nil)
	_ SimilarityIndex = (*MemoryIndex)(nil)
	_ SimilarityIndex = (*repository.QdrantRepository)(nil)
)

// Open builds the index backend named in cfg.Index.Backend. The returned
// close function releases backend connections.
func Open(ctx context.Context, cfg *config.Config) (SimilarityIndex, func() error, error) {
	dims := cfg.Embedding.Dimensions

	switch cfg.Index.Backend {
	case "memory", "":
		return NewMemoryIndex(dims), func() error { return nil }, nil
	case "qdrant":
		repo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
			Host:            cfg.Qdrant.Host,
			Port:            cfg.Qdrant.Port,
			Collection:      cfg.Qdrant.Collection,
			APIKey:          cfg.Qdrant.APIKey,
			UseTLS:          cfg.Qdrant.UseTLS,
			VectorDimension: dims,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := repo.EnsureCollection(ctx); err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("failed to ensure qdrant collection: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}
