// Package index holds the in-process similarity index.
package index

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/timmy/imagenary/internal/domain"
)

type entry struct {
	id     string
	vector []float32
	norm   float64
}

// MemoryIndex is an exact, brute-force cosine index. Entries are kept in
// insertion order, which is what breaks ties on equal scores.
type MemoryIndex struct {
	mu         sync.RWMutex
	dimensions int
	entries    []entry
	ids        map[string]struct{}
}

// NewMemoryIndex creates an empty index for vectors of the given length.
func NewMemoryIndex(dimensions int) *MemoryIndex {
	return &MemoryIndex{
		dimensions: dimensions,
		ids:        make(map[string]struct{}),
	}
}

// Query returns the entry with the highest cosine similarity to vector when
// that similarity is >= threshold, and nil otherwise. Among equal top scores
// the most recently inserted entry wins.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, threshold float64) (*domain.Match, error) {
	if len(vector) != m.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), m.dimensions)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qnorm := norm(vector)

	m.mu.RLock()
	defer m.mu.RUnlock()

	best := -1
	bestScore := math.Inf(-1)
	for i := range m.entries {
		score := cosine(vector, qnorm, m.entries[i].vector, m.entries[i].norm)
		if score >= bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 || bestScore < threshold {
		return nil, nil
	}
	return &domain.Match{RecordID: m.entries[best].id, Score: bestScore}, nil
}

// Insert adds a vector under id. The vector is copied before it becomes
// visible to queries.
func (m *MemoryIndex) Insert(ctx context.Context, vector []float32, id string) error {
	if len(vector) != m.dimensions {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), m.dimensions)
	}
	if id == "" {
		return fmt.Errorf("index id is required")
	}

	e := entry{id: id, vector: append([]float32(nil), vector...)}
	e.norm = norm(e.vector)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, id)
	}
	m.entries = append(m.entries, e)
	m.ids[id] = struct{}{}
	return nil
}

// Contains reports whether id has been inserted.
func (m *MemoryIndex) Contains(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok, nil
}

// Len returns the number of entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// CosineSimilarity returns dot(a, b) / (|a| * |b|), or 0 when either vector
// has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	return cosine(a, norm(a), b, norm(b))
}

func cosine(a []float32, na float64, b []float32, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
