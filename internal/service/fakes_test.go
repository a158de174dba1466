package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/index"
)

const testDims = 768

// oneHot embeds each normalized prompt as a unit vector on its own axis, so
// equal prompts score 1 and different prompts score 0.
func oneHot(text string) []float32 {
	h := fnv.New32a()
	h.Write([]byte(normalizePrompt(text)))
	v := make([]float32, testDims)
	v[h.Sum32()%testDims] = 1
	return v
}

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	vectors map[string][]float32
	errs    []error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return oneHot(text), nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	errs    []error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, params domain.GenerationParams) (*domain.Artifact, error) {
	n := f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, domain.NewError(domain.KindUnknownOutcome, "generate", ctx.Err())
		}
	}

	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
	} else {
		f.mu.Unlock()
	}

	return &domain.Artifact{
		URL:        fmt.Sprintf("https://img.example.com/%d.webp", n),
		ProviderID: fmt.Sprintf("gen-%d", n),
		Width:      params.Width,
		Height:     params.Height,
		Format:     params.Format,
	}, nil
}

type fakeStore struct {
	mu         sync.Mutex
	records    map[string]*domain.ImageRecord
	failInsert error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*domain.ImageRecord)}
}

func (f *fakeStore) Insert(_ context.Context, record *domain.ImageRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		return "", domain.NewError(domain.KindStore, "record_store.insert", f.failInsert)
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	cp := *record
	f.records[record.ID] = &cp
	return record.ID, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*domain.ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "record_store.get", domain.ErrRecordNotFound)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// faultyIndex wraps a memory index and injects failures.
type faultyIndex struct {
	*index.MemoryIndex
	queryErr  error
	insertErr error
}

func (f *faultyIndex) Query(ctx context.Context, vector []float32, threshold float64) (*domain.Match, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.MemoryIndex.Query(ctx, vector, threshold)
}

func (f *faultyIndex) Insert(ctx context.Context, vector []float32, id string) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.MemoryIndex.Insert(ctx, vector, id)
}

var errBoom = errors.New("boom")
