package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/index"
)

type harness struct {
	embedder  *fakeEmbedder
	generator *fakeGenerator
	store     *fakeStore
	index     *faultyIndex
	orch      *CacheOrchestrator
}

func newHarness(t *testing.T, mutate func(*OrchestratorConfig)) *harness {
	t.Helper()
	h := &harness{
		embedder:  &fakeEmbedder{},
		generator: &fakeGenerator{},
		store:     newFakeStore(),
		index:     &faultyIndex{MemoryIndex: index.NewMemoryIndex(testDims)},
	}
	cfg := &OrchestratorConfig{
		Threshold:            0.8,
		Dimensions:           testDims,
		Params:               domain.GenerationParams{Model: "flux", Width: 1024, Height: 1024, Steps: 28, Format: "webp", Seed: -1},
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		FlightTimeout:        5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	h.orch = NewCacheOrchestrator(h.embedder, h.index, h.store, h.generator, nil, cfg)
	return h
}

func TestGenerate_MissThenHit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.orch.Generate(ctx, "a red fox in snow")
	if err != nil {
		t.Fatalf("first Generate() error = %v", err)
	}
	if first.Cached {
		t.Error("first request should be a miss")
	}
	if first.Similarity != nil {
		t.Errorf("miss should carry no similarity, got %v", *first.Similarity)
	}
	if first.StoreErr != nil {
		t.Errorf("StoreErr = %v", first.StoreErr)
	}
	if got := h.generator.calls.Load(); got != 1 {
		t.Fatalf("generator calls = %d, want 1", got)
	}
	if h.store.Len() != 1 || h.index.Len() != 1 {
		t.Fatalf("store=%d index=%d, want 1 and 1", h.store.Len(), h.index.Len())
	}

	rec, err := h.store.Get(ctx, first.RecordID)
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if rec.Prompt != "a red fox in snow" || rec.ImageURL != first.ImageURL || rec.ProviderID != "gen-1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Metadata.Width != 1024 || rec.Metadata.Format != "webp" || rec.Metadata.Steps != 28 {
		t.Errorf("metadata = %+v", rec.Metadata)
	}
	if len(rec.Vector()) != testDims {
		t.Errorf("stored embedding length = %d", len(rec.Vector()))
	}

	second, err := h.orch.Generate(ctx, "a red fox in snow")
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if !second.Cached {
		t.Fatal("second request should be a hit")
	}
	if second.ImageURL != first.ImageURL {
		t.Errorf("hit URL = %s, want %s", second.ImageURL, first.ImageURL)
	}
	if second.Similarity == nil || math.Abs(*second.Similarity-1) > 1e-9 {
		t.Errorf("similarity = %v, want 1", second.Similarity)
	}
	if got := h.generator.calls.Load(); got != 1 {
		t.Errorf("generator calls after hit = %d, want 1", got)
	}
}

func TestGenerate_EmptyPromptRejectedBeforeAnyCall(t *testing.T) {
	h := newHarness(t, nil)

	for _, prompt := range []string{"", "   "} {
		_, err := h.orch.Generate(context.Background(), prompt)
		if !domain.IsKind(err, domain.KindValidation) {
			t.Errorf("Generate(%q) error kind = %q, want validation", prompt, domain.KindOf(err))
		}
	}
	if h.embedder.Calls() != 0 || h.generator.calls.Load() != 0 {
		t.Errorf("embedder=%d generator=%d, want no calls", h.embedder.Calls(), h.generator.calls.Load())
	}
}

func TestGenerate_ConcurrentIdenticalPromptsShareGeneration(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.started = make(chan struct{}, 1)
	h.generator.release = make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]*domain.CacheResult, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Generate(context.Background(), "A red fox  in snow")
		}(i)
	}

	<-h.generator.started
	time.Sleep(20 * time.Millisecond)
	close(h.generator.release)
	wg.Wait()

	if got := h.generator.calls.Load(); got != 1 {
		t.Fatalf("generator calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d error = %v", i, errs[i])
		}
		if results[i].ImageURL != results[0].ImageURL {
			t.Errorf("request %d URL = %s, want %s", i, results[i].ImageURL, results[0].ImageURL)
		}
	}
	if h.store.Len() != 1 {
		t.Errorf("records = %d, want 1", h.store.Len())
	}
}

func TestGenerate_ThresholdBoundary(t *testing.T) {
	stored := make([]float32, testDims)
	stored[0] = 1
	query := make([]float32, testDims)
	query[0], query[1] = 3, 4 // cosine with stored is exactly 0.6

	tests := []struct {
		name      string
		threshold float64
		wantHit   bool
	}{
		{name: "score equal to threshold is a hit", threshold: 0.6, wantHit: true},
		{name: "score just below threshold is a miss", threshold: math.Nextafter(0.6, 1), wantHit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *OrchestratorConfig) { c.Threshold = tt.threshold })
			h.embedder.vectors = map[string][]float32{"stored": stored, "query": query}

			if _, err := h.orch.Generate(context.Background(), "stored"); err != nil {
				t.Fatalf("seed Generate() error = %v", err)
			}
			res, err := h.orch.Generate(context.Background(), "query")
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if res.Cached != tt.wantHit {
				t.Errorf("Cached = %v, want %v", res.Cached, tt.wantHit)
			}
			if tt.wantHit && (res.Similarity == nil || *res.Similarity != 0.6) {
				t.Errorf("Similarity = %v, want 0.6", res.Similarity)
			}
		})
	}
}

func TestGenerate_DimensionMismatchLeavesNoState(t *testing.T) {
	h := newHarness(t, nil)
	h.embedder.vectors = map[string][]float32{"short": make([]float32, testDims-1)}

	_, err := h.orch.Generate(context.Background(), "short")
	if !domain.IsKind(err, domain.KindEmbedding) || !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("error = %v, want embedding error wrapping ErrDimensionMismatch", err)
	}
	if h.generator.calls.Load() != 0 || h.store.Len() != 0 || h.index.Len() != 0 {
		t.Errorf("generator=%d store=%d index=%d, want no state", h.generator.calls.Load(), h.store.Len(), h.index.Len())
	}
}

func TestGenerate_RecordStoreFailureStillReturnsArtifact(t *testing.T) {
	h := newHarness(t, nil)
	h.store.failInsert = errBoom

	res, err := h.orch.Generate(context.Background(), "a lighthouse at dusk")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.ImageURL == "" || res.Cached {
		t.Errorf("result = %+v, want fresh artifact", res)
	}
	if !domain.IsKind(res.StoreErr, domain.KindStore) {
		t.Errorf("StoreErr = %v, want store error", res.StoreErr)
	}
	if h.index.Len() != 0 {
		t.Errorf("index has %d entries without records", h.index.Len())
	}
}

func TestGenerate_IndexFailureKeepsRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.index.insertErr = errBoom

	res, err := h.orch.Generate(context.Background(), "a lighthouse at dusk")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !domain.IsKind(res.StoreErr, domain.KindStore) || !errors.Is(res.StoreErr, errBoom) {
		t.Errorf("StoreErr = %v, want store error wrapping boom", res.StoreErr)
	}
	if res.RecordID == "" || h.store.Len() != 1 {
		t.Errorf("record should be persisted, id=%q store=%d", res.RecordID, h.store.Len())
	}
	if h.index.Len() != 0 {
		t.Errorf("index Len = %d, want 0", h.index.Len())
	}
}

func TestGenerate_EveryIndexEntryHasARecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	prompts := []string{"a", "b", "c", "d"}
	h.embedder.vectors = make(map[string][]float32)
	for i, p := range prompts {
		v := make([]float32, testDims)
		v[i] = 1
		h.embedder.vectors["prompt "+p] = v
	}
	for i, p := range prompts {
		h.store.failInsert = nil
		if i%2 == 1 {
			h.store.failInsert = errBoom
		}
		if _, err := h.orch.Generate(ctx, "prompt "+p); err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
	}
	h.store.failInsert = nil

	for _, p := range prompts {
		match, err := h.index.Query(ctx, h.embedder.vectors["prompt "+p], 0.99)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if match == nil {
			continue
		}
		if _, err := h.store.Get(ctx, match.RecordID); err != nil {
			t.Errorf("index entry %s has no record: %v", match.RecordID, err)
		}
	}
	if h.index.Len() != 2 || h.store.Len() != 2 {
		t.Errorf("index=%d store=%d, want 2 and 2", h.index.Len(), h.store.Len())
	}
}

func TestGenerate_GenerationFailureStoresNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.errs = []error{domain.NewError(domain.KindGeneration, "generate", errBoom)}

	_, err := h.orch.Generate(context.Background(), "a castle")
	if !domain.IsKind(err, domain.KindGeneration) {
		t.Fatalf("error kind = %q, want generation", domain.KindOf(err))
	}
	if got := h.generator.calls.Load(); got != 1 {
		t.Errorf("non-retryable failure called generator %d times, want 1", got)
	}
	if h.store.Len() != 0 || h.index.Len() != 0 {
		t.Errorf("store=%d index=%d, want nothing stored", h.store.Len(), h.index.Len())
	}
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.embedder.errs = []error{domain.NewRetryableError(domain.KindEmbedding, "embed", errBoom)}
	h.generator.errs = []error{domain.NewRetryableError(domain.KindGeneration, "generate", errBoom)}

	res, err := h.orch.Generate(context.Background(), "a castle")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.ImageURL == "" {
		t.Error("empty image URL")
	}
	if h.embedder.Calls() != 2 {
		t.Errorf("embedder calls = %d, want 2", h.embedder.Calls())
	}
	if got := h.generator.calls.Load(); got != 2 {
		t.Errorf("generator calls = %d, want 2", got)
	}
}

func TestGenerate_RetryBudgetIsBounded(t *testing.T) {
	h := newHarness(t, func(c *OrchestratorConfig) { c.MaxRetries = 1 })
	retryable := domain.NewRetryableError(domain.KindEmbedding, "embed", errBoom)
	h.embedder.errs = []error{retryable, retryable, retryable}

	_, err := h.orch.Generate(context.Background(), "a castle")
	if !domain.IsKind(err, domain.KindEmbedding) {
		t.Fatalf("error kind = %q, want embedding", domain.KindOf(err))
	}
	if h.embedder.Calls() != 2 {
		t.Errorf("embedder calls = %d, want 2", h.embedder.Calls())
	}
}

func TestGenerate_SearchErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.index.queryErr = errBoom

	_, err := h.orch.Generate(context.Background(), "a castle")
	if !domain.IsKind(err, domain.KindSearch) {
		t.Fatalf("error kind = %q, want search", domain.KindOf(err))
	}
	if h.embedder.Calls() != 1 || h.generator.calls.Load() != 0 {
		t.Errorf("embedder=%d generator=%d", h.embedder.Calls(), h.generator.calls.Load())
	}
}

func TestGenerate_CallerCancellationDoesNotAbortGeneration(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.started = make(chan struct{}, 1)
	h.generator.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Generate(ctx, "a comet over mountains")
		errCh <- err
	}()

	<-h.generator.started
	cancel()

	err := <-errCh
	if !domain.IsKind(err, domain.KindUnknownOutcome) {
		t.Fatalf("error kind = %q, want unknown_outcome", domain.KindOf(err))
	}

	close(h.generator.release)
	deadline := time.Now().Add(2 * time.Second)
	for h.index.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	res, err := h.orch.Generate(context.Background(), "a comet over mountains")
	if err != nil {
		t.Fatalf("Generate() after cancellation error = %v", err)
	}
	if !res.Cached {
		t.Error("generation started before cancellation should have been cached")
	}
	if got := h.generator.calls.Load(); got != 1 {
		t.Errorf("generator calls = %d, want 1", got)
	}
}

func TestGenerate_HitWithMissingRecordIsStoreError(t *testing.T) {
	h := newHarness(t, nil)
	vec := oneHot("orphan")
	if err := h.index.MemoryIndex.Insert(context.Background(), vec, "no-such-record"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	_, err := h.orch.Generate(context.Background(), "orphan")
	if !domain.IsKind(err, domain.KindStore) {
		t.Errorf("error kind = %q, want store", domain.KindOf(err))
	}
	if !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("error %v should wrap ErrRecordNotFound", err)
	}
	if h.generator.calls.Load() != 0 {
		t.Error("dangling index entry must not trigger generation")
	}
}

// reindexingStore indexes each record as soon as it is persisted, the way a
// reindex run landing between the two writes would.
type reindexingStore struct {
	*fakeStore
	idx *index.MemoryIndex
}

func (s *reindexingStore) Insert(ctx context.Context, record *domain.ImageRecord) (string, error) {
	id, err := s.fakeStore.Insert(ctx, record)
	if err != nil {
		return "", err
	}
	if err := s.idx.Insert(ctx, record.Vector(), id); err != nil {
		return "", err
	}
	return id, nil
}

func TestGenerate_IndexedByConcurrentReindexIsNotAFailure(t *testing.T) {
	h := newHarness(t, nil)
	store := &reindexingStore{fakeStore: h.store, idx: h.index.MemoryIndex}
	orch := NewCacheOrchestrator(h.embedder, h.index, store, h.generator, nil, &h.orch.cfg)
	ctx := context.Background()

	res, err := orch.Generate(ctx, "a lighthouse at dusk")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.StoreErr != nil {
		t.Errorf("StoreErr = %v, want nil when the index already holds the record", res.StoreErr)
	}
	if res.RecordID == "" {
		t.Error("RecordID should be set")
	}

	again, err := orch.Generate(ctx, "a lighthouse at dusk")
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if !again.Cached || again.RecordID != res.RecordID {
		t.Errorf("second result = %+v, want hit on %s", again, res.RecordID)
	}
}
