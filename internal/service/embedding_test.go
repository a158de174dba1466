package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/timmy/imagenary/internal/domain"
)

type stubProvider struct {
	vec   []float32
	err   error
	delay time.Duration
}

func (p *stubProvider) Embed(ctx context.Context, _ string) ([]float32, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.vec, p.err
}

func (p *stubProvider) GetModel() string { return "stub" }

func TestEmbeddingService_Embed(t *testing.T) {
	unit := []float32{0, 1, 0, 0}

	tests := []struct {
		name          string
		provider      *stubProvider
		text          string
		wantKind      domain.ErrorKind
		wantRetryable bool
		wantErrIs     error
	}{
		{name: "valid vector", provider: &stubProvider{vec: unit}, text: "hello"},
		{name: "blank text", provider: &stubProvider{vec: unit}, text: "  ", wantKind: domain.KindValidation, wantErrIs: domain.ErrEmptyPrompt},
		{name: "short vector", provider: &stubProvider{vec: []float32{1, 0}}, text: "hello", wantKind: domain.KindEmbedding, wantErrIs: domain.ErrDimensionMismatch},
		{name: "zero vector", provider: &stubProvider{vec: make([]float32, 4)}, text: "hello", wantKind: domain.KindEmbedding, wantErrIs: domain.ErrZeroVector},
		{name: "nan component", provider: &stubProvider{vec: []float32{1, float32(math.NaN()), 0, 0}}, text: "hello", wantKind: domain.KindEmbedding},
		{name: "rate limited", provider: &stubProvider{err: &ProviderStatusError{Provider: "jina", StatusCode: 429}}, text: "hello", wantKind: domain.KindEmbedding, wantRetryable: true},
		{name: "bad request", provider: &stubProvider{err: &ProviderStatusError{Provider: "jina", StatusCode: 400}}, text: "hello", wantKind: domain.KindEmbedding},
		{name: "timeout", provider: &stubProvider{vec: unit, delay: time.Second}, text: "hello", wantKind: domain.KindEmbedding, wantRetryable: true, wantErrIs: context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewEmbeddingService(tt.provider, &EmbeddingConfig{Dimensions: 4, Timeout: 20 * time.Millisecond})
			vec, err := svc.Embed(context.Background(), tt.text)

			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("Embed() error = %v", err)
				}
				if len(vec) != 4 {
					t.Errorf("len = %d, want 4", len(vec))
				}
				return
			}
			if !domain.IsKind(err, tt.wantKind) {
				t.Fatalf("error = %v, want kind %s", err, tt.wantKind)
			}
			if domain.IsRetryable(err) != tt.wantRetryable {
				t.Errorf("IsRetryable = %v, want %v", domain.IsRetryable(err), tt.wantRetryable)
			}
			if tt.wantErrIs != nil && !errors.Is(err, tt.wantErrIs) {
				t.Errorf("error = %v, want wrapping %v", err, tt.wantErrIs)
			}
		})
	}
}

func TestJinaProvider_Embed(t *testing.T) {
	var got jinaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.6,0.8,0]}]}`))
	}))
	defer srv.Close()

	p, err := NewEmbeddingProvider(context.Background(), &EmbeddingProviderConfig{
		Provider: "jina", Model: "jina-embeddings-v3", APIKey: "secret", BaseURL: srv.URL + "/v1/", Dimensions: 3,
	})
	if err != nil {
		t.Fatalf("NewEmbeddingProvider() error = %v", err)
	}

	vec, err := p.Embed(context.Background(), "a red fox")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.8 {
		t.Errorf("vec = %v", vec)
	}
	if got.Model != "jina-embeddings-v3" || got.Dimensions != 3 || got.Task != "text-matching" {
		t.Errorf("request = %+v", got)
	}
	if len(got.Input) != 1 || got.Input[0] != "a red fox" {
		t.Errorf("input = %v", got.Input)
	}
}

func TestJinaProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"detail":"overloaded"}`))
	}))
	defer srv.Close()

	p, err := NewEmbeddingProvider(context.Background(), &EmbeddingProviderConfig{Provider: "jina", BaseURL: srv.URL, Dimensions: 3})
	if err != nil {
		t.Fatalf("NewEmbeddingProvider() error = %v", err)
	}
	_, err = p.Embed(context.Background(), "x")

	var statusErr *ProviderStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want ProviderStatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Message != "overloaded" {
		t.Errorf("status error = %+v", statusErr)
	}
	if !isTransient(err) {
		t.Error("503 should be transient")
	}
}

func TestNewEmbeddingProvider_Unknown(t *testing.T) {
	if _, err := NewEmbeddingProvider(context.Background(), &EmbeddingProviderConfig{Provider: "word2vec"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
