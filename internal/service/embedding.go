package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/logger"
	"google.golang.org/api/option"
)

const (
	jinaEndpoint = "https://api.jina.ai/v1/embeddings"
)

// EmbeddingProvider turns text into a raw vector. Providers do not validate
// the vector; EmbeddingService does.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// EmbeddingProviderConfig selects and configures a provider.
type EmbeddingProviderConfig struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
}

// NewEmbeddingProvider creates the provider named in cfg.Provider.
func NewEmbeddingProvider(ctx context.Context, cfg *EmbeddingProviderConfig) (EmbeddingProvider, error) {
	switch cfg.Provider {
	case "gemini":
		return newGeminiProvider(ctx, cfg)
	case "openai", "openai-compatible":
		return newOpenAIEmbeddingProvider(cfg), nil
	case "jina":
		return newJinaProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// EmbeddingService is the cache's embedder. It guarantees that every vector it
// returns has exactly the configured dimension and a non-zero magnitude, and
// classifies every failure as an embedding error.
type EmbeddingService struct {
	provider   EmbeddingProvider
	dimensions int
	timeout    time.Duration
}

// EmbeddingConfig holds configuration for embedding service
type EmbeddingConfig struct {
	Dimensions int
	Timeout    time.Duration
}

// NewEmbeddingService creates a new embedding service
func NewEmbeddingService(provider EmbeddingProvider, cfg *EmbeddingConfig) *EmbeddingService {
	return &EmbeddingService{
		provider:   provider,
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
	}
}

// GetModel returns the model name being used
func (s *EmbeddingService) GetModel() string {
	return s.provider.GetModel()
}

// Dimensions returns the vector length every Embed call produces.
func (s *EmbeddingService) Dimensions() int {
	return s.dimensions
}

// Embed returns the embedding for text.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: non-empty text to embed.
// Returns:
//   - []float32: vector of exactly Dimensions() components.
//   - error: EmbeddingError on provider failure, timeout, or an invalid vector.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "embed"

	if strings.TrimSpace(text) == "" {
		return nil, domain.NewError(domain.KindValidation, op, domain.ErrEmptyPrompt)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		if isTransient(err) {
			return nil, domain.NewRetryableError(domain.KindEmbedding, op, err)
		}
		return nil, domain.NewError(domain.KindEmbedding, op, err)
	}
	if len(vec) != s.dimensions {
		return nil, domain.NewError(domain.KindEmbedding, op,
			fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vec), s.dimensions))
	}
	if err := checkVector(vec); err != nil {
		return nil, domain.NewError(domain.KindEmbedding, op, err)
	}

	logger.With(logger.Fields{
		logger.FieldProvider:   s.provider.GetModel(),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Debug(ctx, "Embedding computed")

	return vec, nil
}

// Close releases provider resources when the provider holds any.
func (s *EmbeddingService) Close() error {
	if c, ok := s.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// checkVector rejects vectors that cosine similarity cannot score.
func checkVector(v []float32) error {
	zero := true
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding component %d is not finite", i)
		}
		if x != 0 {
			zero = false
		}
	}
	if zero {
		return domain.ErrZeroVector
	}
	return nil
}

// jinaProvider calls the Jina embeddings REST API.
type jinaProvider struct {
	client     *resty.Client
	endpoint   string
	model      string
	dimensions int
}

func newJinaProvider(cfg *EmbeddingProviderConfig) *jinaProvider {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")

	endpoint := jinaEndpoint
	if cfg.BaseURL != "" {
		endpoint = strings.TrimRight(cfg.BaseURL, "/") + "/embeddings"
	}

	return &jinaProvider{
		client:     client,
		endpoint:   endpoint,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

func (p *jinaProvider) GetModel() string {
	return p.model
}

// Jina API request/response structures
type jinaRequest struct {
	Model         string   `json:"model"`
	Task          string   `json:"task,omitempty"`
	Dimensions    int      `json:"dimensions,omitempty"`
	Input         []string `json:"input"`
	EmbeddingType string   `json:"embedding_type,omitempty"`
}

type jinaResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
}

func (p *jinaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	req := jinaRequest{
		Model: p.model,
		// Prompts are compared with prompts, so use the symmetric task.
		Task:          "text-matching",
		Dimensions:    p.dimensions,
		Input:         []string{text},
		EmbeddingType: "float",
	}

	var resp jinaResponse
	httpResp, err := p.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to call Jina API: %w", err)
	}

	if httpResp.StatusCode() != 200 {
		msg := resp.Detail
		if msg == "" {
			msg = string(httpResp.Body())
		}
		return nil, &ProviderStatusError{Provider: "jina", StatusCode: httpResp.StatusCode(), Message: msg}
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

// geminiProvider uses the Google Generative AI embedding models.
type geminiProvider struct {
	client *genai.Client
	model  *genai.EmbeddingModel
	name   string
}

func newGeminiProvider(ctx context.Context, cfg *EmbeddingProviderConfig) (*geminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &geminiProvider{
		client: client,
		model:  client.EmbeddingModel(cfg.Model),
		name:   cfg.Model,
	}, nil
}

func (p *geminiProvider) GetModel() string {
	return p.name
}

func (p *geminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := p.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("failed to call Gemini API: %w", err)
	}
	if res == nil || res.Embedding == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	return res.Embedding.Values, nil
}

func (p *geminiProvider) Close() error {
	return p.client.Close()
}

// openAIEmbeddingProvider calls any OpenAI-compatible embeddings endpoint.
type openAIEmbeddingProvider struct {
	client     *openai.Client
	model      string
	dimensions int
}

func newOpenAIEmbeddingProvider(cfg *EmbeddingProviderConfig) *openAIEmbeddingProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &openAIEmbeddingProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

func (p *openAIEmbeddingProvider) GetModel() string {
	return p.model
}

func (p *openAIEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call embeddings API: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}
