package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	openai "github.com/sashabaranov/go-openai"
	"github.com/timmy/imagenary/internal/domain"
)

const defaultNebiusBaseURL = "https://api.studio.nebius.com/v1/"

// ImageGenerator produces one image for a prompt. Implementations never
// retry; a call may cost money, so that decision belongs to the caller.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, params domain.GenerationParams) (*domain.Artifact, error)
}

// GeneratorConfig holds configuration for the image generation providers.
type GeneratorConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// NewImageGenerator creates the generator named in cfg.Provider.
func NewImageGenerator(cfg *GeneratorConfig) (ImageGenerator, error) {
	switch cfg.Provider {
	case "nebius", "":
		return NewNebiusGenerator(cfg), nil
	case "openai":
		return NewOpenAIGenerator(cfg), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

// NebiusGenerator calls an OpenAI-compatible images endpoint that accepts the
// diffusion extras (steps, size, seed, negative prompt, output format).
type NebiusGenerator struct {
	client   *resty.Client
	endpoint string
}

// NewNebiusGenerator creates a new Nebius generator.
// Parameters:
//   - cfg: generator configuration; BaseURL defaults to Nebius AI Studio.
//
// Returns:
//   - *NebiusGenerator: initialized client wrapper.
func NewNebiusGenerator(cfg *GeneratorConfig) *NebiusGenerator {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultNebiusBaseURL
	}

	return &NebiusGenerator{
		client:   client,
		endpoint: strings.TrimRight(baseURL, "/") + "/images/generations",
	}
}

type nebiusImageRequest struct {
	Model             string `json:"model"`
	Prompt            string `json:"prompt"`
	ResponseFormat    string `json:"response_format"`
	ResponseExtension string `json:"response_extension,omitempty"`
	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
	NumInferenceSteps int    `json:"num_inference_steps,omitempty"`
	NegativePrompt    string `json:"negative_prompt"`
	Seed              int64  `json:"seed"`
}

type nebiusImageResponse struct {
	ID   string `json:"id"`
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Generate requests one image and returns its URL and the provider's ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - prompt: validated prompt text.
//   - params: fixed generation parameters.
//
// Returns:
//   - *domain.Artifact: generated image locator.
//   - error: GenerationError (retryable when the provider refused the call),
//     or UnknownOutcomeError when the call may have run provider-side.
func (g *NebiusGenerator) Generate(ctx context.Context, prompt string, params domain.GenerationParams) (*domain.Artifact, error) {
	const op = "generate"

	req := nebiusImageRequest{
		Model:             params.Model,
		Prompt:            prompt,
		ResponseFormat:    "url",
		ResponseExtension: params.Format,
		Width:             params.Width,
		Height:            params.Height,
		NumInferenceSteps: params.Steps,
		NegativePrompt:    params.NegativePrompt,
		Seed:              params.Seed,
	}

	var resp nebiusImageResponse
	httpResp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(g.endpoint)
	if err != nil {
		return nil, classifyTransportError(op, fmt.Errorf("failed to call image API: %w", err))
	}

	if code := httpResp.StatusCode(); code < 200 || code >= 300 {
		msg := string(httpResp.Body())
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		} else if resp.Detail != "" {
			msg = resp.Detail
		}
		statusErr := &ProviderStatusError{Provider: "nebius", StatusCode: code, Message: msg}
		if retryableStatus(code) {
			return nil, domain.NewRetryableError(domain.KindGeneration, op, statusErr)
		}
		return nil, domain.NewError(domain.KindGeneration, op, statusErr)
	}

	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, domain.NewError(domain.KindGeneration, op, errors.New("no image url in response"))
	}

	return &domain.Artifact{
		URL:        resp.Data[0].URL,
		ProviderID: resp.ID,
		Width:      params.Width,
		Height:     params.Height,
		Format:     params.Format,
	}, nil
}

// OpenAIGenerator uses the OpenAI images API. Diffusion extras that the API
// does not accept (steps, seed, negative prompt) are ignored.
type OpenAIGenerator struct {
	client *openai.Client
}

// NewOpenAIGenerator creates a generator backed by go-openai.
func NewOpenAIGenerator(cfg *GeneratorConfig) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIGenerator{client: openai.NewClientWithConfig(clientCfg)}
}

// Generate requests one image and returns its URL.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, params domain.GenerationParams) (*domain.Artifact, error) {
	const op = "generate"

	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          params.Model,
		N:              1,
		Size:           fmt.Sprintf("%dx%d", params.Width, params.Height),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			if retryableStatus(apiErr.HTTPStatusCode) {
				return nil, domain.NewRetryableError(domain.KindGeneration, op, err)
			}
			return nil, domain.NewError(domain.KindGeneration, op, err)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
			if retryableStatus(reqErr.HTTPStatusCode) {
				return nil, domain.NewRetryableError(domain.KindGeneration, op, err)
			}
			return nil, domain.NewError(domain.KindGeneration, op, err)
		}
		return nil, classifyTransportError(op, err)
	}

	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, domain.NewError(domain.KindGeneration, op, errors.New("no image url in response"))
	}

	providerID := resp.Header().Get("x-request-id")
	if providerID == "" {
		providerID = fmt.Sprintf("openai-%d", resp.Created)
	}

	return &domain.Artifact{
		URL:        resp.Data[0].URL,
		ProviderID: providerID,
		Width:      params.Width,
		Height:     params.Height,
		Format:     "png",
	}, nil
}

// classifyTransportError maps failures where the request may already have
// reached the provider. Only a connection that was never established is a
// (retryable) generation error; anything else has an unknown outcome.
func classifyTransportError(op string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return domain.NewRetryableError(domain.KindGeneration, op, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.NewRetryableError(domain.KindGeneration, op, err)
	}
	return domain.NewError(domain.KindUnknownOutcome, op, err)
}
