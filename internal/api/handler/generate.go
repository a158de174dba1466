package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/imagenary/internal/domain"
	"github.com/timmy/imagenary/internal/logger"
)

// ImageCache is the part of the cache orchestrator the HTTP layer needs.
type ImageCache interface {
	Generate(ctx context.Context, prompt string) (*domain.CacheResult, error)
	Record(ctx context.Context, id string) (*domain.ImageRecord, error)
}

// GenerateHandler serves prompt-to-image requests.
type GenerateHandler struct {
	cache ImageCache
}

// NewGenerateHandler creates a new generate handler.
func NewGenerateHandler(cache ImageCache) *GenerateHandler {
	return &GenerateHandler{cache: cache}
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// GenerateResponse is the body of a successful POST /api/generate.
type GenerateResponse struct {
	ImageURL   string   `json:"imageUrl"`
	Cached     bool     `json:"cached"`
	Similarity *float64 `json:"similarity,omitempty"`
}

// Generate handles POST /api/generate.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *GenerateHandler) Generate(c *gin.Context) {
	ctx := c.Request.Context()

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid generate request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	result, err := h.cache.Generate(ctx, req.Prompt)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": errorMessage(err)})
		return
	}

	if result.StoreErr != nil {
		c.Header("X-Cache-Store", "failed")
	}
	c.JSON(http.StatusOK, GenerateResponse{
		ImageURL:   result.ImageURL,
		Cached:     result.Cached,
		Similarity: result.Similarity,
	})
}

// statusForError maps an error kind to its HTTP status.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnknownOutcome:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage keeps provider and driver details out of responses; they are
// in the logs.
func errorMessage(err error) string {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		var de *domain.Error
		if errors.As(err, &de) && de.Err != nil {
			return de.Err.Error()
		}
		return err.Error()
	case domain.KindNotFound:
		return "Not found"
	case domain.KindUnknownOutcome:
		return "Generation is still in progress, retry the request later"
	case domain.KindEmbedding:
		return "Failed to embed prompt"
	case domain.KindSearch:
		return "Similarity search failed"
	case domain.KindGeneration:
		return "Image generation failed"
	default:
		return "Internal error"
	}
}
