package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/imagenary/internal/domain"
)

// ImageHandler serves stored image records.
type ImageHandler struct {
	cache ImageCache
}

// NewImageHandler creates a new image handler.
func NewImageHandler(cache ImageCache) *ImageHandler {
	return &ImageHandler{cache: cache}
}

// ImageResponse is a stored record without its embedding.
type ImageResponse struct {
	ID         string               `json:"id"`
	Prompt     string               `json:"prompt"`
	ImageURL   string               `json:"imageUrl"`
	ProviderID string               `json:"providerId,omitempty"`
	Metadata   domain.ImageMetadata `json:"metadata"`
	CreatedAt  time.Time            `json:"createdAt"`
}

// GetImage handles GET /api/images/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ImageHandler) GetImage(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image ID is required"})
		return
	}

	record, err := h.cache.Record(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": errorMessage(err)})
		return
	}

	c.JSON(http.StatusOK, ImageResponse{
		ID:         record.ID,
		Prompt:     record.Prompt,
		ImageURL:   record.ImageURL,
		ProviderID: record.ProviderID,
		Metadata:   record.Metadata,
		CreatedAt:  record.CreatedAt,
	})
}
