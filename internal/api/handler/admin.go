package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/imagenary/internal/logger"
	"github.com/timmy/imagenary/internal/service"
)

// Reindexer repairs the similarity index from the record store.
type Reindexer interface {
	Run(ctx context.Context) (*service.ReindexStats, error)
}

// AdminHandler handles admin operations.
type AdminHandler struct {
	reindexer Reindexer

	mu            sync.RWMutex
	isRunning     bool
	lastStats     *service.ReindexStats
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(reindexer Reindexer) *AdminHandler {
	return &AdminHandler{reindexer: reindexer}
}

// ReindexResponse represents the reindex API response.
type ReindexResponse struct {
	Message string                `json:"message"`
	Stats   *service.ReindexStats `json:"stats,omitempty"`
}

// ReindexStatusResponse represents the reindex status.
type ReindexStatusResponse struct {
	IsRunning     bool                  `json:"is_running"`
	LastRunTime   string                `json:"last_run_time,omitempty"`
	LastRunStatus string                `json:"last_run_status,omitempty"`
	LastStats     *service.ReindexStats `json:"last_stats,omitempty"`
}

// TriggerReindex handles POST /api/admin/reindex. The run is synchronous and
// only one may be in progress.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) TriggerReindex(c *gin.Context) {
	ctx := c.Request.Context()

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		logger.CtxWarn(ctx, "Reindex request rejected: already running, client_ip=%s", c.ClientIP())
		c.JSON(http.StatusConflict, gin.H{"error": "Reindex is already running"})
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	logger.CtxInfo(ctx, "Starting reindex: client_ip=%s", c.ClientIP())

	// Keep going if the client disconnects; the run is idempotent but not free.
	stats, err := h.reindexer.Run(context.WithoutCancel(ctx))

	h.mu.Lock()
	h.isRunning = false
	h.lastStats = stats
	h.lastRunTime = time.Now()
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
	} else {
		h.lastRunStatus = "success"
	}
	h.mu.Unlock()

	if err != nil {
		logger.CtxError(ctx, "Reindex failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ReindexResponse{
		Message: "Reindex completed successfully",
		Stats:   stats,
	})
}

// GetReindexStatus handles GET /api/admin/reindex/status.
func (h *AdminHandler) GetReindexStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := ReindexStatusResponse{
		IsRunning:     h.isRunning,
		LastRunStatus: h.lastRunStatus,
		LastStats:     h.lastStats,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}
