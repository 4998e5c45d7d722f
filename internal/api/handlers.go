package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/bulk"
	"github.com/spigell/profilegen/internal/generation"
	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/orgcache"
	"github.com/spigell/profilegen/internal/storage"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	orchestrator *generation.Orchestrator
	bulk         *bulk.Coordinator
	cache        *orgcache.Cache
	profiles     storage.Repository
	logger       *zap.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(
	orchestrator *generation.Orchestrator,
	coordinator *bulk.Coordinator,
	cache *orgcache.Cache,
	profiles storage.Repository,
	log *zap.Logger,
) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		bulk:         coordinator,
		cache:        cache,
		profiles:     profiles,
		logger:       logger.OrNop(log).With(zap.String("svc", "api")),
	}
}

// GenerateRequest is the body of POST /api/generation.
type GenerateRequest struct {
	PositionID string `json:"position_id"`
}

// GenerateResponse acknowledges an accepted generation.
type GenerateResponse struct {
	TaskID            string            `json:"task_id"`
	Status            generation.Status `json:"status"`
	EstimatedDuration int               `json:"estimated_duration"`
}

// CancelResponse reports a cancel transition.
type CancelResponse struct {
	TaskID         string            `json:"task_id"`
	PreviousStatus generation.Status `json:"previous_status"`
	NewStatus      generation.Status `json:"new_status"`
}

// BulkRequest is the body of POST /api/generation/bulk.
type BulkRequest struct {
	PositionIDs      []string `json:"position_ids"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
}

// GenerateHandler handles POST /api/generation.
func (h *Handlers) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.orchestrator.Submit(c.Request.Context(), generation.Request{PositionID: req.PositionID})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, GenerateResponse{
		TaskID:            task.ID,
		Status:            task.Status,
		EstimatedDuration: task.EstimatedDuration,
	})
}

// TaskStatusHandler handles GET /api/generation/:task_id/status.
func (h *Handlers) TaskStatusHandler(c *gin.Context) {
	task, err := h.orchestrator.Get(c.Param("task_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// CancelTaskHandler handles POST /api/generation/:task_id/cancel.
func (h *Handlers) CancelTaskHandler(c *gin.Context) {
	taskID := c.Param("task_id")

	previous, current, err := h.orchestrator.Cancel(taskID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, CancelResponse{TaskID: taskID, PreviousStatus: previous, NewStatus: current})
}

// BulkGenerateHandler handles POST /api/generation/bulk.
func (h *Handlers) BulkGenerateHandler(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := h.bulk.Submit(c.Request.Context(), req.PositionIDs, req.ConcurrencyLimit)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, batch)
}

// BulkStatusHandler handles GET /api/generation/bulk/:batch_id/status.
func (h *Handlers) BulkStatusHandler(c *gin.Context) {
	status, err := h.bulk.Status(c.Param("batch_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelBulkHandler handles POST /api/generation/bulk/:batch_id/cancel.
func (h *Handlers) CancelBulkHandler(c *gin.Context) {
	status, err := h.bulk.Cancel(c.Param("batch_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// SnapshotHandler handles GET /api/organization/snapshot.
func (h *Handlers) SnapshotHandler(c *gin.Context) {
	entry, err := h.cache.Load(c.Request.Context(), false)
	if err != nil {
		// A stale snapshot is better than none.
		if entry = h.cache.Entry(); entry == nil {
			h.fail(c, err)
			return
		}
		h.logger.Warn("serving stale organization snapshot", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"built_at":        entry.BuiltAt,
		"total_positions": entry.Root.TotalPositions,
		"profile_count":   entry.Root.ProfileCount,
		"nodes":           entry.Root.Children,
	})
}

// RefreshHandler handles POST /api/organization/refresh.
func (h *Handlers) RefreshHandler(c *gin.Context) {
	entry, err := h.cache.Load(c.Request.Context(), true)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"built_at": entry.BuiltAt, "total_positions": entry.Len()})
}

// PositionsHandler handles GET /api/organization/positions.
func (h *Handlers) PositionsHandler(c *gin.Context) {
	positions, err := h.cache.Positions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"positions": positions, "total": len(positions)})
}

// PositionsWithoutProfileHandler handles GET /api/organization/positions/without-profile.
func (h *Handlers) PositionsWithoutProfileHandler(c *gin.Context) {
	positions, err := h.cache.PositionsWithoutProfile(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"positions": positions, "total": len(positions)})
}

// PositionHandler handles GET /api/organization/positions/:position_id.
func (h *Handlers) PositionHandler(c *gin.Context) {
	id := c.Param("position_id")

	position, ok, err := h.cache.Position(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}

	c.JSON(http.StatusOK, position)
}

// ProfileHandler handles GET /api/profiles/:position_id.
func (h *Handlers) ProfileHandler(c *gin.Context) {
	profile, err := h.profiles.GetByPosition(c.Request.Context(), c.Param("position_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, profile)
}

// HealthHandler handles GET /health.
func (h *Handlers) HealthHandler(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if entry := h.cache.Entry(); entry != nil {
		body["organization_built_at"] = entry.BuiltAt
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, generation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, generation.ErrNotFound),
		errors.Is(err, bulk.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orgcache.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
