package scheduler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// Handler handles HTTP requests for scheduled reports
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates a new schedule handler
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes registers schedule routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	schedules := router.Group("/schedules")
	{
		schedules.GET("", h.listSchedules)
		schedules.GET("/:id", h.getSchedule)
		schedules.POST("/:id/run", h.runSchedule)
		schedules.POST("/:id/reset", h.resetSchedule)
	}
}

// listSchedules handles GET /api/v1/schedules
func (h *Handler) listSchedules(c *gin.Context) {
	srs, err := h.manager.List(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to list schedules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": srs, "total_count": len(srs)})
}

// getSchedule handles GET /api/v1/schedules/:id
func (h *Handler) getSchedule(c *gin.Context) {
	sr, err := h.manager.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get schedule", err)
		return
	}
	c.JSON(http.StatusOK, sr)
}

// runSchedule handles POST /api/v1/schedules/:id/run
func (h *Handler) runSchedule(c *gin.Context) {
	sr, err := h.manager.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to run schedule", err)
		return
	}
	c.JSON(http.StatusOK, sr)
}

// resetSchedule handles POST /api/v1/schedules/:id/reset
func (h *Handler) resetSchedule(c *gin.Context) {
	sr, err := h.manager.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to reset schedule", err)
		return
	}
	c.JSON(http.StatusOK, sr)
}

func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	var skip *errdefs.SchedulerError
	if errors.As(err, &skip) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	reports.RespondError(c, h.logger, msg, err, zap.String("schedule_id", c.Param("id")))
}
