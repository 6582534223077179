package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/auth"
	"carbon-scribe/analytics-engine/internal/reports"
)

// Handler handles HTTP requests for dashboards
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates a new dashboard handler
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes registers dashboard routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	dashboards := router.Group("/dashboards")
	{
		dashboards.GET("", h.listDashboards)
		dashboards.GET("/:id", h.resolveDashboard)
	}
}

// listDashboards handles GET /api/v1/dashboards
func (h *Handler) listDashboards(c *gin.Context) {
	defs := h.manager.List()
	c.JSON(http.StatusOK, gin.H{"dashboards": defs, "total_count": len(defs)})
}

// resolveDashboard handles GET /api/v1/dashboards/:id
func (h *Handler) resolveDashboard(c *gin.Context) {
	id := c.Param("id")

	sc, ok := auth.SecurityContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	layout, err := h.manager.Resolve(c.Request.Context(), id, sc)
	if err != nil {
		reports.RespondError(c, h.logger, "Failed to resolve dashboard", err, zap.String("dashboard_id", id))
		return
	}

	c.JSON(http.StatusOK, layout)
}
