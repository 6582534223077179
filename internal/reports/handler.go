package reports

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/auth"
	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// Handler handles HTTP requests for reporting operations
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new reports handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers reporting routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	reports := router.Group("/reports")
	{
		reports.GET("", h.listReports)
		reports.GET("/:id", h.getReport)
		reports.POST("/:id/execute", h.executeReport)
	}
}

// listReports handles GET /api/v1/reports
func (h *Handler) listReports(c *gin.Context) {
	opts := &ListOptions{
		Page:     getIntParam(c, "page", 1),
		PageSize: getIntParam(c, "page_size", defaultPageSize),
	}
	if category := c.Query("category"); category != "" {
		cat := ReportCategory(category)
		opts.Category = &cat
	}
	if format := c.Query("format"); format != "" {
		f := export.Format(format)
		opts.Format = &f
	}
	if search := c.Query("search"); search != "" {
		opts.SearchTerm = &search
	}

	resp, err := h.service.ListReports(c.Request.Context(), opts)
	if err != nil {
		RespondError(c, h.logger, "Failed to list reports", err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// getReport handles GET /api/v1/reports/:id
func (h *Handler) getReport(c *gin.Context) {
	id := c.Param("id")

	def, err := h.service.GetReport(c.Request.Context(), id)
	if err != nil {
		RespondError(c, h.logger, "Failed to get report", err, zap.String("report_id", id))
		return
	}

	c.JSON(http.StatusOK, def)
}

// executeReport handles POST /api/v1/reports/:id/execute. JSON reports are
// returned inline; other formats are sent as a download.
func (h *Handler) executeReport(c *gin.Context) {
	id := c.Param("id")

	var req ExecuteReportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	sc, ok := auth.SecurityContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	if f := c.Query("format"); f != "" {
		req.Format = export.Format(f)
	}

	result, err := h.service.ExecuteReport(c.Request.Context(), id, req.Parameters, sc, WithFormat(req.Format))
	if err != nil {
		RespondError(c, h.logger, "Failed to execute report", err, zap.String("report_id", id))
		return
	}

	c.Header("X-Execution-ID", result.ExecutionID)
	c.Header("X-Generated-At", result.GeneratedAt.Format(http.TimeFormat))
	if result.Format != export.FormatJSON {
		c.Header("Content-Disposition", `attachment; filename="`+result.Filename()+`"`)
	}
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

// =====================================================
// Helper Methods
// =====================================================

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errdefs.IsValidation(err):
		return http.StatusBadRequest
	case errdefs.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RespondError logs server-side failures and writes the error body.
func RespondError(c *gin.Context, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, append(fields, zap.Error(err))...)
	} else {
		logger.Debug(msg, append(fields, zap.Error(err))...)
	}

	body := gin.H{"error": err.Error()}
	var verr *errdefs.ValidationError
	if errors.As(err, &verr) {
		body["code"] = verr.Code
		if verr.Field != "" {
			body["field"] = verr.Field
		}
	}
	c.JSON(status, body)
}

// getIntParam gets an integer query parameter with a default value
func getIntParam(c *gin.Context, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
