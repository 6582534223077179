package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/pkg/security"
)

// Handler serves the live report feed
type Handler struct {
	manager *Manager
	parser  *security.TokenParser
	logger  *zap.Logger
}

// NewHandler creates a new websocket handler
func NewHandler(manager *Manager, parser *security.TokenParser, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, parser: parser, logger: logger}
}

// RegisterRoutes registers websocket routes
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws/reports", h.serveReports)
}

// serveReports handles GET /ws/reports. Browsers cannot set headers on a
// websocket handshake, so the token may also come as ?access_token=.
func (h *Handler) serveReports(c *gin.Context) {
	var (
		sc  security.Context
		err error
	)
	if header := c.GetHeader("Authorization"); header != "" {
		sc, err = h.parser.ParseHeader(header)
	} else {
		sc, err = h.parser.Parse(c.Query("access_token"))
	}
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if sc.Anonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token carries no identity"})
		return
	}

	conn, err := h.manager.HandleConnection(c.Writer, c.Request, sc)
	if err != nil {
		h.logger.Warn("WebSocket handshake failed", zap.Error(err))
		return
	}

	h.logger.Info("WebSocket connected",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID))
}
