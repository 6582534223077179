package auth

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers Auth routes. me sits behind the token middleware.
func RegisterRoutes(r *gin.RouterGroup, handler *Handler, requireIdentity gin.HandlerFunc) {
	authGroup := r.Group("/auth")
	{
		authGroup.GET("/ping", handler.Ping)
		authGroup.GET("/me", requireIdentity, handler.Me)
	}
}
