package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/pkg/security"
)

const contextKey = "security_context"

// Middleware extracts the caller identity from a bearer token and stores
// it on the request. Requests without a valid token are rejected.
func Middleware(parser *security.TokenParser, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, err := parser.ParseHeader(c.GetHeader("Authorization"))
		if err != nil {
			logger.Debug("Rejected request", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if sc.Anonymous() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token carries no identity"})
			return
		}

		c.Set(contextKey, sc)
		c.Request = c.Request.WithContext(security.WithContext(c.Request.Context(), sc))
		c.Next()
	}
}

// SecurityContext returns the identity stored by Middleware.
func SecurityContext(c *gin.Context) (security.Context, bool) {
	v, ok := c.Get(contextKey)
	if !ok {
		return security.Context{}, false
	}
	sc, ok := v.(security.Context)
	return sc, ok
}
