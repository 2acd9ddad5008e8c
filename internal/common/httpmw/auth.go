package httpmw

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/logger"
	usermodels "github.com/vexly/botmanager/internal/user/models"
	userstore "github.com/vexly/botmanager/internal/user/store"
)

// Gin context key under which the authenticated user is stored.
const userContextKey = "auth_user"

// APIKeyAuth resolves the X-API-Key header to a user and aborts with 401
// when the key is missing or unknown.
func APIKeyAuth(users userstore.Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-API-Key")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		u, err := users.GetByAPIToken(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, userstore.ErrNotFound) {
				log.Error("failed to resolve API key", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Set(userContextKey, u)
		c.Next()
	}
}

// UserFromContext returns the authenticated user set by APIKeyAuth.
func UserFromContext(c *gin.Context) (*usermodels.User, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*usermodels.User)
	return u, ok
}
