package middleware

import (
	"net/http"

	"github.com/osvaldoandrade/inspector/pkg/auth"

	"github.com/gin-gonic/gin"
)

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != auth.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unauthorized. Admin only"})
			return
		}
		c.Next()
	}
}
