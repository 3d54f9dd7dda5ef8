package middleware

import "github.com/gin-gonic/gin"

// CacheBusterMiddleware marks every response as uncacheable. Task views change while analysers
// report, so intermediaries must not serve stale copies.
func CacheBusterMiddleware(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if enabled {
			h := c.Writer.Header()
			h.Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		c.Next()
	}
}
