// README: Access logging middleware.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"roadside/internal/logger"
)

func Logging(logg *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if logg == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		ctx := logg.WithFields(c.Request.Context(), map[string]any{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if uid := CallerUID(c); uid != "" {
			ctx = logg.WithActor(ctx, uid, CallerRole(c))
		}
		if c.Writer.Status() >= 500 {
			logg.Warn(ctx, "request.complete")
			return
		}
		logg.Info(ctx, "request.complete")
	}
}
