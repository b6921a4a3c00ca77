// README: Panic recovery middleware.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"roadside/internal/logger"
)

func Recovery(logg *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				if logg != nil {
					ctx := logg.WithField(c.Request.Context(), "panic", fmt.Sprint(rec))
					logg.Error(ctx, "panic.recovered", fmt.Errorf("panic: %v", rec))
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
