package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"roadside/internal/metrics"
)

// Metrics observes every request under its route template.
func Metrics(m *metrics.HTTP) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Observe(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
