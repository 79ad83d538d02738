package mw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"calibration-backend/internal/metrics"
)

// Metrics records request counts and latency per route pattern, so record ids
// and blob keys do not become label values.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		metrics.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
