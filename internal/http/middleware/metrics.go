package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/observability"
)

// Metrics records API counts and latency. Event streams stay open for the
// life of a generation, so they are counted in flight but kept out of the
// latency histogram. Scrapes of /metrics are not recorded at all.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		m.ApiInflightInc()
		defer m.ApiInflightDec()

		c.Next()

		if route == "" {
			route = "unknown"
		}
		if strings.HasSuffix(route, "/events") {
			return
		}
		m.ObserveAPI(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
