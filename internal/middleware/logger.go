package middleware

import (
	"net/http"
	"time"

	"dyno-go/internal/logging"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestLogger logs one line per admin request. Server errors log at warn,
// everything else at debug so polling dashboards stay quiet.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logging.WithReq(c, log.Fields{
			"status":     status,
			"latency_ms": logging.DurationMS(time.Since(start)),
			"user_agent": c.Request.UserAgent(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		if status >= http.StatusInternalServerError {
			entry.Warn("admin_request")
			return
		}
		entry.Debug("admin_request")
	}
}
