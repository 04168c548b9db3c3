package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"syscall"

	"dyno-go/internal/logging"
	"dyno-go/internal/monitoring"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Recovery turns a handler panic into a 500 and a logged stack. When the
// client already hung up nothing is written back.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			monitoring.AdminPanicsTotal.WithLabelValues(routeOf(c)).Inc()
			entry := logging.WithReq(c, log.Fields{"panic": fmt.Sprint(r)})
			if err, ok := r.(error); ok && clientGone(err) {
				entry.Warn("admin client disconnected mid-response")
				c.Abort()
				return
			}
			entry.WithField("stack", string(debug.Stack())).Error("panic recovered in admin handler")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}()
		c.Next()
	}
}

func clientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
