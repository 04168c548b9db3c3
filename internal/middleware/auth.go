package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"dyno-go/internal/logging"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ExtractToken returns the bearer token or x-api-key of the request.
func ExtractToken(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

// ClientSource categorizes the caller's address.
func ClientSource(ip net.IP) string {
	switch {
	case ip == nil:
		return "unknown"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	default:
		return "public"
	}
}

// RequireAdminKey guards write endpoints. With a key configured the caller
// must present it; without one only loopback callers are let through.
func RequireAdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		src := ClientSource(net.ParseIP(c.ClientIP()))
		if key == "" {
			if src == "loopback" {
				c.Next()
				return
			}
			deny(c, http.StatusForbidden, src, "admin writes are local only")
			return
		}
		token := ExtractToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			deny(c, http.StatusUnauthorized, src, "invalid admin key")
			return
		}
		c.Next()
	}
}

func deny(c *gin.Context, status int, src, msg string) {
	logging.WithReq(c, log.Fields{"source": src, "status": status}).Warn("admin request denied")
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
