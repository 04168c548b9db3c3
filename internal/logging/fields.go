package logging

import (
	"time"

	"dyno-go/internal/host"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestFields identifies an admin request: its id, method, matched
// route, raw path and client address.
func RequestFields(c *gin.Context) log.Fields {
	fields := log.Fields{}
	if c == nil || c.Request == nil {
		return fields
	}
	if rid := c.GetString("request_id"); rid != "" {
		fields["request_id"] = rid
	}
	fields["method"] = c.Request.Method
	if route := c.FullPath(); route != "" {
		fields["route"] = route
	}
	if c.Request.URL != nil {
		fields["path"] = c.Request.URL.Path
	}
	fields["ip"] = c.ClientIP()
	return fields
}

// WithReq merges extras over RequestFields.
func WithReq(c *gin.Context, extras log.Fields) *log.Entry {
	fields := RequestFields(c)
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// HostFields returns the identifying fields of a host.
func HostFields(h host.Host) log.Fields {
	fields := log.Fields{"host": h.Hostname()}
	if h.HasAddr() {
		fields["addr"] = h.Addr()
	}
	if h.Rack() != "" {
		fields["rack"] = h.Rack()
	}
	return fields
}

// WithHost is WithReq for pool code: host fields plus extras.
func WithHost(h host.Host, extras log.Fields) *log.Entry {
	fields := HostFields(h)
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// DurationMS converts a duration to integer milliseconds for logging.
func DurationMS(d time.Duration) int64 { return d.Milliseconds() }
