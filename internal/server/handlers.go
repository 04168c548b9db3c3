package server

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/logging"
	"dyno-go/internal/monitoring"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSlowOpsLimit = 50
	defaultLogsLimit    = 200
)

type handlers struct {
	deps Dependencies
}

func (h *handlers) healthz(c *gin.Context) {
	top := h.deps.Pool.Topology()
	status := http.StatusOK
	state := "ok"
	if len(top.Active) == 0 {
		status = http.StatusServiceUnavailable
		state = "no_active_hosts"
	}
	c.JSON(status, gin.H{
		"status":   state,
		"pool":     top.Pool,
		"active":   len(top.Active),
		"inactive": len(top.Inactive),
	})
}

func (h *handlers) topology(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Pool.Topology())
}

func (h *handlers) refreshTopology(c *gin.Context) {
	changed, err := h.deps.Pool.RefreshTopology(c.Request.Context())
	if err != nil {
		logging.WithReq(c, log.Fields{"error": err.Error()}).Warn("manual topology refresh failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "topology": h.deps.Pool.Topology()})
}

func (h *handlers) pools(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Pool.PoolStats())
}

func (h *handlers) checkHealth(c *gin.Context) {
	h.deps.Pool.CheckHealth(c.Request.Context())
	c.JSON(http.StatusOK, h.deps.Pool.PoolStats().Hosts)
}

func (h *handlers) getConfig(c *gin.Context) {
	resp := gin.H{"effective": h.deps.Pool.Config().Snapshot()}
	if h.deps.Config != nil {
		resp["properties"] = h.deps.Config.Properties()
		resp["path"] = h.deps.Config.Path()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) putConfig(c *gin.Context) {
	if h.deps.Config == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "configuration is read only"})
		return
	}
	var updates map[string]string
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be an object of string properties"})
		return
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no properties given"})
		return
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cfg := h.deps.Pool.Config()
	for _, k := range keys {
		if err := cfg.Validate(k, updates[k]); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "key": k})
			return
		}
	}

	if err := h.deps.Config.UpdateProperties(updates); err != nil {
		logging.WithReq(c, log.Fields{"error": err.Error()}).Error("failed to persist properties")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist properties"})
		return
	}
	logging.WithReq(c, log.Fields{"keys": keys}).Info("properties updated")
	c.JSON(http.StatusOK, gin.H{"updated": keys, "effective": cfg.Snapshot()})
}

func (h *handlers) ping(c *gin.Context) {
	res, err := h.deps.Pool.Ping(c.Request.Context())
	if err != nil {
		resp := gin.H{"error": err.Error(), "kind": apperrors.KindOf(err).String()}
		if hst, ok := apperrors.HostOf(err); ok {
			resp["host"] = hst.Addr()
		}
		if n := apperrors.AttemptOf(err); n > 0 {
			resp["attempts"] = n
		}
		c.JSON(statusForError(err), resp)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":     res.Value,
		"host":       res.Host.Addr(),
		"attempts":   res.Attempts,
		"latency_us": res.LatencyMicros(),
	})
}

func statusForError(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindNoAvailableHosts, apperrors.KindPoolOffline:
		return http.StatusServiceUnavailable
	case apperrors.KindThrottled:
		return http.StatusTooManyRequests
	case apperrors.KindConnectTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *handlers) slowOps(c *gin.Context) {
	if h.deps.SlowOps == nil {
		c.JSON(http.StatusOK, gin.H{"items": []monitoring.SlowOp{}})
		return
	}
	limit := queryInt(c, "limit", defaultSlowOpsLimit)
	c.JSON(http.StatusOK, gin.H{
		"items": h.deps.SlowOps.Recent(limit),
		"stats": h.deps.SlowOps.Stats(),
	})
}

func (h *handlers) tasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.deps.Pool.Tasks(), "now": time.Now()})
}

func (h *handlers) logs(c *gin.Context) {
	if h.deps.Logs == nil {
		c.JSON(http.StatusOK, gin.H{"items": []logging.LogMessage{}, "cursor": 0, "more": false})
		return
	}
	cursor, err := strconv.ParseUint(c.DefaultQuery("cursor", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}
	items, next, more := h.deps.Logs.FetchSince(cursor, queryInt(c, "limit", defaultLogsLimit))
	c.JSON(http.StatusOK, gin.H{"items": items, "cursor": next, "more": more})
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
