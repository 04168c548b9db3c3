package server

import (
	"context"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"dyno-go/internal/constants"
	"dyno-go/internal/events"
	"dyno-go/internal/logging"
	"dyno-go/internal/monitoring"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  constants.WebSocketBufferSize,
	WriteBufferSize: constants.WebSocketBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := neturl.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	},
}

// keepAlive arms the read deadline and blocks in the read loop until the
// peer goes away. Messages from the client are discarded.
func keepAlive(conn *ws.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// relay writes every value from queue to conn as JSON and keeps the peer
// alive with pings until the client disconnects. Only relay's goroutine
// writes to conn.
func relay[T any](conn *ws.Conn, queue <-chan T, onWriteErr func(error)) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case v := <-queue:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(v); err != nil {
					onWriteErr(err)
					conn.Close()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(ws.PingMessage, []byte("ping"), time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	keepAlive(conn)
	close(done)
}

func (h *handlers) logStream(c *gin.Context) {
	if h.deps.Logs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log streaming disabled"})
		return
	}
	level := log.InfoLevel
	if raw := c.Query("level"); raw != "" {
		lvl, err := log.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid level"})
			return
		}
		level = lvl
	}

	feed, stop, err := h.deps.Logs.Follow(level)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer stop()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	entry := logging.WithReq(c, log.Fields{"level": level.String()})
	relay(conn, feed, func(err error) {
		entry.WithError(err).Debug("log stream write failed")
	})
}

// eventStream forwards every hub event to the client as JSON. Publishing
// never blocks on a slow client: events beyond the queue are dropped and
// counted.
func (h *handlers) eventStream(c *gin.Context) {
	if h.deps.Events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event streaming disabled"})
		return
	}
	topic := c.DefaultQuery("topic", events.TopicAll)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, constants.EventQueueSize)
	unsubscribe := h.deps.Events.Subscribe(topic, func(_ context.Context, e events.Event) {
		select {
		case queue <- e:
		default:
			monitoring.EventsDroppedTotal.WithLabelValues(e.Topic).Inc()
		}
	})
	defer unsubscribe()

	entry := logging.WithReq(c, log.Fields{"topic": topic})
	relay[events.Event](conn, queue, func(err error) {
		entry.WithError(err).Debug("event stream write failed")
	})
}
