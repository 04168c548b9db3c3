package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"dyno-go/internal/config"
	"dyno-go/internal/events"
	"dyno-go/internal/logging"
	mw "dyno-go/internal/middleware"
	"dyno-go/internal/monitoring"
	"dyno-go/internal/pool"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Dependencies are the runtime services exposed by the admin server.
type Dependencies struct {
	Pool *pool.ConnectionPool
	// Config persists property updates; without it /api/config is read only.
	Config  *config.ConfigManager
	Events  events.Subscriber
	SlowOps *monitoring.SlowOpLogger
	Logs    *logging.LogTail
}

// Options configure the HTTP surface.
type Options struct {
	Addr     string
	AdminKey string
	RPS      int
	Debug    bool
}

// BuildEngine mounts the admin routes:
//
//	GET  /healthz                 liveness and active host count
//	GET  /metrics                 Prometheus exposition
//	GET  /api/topology            tracked hosts
//	POST /api/topology/refresh    reconcile now
//	GET  /api/pools               per-host pool statistics
//	POST /api/pools/health        run one health check pass
//	GET  /api/config              effective tunables and stored properties
//	PUT  /api/config              update properties
//	POST /api/ping                PING through the pool
//	GET  /api/slow                slow operations
//	GET  /api/tasks               background tasks
//	GET  /api/logs                log history since a cursor
//	GET  /api/logs/stream         live logs (websocket)
//	GET  /api/events/stream       domain events (websocket)
//
// Write routes require the admin key.
func BuildEngine(opts Options, deps Dependencies) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)
	engine.Use(mw.Recovery(), mw.RequestID(), mw.Metrics(), mw.RequestLogger(), mw.RateLimiter(opts.RPS, 0))

	h := &handlers{deps: deps}
	admin := mw.RequireAdminKey(opts.AdminKey)

	engine.GET("/healthz", h.healthz)
	engine.GET("/metrics", mw.MetricsHandler())

	api := engine.Group("/api")
	api.GET("/topology", h.topology)
	api.POST("/topology/refresh", admin, h.refreshTopology)
	api.GET("/pools", h.pools)
	api.POST("/pools/health", admin, h.checkHealth)
	api.GET("/config", h.getConfig)
	api.PUT("/config", admin, h.putConfig)
	api.POST("/ping", admin, h.ping)
	api.GET("/slow", h.slowOps)
	api.GET("/tasks", h.tasks)
	api.GET("/logs", h.logs)
	api.GET("/logs/stream", h.logStream)
	api.GET("/events/stream", h.eventStream)
	return engine
}

// Server runs the admin engine on its own listener.
type Server struct {
	opts Options
	http *http.Server
	ln   net.Listener
	done chan error
}

func New(opts Options, deps Dependencies) *Server {
	return &Server{
		opts: opts,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           BuildEngine(opts, deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan error, 1),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	log.WithField("addr", ln.Addr().String()).Info("admin server listening")
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.opts.Addr
	}
	return s.ln.Addr().String()
}

// Done reports the serve loop's terminal error, nil after Shutdown.
func (s *Server) Done() <-chan error { return s.done }

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
