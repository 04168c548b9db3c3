package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"dyno-go/internal/config"
	"dyno-go/internal/connection"
	"dyno-go/internal/discovery"
	"dyno-go/internal/events"
	"dyno-go/internal/host"
	"dyno-go/internal/logging"
	"dyno-go/internal/monitoring"
	"dyno-go/internal/pool"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "secret"

type testEnv struct {
	engine   *gin.Engine
	pool     *pool.ConnectionPool
	hub      *events.Hub
	supplier *discovery.StaticSupplier
	cm       *config.ConfigManager
	node     *miniredis.Miniredis
	host     host.Host
	tail     *logging.LogTail
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	node := host.NewWithPortStatus(mr.Host(), port, host.StatusUp).WithRack("rack-a")

	path := filepath.Join(t.TempDir(), "dyno.yaml")
	require.NoError(t, os.WriteFile(path, []byte("properties:\n  dyno.admin.connection.connectTimeout: \"500\"\n"), 0o600))
	cm, err := config.NewConfigManager(path)
	require.NoError(t, err)
	t.Cleanup(cm.Close)

	hub := events.NewHub()
	cm.SetEventPublisher(hub)
	cfg := config.NewPoolConfiguration("admin", cm)
	supplier := discovery.NewStaticSupplier([]host.Host{node}, nil)
	slow := monitoring.NewSlowOpLogger(time.Hour, 10)
	p := pool.New(cfg, supplier, connection.NewRedisFactory(cfg),
		pool.WithEventPublisher(hub),
		pool.WithCollector(monitoring.NewCollector("admin", slow)))
	t.Cleanup(p.Close)
	_, err = p.RefreshTopology(context.Background())
	require.NoError(t, err)

	tail := logging.NewLogTail(0)
	engine := BuildEngine(Options{AdminKey: adminKey}, Dependencies{
		Pool:    p,
		Config:  cm,
		Events:  hub,
		SlowOps: slow,
		Logs:    tail,
	})
	return &testEnv{engine: engine, pool: p, hub: hub, supplier: supplier, cm: cm, node: mr, host: node, tail: tail}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, key string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:40000"
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestHealthz(t *testing.T) {
	env := newEnv(t)

	w, body := env.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["active"])

	env.supplier.Set(nil, nil)
	_, err := env.pool.RefreshTopology(context.Background())
	require.NoError(t, err)

	w, body = env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no_active_hosts", body["status"])
}

func TestTopologyAndPools(t *testing.T) {
	env := newEnv(t)

	w, body := env.do(t, http.MethodGet, "/api/topology", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", body["pool"])
	active, ok := body["active"].([]any)
	require.True(t, ok)
	require.Len(t, active, 1)
	assert.Equal(t, true, active[0].(map[string]any)["pooled"])

	w, body = env.do(t, http.MethodGet, "/api/pools", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RoundRobin", body["strategy"])
	assert.Len(t, body["hosts"], 1)
}

func TestWriteRoutesRequireKey(t *testing.T) {
	env := newEnv(t)

	for _, path := range []string{"/api/ping", "/api/topology/refresh", "/api/pools/health"} {
		w, _ := env.do(t, http.MethodPost, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		w, _ = env.do(t, http.MethodPost, path, nil, "wrong")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		w, _ = env.do(t, http.MethodPost, path, nil, adminKey)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestPing(t *testing.T) {
	env := newEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/ping", nil, adminKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PONG", body["result"])
	assert.Equal(t, float64(1), body["attempts"])
}

func TestPingFailureReportsKind(t *testing.T) {
	env := newEnv(t)
	env.node.Close()

	w, body := env.do(t, http.MethodPost, "/api/ping", nil, adminKey)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "fatal_connection", body["kind"])
	assert.Equal(t, env.host.Addr(), body["host"])
}

func TestRefreshTopologyRoute(t *testing.T) {
	env := newEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/topology/refresh", nil, adminKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["changed"])

	env.supplier.Set(nil, []host.Host{env.host})
	w, body = env.do(t, http.MethodPost, "/api/topology/refresh", nil, adminKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["changed"])
}

func TestConfigRoundTrip(t *testing.T) {
	env := newEnv(t)

	w, body := env.do(t, http.MethodGet, "/api/config", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	effective := body["effective"].(map[string]any)
	assert.Equal(t, float64(500), effective["dyno.admin.connection.connectTimeout"])

	update := map[string]string{
		"dyno.admin.connection.maxConnsPerHost": "7",
		"dyno.admin.lbStrategy":                 "LeastOutstanding",
	}
	w, body = env.do(t, http.MethodPut, "/api/config", update, adminKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, body["updated"], 2)

	assert.Equal(t, 7, env.pool.Config().MaxConnsPerHost())
	assert.Equal(t, config.LeastOutstanding, env.pool.Config().LoadBalancingStrategy())
	assert.Equal(t, "7", env.cm.Properties()["dyno.admin.connection.maxConnsPerHost"])

	raw, err := os.ReadFile(env.cm.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "LeastOutstanding")
}

func TestConfigRejectsInvalidValues(t *testing.T) {
	env := newEnv(t)

	w, body := env.do(t, http.MethodPut, "/api/config", map[string]string{
		"dyno.admin.connection.maxConnsPerHost": "0",
	}, adminKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "dyno.admin.connection.maxConnsPerHost", body["key"])
	_, stored := env.cm.Properties()["dyno.admin.connection.maxConnsPerHost"]
	assert.False(t, stored)

	w, _ = env.do(t, http.MethodPut, "/api/config", map[string]string{}, adminKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPut, "/api/config", map[string]string{"dyno.admin.retryPolicy": "Sometimes"}, adminKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSlowOpsTasksAndLogs(t *testing.T) {
	env := newEnv(t)

	w, body := env.do(t, http.MethodGet, "/api/slow?limit=5", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["items"])

	w, _ = env.do(t, http.MethodGet, "/api/tasks", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = env.do(t, http.MethodGet, "/api/logs?cursor=0&limit=10", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["more"])

	w, _ = env.do(t, http.MethodGet, "/api/logs?cursor=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodGet, "/api/topology", nil, "")

	w, _ := env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dyno_admin_http_requests_total")
}

func TestEventStream(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/stream"
	conn, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// the subscription is registered once the upgrade completes; retry
	// publishing until the first event arrives
	got := make(chan events.Event, 1)
	go func() {
		var e events.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-got:
			assert.Equal(t, events.TopicHealthFailed, e.Topic)
			assert.Equal(t, "x", e.Metadata["host"])
			return
		case <-tick.C:
			env.hub.Publish(context.Background(), events.TopicHealthFailed, nil, map[string]string{"host": "x"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestLogStream(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/logs/stream?level=warn"
	conn, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.Equal(t, 1, env.tail.Followers())

	env.tail.Record(log.InfoLevel, "skipped", nil)
	env.tail.Record(log.WarnLevel, "host marked down", log.Fields{"pool": "admin"})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg logging.LogMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "host marked down", msg.Message)
	assert.Equal(t, "admin", msg.Pool)

	w, _ := env.do(t, http.MethodGet, "/api/logs/stream?level=loud", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerStartShutdown(t *testing.T) {
	env := newEnv(t)
	s := New(Options{Addr: "127.0.0.1:0"}, Dependencies{Pool: env.pool})
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-s.Done())
}
