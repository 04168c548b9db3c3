package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.PUT("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func serve(r http.Handler, method, path, remote string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	r := newRouter(RequestID())

	t.Run("generates an id", func(t *testing.T) {
		w := serve(r, "GET", "/ok", "", nil)
		if rid := w.Header().Get(RequestIDHeader); len(rid) != 36 {
			t.Errorf("expected a uuid request id, got %q", rid)
		}
	})

	t.Run("keeps the caller's id", func(t *testing.T) {
		w := serve(r, "GET", "/ok", "", map[string]string{RequestIDHeader: "abc-123"})
		if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
			t.Errorf("expected abc-123, got %q", got)
		}
	})
}

func TestRecovery(t *testing.T) {
	r := newRouter(RequestID(), Recovery(), RequestLogger())
	w := serve(r, "GET", "/panic", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal error") {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestMetricsAndHandler(t *testing.T) {
	r := newRouter(Metrics())
	r.GET("/metrics", MetricsHandler())

	serve(r, "GET", "/ok", "", nil)
	w := serve(r, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `dyno_admin_http_requests_total{method="GET",path="/ok",status_class="2xx"}`) {
		t.Error("request counter missing from exposition")
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{0: "error", 200: "2xx", 404: "4xx", 503: "5xx"}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	r := newRouter(RateLimiter(1, 2))
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(r, "GET", "/ok", "10.1.1.1:5000", nil).Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected codes %v", codes)
	}
	w := serve(r, "GET", "/ok", "10.1.1.1:5000", nil)
	if ra := w.Header().Get("Retry-After"); ra != "1" {
		t.Errorf("expected Retry-After 1, got %q", ra)
	}
	if w := serve(r, "GET", "/ok", "10.1.1.2:5000", nil); w.Code != 200 {
		t.Errorf("other clients have their own budget, got %d", w.Code)
	}

	open := newRouter(RateLimiter(0, 0))
	for i := 0; i < 10; i++ {
		if w := serve(open, "GET", "/ok", "", nil); w.Code != 200 {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}

func TestClientLimitersSweep(t *testing.T) {
	l := newClientLimiters(rate.Limit(1), 1, time.Minute)
	now := time.Now()
	first := l.forClient("10.0.0.1", now)
	if again := l.forClient("10.0.0.1", now); again != first {
		t.Error("expected the same bucket for a known client")
	}
	l.forClient("10.0.0.2", now.Add(3*time.Minute))
	if n := l.clients(); n != 1 {
		t.Errorf("expected the idle client to be swept, have %d", n)
	}
}

func TestRecoveryCountsPanics(t *testing.T) {
	r := newRouter(Recovery(), Metrics())
	r.GET("/metrics", MetricsHandler())
	serve(r, "GET", "/panic", "", nil)
	w := serve(r, "GET", "/metrics", "", nil)
	if !strings.Contains(w.Body.String(), `dyno_admin_panics_total{route="/panic"}`) {
		t.Error("panic counter missing from exposition")
	}
}

func TestRequireAdminKey(t *testing.T) {
	t.Run("no key allows loopback only", func(t *testing.T) {
		r := newRouter(RequireAdminKey(""))
		if w := serve(r, "PUT", "/ok", "127.0.0.1:4000", nil); w.Code != 200 {
			t.Errorf("loopback rejected: %d", w.Code)
		}
		if w := serve(r, "PUT", "/ok", "10.0.0.8:4000", nil); w.Code != http.StatusForbidden {
			t.Errorf("remote accepted: %d", w.Code)
		}
	})

	t.Run("key required", func(t *testing.T) {
		r := newRouter(RequireAdminKey("s3cret"))
		if w := serve(r, "PUT", "/ok", "127.0.0.1:4000", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("missing key accepted: %d", w.Code)
		}
		if w := serve(r, "PUT", "/ok", "10.0.0.8:4000", map[string]string{"Authorization": "Bearer s3cret"}); w.Code != 200 {
			t.Errorf("bearer key rejected: %d", w.Code)
		}
		if w := serve(r, "PUT", "/ok", "10.0.0.8:4000", map[string]string{"x-api-key": "s3cret"}); w.Code != 200 {
			t.Errorf("x-api-key rejected: %d", w.Code)
		}
		if w := serve(r, "PUT", "/ok", "10.0.0.8:4000", map[string]string{"x-api-key": "wrong"}); w.Code != http.StatusUnauthorized {
			t.Errorf("wrong key accepted: %d", w.Code)
		}
	})
}
