package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"dyno-go/internal/monitoring"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 15 * time.Minute
	limiterSweepEvery = 2 * time.Minute
)

type clientLimiter struct {
	*rate.Limiter
	seen time.Time
}

// clientLimiters hands out one token bucket per client address. Buckets idle
// longer than ttl are dropped on a later insert.
type clientLimiters struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	ttl       time.Duration
	byClient  map[string]*clientLimiter
	nextSweep time.Time
}

func newClientLimiters(rps rate.Limit, burst int, ttl time.Duration) *clientLimiters {
	return &clientLimiters{rps: rps, burst: burst, ttl: ttl, byClient: map[string]*clientLimiter{}}
}

func (l *clientLimiters) forClient(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cl, ok := l.byClient[ip]; ok {
		cl.seen = now
		return cl.Limiter
	}
	if now.After(l.nextSweep) {
		for k, cl := range l.byClient {
			if now.Sub(cl.seen) > l.ttl {
				delete(l.byClient, k)
			}
		}
		l.nextSweep = now.Add(limiterSweepEvery)
	}
	cl := &clientLimiter{Limiter: rate.NewLimiter(l.rps, l.burst), seen: now}
	l.byClient[ip] = cl
	monitoring.RateLimitKeysGauge.Set(float64(len(l.byClient)))
	return cl.Limiter
}

func (l *clientLimiters) clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byClient)
}

// retryAfter is the whole number of seconds until lim admits one request.
func retryAfter(lim *rate.Limiter, now time.Time) int {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return 1
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return int(math.Max(1, math.Ceil(d.Seconds())))
}

// RateLimiter limits admin requests per client IP. rps <= 0 disables it;
// burst <= 0 means twice rps. Rejections carry Retry-After.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = rps * 2
	}
	limiters := newClientLimiters(rate.Limit(rps), burst, limiterIdleTTL)
	return func(c *gin.Context) {
		now := time.Now()
		lim := limiters.forClient(c.ClientIP(), now)
		if lim.AllowN(now, 1) {
			c.Next()
			return
		}
		monitoring.RateLimitedTotal.WithLabelValues(routeOf(c)).Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfter(lim, now)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}

func routeOf(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return "unmatched"
}
