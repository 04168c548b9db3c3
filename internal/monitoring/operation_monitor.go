package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// OperationMonitor records the outcome of named operations.
type OperationMonitor interface {
	RecordSuccess(operation string, latency time.Duration)
	RecordFailure(operation string, reason string)
}

// Collector is the OperationMonitor of one pool. It keeps per-operation
// counters for the admin API and feeds the prometheus vectors.
type Collector struct {
	pool string
	slow *SlowOpLogger

	mu  sync.RWMutex
	ops map[string]*opStats

	startTime time.Time
}

// 按操作统计
type opStats struct {
	success  atomic.Int64
	failed   atomic.Int64
	totalNs  atomic.Int64
	maxNs    atomic.Int64
	mu       sync.Mutex
	byReason map[string]int64
}

// NewCollector creates a collector for pool. slow may be nil.
func NewCollector(pool string, slow *SlowOpLogger) *Collector {
	return &Collector{
		pool:      pool,
		slow:      slow,
		ops:       make(map[string]*opStats),
		startTime: time.Now(),
	}
}

// ForHost returns a monitor that also labels metrics with host.
func (c *Collector) ForHost(host string) OperationMonitor {
	return &hostMonitor{c: c, host: host}
}

func (c *Collector) RecordSuccess(operation string, latency time.Duration) {
	c.recordSuccess("", operation, latency)
}

func (c *Collector) RecordFailure(operation string, reason string) {
	c.recordFailure("", operation, reason)
}

func (c *Collector) stats(operation string) *opStats {
	c.mu.RLock()
	s, ok := c.ops[operation]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.ops[operation]; !ok {
		s = &opStats{byReason: make(map[string]int64)}
		c.ops[operation] = s
	}
	return s
}

func (c *Collector) recordSuccess(host, operation string, latency time.Duration) {
	s := c.stats(operation)
	s.success.Add(1)
	ns := latency.Nanoseconds()
	s.totalNs.Add(ns)
	for {
		old := s.maxNs.Load()
		if ns <= old || s.maxNs.CompareAndSwap(old, ns) {
			break
		}
	}

	OperationsTotal.WithLabelValues(c.pool, host, operation, "success").Inc()
	OperationLatency.WithLabelValues(c.pool, operation).Observe(latency.Seconds())
	if c.slow != nil {
		c.slow.Observe(operation, host, latency)
	}
}

func (c *Collector) recordFailure(host, operation, reason string) {
	s := c.stats(operation)
	s.failed.Add(1)
	s.mu.Lock()
	s.byReason[reason]++
	s.mu.Unlock()

	OperationsTotal.WithLabelValues(c.pool, host, operation, "failure").Inc()
	OperationFailures.WithLabelValues(c.pool, operation, reason).Inc()
}

// OperationStats is a snapshot of one operation.
type OperationStats struct {
	Operation   string           `json:"operation"`
	Success     int64            `json:"success"`
	Failed      int64            `json:"failed"`
	SuccessRate float64          `json:"success_rate"`
	AvgLatency  time.Duration    `json:"avg_latency"`
	MaxLatency  time.Duration    `json:"max_latency"`
	Failures    map[string]int64 `json:"failures,omitempty"`
}

// Stats returns the snapshot of operation, zero valued if never seen.
func (c *Collector) Stats(operation string) OperationStats {
	c.mu.RLock()
	s, ok := c.ops[operation]
	c.mu.RUnlock()
	if !ok {
		return OperationStats{Operation: operation}
	}
	return s.snapshot(operation)
}

// Snapshot returns every operation, sorted by name.
func (c *Collector) Snapshot() []OperationStats {
	c.mu.RLock()
	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	out := make([]OperationStats, 0, len(names))
	for _, name := range names {
		out = append(out, c.Stats(name))
	}
	return out
}

// Uptime is the time since the collector was created.
func (c *Collector) Uptime() time.Duration { return time.Since(c.startTime) }

func (s *opStats) snapshot(operation string) OperationStats {
	success := s.success.Load()
	failed := s.failed.Load()
	out := OperationStats{
		Operation:  operation,
		Success:    success,
		Failed:     failed,
		MaxLatency: time.Duration(s.maxNs.Load()),
	}
	if success > 0 {
		out.AvgLatency = time.Duration(s.totalNs.Load() / success)
	}
	if total := success + failed; total > 0 {
		out.SuccessRate = float64(success) / float64(total) * 100
	}
	s.mu.Lock()
	if len(s.byReason) > 0 {
		out.Failures = make(map[string]int64, len(s.byReason))
		for k, v := range s.byReason {
			out.Failures[k] = v
		}
	}
	s.mu.Unlock()
	return out
}

type hostMonitor struct {
	c    *Collector
	host string
}

func (h *hostMonitor) RecordSuccess(operation string, latency time.Duration) {
	h.c.recordSuccess(h.host, operation, latency)
}

func (h *hostMonitor) RecordFailure(operation string, reason string) {
	h.c.recordFailure(h.host, operation, reason)
}
