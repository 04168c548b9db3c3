package monitoring

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultSlowOpThreshold 慢操作阈值
const DefaultSlowOpThreshold = 100 * time.Millisecond

// SlowOpLogger 慢操作记录器，保留最近 maxSize 条
type SlowOpLogger struct {
	mu        sync.RWMutex
	threshold time.Duration
	ops       []SlowOp
	maxSize   int
}

// SlowOp 慢操作记录
type SlowOp struct {
	Timestamp time.Time     `json:"timestamp"`
	Operation string        `json:"operation"`
	Host      string        `json:"host,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// NewSlowOpLogger 创建慢操作记录器
func NewSlowOpLogger(threshold time.Duration, maxSize int) *SlowOpLogger {
	if threshold <= 0 {
		threshold = DefaultSlowOpThreshold
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &SlowOpLogger{
		threshold: threshold,
		ops:       make([]SlowOp, 0, maxSize),
		maxSize:   maxSize,
	}
}

// SetThreshold 设置慢操作阈值
func (l *SlowOpLogger) SetThreshold(threshold time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threshold = threshold
}

// Threshold 获取慢操作阈值
func (l *SlowOpLogger) Threshold() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.threshold
}

// Observe records the operation when it reached the threshold.
func (l *SlowOpLogger) Observe(operation, host string, d time.Duration) {
	l.mu.Lock()
	if d < l.threshold {
		l.mu.Unlock()
		return
	}
	if len(l.ops) >= l.maxSize {
		l.ops = l.ops[1:]
	}
	l.ops = append(l.ops, SlowOp{
		Timestamp: time.Now().Add(-d),
		Operation: operation,
		Host:      host,
		Duration:  d,
	})
	l.mu.Unlock()

	log.WithFields(log.Fields{"operation": operation, "host": host, "duration_ms": d.Milliseconds()}).Debug("slow operation")
}

// Recent 获取最近的 N 条慢操作
func (l *SlowOpLogger) Recent(n int) []SlowOp {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.ops) {
		n = len(l.ops)
	}
	start := len(l.ops) - n
	result := make([]SlowOp, n)
	copy(result, l.ops[start:])
	return result
}

// Stats 获取慢操作统计
func (l *SlowOpLogger) Stats() SlowOpStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := SlowOpStats{Count: len(l.ops), Threshold: l.threshold}
	if len(l.ops) == 0 {
		return stats
	}

	var total time.Duration
	stats.MinDuration = l.ops[0].Duration
	stats.OperationCounts = make(map[string]int)
	for _, op := range l.ops {
		total += op.Duration
		if op.Duration > stats.MaxDuration {
			stats.MaxDuration = op.Duration
		}
		if op.Duration < stats.MinDuration {
			stats.MinDuration = op.Duration
		}
		stats.OperationCounts[op.Operation]++
	}
	stats.AvgDuration = total / time.Duration(len(l.ops))
	return stats
}

// SlowOpStats 慢操作统计信息
type SlowOpStats struct {
	Count           int            `json:"count"`
	Threshold       time.Duration  `json:"threshold"`
	AvgDuration     time.Duration  `json:"avg_duration"`
	MaxDuration     time.Duration  `json:"max_duration"`
	MinDuration     time.Duration  `json:"min_duration"`
	OperationCounts map[string]int `json:"operation_counts,omitempty"`
}
