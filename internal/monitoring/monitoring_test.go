package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsPerOperation(t *testing.T) {
	t.Parallel()
	slow := NewSlowOpLogger(50*time.Millisecond, 10)
	c := NewCollector("monitoring-test", slow)
	m := c.ForHost("node-1:6379")

	m.RecordSuccess("GET", 10*time.Millisecond)
	m.RecordSuccess("GET", 70*time.Millisecond)
	m.RecordFailure("GET", "fatal_connection")
	c.RecordFailure("SET", "operation_failure")

	get := c.Stats("GET")
	assert.Equal(t, int64(2), get.Success)
	assert.Equal(t, int64(1), get.Failed)
	assert.Equal(t, 40*time.Millisecond, get.AvgLatency)
	assert.Equal(t, 70*time.Millisecond, get.MaxLatency)
	assert.InDelta(t, 66.66, get.SuccessRate, 0.1)
	assert.Equal(t, map[string]int64{"fatal_connection": 1}, get.Failures)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "GET", snap[0].Operation)
	assert.Equal(t, "SET", snap[1].Operation)
	assert.Equal(t, OperationStats{Operation: "DEL"}, c.Stats("DEL"))

	assert.Equal(t, float64(2), testutil.ToFloat64(OperationsTotal.WithLabelValues("monitoring-test", "node-1:6379", "GET", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(OperationFailures.WithLabelValues("monitoring-test", "SET", "operation_failure")))

	recent := slow.Recent(5)
	require.Len(t, recent, 1)
	assert.Equal(t, "node-1:6379", recent[0].Host)
	assert.Equal(t, 70*time.Millisecond, recent[0].Duration)
}

func TestSlowOpLoggerBounded(t *testing.T) {
	t.Parallel()
	l := NewSlowOpLogger(time.Millisecond, 3)
	for i := 1; i <= 5; i++ {
		l.Observe("GET", "", time.Duration(i)*time.Millisecond)
	}
	l.Observe("GET", "", time.Microsecond)

	st := l.Stats()
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 3*time.Millisecond, st.MinDuration)
	assert.Equal(t, 5*time.Millisecond, st.MaxDuration)
	assert.Equal(t, 4*time.Millisecond, st.AvgDuration)
	assert.Equal(t, map[string]int{"GET": 3}, st.OperationCounts)
	assert.Len(t, l.Recent(0), 3)
}
