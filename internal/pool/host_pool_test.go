package pool

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"dyno-go/internal/config"
	"dyno-go/internal/connection"
	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/host"
	"dyno-go/internal/monitoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHostPool(t *testing.T, h host.Host, props map[string]string) (*HostPool, *config.MapSource) {
	t.Helper()
	cfg, src := testConfig(props)
	hp := newHostPool(h, cfg, connection.NewRedisFactory(cfg), monitoring.NewCollector(testPool, nil), nil)
	t.Cleanup(func() { hp.Shutdown() })
	return hp, src
}

func TestHostPoolBorrowReusesConnections(t *testing.T) {
	_, h := startNode(t, "rack-a")
	hp, _ := newTestHostPool(t, h, nil)

	conn, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, hp.Outstanding())
	assert.Same(t, hp, conn.ParentPool())
	hp.Return(conn)

	again, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, again)
	hp.Return(again)

	st := hp.Stats()
	assert.Equal(t, int64(1), st.Created)
	assert.Equal(t, 1, st.Idle)
	assert.Zero(t, st.Borrowed)
}

func TestHostPoolExhaustedThrottles(t *testing.T) {
	_, h := startNode(t, "rack-a")
	hp, _ := newTestHostPool(t, h, map[string]string{
		prop(config.KeyMaxConnsPerHost):         "1",
		prop(config.KeyMaxTimeoutWhenExhausted): "50",
	})

	conn, err := hp.Borrow(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = hp.Borrow(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindThrottled, apperrors.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), hp.Stats().Exhausted)

	hp.Return(conn)
}

func TestHostPoolWaiterGetsReturnedConnection(t *testing.T) {
	_, h := startNode(t, "rack-a")
	hp, _ := newTestHostPool(t, h, map[string]string{
		prop(config.KeyMaxConnsPerHost):         "1",
		prop(config.KeyMaxTimeoutWhenExhausted): "2000",
	})

	conn, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		hp.Return(conn)
	}()

	got, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, got)
	hp.Return(got)
}

func TestHostPoolBorrowHonorsContext(t *testing.T) {
	_, h := startNode(t, "rack-a")
	hp, _ := newTestHostPool(t, h, map[string]string{
		prop(config.KeyMaxConnsPerHost):         "1",
		prop(config.KeyMaxTimeoutWhenExhausted): "5000",
	})
	conn, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	defer hp.Return(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = hp.Borrow(ctx)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindThrottled, apperrors.KindOf(err))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
}

func TestHostPoolShutdown(t *testing.T) {
	_, h := startNode(t, "rack-a")
	hp, _ := newTestHostPool(t, h, nil)

	idle, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	held, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	hp.Return(idle)

	assert.Equal(t, 1, hp.Shutdown())
	assert.Zero(t, hp.Shutdown())
	assert.False(t, hp.IsActive())

	_, err = hp.Borrow(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPoolOffline, apperrors.KindOf(err))
	var derr *apperrors.DynoError
	require.True(t, stderrors.As(err, &derr))
	assert.Same(t, hp, derr.Pool)
	assert.True(t, derr.Host.Equal(h))

	hp.Return(held)
	st := hp.Stats()
	assert.Zero(t, st.Total)
	assert.Equal(t, int64(2), st.Closed)
}

func TestHostPoolShrinksWhenLimitLowered(t *testing.T) {
	_, h := startNode(t, "rack-a")
	hp, props := newTestHostPool(t, h, map[string]string{prop(config.KeyMaxConnsPerHost): "2"})

	a, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	b, err := hp.Borrow(context.Background())
	require.NoError(t, err)

	props.Set(prop(config.KeyMaxConnsPerHost), "1")
	hp.Return(a)
	hp.Return(b)

	st := hp.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, int64(1), st.Closed)
}

func TestHostPoolPrime(t *testing.T) {
	_, h := startNode(t, "rack-a")
	hp, _ := newTestHostPool(t, h, map[string]string{prop(config.KeyMaxConnsPerHost): "3"})

	n, err := hp.Prime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	st := hp.Stats()
	assert.Equal(t, 3, st.Idle)
	assert.Zero(t, st.Borrowed)

	conn, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	assert.True(t, conn.IsOpen())
	hp.Return(conn)
}

func TestHostPoolPrimeStopsOnOpenError(t *testing.T) {
	hp, _ := newTestHostPool(t, deadNode(t, "rack-a"), nil)

	n, err := hp.Prime(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, apperrors.KindFatalConnection, apperrors.KindOf(err))
	st := hp.Stats()
	assert.Zero(t, st.Total)
	assert.Zero(t, st.Borrowed)
}

func TestHostPoolRecordsIntoErrorRateMonitor(t *testing.T) {
	mr, h := startNode(t, "rack-a")
	require.NoError(t, mr.Set("k", "v"))
	hp, _ := newTestHostPool(t, h, nil)

	conn, err := hp.Borrow(context.Background())
	require.NoError(t, err)
	_, err = conn.Execute(context.Background(), connection.Get("k"))
	require.NoError(t, err)
	hp.Return(conn)

	st := hp.Stats()
	assert.True(t, st.Healthy)
	assert.Nil(t, st.SuppressedUntil)
	assert.Equal(t, int64(1), st.ErrorRate.Successes)
}
