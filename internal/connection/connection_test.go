package connection

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"testing"
	"time"

	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/host"
	"dyno-go/internal/monitoring"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTimeouts struct{ connect, socket time.Duration }

func (f fixedTimeouts) ConnectTimeout() time.Duration { return f.connect }
func (f fixedTimeouts) SocketTimeout() time.Duration  { return f.socket }

type recordingMonitor struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string][]string
	latencies []time.Duration
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{successes: map[string]int{}, failures: map[string][]string{}}
}

func (m *recordingMonitor) RecordSuccess(op string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes[op]++
	m.latencies = append(m.latencies, latency)
}

func (m *recordingMonitor) RecordFailure(op, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], reason)
}

func startMiniredis(t *testing.T) (*miniredis.Miniredis, host.Host) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return mr, host.NewWithPortStatus(mr.Host(), port, host.StatusUp).WithRack("rack-a")
}

func newTestConnection(t *testing.T, h host.Host, mon monitoring.OperationMonitor) *Connection {
	t.Helper()
	f := NewRedisFactory(fixedTimeouts{connect: time.Second, socket: time.Second})
	conn := f.Create(h, nil, mon)
	t.Cleanup(conn.Close)
	return conn
}

func TestConnectionExecuteOpensLazily(t *testing.T) {
	mr, h := startMiniredis(t)
	require.NoError(t, mr.Set("greeting", "hello"))
	mon := newRecordingMonitor()

	conn := newTestConnection(t, h, mon)
	assert.False(t, conn.IsOpen())
	assert.NotEmpty(t, conn.ID())

	res, err := conn.Execute(context.Background(), Get("greeting"))
	require.NoError(t, err)
	assert.True(t, conn.IsOpen())
	assert.Equal(t, "hello", res.Value)
	assert.Equal(t, "GET", res.Name)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Host.Equal(h))
	assert.Equal(t, conn.ID(), res.ConnectionID)
	assert.GreaterOrEqual(t, res.LatencyMicros(), int64(0))
	assert.Equal(t, 1, mon.successes["GET"])
	assert.Equal(t, int64(1), conn.ExecCount())
	assert.NoError(t, conn.LastError())
}

func TestConnectionMissingKeyIsSuccess(t *testing.T) {
	_, h := startMiniredis(t)
	mon := newRecordingMonitor()
	conn := newTestConnection(t, h, mon)

	res, err := conn.Execute(context.Background(), Get("absent"))
	require.NoError(t, err)
	assert.Nil(t, res.Value)
	assert.Empty(t, mon.failures)
}

func TestConnectionWriteAndCustomCommands(t *testing.T) {
	mr, h := startMiniredis(t)
	conn := newTestConnection(t, h, newRecordingMonitor())
	ctx := context.Background()

	_, err := conn.Execute(ctx, Set("k", "v", 0))
	require.NoError(t, err)
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	res, err := conn.Execute(ctx, Incr("counter"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Value)

	res, err = conn.Execute(ctx, Do("GET", "k"))
	require.NoError(t, err)
	assert.Equal(t, "v", res.Value)

	res, err = conn.Execute(ctx, Del("k"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Value)
}

func TestConnectionServerErrorKeepsLink(t *testing.T) {
	mr, h := startMiniredis(t)
	_, err := mr.Lpush("list", "a")
	require.NoError(t, err)
	mon := newRecordingMonitor()
	conn := newTestConnection(t, h, mon)

	_, err = conn.Execute(context.Background(), Get("list"))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindOperationFailure, apperrors.KindOf(err))
	assert.True(t, conn.IsOpen())
	gotHost, ok := apperrors.HostOf(err)
	require.True(t, ok)
	assert.True(t, gotHost.Equal(h))
	assert.Equal(t, []string{"operation_failure"}, mon.failures["GET"])
	assert.Equal(t, err, conn.LastError())
}

func TestConnectionFatalErrorAfterServerStops(t *testing.T) {
	mr, h := startMiniredis(t)
	mon := newRecordingMonitor()
	conn := newTestConnection(t, h, mon)
	ctx := context.Background()

	_, err := conn.Execute(ctx, Set("k", "v", 0))
	require.NoError(t, err)

	mr.Close()

	_, err = conn.Execute(ctx, Get("k"))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindFatalConnection, apperrors.KindOf(err))
	assert.Equal(t, 1, apperrors.AttemptOf(err))
	gotHost, ok := apperrors.HostOf(err)
	require.True(t, ok)
	assert.True(t, gotHost.Equal(h))
	assert.Len(t, mon.failures["GET"], 1)
}

func TestConnectionOpenFailure(t *testing.T) {
	mr, h := startMiniredis(t)
	mr.Close()
	conn := newTestConnection(t, h, newRecordingMonitor())

	_, err := conn.Execute(context.Background(), Get("k"))
	require.Error(t, err)
	kind := apperrors.KindOf(err)
	assert.Contains(t, []apperrors.Kind{apperrors.KindFatalConnection, apperrors.KindConnectTimeout}, kind)
	assert.False(t, conn.IsOpen())
}

func TestConnectionExecuteAsyncNotImplemented(t *testing.T) {
	_, h := startMiniredis(t)
	conn := newTestConnection(t, h, nil)
	_, err := conn.ExecuteAsync(context.Background(), Get("k"))
	assert.ErrorIs(t, err, apperrors.ErrNotImplemented)
}

func TestConnectionExecPingAndClose(t *testing.T) {
	mr, h := startMiniredis(t)
	conn := newTestConnection(t, h, nil)
	conn.Context().Set("client", "test")

	require.NoError(t, conn.ExecPing(context.Background()))
	assert.True(t, conn.IsOpen())

	mr.Close()
	assert.NotPanics(t, conn.Close)
	assert.False(t, conn.IsOpen())
	assert.False(t, conn.Context().Has("client"))
}

func TestConnectionPanicBecomesOperationFailure(t *testing.T) {
	_, h := startMiniredis(t)
	conn := newTestConnection(t, h, newRecordingMonitor())

	op := NewOperation("BOOM", "", func(context.Context, redis.Cmdable) (any, error) {
		panic("kaboom")
	})
	_, err := conn.Execute(context.Background(), op)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindOperationFailure, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "kaboom")
	assert.True(t, apperrors.IsRetryable(err))
	assert.True(t, conn.IsOpen())
}

func TestConnectionPlainErrorBecomesOperationFailure(t *testing.T) {
	_, h := startMiniredis(t)
	conn := newTestConnection(t, h, newRecordingMonitor())

	op := NewOperation("DECODE", "", func(context.Context, redis.Cmdable) (any, error) {
		return nil, stderrors.New("cannot decode reply")
	})
	_, err := conn.Execute(context.Background(), op)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindOperationFailure, apperrors.KindOf(err))
	assert.NotEqual(t, apperrors.KindFatalConnection, apperrors.KindOf(err))
	assert.True(t, conn.IsOpen())
}

// fakeClient is a NodeClient whose behaviour is scripted by the test.
type fakeClient struct {
	mu          sync.Mutex
	connected   bool
	pingReply   string
	pingErr     error
	disconnects int
	cmd         redis.Cmdable
}

func (f *fakeClient) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Cmd() redis.Cmdable { return f.cmd }

func (f *fakeClient) Ping(context.Context) (string, error) { return f.pingReply, f.pingErr }

func (f *fakeClient) Quit(context.Context) error { return stderrors.New("quit refused") }

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func newFakeConnection(t *testing.T, fc *fakeClient) *Connection {
	t.Helper()
	if fc.cmd == nil {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		t.Cleanup(func() { _ = client.Close() })
		fc.cmd = client
	}
	f := NewFactory(func(host.Host) NodeClient { return fc })
	return f.Create(host.NewWithPortStatus("10.0.0.1", 6379, host.StatusUp), nil, nil)
}

func TestExecPingEmptyReplyIsFatal(t *testing.T) {
	fc := &fakeClient{pingReply: ""}
	conn := newFakeConnection(t, fc)

	err := conn.ExecPing(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindFatalConnection, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "empty ping reply")
	assert.Equal(t, apperrors.KindFatalConnection, apperrors.KindOf(conn.LastError()))
}

func TestExecPingTimeoutIsConnectTimeout(t *testing.T) {
	fc := &fakeClient{pingErr: context.DeadlineExceeded}
	conn := newFakeConnection(t, fc)

	err := conn.ExecPing(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConnectTimeout, apperrors.KindOf(err))
	assert.Equal(t, 0, fc.disconnects)
}

func TestTimeoutKeepsLinkResetDropsIt(t *testing.T) {
	fc := &fakeClient{}
	conn := newFakeConnection(t, fc)
	ctx := context.Background()

	timeout := NewOperation("SLOW", "", func(context.Context, redis.Cmdable) (any, error) {
		return nil, context.DeadlineExceeded
	})
	_, err := conn.Execute(ctx, timeout)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindFatalConnection, apperrors.KindOf(err))
	assert.True(t, conn.IsOpen())
	assert.Equal(t, 0, fc.disconnects)

	reset := NewOperation("RESET", "", func(context.Context, redis.Cmdable) (any, error) {
		return nil, stderrors.New("read: connection reset by peer")
	})
	_, err = conn.Execute(ctx, reset)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindFatalConnection, apperrors.KindOf(err))
	assert.False(t, conn.IsOpen())
	assert.Equal(t, 1, fc.disconnects)
}

func TestCloseSwallowsQuitError(t *testing.T) {
	fc := &fakeClient{}
	conn := newFakeConnection(t, fc)
	require.NoError(t, conn.Open(context.Background()))

	assert.NotPanics(t, conn.Close)
	assert.False(t, conn.IsOpen())
}

func TestContextMetadata(t *testing.T) {
	c := NewContext()
	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, map[string]any{"a": 1}, c.All())
	c.Delete("a")
	assert.False(t, c.Has("a"))
	c.Set("b", 2)
	c.Reset()
	assert.Empty(t, c.All())
}
