package connection

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/host"
	"dyno-go/internal/logging"
	"dyno-go/internal/monitoring"
	"dyno-go/internal/monitoring/tracing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Connection is one logical link to one host, borrowed from and returned to
// its host pool. The link is opened lazily on first use.
type Connection struct {
	id      string
	host    host.Host
	client  NodeClient
	monitor monitoring.OperationMonitor
	pool    apperrors.PoolRef
	ctx     *Context

	openMu  sync.Mutex
	errMu   sync.RWMutex
	lastErr error

	createdAt time.Time
	lastUsed  atomic.Int64
	execCount atomic.Int64
}

func newConnection(h host.Host, client NodeClient, pool apperrors.PoolRef, monitor monitoring.OperationMonitor) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		host:      h,
		client:    client,
		monitor:   monitor,
		pool:      pool,
		ctx:       NewContext(),
		createdAt: time.Now(),
	}
	c.lastUsed.Store(c.createdAt.UnixNano())
	return c
}

func (c *Connection) ID() string                    { return c.id }
func (c *Connection) Host() host.Host               { return c.host }
func (c *Connection) ParentPool() apperrors.PoolRef { return c.pool }
func (c *Connection) Context() *Context             { return c.ctx }
func (c *Connection) CreatedAt() time.Time          { return c.createdAt }
func (c *Connection) IsOpen() bool                  { return c.client.Connected() }

// LastUsed is when the connection last ran an operation.
func (c *Connection) LastUsed() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// ExecCount is the number of operations attempted on this connection.
func (c *Connection) ExecCount() int64 { return c.execCount.Load() }

// LastError is the error of the most recent failed call, or nil.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastErr
}

func (c *Connection) setLastError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// Open establishes the link if it is not already open.
func (c *Connection) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	if c.client.Connected() {
		return nil
	}
	if err := c.client.Open(ctx); err != nil {
		var derr *apperrors.DynoError
		if apperrors.IsTimeout(err) {
			derr = apperrors.NewConnectTimeout(c.host, err)
		} else {
			derr = apperrors.NewFatalConnection(err).WithHost(c.host)
		}
		derr = derr.WithAttempt(1)
		c.setLastError(derr)
		return derr
	}
	return nil
}

// Execute runs op on this connection's link. Latency covers the node call
// only. A transport failure other than a timeout discards the link so the
// next use reopens it.
func (c *Connection) Execute(ctx context.Context, op Operation) (result *OperationResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection", "dyno.execute",
		tracing.AttrOperation.String(op.Name()),
		tracing.AttrHost.String(c.host.Addr()),
		tracing.AttrConnectionID.String(c.id),
	)
	defer func() { tracing.Finish(span, err) }()

	c.execCount.Add(1)
	c.lastUsed.Store(time.Now().UnixNano())

	if err := c.Open(ctx); err != nil {
		c.recordFailure(op.Name(), err)
		return nil, err
	}

	start := time.Now()
	value, opErr := c.run(ctx, op)
	latency := time.Since(start).Truncate(time.Microsecond)

	if opErr != nil && !stderrors.Is(opErr, redis.Nil) {
		derr := c.classify(opErr)
		c.setLastError(derr)
		c.recordFailure(op.Name(), derr)
		return nil, derr
	}

	if c.monitor != nil {
		c.monitor.RecordSuccess(op.Name(), latency)
	}
	return &OperationResult{
		Name:         op.Name(),
		Value:        value,
		Latency:      latency,
		Host:         c.host,
		ConnectionID: c.id,
		Attempts:     1,
		Monitor:      c.monitor,
	}, nil
}

func (c *Connection) run(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", op.Name(), r)
			value = nil
		}
	}()
	cmd := c.client.Cmd()
	if cmd == nil {
		return nil, errNotConnected
	}
	value, err = op.Execute(ctx, cmd)
	if stderrors.Is(err, redis.Nil) {
		return nil, err
	}
	return value, err
}

// classify maps an execution error to a kind. Server replies and errors that
// never touched the network, recovered panics included, are OperationFailure
// and leave the link open.
func (c *Connection) classify(err error) *apperrors.DynoError {
	var reply redis.Error
	if stderrors.As(err, &reply) {
		return apperrors.NewOperationFailure(err).WithHost(c.host).WithAttempt(1)
	}
	if stderrors.Is(err, errNotConnected) {
		return apperrors.NewFatalConnection(err).WithHost(c.host).WithAttempt(1)
	}
	switch apperrors.ClassifyNetworkError(err) {
	case apperrors.NetworkNone:
		return apperrors.NewOperationFailure(err).WithHost(c.host).WithAttempt(1)
	case apperrors.NetworkTimeout, apperrors.NetworkCanceled:
		// the link may still be healthy
	default:
		if derr := c.client.Disconnect(); derr != nil {
			log.WithFields(logging.HostFields(c.host)).WithError(derr).Debug("disconnect after link failure")
		}
	}
	return apperrors.NewFatalConnection(err).WithHost(c.host).WithAttempt(1)
}

func (c *Connection) recordFailure(name string, err error) {
	if c.monitor != nil {
		c.monitor.RecordFailure(name, logging.ErrorKind(err))
	}
}

// ExecuteAsync is not supported by this client.
func (c *Connection) ExecuteAsync(ctx context.Context, op Operation) (<-chan *OperationResult, error) {
	return nil, apperrors.ErrNotImplemented
}

// ExecPing sends PING on the link, opening it first when needed. A timeout
// yields ConnectTimeout, other I/O errors go through classify, and an empty
// reply yields FatalConnection. Any failure is also kept as LastError.
func (c *Connection) ExecPing(ctx context.Context) error {
	if err := c.Open(ctx); err != nil {
		return err
	}
	reply, err := c.client.Ping(ctx)
	if err != nil {
		var derr *apperrors.DynoError
		if apperrors.IsTimeout(err) {
			derr = apperrors.NewConnectTimeout(c.host, err).WithAttempt(1)
		} else {
			derr = c.classify(err)
		}
		c.setLastError(derr)
		return derr
	}
	if reply == "" {
		derr := apperrors.NewFatalConnection(stderrors.New("empty ping reply")).WithHost(c.host).WithAttempt(1)
		c.setLastError(derr)
		return derr
	}
	return nil
}

// Close quits and disconnects the link. Errors are logged, never returned.
func (c *Connection) Close() {
	if c.client.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.client.Quit(ctx); err != nil {
			log.WithFields(logging.HostFields(c.host)).WithError(err).Debug("quit failed")
		}
		cancel()
	}
	if err := c.client.Disconnect(); err != nil {
		log.WithFields(logging.HostFields(c.host)).WithError(err).Debug("disconnect failed")
	}
	c.ctx.Reset()
}
