package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"dyno-go/internal/constants"
	"dyno-go/internal/host"

	"github.com/redis/go-redis/v9"
)

var (
	errNotConnected  = errors.New("node client not connected")
	errUnsupportedDo = errors.New("command does not support Do")
)

// NodeClient is the wire protocol capability of one link to one host.
type NodeClient interface {
	Open(ctx context.Context) error
	Connected() bool
	Cmd() redis.Cmdable
	Ping(ctx context.Context) (string, error)
	Quit(ctx context.Context) error
	Disconnect() error
}

// Timeouts supplies link timeouts; values are read on every Open.
type Timeouts interface {
	ConnectTimeout() time.Duration
	SocketTimeout() time.Duration
}

// RedisClient is a NodeClient backed by a single-connection go-redis client.
type RedisClient struct {
	host     host.Host
	timeouts Timeouts

	mu     sync.RWMutex
	client *redis.Client
}

func NewRedisClient(h host.Host, timeouts Timeouts) *RedisClient {
	return &RedisClient{host: h, timeouts: timeouts}
}

func (c *RedisClient) options() *redis.Options {
	opts := &redis.Options{
		Addr:         c.host.Addr(),
		PoolSize:     constants.NodeClientPoolSize,
		MaxIdleConns: constants.NodeClientPoolSize,
		MaxRetries:   -1, // retries belong to the pool's retry policy
		// honour caller deadlines in addition to the socket timeout
		ContextTimeoutEnabled: true,
	}
	if c.timeouts != nil {
		opts.DialTimeout = c.timeouts.ConnectTimeout()
		opts.ReadTimeout = c.timeouts.SocketTimeout()
		opts.WriteTimeout = c.timeouts.SocketTimeout()
	}
	if c.host.IsTimeoutSet() && c.host.Timeout() > 0 {
		opts.ReadTimeout = c.host.Timeout()
		opts.WriteTimeout = c.host.Timeout()
	}
	if c.host.IsPasswordSet() {
		opts.Password = c.host.Password()
	}
	return opts
}

// Open dials the host and verifies the link with PING.
func (c *RedisClient) Open(ctx context.Context) error {
	if !c.host.HasAddr() {
		return errors.New("host has no socket address: " + c.host.Hostname())
	}
	client := redis.NewClient(c.options())
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}
	c.mu.Lock()
	prev := c.client
	c.client = client
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

func (c *RedisClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

func (c *RedisClient) Cmd() redis.Cmdable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil
	}
	return c.client
}

func (c *RedisClient) Ping(ctx context.Context) (string, error) {
	cmd := c.Cmd()
	if cmd == nil {
		return "", errNotConnected
	}
	return cmd.Ping(ctx).Result()
}

// Quit asks the server to close the link.
func (c *RedisClient) Quit(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return errNotConnected
	}
	return client.Do(ctx, "QUIT").Err()
}

// Disconnect closes the link without talking to the server.
func (c *RedisClient) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
