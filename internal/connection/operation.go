package connection

import (
	"context"
	"time"

	"dyno-go/internal/host"
	"dyno-go/internal/monitoring"

	"github.com/redis/go-redis/v9"
)

// Operation is one named remote call. Key is the routing key used by
// token aware selection; it may be empty.
type Operation interface {
	Name() string
	Key() string
	Execute(ctx context.Context, cmd redis.Cmdable) (any, error)
}

// OperationFunc adapts a function to Operation.
type OperationFunc struct {
	name string
	key  string
	fn   func(ctx context.Context, cmd redis.Cmdable) (any, error)
}

func NewOperation(name, key string, fn func(ctx context.Context, cmd redis.Cmdable) (any, error)) *OperationFunc {
	return &OperationFunc{name: name, key: key, fn: fn}
}

func (o *OperationFunc) Name() string { return o.name }
func (o *OperationFunc) Key() string  { return o.key }

func (o *OperationFunc) Execute(ctx context.Context, cmd redis.Cmdable) (any, error) {
	return o.fn(ctx, cmd)
}

// Get returns the string value of key, or nil when the key is missing.
func Get(key string) Operation {
	return NewOperation("GET", key, func(ctx context.Context, cmd redis.Cmdable) (any, error) {
		return cmd.Get(ctx, key).Result()
	})
}

// Set stores value under key; ttl of zero keeps the key forever.
func Set(key string, value any, ttl time.Duration) Operation {
	return NewOperation("SET", key, func(ctx context.Context, cmd redis.Cmdable) (any, error) {
		return cmd.Set(ctx, key, value, ttl).Result()
	})
}

// Del removes key and reports how many keys were deleted.
func Del(key string) Operation {
	return NewOperation("DEL", key, func(ctx context.Context, cmd redis.Cmdable) (any, error) {
		return cmd.Del(ctx, key).Result()
	})
}

// Incr increments key and returns the new value.
func Incr(key string) Operation {
	return NewOperation("INCR", key, func(ctx context.Context, cmd redis.Cmdable) (any, error) {
		return cmd.Incr(ctx, key).Result()
	})
}

// Do runs an arbitrary command. The routing key is args[1] when present.
func Do(args ...any) Operation {
	name := "DO"
	key := ""
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			name = s
		}
	}
	if len(args) > 1 {
		if s, ok := args[1].(string); ok {
			key = s
		}
	}
	return NewOperation(name, key, func(ctx context.Context, cmd redis.Cmdable) (any, error) {
		c, ok := cmd.(interface {
			Do(ctx context.Context, args ...any) *redis.Cmd
		})
		if !ok {
			return nil, errUnsupportedDo
		}
		return c.Do(ctx, args...).Result()
	})
}

// OperationResult is the outcome of a successful execution.
type OperationResult struct {
	Name         string
	Value        any
	Latency      time.Duration
	Host         host.Host
	ConnectionID string
	Attempts     int
	Monitor      monitoring.OperationMonitor
}

// LatencyMicros is the latency of the node call in microseconds.
func (r *OperationResult) LatencyMicros() int64 { return r.Latency.Microseconds() }
