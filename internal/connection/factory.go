package connection

import (
	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/host"
	"dyno-go/internal/monitoring"
)

// Factory creates connections for host pools.
type Factory interface {
	Create(h host.Host, pool apperrors.PoolRef, monitor monitoring.OperationMonitor) *Connection
}

// ClientFunc builds the node client of a new connection.
type ClientFunc func(h host.Host) NodeClient

type factory struct {
	newClient ClientFunc
}

// NewFactory returns a Factory that builds links with newClient.
func NewFactory(newClient ClientFunc) Factory {
	return &factory{newClient: newClient}
}

// NewRedisFactory returns a Factory of go-redis links using timeouts.
func NewRedisFactory(timeouts Timeouts) Factory {
	return NewFactory(func(h host.Host) NodeClient {
		return NewRedisClient(h, timeouts)
	})
}

// Create returns an unopened connection; the link is dialled on first use.
func (f *factory) Create(h host.Host, pool apperrors.PoolRef, monitor monitoring.OperationMonitor) *Connection {
	return newConnection(h, f.newClient(h), pool, monitor)
}
