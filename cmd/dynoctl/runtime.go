package main

import (
	"context"
	"fmt"
	"time"

	"dyno-go/internal/config"
	"dyno-go/internal/connection"
	"dyno-go/internal/discovery"
	"dyno-go/internal/events"
	"dyno-go/internal/monitoring"
	"dyno-go/internal/pool"

	log "github.com/sirupsen/logrus"
)

const (
	slowOpThreshold = 200 * time.Millisecond
	slowOpHistory   = 500
	logTailCapacity = 1000
)

// runtime bundles everything a command needs to talk to the cluster.
type runtime struct {
	cfg      *config.FileConfig
	cm       *config.ConfigManager
	hub      *events.Hub
	supplier discovery.HostSupplier
	slow     *monitoring.SlowOpLogger
	pool     *pool.ConnectionPool

	closers []func()
}

// buildSupplier prefers a watched topology file over the static host list.
func buildSupplier(cfg *config.FileConfig) (discovery.HostSupplier, error) {
	if cfg.TopologyFile != "" {
		return discovery.NewFileSupplier(cfg.TopologyFile)
	}
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts configured: set hosts or topology_file")
	}
	return discovery.NewStaticSupplierFromEntries(cfg.Hosts)
}

func newRuntime(cm *config.ConfigManager) (*runtime, error) {
	cfg := cm.GetConfig()
	supplier, err := buildSupplier(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		cm:       cm,
		hub:      events.NewHub(),
		supplier: supplier,
		slow:     monitoring.NewSlowOpLogger(slowOpThreshold, slowOpHistory),
	}
	cm.SetEventPublisher(rt.hub)

	poolCfg := config.NewPoolConfiguration(cfg.PoolName, cm, config.WithPropertyPrefix(cfg.PropertyPrefix))
	rt.pool = pool.New(poolCfg, supplier, connection.NewRedisFactory(poolCfg),
		pool.WithEventPublisher(rt.hub),
		pool.WithCollector(monitoring.NewCollector(cfg.PoolName, rt.slow)),
	)
	if fs, ok := supplier.(*discovery.FileSupplier); ok {
		rt.closers = append(rt.closers, fs.Close)
	}
	return rt, nil
}

// watchTopology refreshes the pool as soon as the topology file changes
// instead of waiting for the next periodic refresh.
func (rt *runtime) watchTopology(ctx context.Context) error {
	fs, ok := rt.supplier.(*discovery.FileSupplier)
	if !ok {
		return nil
	}
	return fs.Watch(ctx, func() {
		if _, err := rt.pool.RefreshTopology(ctx); err != nil {
			log.WithError(err).WithField("path", fs.Path()).Warn("refresh after topology change failed")
		}
	})
}

func (rt *runtime) Close() {
	rt.pool.Close()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
