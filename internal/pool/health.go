package pool

import (
	"context"
	"sync"
	"time"

	"dyno-go/internal/constants"
	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/events"
	"dyno-go/internal/logging"
	"dyno-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

const healthOp = "PING"

// checkHealth pings one connection of every online host pool of an active
// host. A failed ping counts against the host's error rate monitor and
// discards the connection.
func (p *ConnectionPool) checkHealth(ctx context.Context) error {
	tracker := p.tracker.Load()
	pools := p.snapshotPools()

	var wg sync.WaitGroup
	for _, h := range tracker.ActiveHosts() {
		hp, ok := pools[h.Key()]
		if !ok || !hp.IsActive() {
			continue
		}
		wg.Add(1)
		go func(hp *HostPool) {
			defer wg.Done()
			p.checkHost(ctx, hp)
		}(hp)
	}
	wg.Wait()
	return nil
}

// CheckHealth runs one health check pass immediately.
func (p *ConnectionPool) CheckHealth(ctx context.Context) { _ = p.checkHealth(ctx) }

func (p *ConnectionPool) checkHost(ctx context.Context, hp *HostPool) {
	conn, err := hp.Borrow(ctx)
	if err != nil {
		// an exhausted pool is busy, not broken
		if apperrors.KindOf(err) != apperrors.KindThrottled {
			logging.WithHost(hp.Host(), log.Fields{"pool": p.name}).WithError(err).Debug("health check skipped")
		}
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	start := time.Now()
	err = conn.ExecPing(pingCtx)
	latency := time.Since(start)
	cancel()

	if err != nil {
		hp.monitor.RecordFailure(healthOp, logging.ErrorKind(err))
		hp.Discard(conn, "health_failed")
		hp.pingFails.Add(1)
		monitoring.HealthChecksTotal.WithLabelValues(p.name, hp.Host().Addr(), "failure").Inc()
		if hp.pingStreak.Add(1) == 1 {
			logging.WithHost(hp.Host(), log.Fields{"pool": p.name, "kind": logging.ErrorKind(err)}).WithError(err).Warn("health check failed")
			p.publish(ctx, events.TopicHealthFailed, hp.Host().String(), map[string]string{"host": hp.Host().Addr()})
		}
		return
	}

	hp.monitor.RecordSuccess(healthOp, latency)
	hp.Return(conn)
	monitoring.HealthChecksTotal.WithLabelValues(p.name, hp.Host().Addr(), "success").Inc()
	if streak := hp.pingStreak.Swap(0); streak > 0 {
		logging.WithHost(hp.Host(), log.Fields{"pool": p.name, "failed_checks": streak}).Info("host recovered")
		p.publish(ctx, events.TopicHealthRecovered, hp.Host().String(), map[string]string{"host": hp.Host().Addr()})
	}
}
