package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dyno-go/internal/config"
	"dyno-go/internal/connection"
	"dyno-go/internal/constants"
	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/errrate"
	"dyno-go/internal/host"
	"dyno-go/internal/logging"
	"dyno-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// HostPool is the bounded set of connections to one host. At most
// MaxConnsPerHost connections exist at a time; a borrower waits up to
// MaxTimeoutWhenExhausted for one to come back before giving up.
type HostPool struct {
	host    host.Host
	name    string
	cfg     *config.PoolConfiguration
	factory connection.Factory
	monitor *hostMonitor
	limiter *rate.Limiter

	mu       sync.Mutex
	idle     []*connection.Connection
	borrowed int
	total    int
	online   bool
	notify   chan struct{}

	created   atomic.Int64
	closed    atomic.Int64
	exhausted atomic.Int64
	pingFails atomic.Int64

	// consecutive failed health checks
	pingStreak atomic.Int64
}

func newHostPool(h host.Host, cfg *config.PoolConfiguration, factory connection.Factory, collector *monitoring.Collector, onTrip errrate.TripFunc) *HostPool {
	errMon := errrate.NewMonitor(h.Addr(), cfg.ErrorRateMonitorConfig(), errrate.WithTripFunc(onTrip))
	return &HostPool{
		host:    h,
		name:    cfg.Name(),
		cfg:     cfg,
		factory: factory,
		monitor: &hostMonitor{ops: collector.ForHost(h.Addr()), errs: errMon},
		limiter: rate.NewLimiter(rate.Limit(constants.DefaultConnCreateRate), constants.DefaultConnCreateBurst),
		online:  true,
		notify:  make(chan struct{}),
	}
}

func (p *HostPool) Host() host.Host { return p.host }

// IsActive reports whether the pool still serves borrowers.
func (p *HostPool) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Healthy reports whether the error rate monitor currently admits traffic.
func (p *HostPool) Healthy() bool { return p.monitor.errs.Healthy() }

func (p *HostPool) ErrorRateMonitor() *errrate.Monitor { return p.monitor.errs }

// Outstanding is the number of borrowed connections.
func (p *HostPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.borrowed
}

// Borrow hands out an idle connection, creates one while under the limit,
// or waits for a return. It fails with PoolOffline once the pool is shut
// down and with Throttled when the wait times out.
func (p *HostPool) Borrow(ctx context.Context) (*connection.Connection, error) {
	start := time.Now()
	defer func() {
		monitoring.BorrowWait.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}()

	wait := p.cfg.MaxTimeoutWhenExhausted()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if !p.online {
			p.mu.Unlock()
			return nil, apperrors.NewPoolOffline(p, "host pool is offline")
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.borrowed++
			p.mu.Unlock()
			p.updateGauges()
			return conn, nil
		}
		if p.total < p.cfg.MaxConnsPerHost() {
			p.total++
			p.borrowed++
			p.mu.Unlock()
			return p.create(ctx, start.Add(wait))
		}
		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			p.exhausted.Add(1)
			monitoring.PoolExhaustedTotal.WithLabelValues(p.name, p.host.Addr()).Inc()
			return nil, apperrors.NewThrottled(p.host, "host pool exhausted after "+wait.String())
		case <-ctx.Done():
			err := apperrors.NewThrottled(p.host, "borrow canceled")
			err.Cause = ctx.Err()
			return nil, err
		}
	}
}

// create builds a new connection for a slot already reserved by Borrow.
func (p *HostPool) create(ctx context.Context, deadline time.Time) (*connection.Connection, error) {
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := p.limiter.Wait(waitCtx); err != nil {
		p.release()
		derr := apperrors.NewThrottled(p.host, "connection creation rate limited")
		derr.Cause = err
		return nil, derr
	}
	conn := p.factory.Create(p.host, p, p.monitor)
	p.created.Add(1)
	monitoring.ConnectionsCreated.WithLabelValues(p.name, p.host.Addr()).Inc()
	p.updateGauges()
	return conn, nil
}

// Return gives a borrowed connection back. Connections whose link failed,
// connections above a lowered MaxConnsPerHost and anything returned after
// shutdown are closed instead of pooled.
func (p *HostPool) Return(conn *connection.Connection) {
	if conn == nil {
		return
	}
	reason := ""
	p.mu.Lock()
	p.borrowed--
	switch {
	case !p.online:
		reason = "offline"
	case conn.LastError() != nil && !conn.IsOpen():
		reason = "link_failed"
	case p.total > p.cfg.MaxConnsPerHost():
		reason = "over_limit"
	}
	if reason == "" {
		p.idle = append(p.idle, conn)
	} else {
		p.total--
	}
	p.signalLocked()
	p.mu.Unlock()

	if reason != "" {
		p.closeConn(conn, reason)
	}
	p.updateGauges()
}

// Discard closes a borrowed connection without returning it to the pool.
func (p *HostPool) Discard(conn *connection.Connection, reason string) {
	if conn == nil {
		return
	}
	p.release()
	p.closeConn(conn, reason)
	p.updateGauges()
}

func (p *HostPool) release() {
	p.mu.Lock()
	p.borrowed--
	p.total--
	p.signalLocked()
	p.mu.Unlock()
}

// signalLocked wakes every waiting borrower.
func (p *HostPool) signalLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *HostPool) closeConn(conn *connection.Connection, reason string) {
	conn.Close()
	p.closed.Add(1)
	monitoring.ConnectionsClosed.WithLabelValues(p.name, p.host.Addr(), reason).Inc()
}

// Prime opens connections up to MaxConnsPerHost and parks them idle. It
// returns how many were opened; the first open error stops priming.
func (p *HostPool) Prime(ctx context.Context) (int, error) {
	opened := 0
	for {
		p.mu.Lock()
		if !p.online || p.total >= p.cfg.MaxConnsPerHost() {
			p.mu.Unlock()
			return opened, nil
		}
		p.total++
		p.borrowed++
		p.mu.Unlock()

		conn, err := p.create(ctx, time.Now().Add(p.cfg.ConnectTimeout()))
		if err != nil {
			return opened, err
		}
		if err := conn.Open(ctx); err != nil {
			p.Discard(conn, "prime_failed")
			return opened, err
		}
		p.Return(conn)
		opened++
	}
}

// Shutdown takes the pool offline and closes its idle connections.
// Borrowed connections are closed as they come back. It returns the number
// of connections closed now.
func (p *HostPool) Shutdown() int {
	p.mu.Lock()
	if !p.online {
		p.mu.Unlock()
		return 0
	}
	p.online = false
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.signalLocked()
	p.mu.Unlock()

	for _, conn := range idle {
		p.closeConn(conn, "shutdown")
	}
	p.updateGauges()
	logging.WithHost(p.host, log.Fields{"pool": p.name, "closed": len(idle)}).Info("host pool shut down")
	return len(idle)
}

func (p *HostPool) updateGauges() {
	p.mu.Lock()
	borrowed, idle := p.borrowed, len(p.idle)
	p.mu.Unlock()
	monitoring.ConnectionsActive.WithLabelValues(p.name, p.host.Addr()).Set(float64(borrowed))
	monitoring.ConnectionsIdle.WithLabelValues(p.name, p.host.Addr()).Set(float64(idle))
}

// HostPoolStats is the admin view of one host pool.
type HostPoolStats struct {
	Host            string        `json:"host"`
	Rack            string        `json:"rack,omitempty"`
	Online          bool          `json:"online"`
	Healthy         bool          `json:"healthy"`
	Borrowed        int           `json:"borrowed"`
	Idle            int           `json:"idle"`
	Total           int           `json:"total"`
	Created         int64         `json:"created"`
	Closed          int64         `json:"closed"`
	Exhausted       int64         `json:"exhausted"`
	PingFailures    int64         `json:"ping_failures"`
	ErrorRate       errrate.Stats `json:"error_rate"`
	SuppressedUntil *time.Time    `json:"suppressed_until,omitempty"`
}

func (p *HostPool) Stats() HostPoolStats {
	p.mu.Lock()
	st := HostPoolStats{
		Host:     p.host.Addr(),
		Rack:     p.host.Rack(),
		Online:   p.online,
		Borrowed: p.borrowed,
		Idle:     len(p.idle),
		Total:    p.total,
	}
	p.mu.Unlock()
	st.Healthy = p.Healthy()
	st.Created = p.created.Load()
	st.Closed = p.closed.Load()
	st.Exhausted = p.exhausted.Load()
	st.PingFailures = p.pingFails.Load()
	st.ErrorRate = p.monitor.errs.Stats()
	if until := p.monitor.errs.SuppressedUntil(); time.Now().Before(until) {
		st.SuppressedUntil = &until
	}
	return st
}

// hostMonitor feeds both the pool's operation collector and the host's
// error rate monitor.
type hostMonitor struct {
	ops  monitoring.OperationMonitor
	errs *errrate.Monitor
}

func (m *hostMonitor) RecordSuccess(operation string, latency time.Duration) {
	m.ops.RecordSuccess(operation, latency)
	m.errs.RecordSuccess()
}

func (m *hostMonitor) RecordFailure(operation string, reason string) {
	m.ops.RecordFailure(operation, reason)
	m.errs.RecordFailure()
}
