package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dyno-go/internal/config"
	"dyno-go/internal/connection"
	"dyno-go/internal/constants"
	"dyno-go/internal/discovery"
	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/errrate"
	"dyno-go/internal/events"
	"dyno-go/internal/host"
	"dyno-go/internal/logging"
	"dyno-go/internal/monitoring"
	"dyno-go/internal/monitoring/tracing"
	"dyno-go/internal/runtime"

	log "github.com/sirupsen/logrus"
)

var (
	ErrAlreadyStarted = errors.New("connection pool already started")
	ErrClosed         = errors.New("connection pool closed")
)

const (
	taskTopologyRefresh = "topology-refresh"
	taskHealthCheck     = "health-check"
	taskShutdownPrefix  = "shutdown:"
)

// ConnectionPool routes operations to per-host pools over a topology that
// changes at runtime. The host status tracker is an immutable snapshot
// swapped atomically on every reconciliation.
type ConnectionPool struct {
	name      string
	cfg       *config.PoolConfiguration
	supplier  discovery.HostSupplier
	factory   connection.Factory
	collector *monitoring.Collector
	publisher events.Publisher
	tasks     *runtime.Manager
	selector  *selector

	// pause before retrying after a Throttled error
	throttleBackoff time.Duration

	tracker atomic.Pointer[host.StatusTracker]

	mu    sync.RWMutex
	pools map[host.Key]*HostPool

	// serializes reconciliations and delayed shutdowns
	refreshMu sync.Mutex

	started atomic.Bool
	closed  atomic.Bool

	lastRefresh     atomic.Int64
	refreshes       atomic.Int64
	topologyChanges atomic.Int64
}

// Option customizes a ConnectionPool.
type Option func(*ConnectionPool)

func WithEventPublisher(p events.Publisher) Option {
	return func(cp *ConnectionPool) { cp.publisher = p }
}

// WithCollector shares an operation collector, e.g. with the admin server.
func WithCollector(c *monitoring.Collector) Option {
	return func(cp *ConnectionPool) {
		if c != nil {
			cp.collector = c
		}
	}
}

// New builds a pool; no host pool exists until Start or RefreshTopology.
func New(cfg *config.PoolConfiguration, supplier discovery.HostSupplier, factory connection.Factory, opts ...Option) *ConnectionPool {
	p := &ConnectionPool{
		name:     cfg.Name(),
		cfg:      cfg,
		supplier: supplier,
		factory:  factory,
		tasks:    runtime.NewManager(context.Background()),
		selector: newSelector(cfg),
		pools:    make(map[host.Key]*HostPool),

		throttleBackoff: constants.ThrottleRetryBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.collector == nil {
		p.collector = monitoring.NewCollector(p.name, nil)
	}
	p.tracker.Store(host.EmptyStatusTracker())
	return p
}

func (p *ConnectionPool) Name() string                      { return p.name }
func (p *ConnectionPool) Config() *config.PoolConfiguration { return p.cfg }
func (p *ConnectionPool) Collector() *monitoring.Collector  { return p.collector }
func (p *ConnectionPool) Tasks() []runtime.TaskInfo         { return p.tasks.Tasks() }

// Tracker returns the currently published host status snapshot.
func (p *ConnectionPool) Tracker() *host.StatusTracker { return p.tracker.Load() }

// Start reconciles the topology once, then keeps refreshing it and health
// checking host pools in the background.
func (p *ConnectionPool) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if _, err := p.RefreshTopology(ctx); err != nil {
		return err
	}
	if err := p.tasks.StartPeriodic(taskTopologyRefresh, p.cfg.RefreshInterval, func(ctx context.Context) error {
		_, err := p.RefreshTopology(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := p.tasks.StartPeriodic(taskHealthCheck, p.cfg.HealthCheckInterval, p.checkHealth); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"pool":     p.name,
		"active":   p.Tracker().ActiveCount(),
		"inactive": p.Tracker().InactiveCount(),
		"strategy": p.cfg.LoadBalancingStrategy().String(),
	}).Info("connection pool started")
	return nil
}

// Close stops the background loops and shuts every host pool down.
func (p *ConnectionPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.tasks.Close()

	p.mu.Lock()
	pools := p.pools
	p.pools = make(map[host.Key]*HostPool)
	p.mu.Unlock()
	for _, hp := range pools {
		hp.Shutdown()
	}
	log.WithField("pool", p.name).Info("connection pool closed")
}

// RefreshTopology asks the supplier for the current hosts and reconciles
// them into a new tracker. It reports whether the topology changed. Host
// pools for new active hosts exist before the tracker is published; pools of
// hosts that went inactive are shut down after PoolShutdownDelay.
func (p *ConnectionPool) RefreshTopology(ctx context.Context) (bool, error) {
	if p.closed.Load() {
		return false, ErrClosed
	}
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.refreshes.Add(1)
	up, down, err := p.supplier.Hosts(ctx)
	if err != nil {
		log.WithError(err).WithField("pool", p.name).Warn("host supplier failed, keeping current topology")
		return false, err
	}
	p.lastRefresh.Store(time.Now().UnixNano())

	cur := p.tracker.Load()
	if !cur.CheckIfChanged(up, down) {
		return false, nil
	}
	next, err := cur.ComputeNewHostStatus(up, down)
	if err != nil {
		log.WithError(err).WithField("pool", p.name).Error("rejected host lists from supplier")
		return false, err
	}
	if next.SameMembership(cur) {
		return false, nil
	}

	added := 0
	for _, h := range next.ActiveHosts() {
		if p.ensureHostPool(ctx, h) {
			added++
		}
	}

	removed := 0
	for _, h := range next.InactiveHosts() {
		if !cur.IsHostUp(h) {
			continue
		}
		p.scheduleShutdown(h)
		removed++
	}

	p.tracker.Store(next)
	p.selector.resetRings()
	p.topologyChanges.Add(1)

	monitoring.TopologyChangesTotal.WithLabelValues(p.name).Inc()
	monitoring.HostsActive.WithLabelValues(p.name).Set(float64(next.ActiveCount()))
	monitoring.HostsInactive.WithLabelValues(p.name).Set(float64(next.InactiveCount()))
	log.WithFields(log.Fields{
		"pool":        p.name,
		"active":      next.ActiveCount(),
		"inactive":    next.InactiveCount(),
		"added":       added,
		"deactivated": removed,
	}).Info("topology changed")
	p.publish(ctx, events.TopicTopologyChanged, p.Topology(), nil)
	return true, nil
}

// ensureHostPool creates a pool for h unless an online one exists.
func (p *ConnectionPool) ensureHostPool(ctx context.Context, h host.Host) bool {
	p.mu.Lock()
	if hp, ok := p.pools[h.Key()]; ok && hp.IsActive() {
		p.mu.Unlock()
		return false
	}
	hp := newHostPool(h, p.cfg, p.factory, p.collector, p.onTrip)
	p.pools[h.Key()] = hp
	p.mu.Unlock()

	logging.WithHost(h, log.Fields{"pool": p.name}).Info("host pool added")
	p.publish(ctx, events.TopicHostPoolAdded, h.String(), map[string]string{"host": h.Addr()})
	return true
}

func (p *ConnectionPool) scheduleShutdown(h host.Host) {
	delay := p.cfg.PoolShutdownDelay()
	name := taskShutdownPrefix + h.Addr() + "@" + h.Rack()
	err := p.tasks.StartDelayed(name, delay, func(ctx context.Context) error {
		p.shutdownIfInactive(ctx, h)
		return nil
	})
	if err != nil {
		// already scheduled, or the manager is closing
		log.WithError(err).WithFields(logging.HostFields(h)).Debug("host pool shutdown not scheduled")
		return
	}
	logging.WithHost(h, log.Fields{"pool": p.name, "delay": delay.String()}).Info("host went inactive, pool shutdown scheduled")
}

// shutdownIfInactive removes h's pool unless h came back in the meantime.
func (p *ConnectionPool) shutdownIfInactive(ctx context.Context, h host.Host) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	if p.tracker.Load().IsHostUp(h) {
		return
	}
	p.mu.Lock()
	hp, ok := p.pools[h.Key()]
	if ok {
		delete(p.pools, h.Key())
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	hp.Shutdown()
	p.publish(ctx, events.TopicHostPoolRemoved, h.String(), map[string]string{"host": h.Addr()})
}

func (p *ConnectionPool) onTrip(name string, t errrate.Threshold, until time.Time) {
	monitoring.ErrorRateTripsTotal.WithLabelValues(p.name, name).Inc()
	log.WithFields(log.Fields{
		"pool":      p.name,
		"host":      name,
		"threshold": t.String(),
		"until":     until.Format(time.RFC3339),
	}).Warn("host suppressed by error rate monitor")
	p.publish(context.Background(), events.TopicErrorRateTripped, map[string]any{
		"host":      name,
		"threshold": t,
		"until":     until,
	}, map[string]string{"host": name})
}

func (p *ConnectionPool) publish(ctx context.Context, topic string, payload any, meta map[string]string) {
	if p.publisher == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["pool"] = p.name
	p.publisher.Publish(ctx, topic, payload, meta)
}

func (p *ConnectionPool) snapshotPools() map[host.Key]*HostPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[host.Key]*HostPool, len(p.pools))
	for k, v := range p.pools {
		out[k] = v
	}
	return out
}

// HostPool returns the pool of h, if any.
func (p *ConnectionPool) HostPool(h host.Host) (*HostPool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hp, ok := p.pools[h.Key()]
	return hp, ok
}

// ExecuteWithFailover runs op under a fresh retry policy. Each attempt
// selects a host, borrows a connection and executes. Hosts that failed are
// avoided when the policy allows fallback; host switches are bounded by
// MaxFailoverCount. A throttled attempt is retried after a short pause that
// ends early with ctx. The returned error is always a *DynoError carrying the
// last host tried and the attempt count.
func (p *ConnectionPool) ExecuteWithFailover(ctx context.Context, op connection.Operation) (result *connection.OperationResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "pool", "dyno.execute_with_failover",
		tracing.AttrPool.String(p.name),
		tracing.AttrOperation.String(op.Name()),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(
				tracing.AttrHost.String(result.Host.Addr()),
				tracing.AttrAttempts.Int(result.Attempts),
			)
		}
		tracing.Finish(span, err)
	}()

	if p.closed.Load() {
		return nil, apperrors.NewNoAvailableHosts("connection pool closed", nil)
	}

	policy := p.cfg.RetryPolicyFactory().NewPolicy()
	maxFailover := p.cfg.MaxFailoverCount()
	exclude := make(map[host.Key]bool)
	failovers := 0
	lastHost := host.NoHost

	for {
		policy.Begin()

		tracker := p.tracker.Load()
		hp, err := p.selector.pick(op.Key(), tracker.ActiveHosts(), p.snapshotPools(), exclude)
		if err != nil {
			policy.Failure(err)
			return nil, p.finalError(err, lastHost, policy.AttemptCount())
		}
		lastHost = hp.Host()

		res, err := p.attempt(ctx, hp, op)
		if err == nil {
			policy.Success()
			res.Attempts = policy.AttemptCount()
			if res.Attempts > 1 {
				monitoring.RetryAttemptsTotal.WithLabelValues(p.name, "recovered").Inc()
			}
			return res, nil
		}
		policy.Failure(err)

		if !apperrors.IsRetryable(err) || !policy.AllowRetry() || ctx.Err() != nil {
			return nil, p.fail(err, lastHost, policy.AttemptCount())
		}
		fallback := policy.AllowFallbackToOtherHost()
		if apperrors.RequiresHostSwitch(err) && !fallback {
			return nil, p.fail(err, lastHost, policy.AttemptCount())
		}
		if fallback {
			if failovers >= maxFailover {
				return nil, p.fail(err, lastHost, policy.AttemptCount())
			}
			failovers++
			exclude[lastHost.Key()] = true
			monitoring.FailoversTotal.WithLabelValues(p.name).Inc()
		}
		monitoring.RetryAttemptsTotal.WithLabelValues(p.name, "retry").Inc()
		logging.WithHost(lastHost, log.Fields{
			"pool":      p.name,
			"operation": op.Name(),
			"attempt":   policy.AttemptCount(),
			"fallback":  fallback,
			"kind":      logging.ErrorKind(err),
		}).Debug("retrying operation")

		if apperrors.KindOf(err) == apperrors.KindThrottled {
			if werr := p.backoff(ctx); werr != nil {
				return nil, p.fail(err, lastHost, policy.AttemptCount())
			}
		}
	}
}

// backoff waits throttleBackoff or until ctx is done.
func (p *ConnectionPool) backoff(ctx context.Context) error {
	if p.throttleBackoff <= 0 {
		return nil
	}
	timer := time.NewTimer(p.throttleBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ConnectionPool) attempt(ctx context.Context, hp *HostPool, op connection.Operation) (*connection.OperationResult, error) {
	conn, err := hp.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer hp.Return(conn)
	return conn.Execute(ctx, op)
}

func (p *ConnectionPool) fail(err error, last host.Host, attempts int) error {
	monitoring.RetryAttemptsTotal.WithLabelValues(p.name, "failed").Inc()
	return p.finalError(err, last, attempts)
}

// finalError makes sure the caller sees a classified error carrying the
// last host and the number of attempts made.
func (p *ConnectionPool) finalError(err error, last host.Host, attempts int) error {
	var derr *apperrors.DynoError
	if !errors.As(err, &derr) {
		derr = apperrors.NewOperationFailure(err)
	}
	if !derr.HostKnown() && !last.Equal(host.NoHost) {
		derr.WithHost(last)
	}
	return derr.WithAttempt(attempts)
}

// Do runs an arbitrary command through ExecuteWithFailover.
func (p *ConnectionPool) Do(ctx context.Context, args ...any) (any, error) {
	res, err := p.ExecuteWithFailover(ctx, connection.Do(args...))
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Ping sends one PING through the pool.
func (p *ConnectionPool) Ping(ctx context.Context) (*connection.OperationResult, error) {
	return p.ExecuteWithFailover(ctx, connection.Do("PING"))
}

// HostView is the admin representation of a tracked host.
type HostView struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Addr   string `json:"addr"`
	Rack   string `json:"rack,omitempty"`
	Status string `json:"status"`
	Pooled bool   `json:"pooled"`
}

// Topology is a point-in-time view of the tracker.
type Topology struct {
	Pool        string     `json:"pool"`
	Active      []HostView `json:"active"`
	Inactive    []HostView `json:"inactive"`
	Changes     int64      `json:"changes"`
	LastRefresh time.Time  `json:"last_refresh"`
}

func (p *ConnectionPool) Topology() Topology {
	t := p.tracker.Load()
	pools := p.snapshotPools()
	view := func(hosts []host.Host) []HostView {
		out := make([]HostView, 0, len(hosts))
		for _, h := range hosts {
			status, _ := t.Status(h)
			hp, ok := pools[h.Key()]
			out = append(out, HostView{
				Host:   h.Hostname(),
				Port:   h.Port(),
				Addr:   h.Addr(),
				Rack:   h.Rack(),
				Status: status.String(),
				Pooled: ok && hp.IsActive(),
			})
		}
		return out
	}
	top := Topology{
		Pool:     p.name,
		Active:   view(t.ActiveHosts()),
		Inactive: view(t.InactiveHosts()),
		Changes:  p.topologyChanges.Load(),
	}
	if ns := p.lastRefresh.Load(); ns > 0 {
		top.LastRefresh = time.Unix(0, ns)
	}
	return top
}

// Stats is the admin view of the whole pool.
type Stats struct {
	Pool        string                      `json:"pool"`
	Strategy    string                      `json:"strategy"`
	RetryPolicy string                      `json:"retry_policy"`
	Hosts       []HostPoolStats             `json:"hosts"`
	Operations  []monitoring.OperationStats `json:"operations"`
	Tasks       []runtime.TaskInfo          `json:"tasks"`
	Refreshes   int64                       `json:"refreshes"`
	Uptime      string                      `json:"uptime"`
}

func (p *ConnectionPool) PoolStats() Stats {
	pools := p.snapshotPools()
	hosts := make([]HostPoolStats, 0, len(pools))
	for _, hp := range pools {
		hosts = append(hosts, hp.Stats())
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Host < hosts[j].Host })
	return Stats{
		Pool:        p.name,
		Strategy:    p.cfg.LoadBalancingStrategy().String(),
		RetryPolicy: p.cfg.RetryPolicyFactory().String(),
		Hosts:       hosts,
		Operations:  p.collector.Snapshot(),
		Tasks:       p.tasks.Tasks(),
		Refreshes:   p.refreshes.Load(),
		Uptime:      p.collector.Uptime().Truncate(time.Second).String(),
	}
}
