package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

var (
	// 操作指标
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_operations_total",
			Help: "Total number of operations executed on node connections",
		},
		[]string{"pool", "host", "operation", "outcome"},
	)

	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dyno_operation_latency_seconds",
			Help:    "Latency of the underlying node call in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"pool", "operation"},
	)

	OperationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_operation_failures_total",
			Help: "Total number of failed operations by reason",
		},
		[]string{"pool", "operation", "reason"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_retry_attempts_total",
			Help: "Attempts made by the retry loop, by outcome",
		},
		[]string{"pool", "outcome"},
	)

	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_failovers_total",
			Help: "Retries that switched to another host",
		},
		[]string{"pool"},
	)

	// 连接池指标
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dyno_connections_active",
			Help: "Connections currently borrowed",
		},
		[]string{"pool", "host"},
	)

	ConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dyno_connections_idle",
			Help: "Open connections waiting in the host pool",
		},
		[]string{"pool", "host"},
	)

	ConnectionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_connections_created_total",
			Help: "Connections created per host",
		},
		[]string{"pool", "host"},
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_connections_closed_total",
			Help: "Connections closed per host, by reason",
		},
		[]string{"pool", "host", "reason"},
	)

	BorrowWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dyno_borrow_wait_seconds",
			Help:    "Time spent waiting for a connection",
			Buckets: latencyBuckets,
		},
		[]string{"pool"},
	)

	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_pool_exhausted_total",
			Help: "Borrow attempts that timed out on an exhausted host pool",
		},
		[]string{"pool", "host"},
	)

	// 拓扑与健康指标
	HostsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dyno_hosts_active",
			Help: "Hosts in the active set",
		},
		[]string{"pool"},
	)

	HostsInactive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dyno_hosts_inactive",
			Help: "Hosts in the inactive set",
		},
		[]string{"pool"},
	)

	TopologyChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_topology_changes_total",
			Help: "Reconciliations that produced a new host status tracker",
		},
		[]string{"pool"},
	)

	ErrorRateTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_error_rate_trips_total",
			Help: "Error rate thresholds tripped per host pool",
		},
		[]string{"pool", "host"},
	)

	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_health_checks_total",
			Help: "Ping health checks per host, by outcome",
		},
		[]string{"pool", "host", "outcome"},
	)

	// 发现（HostSupplier）指标
	DiscoveryRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_discovery_refresh_total",
			Help: "Host supplier reloads by supplier and result",
		},
		[]string{"supplier", "result"},
	)

	DiscoveryHosts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dyno_discovery_hosts",
			Help: "Hosts reported by the supplier, by reported state",
		},
		[]string{"supplier", "state"},
	)

	// 管理接口 HTTP 指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_admin_http_requests_total",
			Help: "Admin HTTP requests by route and status class",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dyno_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dyno_admin_http_inflight",
			Help: "Admin HTTP requests currently being served",
		},
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dyno_admin_ratelimit_keys",
			Help: "Current number of per-client admin rate limiters",
		},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_admin_rate_limited_total",
			Help: "Admin requests rejected by the per-client rate limiter",
		},
		[]string{"route"},
	)

	AdminPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_admin_panics_total",
			Help: "Panics recovered in admin handlers",
		},
		[]string{"route"},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyno_admin_events_dropped_total",
			Help: "Events dropped because a stream client fell behind",
		},
		[]string{"topic"},
	)
)
