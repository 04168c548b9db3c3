package constants

import "time"

const (
	// DefaultHealthCheckInterval controls how often each host pool is pinged.
	DefaultHealthCheckInterval = 1 * time.Second
	// DefaultRefreshInterval controls how often the host supplier is polled.
	DefaultRefreshInterval = 30 * time.Second
	// HealthCheckTimeout bounds a single liveness probe.
	HealthCheckTimeout = 2 * time.Second
	// ServerShutdownTimeout bounds graceful admin server shutdown.
	ServerShutdownTimeout = 30 * time.Second
	// ConfigReloadDebounce coalesces bursts of file events.
	ConfigReloadDebounce = 200 * time.Millisecond
	// ConfigPollInterval is used when fsnotify is unavailable.
	ConfigPollInterval = 5 * time.Second
	// ThrottleRetryBackoff is the pause before retrying a throttled borrow.
	ThrottleRetryBackoff = 50 * time.Millisecond
)
