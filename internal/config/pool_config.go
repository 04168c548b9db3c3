package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"dyno-go/internal/constants"
	"dyno-go/internal/errrate"
	"dyno-go/internal/retry"

	log "github.com/sirupsen/logrus"
)

// Tunable names below <prefix>.<pool>.connection.
const (
	KeyMaxConnsPerHost         = "maxConnsPerHost"
	KeyMaxTimeoutWhenExhausted = "maxTimeoutWhenExhausted"
	KeyMaxFailoverCount        = "maxFailoverCount"
	KeyConnectTimeout          = "connectTimeout"
	KeySocketTimeout           = "socketTimeout"
	KeyPoolShutdownDelay       = "poolShutdownDelay"
	KeyLocalDCAffinity         = "localDcAffinity"
	KeyLocalRack               = "localRack"
	KeyHealthCheckInterval     = "healthCheckInterval"
	KeyRefreshInterval         = "refreshInterval"
)

// Pool level property names below <prefix>.<pool>.
const (
	KeyLBStrategy      = "lbStrategy"
	KeyErrorRateConfig = "errorRateConfig"
	KeyRetryPolicy     = "retryPolicy"
)

// PoolDefaults are the static values used when a property is absent or
// cannot be parsed.
type PoolDefaults struct {
	MaxConnsPerHost         int
	MaxTimeoutWhenExhausted time.Duration
	MaxFailoverCount        int
	ConnectTimeout          time.Duration
	SocketTimeout           time.Duration
	PoolShutdownDelay       time.Duration
	LocalDCAffinity         bool
	LocalRack               string
	HealthCheckInterval     time.Duration
	RefreshInterval         time.Duration
	LBStrategy              LoadBalancingStrategy
	RetryPolicy             retry.Factory
	ErrorRateConfig         errrate.Config
}

func DefaultPoolDefaults() PoolDefaults {
	return PoolDefaults{
		MaxConnsPerHost:         constants.DefaultMaxConnsPerHost,
		MaxTimeoutWhenExhausted: constants.DefaultMaxTimeoutWhenExhausted,
		MaxFailoverCount:        constants.DefaultMaxFailoverCount,
		ConnectTimeout:          constants.DefaultConnectTimeout,
		SocketTimeout:           constants.DefaultSocketTimeout,
		PoolShutdownDelay:       constants.DefaultPoolShutdownDelay,
		LocalDCAffinity:         constants.DefaultLocalDCAffinity,
		HealthCheckInterval:     constants.DefaultHealthCheckInterval,
		RefreshInterval:         constants.DefaultRefreshInterval,
		LBStrategy:              RoundRobin,
		RetryPolicy:             retry.RunOnceFactory{},
		ErrorRateConfig:         errrate.DefaultConfig(),
	}
}

// PoolConfiguration exposes the tunables of one named pool. Every accessor
// reads the property source afresh, so concurrent callers may observe
// different values while a property changes.
type PoolConfiguration struct {
	name     string
	prefix   string
	src      PropertySource
	defaults PoolDefaults
	logger   log.FieldLogger

	// last rejected value per key, to warn once per distinct bad value
	rejected sync.Map
}

// PoolOption customizes a PoolConfiguration.
type PoolOption func(*PoolConfiguration)

// WithPropertyPrefix overrides the application prefix (default "dyno").
func WithPropertyPrefix(prefix string) PoolOption {
	return func(c *PoolConfiguration) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

func WithPoolDefaults(d PoolDefaults) PoolOption {
	return func(c *PoolConfiguration) { c.defaults = d }
}

// WithLogger sends fallback warnings to l instead of the standard logger.
func WithLogger(l log.FieldLogger) PoolOption {
	return func(c *PoolConfiguration) { c.logger = l }
}

// NewPoolConfiguration binds pool name to src. A nil src yields the defaults.
func NewPoolConfiguration(name string, src PropertySource, opts ...PoolOption) *PoolConfiguration {
	c := &PoolConfiguration{
		name:     name,
		prefix:   constants.DefaultPropertyPrefix,
		src:      src,
		defaults: DefaultPoolDefaults(),
		logger:   log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *PoolConfiguration) Name() string           { return c.name }
func (c *PoolConfiguration) Defaults() PoolDefaults { return c.defaults }

// ConnectionKey returns the property key of a connection tunable.
func (c *PoolConfiguration) ConnectionKey(tunable string) string {
	return c.prefix + "." + c.name + ".connection." + tunable
}

// PoolKey returns the property key of a pool level setting.
func (c *PoolConfiguration) PoolKey(setting string) string {
	return c.prefix + "." + c.name + "." + setting
}

func (c *PoolConfiguration) MaxConnsPerHost() int {
	n := c.intProp(c.ConnectionKey(KeyMaxConnsPerHost), c.defaults.MaxConnsPerHost)
	if n < 1 {
		c.reject(c.ConnectionKey(KeyMaxConnsPerHost), strconv.Itoa(n), "must be at least 1")
		return c.defaults.MaxConnsPerHost
	}
	return n
}

func (c *PoolConfiguration) MaxTimeoutWhenExhausted() time.Duration {
	return c.durationProp(c.ConnectionKey(KeyMaxTimeoutWhenExhausted), c.defaults.MaxTimeoutWhenExhausted)
}

func (c *PoolConfiguration) MaxFailoverCount() int {
	n := c.intProp(c.ConnectionKey(KeyMaxFailoverCount), c.defaults.MaxFailoverCount)
	if n < 0 {
		c.reject(c.ConnectionKey(KeyMaxFailoverCount), strconv.Itoa(n), "must not be negative")
		return c.defaults.MaxFailoverCount
	}
	return n
}

func (c *PoolConfiguration) ConnectTimeout() time.Duration {
	return c.durationProp(c.ConnectionKey(KeyConnectTimeout), c.defaults.ConnectTimeout)
}

func (c *PoolConfiguration) SocketTimeout() time.Duration {
	return c.durationProp(c.ConnectionKey(KeySocketTimeout), c.defaults.SocketTimeout)
}

func (c *PoolConfiguration) PoolShutdownDelay() time.Duration {
	return c.durationProp(c.ConnectionKey(KeyPoolShutdownDelay), c.defaults.PoolShutdownDelay)
}

func (c *PoolConfiguration) LocalDCAffinity() bool {
	return c.boolProp(c.ConnectionKey(KeyLocalDCAffinity), c.defaults.LocalDCAffinity)
}

func (c *PoolConfiguration) LocalRack() string {
	if v, ok := c.lookup(c.ConnectionKey(KeyLocalRack)); ok {
		return v
	}
	return c.defaults.LocalRack
}

// HealthCheckInterval of zero disables health checking.
func (c *PoolConfiguration) HealthCheckInterval() time.Duration {
	return c.durationProp(c.ConnectionKey(KeyHealthCheckInterval), c.defaults.HealthCheckInterval)
}

func (c *PoolConfiguration) RefreshInterval() time.Duration {
	return c.durationProp(c.ConnectionKey(KeyRefreshInterval), c.defaults.RefreshInterval)
}

func (c *PoolConfiguration) LoadBalancingStrategy() LoadBalancingStrategy {
	key := c.PoolKey(KeyLBStrategy)
	raw, ok := c.lookup(key)
	if !ok || raw == "" {
		return c.defaults.LBStrategy
	}
	strategy, err := ParseLoadBalancingStrategy(raw)
	if err != nil {
		c.reject(key, raw, "switching to default "+c.defaults.LBStrategy.String())
		return c.defaults.LBStrategy
	}
	return strategy
}

// RetryPolicyFactory parses the retry descriptor; anything unparsable runs
// once.
func (c *PoolConfiguration) RetryPolicyFactory() retry.Factory {
	key := c.PoolKey(KeyRetryPolicy)
	raw, ok := c.lookup(key)
	if !ok || raw == "" {
		return c.defaults.RetryPolicy
	}
	factory, err := retry.ParseFactory(raw)
	if err != nil {
		c.reject(key, raw, err.Error())
	}
	return factory
}

// ErrorRateMonitorConfig parses the threshold blob; a malformed blob yields
// a config without thresholds, which is always healthy.
func (c *PoolConfiguration) ErrorRateMonitorConfig() errrate.Config {
	key := c.PoolKey(KeyErrorRateConfig)
	raw, ok := c.lookup(key)
	if !ok || raw == "" {
		return c.defaults.ErrorRateConfig
	}
	cfg, err := errrate.ParseConfig(raw)
	if err != nil {
		c.reject(key, raw, err.Error())
	}
	return cfg
}

// Snapshot returns the effective value of every tunable, keyed by property.
func (c *PoolConfiguration) Snapshot() map[string]any {
	erc, _ := c.ErrorRateMonitorConfig().JSON()
	return map[string]any{
		c.ConnectionKey(KeyMaxConnsPerHost):         c.MaxConnsPerHost(),
		c.ConnectionKey(KeyMaxTimeoutWhenExhausted): c.MaxTimeoutWhenExhausted().Milliseconds(),
		c.ConnectionKey(KeyMaxFailoverCount):        c.MaxFailoverCount(),
		c.ConnectionKey(KeyConnectTimeout):          c.ConnectTimeout().Milliseconds(),
		c.ConnectionKey(KeySocketTimeout):           c.SocketTimeout().Milliseconds(),
		c.ConnectionKey(KeyPoolShutdownDelay):       c.PoolShutdownDelay().Milliseconds(),
		c.ConnectionKey(KeyLocalDCAffinity):         c.LocalDCAffinity(),
		c.ConnectionKey(KeyLocalRack):               c.LocalRack(),
		c.ConnectionKey(KeyHealthCheckInterval):     c.HealthCheckInterval().Milliseconds(),
		c.ConnectionKey(KeyRefreshInterval):         c.RefreshInterval().Milliseconds(),
		c.PoolKey(KeyLBStrategy):                    c.LoadBalancingStrategy().String(),
		c.PoolKey(KeyRetryPolicy):                   c.RetryPolicyFactory().String(),
		c.PoolKey(KeyErrorRateConfig):               erc,
	}
}

// Validate checks a proposed value for key before it is stored. Keys that do
// not belong to this pool, and empty values (removals), are accepted.
func (c *PoolConfiguration) Validate(key, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	switch key {
	case c.ConnectionKey(KeyMaxConnsPerHost):
		n, err := parseInt(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%s: want an integer of at least 1, got %q", key, value)
		}
	case c.ConnectionKey(KeyMaxFailoverCount):
		n, err := parseInt(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: want a non-negative integer, got %q", key, value)
		}
	case c.ConnectionKey(KeyMaxTimeoutWhenExhausted),
		c.ConnectionKey(KeyConnectTimeout),
		c.ConnectionKey(KeySocketTimeout),
		c.ConnectionKey(KeyPoolShutdownDelay),
		c.ConnectionKey(KeyHealthCheckInterval),
		c.ConnectionKey(KeyRefreshInterval):
		if _, err := parseMillis(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	case c.ConnectionKey(KeyLocalDCAffinity):
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	case c.PoolKey(KeyLBStrategy):
		if _, err := ParseLoadBalancingStrategy(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	case c.PoolKey(KeyRetryPolicy):
		if _, err := retry.ParseFactory(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	case c.PoolKey(KeyErrorRateConfig):
		if _, err := errrate.ParseConfig(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (c *PoolConfiguration) lookup(key string) (string, bool) {
	if c.src == nil {
		return "", false
	}
	return c.src.Lookup(key)
}

func (c *PoolConfiguration) intProp(key string, def int) int {
	raw, ok := c.lookup(key)
	if !ok || raw == "" {
		return def
	}
	n, err := parseInt(raw)
	if err != nil {
		c.reject(key, raw, "not an integer")
		return def
	}
	return n
}

func (c *PoolConfiguration) boolProp(key string, def bool) bool {
	raw, ok := c.lookup(key)
	if !ok || raw == "" {
		return def
	}
	b, err := parseBool(raw)
	if err != nil {
		c.reject(key, raw, "not a boolean")
		return def
	}
	return b
}

func (c *PoolConfiguration) durationProp(key string, def time.Duration) time.Duration {
	raw, ok := c.lookup(key)
	if !ok || raw == "" {
		return def
	}
	d, err := parseMillis(raw)
	if err != nil {
		c.reject(key, raw, err.Error())
		return def
	}
	return d
}

// reject logs a warning the first time a given bad value is seen for key.
func (c *PoolConfiguration) reject(key, value, reason string) {
	if prev, ok := c.rejected.Load(key); ok && prev.(string) == value {
		return
	}
	c.rejected.Store(key, value)
	c.logger.WithFields(log.Fields{
		"pool":  c.name,
		"key":   key,
		"value": value,
	}).Warnf("invalid pool property, using default: %s", reason)
}
