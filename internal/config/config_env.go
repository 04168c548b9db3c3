package config

import (
	"os"
	"strconv"
	"strings"
)

// PropertyEnvPrefix prefixes environment overrides of dynamic properties.
const PropertyEnvPrefix = "DYNO_PROP_"

var propertyEnvReplacer = strings.NewReplacer(".", "_", "-", "_")

// propertyEnvKey maps a dotted property key to its environment override,
// e.g. dyno.orders.lbStrategy -> DYNO_PROP_DYNO_ORDERS_LBSTRATEGY.
func propertyEnvKey(key string) string {
	return PropertyEnvPrefix + strings.ToUpper(propertyEnvReplacer.Replace(key))
}

// applyEnv overlays DYNO_* process settings on cfg.
func applyEnv(cfg *FileConfig) {
	envBool("DYNO_DEBUG", &cfg.Debug)
	envString("DYNO_LOG_FILE", &cfg.LogFile)
	if envString("DYNO_LOG_FORMAT", &cfg.LogFormat) {
		cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	}
	envString("DYNO_LOG_LEVEL", &cfg.LogLevel)
	envString("DYNO_ADMIN_ADDR", &cfg.AdminAddr)
	envString("DYNO_ADMIN_KEY", &cfg.AdminKey)
	if v := os.Getenv("DYNO_ADMIN_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AdminRPS = n
		}
	}
	envString("DYNO_POOL_NAME", &cfg.PoolName)
	envString("DYNO_PROPERTY_PREFIX", &cfg.PropertyPrefix)
	envString("DYNO_TOPOLOGY_FILE", &cfg.TopologyFile)
	if v := os.Getenv("DYNO_HOSTS"); v != "" {
		if hosts := parseHostList(v); len(hosts) > 0 {
			cfg.Hosts = hosts
		}
	}
	envBool("DYNO_TRACING_ENABLED", &cfg.Tracing.Enabled)
	envString("DYNO_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	envBool("DYNO_OTLP_INSECURE", &cfg.Tracing.Insecure)
}

func envString(key string, dst *string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	*dst = v
	return true
}

// envBool accepts the usual spellings and ignores anything else.
func envBool(key string, dst *bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

// parseHostList reads "host:port[@rack],host:port[@rack]".
func parseHostList(raw string) []HostEntry {
	var out []HostEntry
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		var entry HostEntry
		if at := strings.LastIndex(item, "@"); at >= 0 {
			entry.Rack = item[at+1:]
			item = item[:at]
		}
		entry.Host = item
		if colon := strings.LastIndex(item, ":"); colon >= 0 {
			if port, err := strconv.Atoi(item[colon+1:]); err == nil {
				entry.Host = item[:colon]
				entry.Port = port
			}
		}
		if entry.Host != "" {
			out = append(out, entry)
		}
	}
	return out
}
