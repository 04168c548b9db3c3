package config

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// restartOnly names settings a running process cannot pick up.
var restartOnly = map[string]bool{"pool_name": true, "admin_addr": true, "property_prefix": true}

type settingChange struct {
	field    string
	from, to any
}

func diffSettings(prev, next *FileConfig) []settingChange {
	var out []settingChange
	add := func(field string, from, to any, changed bool) {
		if changed {
			out = append(out, settingChange{field: field, from: from, to: to})
		}
	}
	add("debug", prev.Debug, next.Debug, prev.Debug != next.Debug)
	add("log_format", prev.LogFormat, next.LogFormat, prev.LogFormat != next.LogFormat)
	add("log_level", prev.LogLevel, next.LogLevel, prev.LogLevel != next.LogLevel)
	add("log_file", prev.LogFile, next.LogFile, prev.LogFile != next.LogFile)
	add("pool_name", prev.PoolName, next.PoolName, prev.PoolName != next.PoolName)
	add("property_prefix", prev.PropertyPrefix, next.PropertyPrefix, prev.PropertyPrefix != next.PropertyPrefix)
	add("topology_file", prev.TopologyFile, next.TopologyFile, prev.TopologyFile != next.TopologyFile)
	add("admin_addr", prev.AdminAddr, next.AdminAddr, prev.AdminAddr != next.AdminAddr)
	add("hosts", len(prev.Hosts), len(next.Hosts), !sameHosts(prev.Hosts, next.Hosts))
	return out
}

func sameHosts(a, b []HostEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func diffProperties(prev, next map[string]string) []string {
	var keys []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func logChanges(prev, next *FileConfig, prevProps, nextProps map[string]string) {
	for _, c := range diffSettings(prev, next) {
		entry := log.WithFields(log.Fields{"field": c.field, "old": c.from, "new": c.to})
		if restartOnly[c.field] {
			entry.Warn("setting changed, applies on restart")
			continue
		}
		entry.Info("setting changed")
	}
	for _, k := range diffProperties(prevProps, nextProps) {
		log.WithFields(log.Fields{"property": k, "old": prevProps[k], "new": nextProps[k]}).Info("property changed")
	}
}
