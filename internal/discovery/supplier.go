package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"dyno-go/internal/config"
	"dyno-go/internal/constants"
	"dyno-go/internal/host"
)

// HostSupplier reports the current up and down hosts of the cluster.
type HostSupplier interface {
	Hosts(ctx context.Context) (up, down []host.Host, err error)
}

// StaticSupplier serves fixed host lists. Set replaces them atomically.
type StaticSupplier struct {
	mu   sync.RWMutex
	up   []host.Host
	down []host.Host
}

func NewStaticSupplier(up, down []host.Host) *StaticSupplier {
	s := &StaticSupplier{}
	s.Set(up, down)
	return s
}

// NewStaticSupplierFromEntries builds an all-up supplier from config entries.
func NewStaticSupplierFromEntries(entries []config.HostEntry) (*StaticSupplier, error) {
	up, err := HostsFromEntries(entries, host.StatusUp)
	if err != nil {
		return nil, err
	}
	return NewStaticSupplier(up, nil), nil
}

func (s *StaticSupplier) Set(up, down []host.Host) {
	s.mu.Lock()
	s.up = append([]host.Host(nil), up...)
	s.down = append([]host.Host(nil), down...)
	s.mu.Unlock()
}

func (s *StaticSupplier) Hosts(context.Context) ([]host.Host, []host.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]host.Host(nil), s.up...), append([]host.Host(nil), s.down...), nil
}

func (s *StaticSupplier) String() string { return "static" }

// HostsFromEntries converts config entries to hosts. A zero port means the
// default Redis port.
func HostsFromEntries(entries []config.HostEntry, status host.Status) ([]host.Host, error) {
	out := make([]host.Host, 0, len(entries))
	for i, e := range entries {
		name := strings.TrimSpace(e.Host)
		if name == "" {
			return nil, fmt.Errorf("host entry %d: empty host name", i)
		}
		port := e.Port
		if port == 0 {
			port = constants.DefaultRedisPort
		}
		if port < 0 || port > 65535 {
			return nil, fmt.Errorf("host entry %d (%s): invalid port %d", i, name, e.Port)
		}
		h := host.NewWithPortStatus(name, port, status)
		if rack := strings.TrimSpace(e.Rack); rack != "" {
			h = h.WithRack(rack)
		}
		out = append(out, h)
	}
	return out, nil
}
