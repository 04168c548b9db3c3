package errrate

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TripFunc is invoked (outside the monitor lock) when a threshold trips.
type TripFunc func(name string, t Threshold, until time.Time)

type bucket struct {
	sec       int64
	successes int64
	failures  int64
}

// Monitor tracks operation outcomes of one monitored unit (a host pool) and
// reports whether the unit is healthy. Safe for concurrent use.
type Monitor struct {
	name string
	cfg  Config
	now  func() time.Time

	mu              sync.Mutex
	ring            []bucket
	lastCheck       time.Time
	lastHealthy     bool
	suppressedUntil time.Time
	trips           int64
	onTrip          []TripFunc
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithTripFunc registers a trip callback.
func WithTripFunc(fn TripFunc) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.onTrip = append(m.onTrip, fn)
		}
	}
}

// NewMonitor builds a monitor for cfg. The config is fixed for the lifetime
// of the monitor.
func NewMonitor(name string, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		name:        name,
		cfg:         cfg,
		now:         time.Now,
		lastHealthy: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	// one extra slot for the bucket still being filled
	m.ring = make([]bucket, cfg.horizon()+1)
	return m
}

func (m *Monitor) Name() string   { return m.name }
func (m *Monitor) Config() Config { return m.cfg }

func (m *Monitor) RecordSuccess() { m.record(m.now(), false) }
func (m *Monitor) RecordFailure() { m.record(m.now(), true) }

func (m *Monitor) record(at time.Time, failed bool) {
	sec := at.Unix()
	m.mu.Lock()
	b := m.slot(sec)
	if failed {
		b.failures++
	} else {
		b.successes++
	}
	m.mu.Unlock()
}

// slot returns the bucket for sec, recycling a stale one. Caller holds mu.
func (m *Monitor) slot(sec int64) *bucket {
	b := &m.ring[int(sec%int64(len(m.ring)))]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	return b
}

// count returns the bucket for sec only if it still holds that second.
func (m *Monitor) count(sec int64) bucket {
	b := m.ring[int(sec%int64(len(m.ring)))]
	if b.sec != sec {
		return bucket{sec: sec}
	}
	return b
}

// Healthy evaluates the monitor at the current time.
func (m *Monitor) Healthy() bool { return m.Check(m.now()) }

// Check evaluates all thresholds at now. While suppressed the unit is
// unhealthy and nothing is evaluated.
func (m *Monitor) Check(now time.Time) bool {
	m.mu.Lock()
	if now.Before(m.suppressedUntil) {
		m.mu.Unlock()
		return false
	}
	if !m.cfg.Enabled() {
		m.mu.Unlock()
		return true
	}
	freq := time.Duration(m.cfg.Frequency) * time.Second
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < freq && now.After(m.lastCheck) {
		healthy := m.lastHealthy
		m.mu.Unlock()
		return healthy
	}
	m.lastCheck = now

	current := now.Unix()
	var tripped *Threshold
	for i := range m.cfg.Thresholds {
		t := m.cfg.Thresholds[i]
		hits := 0
		for s := current - int64(t.Seconds); s < current; s++ {
			if m.count(s).failures >= int64(t.RPS) {
				hits++
			}
		}
		if hits*100 >= t.Coverage*t.Seconds {
			tripped = &t
			break
		}
	}
	if tripped == nil {
		m.lastHealthy = true
		m.mu.Unlock()
		return true
	}

	until := now.Add(time.Duration(m.cfg.Suppress) * time.Second)
	m.suppressedUntil = until
	m.lastHealthy = false
	m.trips++
	callbacks := append([]TripFunc(nil), m.onTrip...)
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"monitor":   m.name,
		"threshold": tripped.String(),
		"until":     until.Format(time.RFC3339),
	}).Warn("error rate threshold tripped")
	for _, fn := range callbacks {
		fn(m.name, *tripped, until)
	}
	return false
}

// SuppressedUntil returns the end of the current suppression, or the zero
// time when the monitor never tripped.
func (m *Monitor) SuppressedUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressedUntil
}

// Stats is a point-in-time view of the monitor.
type Stats struct {
	Successes       int64     `json:"successes"`
	Failures        int64     `json:"failures"`
	Trips           int64     `json:"trips"`
	SuppressedUntil time.Time `json:"suppressed_until,omitempty"`
}

// Stats sums the outcomes seen within the configured window.
func (m *Monitor) Stats() Stats {
	now := m.now().Unix()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Trips: m.trips, SuppressedUntil: m.suppressedUntil}
	for s := now - int64(m.cfg.Window); s <= now; s++ {
		b := m.count(s)
		st.Successes += b.successes
		st.Failures += b.failures
	}
	return st
}
