package host

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"time"
)

// Status reports whether a host is considered reachable.
type Status int

const (
	StatusDown Status = iota
	StatusUp
)

func (s Status) String() string {
	if s == StatusUp {
		return "Up"
	}
	return "Down"
}

// UnsetPort marks a host whose port (and therefore socket address) is unknown.
const UnsetPort = -1

const unsetTimeout = time.Duration(math.MinInt64)

// Host describes one node of the cluster. It is an immutable value: the
// With* methods return modified copies.
type Host struct {
	name     string
	port     int
	rack     string
	status   Status
	timeout  time.Duration
	password string
	addr     string
}

// Key is the identity of a host: its socket address plus rack. Status,
// timeout and password never take part in identity.
type Key struct {
	Addr string
	Rack string
}

// NoHost is used where an error must carry a host but none is known.
var NoHost = New("UNKNOWN", 0)

// New returns a Down host with the given name and port.
func New(name string, port int) Host {
	return NewWithPortStatus(name, port, StatusDown)
}

// NewWithStatus returns a host without a port.
func NewWithStatus(name string, status Status) Host {
	return NewWithPortStatus(name, UnsetPort, status)
}

// NewWithPortStatus returns a host with an explicit port and status.
func NewWithPortStatus(name string, port int, status Status) Host {
	h := Host{
		name:    name,
		port:    port,
		status:  status,
		timeout: unsetTimeout,
	}
	h.addr = socketAddr(name, port)
	return h
}

func socketAddr(name string, port int) string {
	if port == UnsetPort {
		return ""
	}
	return net.JoinHostPort(name, strconv.Itoa(port))
}

func (h Host) Hostname() string { return h.name }
func (h Host) Port() int        { return h.port }
func (h Host) Rack() string     { return h.rack }
func (h Host) Status() Status   { return h.status }
func (h Host) IsUp() bool       { return h.status == StatusUp }

// Addr returns host:port, or "" when the port is unset.
func (h Host) Addr() string { return h.addr }

// HasAddr reports whether the host has a socket address.
func (h Host) HasAddr() bool { return h.addr != "" }

// Key returns the identity used for set membership.
func (h Host) Key() Key { return Key{Addr: h.addr, Rack: h.rack} }

// Equal compares identities.
func (h Host) Equal(other Host) bool { return h.Key() == other.Key() }

func (h Host) WithPort(port int) Host {
	h.port = port
	h.addr = socketAddr(h.name, port)
	return h
}

func (h Host) WithRack(rack string) Host {
	h.rack = rack
	return h
}

func (h Host) WithStatus(status Status) Host {
	h.status = status
	return h
}

// Timeout returns the per-host timeout override. Only meaningful when
// IsTimeoutSet is true.
func (h Host) Timeout() time.Duration { return h.timeout }

func (h Host) IsTimeoutSet() bool { return h.timeout != unsetTimeout }

func (h Host) WithTimeout(d time.Duration) Host {
	h.timeout = d
	return h
}

func (h Host) Password() string { return h.password }

func (h Host) IsPasswordSet() bool { return h.password != "" }

func (h Host) WithPassword(password string) Host {
	h.password = password
	return h
}

func (h Host) String() string {
	timeout := "unset"
	if h.IsTimeoutSet() {
		timeout = h.timeout.String()
	}
	return fmt.Sprintf("Host[name=%s port=%d rack=%s status=%s timeout=%s]", h.name, h.port, h.rack, h.status, timeout)
}
