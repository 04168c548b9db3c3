package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"dyno-go/internal/host"
)

// Kind classifies every failure surfaced by the pool.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectTimeout
	KindFatalConnection
	KindThrottled
	KindNoAvailableHosts
	KindPoolOffline
	KindOperationFailure
)

func (k Kind) String() string {
	switch k {
	case KindConnectTimeout:
		return "connect_timeout"
	case KindFatalConnection:
		return "fatal_connection"
	case KindThrottled:
		return "pool_exhausted"
	case KindNoAvailableHosts:
		return "no_available_hosts"
	case KindPoolOffline:
		return "pool_offline"
	case KindOperationFailure:
		return "operation_failure"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *DynoError of the same kind.
var (
	ErrConnectTimeout   = stderrors.New("connect timeout")
	ErrFatalConnection  = stderrors.New("fatal connection error")
	ErrThrottled        = stderrors.New("connection pool exhausted")
	ErrNoAvailableHosts = stderrors.New("no available hosts")
	ErrPoolOffline      = stderrors.New("host pool offline")
	ErrOperationFailure = stderrors.New("operation failed")

	ErrNotImplemented = stderrors.New("not implemented")
)

func sentinel(k Kind) error {
	switch k {
	case KindConnectTimeout:
		return ErrConnectTimeout
	case KindFatalConnection:
		return ErrFatalConnection
	case KindThrottled:
		return ErrThrottled
	case KindNoAvailableHosts:
		return ErrNoAvailableHosts
	case KindPoolOffline:
		return ErrPoolOffline
	case KindOperationFailure:
		return ErrOperationFailure
	}
	return nil
}

// PoolRef is the view of a per-host pool carried by pool-offline errors.
type PoolRef interface {
	Host() host.Host
	IsActive() bool
}

// DynoError is the typed failure returned by every pool operation.
type DynoError struct {
	Kind    Kind
	Message string
	Host    host.Host
	Attempt int
	Token   *int64
	Pool    PoolRef
	Cause   error
}

func (e *DynoError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	msg := e.Message
	if msg == "" {
		if s := sentinel(e.Kind); s != nil {
			msg = s.Error()
		} else {
			msg = e.Kind.String()
		}
	}
	b.WriteString(msg)
	if e.HostKnown() {
		fmt.Fprintf(&b, " [host=%s", e.Host.Addr())
		if e.Host.Rack() != "" {
			fmt.Fprintf(&b, " rack=%s", e.Host.Rack())
		}
		b.WriteString("]")
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " [attempts=%d]", e.Attempt)
	}
	if e.Token != nil {
		fmt.Fprintf(&b, " [token=%d]", *e.Token)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *DynoError) Unwrap() error { return e.Cause }

// Is matches the sentinel of the error's kind.
func (e *DynoError) Is(target error) bool {
	return target != nil && target == sentinel(e.Kind)
}

// HostKnown reports whether the error carries a real origin host.
func (e *DynoError) HostKnown() bool {
	return e.Host.Hostname() != "" && !e.Host.Equal(host.NoHost)
}

// WithHost sets the origin host and returns e.
func (e *DynoError) WithHost(h host.Host) *DynoError {
	e.Host = h
	return e
}

// WithAttempt sets the attempt count and returns e.
func (e *DynoError) WithAttempt(n int) *DynoError {
	e.Attempt = n
	return e
}

func NewFatalConnection(cause error) *DynoError {
	return &DynoError{Kind: KindFatalConnection, Cause: cause}
}

func NewConnectTimeout(h host.Host, cause error) *DynoError {
	return &DynoError{Kind: KindConnectTimeout, Host: h, Cause: cause}
}

func NewThrottled(h host.Host, msg string) *DynoError {
	return &DynoError{Kind: KindThrottled, Host: h, Message: msg}
}

func NewNoAvailableHosts(msg string, token *int64) *DynoError {
	return &DynoError{Kind: KindNoAvailableHosts, Message: msg, Token: token}
}

func NewPoolOffline(pool PoolRef, msg string) *DynoError {
	e := &DynoError{Kind: KindPoolOffline, Message: msg, Pool: pool}
	if pool != nil {
		e.Host = pool.Host()
	}
	return e
}

func NewOperationFailure(cause error) *DynoError {
	return &DynoError{Kind: KindOperationFailure, Cause: cause}
}

// KindOf returns the kind of the first DynoError in err's chain.
func KindOf(err error) Kind {
	var de *DynoError
	if stderrors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// HostOf returns the origin host carried by err, if any.
func HostOf(err error) (host.Host, bool) {
	var de *DynoError
	if stderrors.As(err, &de) && de.HostKnown() {
		return de.Host, true
	}
	return host.Host{}, false
}

// AttemptOf returns the attempt count carried by err, or 0.
func AttemptOf(err error) int {
	var de *DynoError
	if stderrors.As(err, &de) {
		return de.Attempt
	}
	return 0
}

// IsFatal reports whether err is a failure of the link or of the operation
// running on it.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindFatalConnection || k == KindOperationFailure
}

// IsRetryable reports whether a retry policy may be consulted for err.
// No-available-hosts ends the current call; everything else is left to the
// policy.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnectTimeout, KindFatalConnection, KindThrottled, KindPoolOffline, KindOperationFailure:
		return true
	default:
		return false
	}
}

// RequiresHostSwitch reports whether retrying on the same host is pointless.
func RequiresHostSwitch(err error) bool {
	return KindOf(err) == KindPoolOffline
}
