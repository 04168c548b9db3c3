package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strings"
)

// NetworkClass is the coarse category of a transport failure.
type NetworkClass int

const (
	NetworkNone NetworkClass = iota
	NetworkTimeout
	NetworkRefused
	NetworkReset
	NetworkDNS
	NetworkTLS
	NetworkCanceled
	NetworkOther
)

func (c NetworkClass) String() string {
	switch c {
	case NetworkTimeout:
		return "timeout"
	case NetworkRefused:
		return "connection_refused"
	case NetworkReset:
		return "connection_reset"
	case NetworkDNS:
		return "dns_error"
	case NetworkTLS:
		return "tls_error"
	case NetworkCanceled:
		return "canceled"
	case NetworkOther:
		return "network_error"
	default:
		return "none"
	}
}

// ClassifyNetworkError maps transport errors to a NetworkClass. Errors that
// are not transport failures (server replies, application errors) map to
// NetworkNone.
func ClassifyNetworkError(err error) NetworkClass {
	if err == nil {
		return NetworkNone
	}
	if stderrors.Is(err, context.Canceled) {
		return NetworkCanceled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NetworkTimeout
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return NetworkTimeout
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, net.ErrClosed) {
		return NetworkReset
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return NetworkDNS
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return NetworkTimeout
	case strings.Contains(msg, "connection refused"):
		return NetworkRefused
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe"):
		return NetworkReset
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "name resolution"):
		return NetworkDNS
	case strings.Contains(msg, "certificate") || strings.Contains(msg, "tls:"):
		return NetworkTLS
	case strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "use of closed network connection"):
		return NetworkOther
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return NetworkOther
	}
	return NetworkNone
}

// IsConnectionError reports whether err is a transport failure.
func IsConnectionError(err error) bool {
	return ClassifyNetworkError(err) != NetworkNone
}

// IsTimeout reports whether err is a timeout without other symptoms. A
// timed-out link may be reused; any other transport failure invalidates it.
func IsTimeout(err error) bool {
	return ClassifyNetworkError(err) == NetworkTimeout
}
