package retry

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	runOnceName     = "RunOnce"
	retryNTimesName = "RetryNTimes"
)

// ParseFactory parses a retry descriptor:
//
//	RunOnce
//	RetryNTimes:<n>
//	RetryNTimes:<n>:<allowFallback>
//
// Any other form yields RunOnce together with a non-nil error describing the
// problem, so callers can log it and carry on.
func ParseFactory(descriptor string) (Factory, error) {
	s := strings.TrimSpace(descriptor)
	if s == runOnceName {
		return RunOnceFactory{}, nil
	}
	if !strings.HasPrefix(s, retryNTimesName) {
		return RunOnceFactory{}, fmt.Errorf("unknown retry policy %q", descriptor)
	}

	parts := strings.Split(s, ":")
	if parts[0] != retryNTimesName || len(parts) < 2 || len(parts) > 3 {
		return RunOnceFactory{}, fmt.Errorf("malformed retry policy %q", descriptor)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || n < 0 {
		return RunOnceFactory{}, fmt.Errorf("invalid retry count in %q", descriptor)
	}
	// anything other than "true" disables fallback
	allowFallback := len(parts) == 3 && strings.EqualFold(strings.TrimSpace(parts[2]), "true")
	return RetryNTimesFactory{N: n, AllowFallback: allowFallback}, nil
}
