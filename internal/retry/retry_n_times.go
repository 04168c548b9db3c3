package retry

import "fmt"

// RetryNTimes allows up to n retries after the first failed attempt. When
// allowFallback is set, every attempt after the first may target another host.
type RetryNTimes struct {
	tracker
	n             int
	allowFallback bool
}

func NewRetryNTimes(n int, allowFallback bool) *RetryNTimes {
	if n < 0 {
		n = 0
	}
	return &RetryNTimes{n: n, allowFallback: allowFallback}
}

func (r *RetryNTimes) Failure(err error) { r.fail(err, r.attempts < r.n+1) }

func (r *RetryNTimes) AllowRetry() bool {
	return r.state != StateSuccess && r.state != StateExhausted && r.attempts < r.n+1
}

func (r *RetryNTimes) AllowFallbackToOtherHost() bool {
	return r.allowFallback && r.AllowRetry()
}

// RetryNTimesFactory produces RetryNTimes policies.
type RetryNTimesFactory struct {
	N             int
	AllowFallback bool
}

func (f RetryNTimesFactory) NewPolicy() Policy { return NewRetryNTimes(f.N, f.AllowFallback) }

func (f RetryNTimesFactory) String() string {
	return fmt.Sprintf("RetryNTimes:%d:%t", f.N, f.AllowFallback)
}
