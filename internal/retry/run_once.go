package retry

// RunOnce allows exactly one attempt and never switches hosts.
type RunOnce struct {
	tracker
}

func NewRunOnce() *RunOnce { return &RunOnce{} }

func (r *RunOnce) Failure(err error) { r.fail(err, false) }

func (r *RunOnce) AllowRetry() bool { return false }

func (r *RunOnce) AllowFallbackToOtherHost() bool { return false }

// RunOnceFactory produces RunOnce policies.
type RunOnceFactory struct{}

func (RunOnceFactory) NewPolicy() Policy { return NewRunOnce() }

func (RunOnceFactory) String() string { return "RunOnce" }
