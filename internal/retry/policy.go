package retry

import "fmt"

// State is the lifecycle of one logical operation's attempts.
type State int

const (
	StateReady State = iota
	StateAttempting
	StateDeciding
	StateSuccess
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateAttempting:
		return "attempting"
	case StateDeciding:
		return "deciding"
	case StateSuccess:
		return "success"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy decides whether a failed operation may be attempted again and
// whether the next attempt may go to another host. A Policy belongs to a
// single logical operation and is not safe for concurrent use; obtain a new
// one from a Factory for every call.
type Policy interface {
	// Begin marks the start of an attempt.
	Begin()
	// Success marks the current attempt successful. Terminal.
	Success()
	// Failure records the error of the current attempt and moves the policy
	// to deciding, or to exhausted when no attempt is left.
	Failure(err error)
	// AllowRetry reports whether another attempt may be started.
	AllowRetry() bool
	// AllowFallbackToOtherHost reports whether the next attempt may target a
	// different host. Only meaningful when AllowRetry is true.
	AllowFallbackToOtherHost() bool
	AttemptCount() int
	State() State
	LastError() error
}

// Factory creates a fresh Policy per logical operation.
type Factory interface {
	NewPolicy() Policy
	String() string
}

// tracker holds the state machine shared by the built-in policies.
type tracker struct {
	state    State
	attempts int
	lastErr  error
}

func (t *tracker) Begin() {
	t.state = StateAttempting
	t.attempts++
}

func (t *tracker) Success() {
	t.state = StateSuccess
	t.lastErr = nil
}

func (t *tracker) fail(err error, more bool) {
	t.lastErr = err
	if more {
		t.state = StateDeciding
		return
	}
	t.state = StateExhausted
}

func (t *tracker) AttemptCount() int { return t.attempts }
func (t *tracker) State() State      { return t.state }
func (t *tracker) LastError() error  { return t.lastErr }
