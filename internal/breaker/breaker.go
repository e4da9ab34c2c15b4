// Package breaker implements the three-state circuit breaker that guards
// calls to the AI provider. State is in-memory only; it rebuilds to closed on
// restart.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned by Execute when the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// transitionHistory is how many state transitions the audit trail retains.
const transitionHistory = 10

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures in closed
	// state that opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open
	// state that closes the breaker.
	SuccessThreshold int
	// Timeout is the cooldown before an open breaker permits a probe.
	Timeout time.Duration
}

// DefaultConfig returns the production defaults: 5 failures, 2 successes,
// 60 second cooldown.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Transition is one audit-trail entry.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Snapshot is a point-in-time view of the breaker for the admin endpoint.
type Snapshot struct {
	State         string       `json:"state"`
	Failures      int          `json:"failures"`
	Successes     int          `json:"successes"`
	LastFailureAt *time.Time   `json:"lastFailureAt,omitempty"`
	NextAttemptAt *time.Time   `json:"nextAttemptAt,omitempty"`
	Transitions   []Transition `json:"transitions"`
}

// Breaker is a three-state circuit breaker. All mutation is serialized on a
// single mutex; the protected call itself runs without the lock held.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state         State
	failures      int
	successes     int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	probeInFlight bool
	transitions   []Transition

	now func() time.Time
}

// New creates a breaker in the closed state. Zero-valued config fields fall
// back to the defaults.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// CanExecute reports whether a call is currently permitted. An open breaker
// whose cooldown has elapsed transitions to half-open as a side effect.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.now().Before(b.nextAttemptAt) {
			b.transitionLocked(StateHalfOpen, "cooldown elapsed")
			return true
		}
		return false
	case StateHalfOpen:
		// One probe at a time.
		return !b.probeInFlight
	}
	return false
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed, "success threshold reached")
		}
	}
}

// RecordFailure registers a failed call.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	b.lastFailureAt = b.now()

	reason := "failure threshold reached"
	if err != nil {
		reason = err.Error()
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked(reason)
		}
	case StateHalfOpen:
		b.openLocked("probe failed: " + reason)
	}
}

// Execute runs fn under the breaker: it fast-fails with ErrOpen when calls
// are not permitted, otherwise runs fn without holding the lock and records
// the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if !b.allowLocked() {
		b.mu.Unlock()
		return ErrOpen
	}
	if b.state == StateHalfOpen {
		b.probeInFlight = true
	}
	b.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset forces the breaker to closed and clears all counters. Admin use.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transitionLocked(StateClosed, "manual reset")
	}
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
}

// Trip forces the breaker open. Admin use.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.openLocked("manual trip")
	}
}

// State returns the current state, applying the open→half-open transition if
// the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.nextAttemptAt) {
		b.transitionLocked(StateHalfOpen, "cooldown elapsed")
	}
	return b.state
}

// Status returns a snapshot including the retained transition audit trail.
func (b *Breaker) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:     b.state.String(),
		Failures:  b.failures,
		Successes: b.successes,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		snap.LastFailureAt = &t
	}
	if b.state == StateOpen {
		t := b.nextAttemptAt
		snap.NextAttemptAt = &t
	}
	snap.Transitions = make([]Transition, len(b.transitions))
	copy(snap.Transitions, b.transitions)
	return snap
}

// openLocked transitions to open and schedules the next probe window.
func (b *Breaker) openLocked(reason string) {
	b.nextAttemptAt = b.now().Add(b.cfg.Timeout)
	b.successes = 0
	b.transitionLocked(StateOpen, reason)
}

func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
		b.successes = 0
	}
	if to == StateHalfOpen {
		b.successes = 0
		b.probeInFlight = false
	}
	b.transitions = append(b.transitions, Transition{From: from, To: to, At: b.now(), Reason: reason})
	if len(b.transitions) > transitionHistory {
		b.transitions = b.transitions[len(b.transitions)-transitionHistory:]
	}
}
