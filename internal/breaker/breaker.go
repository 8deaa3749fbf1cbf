// Package breaker implements the two circuit breakers that protect mindloop:
// a per-user psychological breaker (request-level) and a process-wide
// infrastructure breaker per external dependency. Both share one state
// machine and the Breaker interface, differing only in thresholds and
// denial semantics.
//
// The psychological breaker is a safety mechanism, not a reliability one: it
// intentionally underreacts when evidence suggests the user is disengaged.
package breaker

import (
	"sync"
	"time"

	"mindloop/internal/clock"
	"mindloop/internal/logging"
)

// State is a circuit breaker state.
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
	default:
		return "unknown"
	}
}

// Decision is the outcome of a breaker check. Breakers produce outcomes,
// not errors; callers decide what a denial means.
type Decision struct {
	Allow      bool
	State      State
	RetryAfter time.Duration // how long until the next test window, when denied
}

// Breaker is the shared primitive both breakers implement.
type Breaker interface {
	Check() Decision
	Record(success bool)
}

// machine is the common three-state engine. State transitions are serialized
// under the machine's own mutex; the half-open transition happens inside
// Check so open machines heal without an external sweeper.
type machine struct {
	mu sync.Mutex

	clk       clock.PassiveClock
	threshold int
	recovery  time.Duration
	subject   string // for logs and audit

	state       State
	failures    int
	lastFailure time.Time
	nextTest    time.Time // set whenever state == StateOpen
}

func newMachine(subject string, threshold int, recovery time.Duration, clk clock.PassiveClock) *machine {
	return &machine{
		clk:       clk,
		threshold: threshold,
		recovery:  recovery,
		subject:   subject,
		state:     StateClosed,
	}
}

// Check implements Breaker. An open machine flips to half-open once the
// recovery deadline passes, allowing a single test interaction through.
func (m *machine) Check() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosed, StateHalfOpen:
		return Decision{Allow: true, State: m.state}

	case StateOpen:
		now := m.clk.Now()
		if !now.Before(m.nextTest) {
			m.transition(StateHalfOpen)
			return Decision{Allow: true, State: StateHalfOpen}
		}
		return Decision{State: StateOpen, RetryAfter: m.nextTest.Sub(now)}

	default:
		return Decision{Allow: true, State: m.state}
	}
}

// Record implements Breaker.
func (m *machine) Record(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		if m.state == StateHalfOpen {
			m.transition(StateClosed)
		}
		m.failures = 0
		return
	}

	m.failures++
	m.lastFailure = m.clk.Now()

	switch m.state {
	case StateHalfOpen:
		// Any failure during the test window re-opens and resets the deadline.
		m.nextTest = m.lastFailure.Add(m.recovery)
		m.transition(StateOpen)
	case StateClosed:
		if m.failures >= m.threshold {
			m.nextTest = m.lastFailure.Add(m.recovery)
			m.transition(StateOpen)
		}
	case StateOpen:
		m.nextTest = m.lastFailure.Add(m.recovery)
	}
}

// transition changes state under the held lock and emits audit events.
func (m *machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	logging.Breaker("Breaker %s: %s -> %s (failures=%d)", m.subject, from, to, m.failures)

	var event logging.AuditEventType
	switch to {
	case StateOpen:
		event = logging.AuditBreakerTrip
	case StateHalfOpen:
		event = logging.AuditBreakerHalfOpen
	case StateClosed:
		event = logging.AuditBreakerClose
	}
	logging.Audit().BreakerTransition(event, m.subject, from.String(), to.String())
}

// Snapshot returns the current state without mutating it.
// Unlike Check, an expired open deadline still reports open.
func (m *machine) Snapshot() (State, int, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.failures, m.nextTest
}
