package breaker

import (
	"context"
	"errors"
	"time"

	"mindloop/internal/clock"
	"mindloop/internal/config"
	"mindloop/internal/logging"
)

// ErrServiceUnavailable is returned by ServiceBreaker.Do while the circuit
// is open: the dependency is not touched.
var ErrServiceUnavailable = errors.New("breaker: service unavailable")

// ServiceBreaker is the process-wide infrastructure breaker for one external
// dependency. Tripping is based on exception bursts from the dependency, not
// on user-response patterns. It reuses the shared machine but never reports
// half-open externally: after the recovery timeout the next call is simply
// allowed through as a probe.
type ServiceBreaker struct {
	dependency string
	m          *machine
}

// NewServiceBreaker creates a breaker for the named dependency.
func NewServiceBreaker(dependency string, cfg config.InfraBreakerConfig, clk clock.PassiveClock) *ServiceBreaker {
	return &ServiceBreaker{
		dependency: dependency,
		m: newMachine("dep:"+dependency, cfg.Threshold(dependency),
			cfg.RecoveryDuration(dependency), clk),
	}
}

// Check implements Breaker.
func (sb *ServiceBreaker) Check() Decision {
	return sb.m.Check()
}

// Record implements Breaker.
func (sb *ServiceBreaker) Record(success bool) {
	sb.m.Record(success)
}

// Do wraps a dependency call. While open, it fails fast with
// ErrServiceUnavailable without touching the dependency.
func (sb *ServiceBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	d := sb.Check()
	if !d.Allow {
		logging.Breaker("Fail-fast for %s: circuit open, retry in %v", sb.dependency, d.RetryAfter)
		return ErrServiceUnavailable
	}

	err := fn(ctx)

	// Cancellation says nothing about the dependency's health.
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}

	sb.Record(err == nil)
	return err
}

// State returns the current state and time until the next probe window.
func (sb *ServiceBreaker) State() (State, time.Duration) {
	st, _, nextTest := sb.m.Snapshot()
	if st != StateOpen {
		return st, 0
	}
	wait := nextTest.Sub(sb.m.clk.Now())
	if wait < 0 {
		wait = 0
	}
	return st, wait
}
