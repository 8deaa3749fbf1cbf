// Package clock re-exports the clock abstraction used across mindloop.
// Components take a Clock so that window pruning, breaker timeouts, and
// scheduler fires are testable with fake clocks.
package clock

import (
	utilclock "k8s.io/utils/clock"
)

// Clock is the full clock interface (timers, tickers, sleep).
type Clock = utilclock.Clock

// PassiveClock only tells time; enough for components that never sleep.
type PassiveClock = utilclock.PassiveClock

// Timer is a clock-backed timer.
type Timer = utilclock.Timer

// Real returns the wall clock.
func Real() Clock {
	return utilclock.RealClock{}
}
