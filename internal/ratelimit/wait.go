package ratelimit

import (
	"context"
	"time"

	"mindloop/internal/logging"
)

// WaitUntilAdmitted suspends the caller until Admit would succeed, then
// returns nil without recording (the caller records after the downstream
// call). Returns ErrWaitBudgetExceeded when cumulative sleep would exceed
// maxWait, or the context error on cancellation.
//
// maxWait == 0 reduces to a single non-blocking Admit.
func (l *Limiter) WaitUntilAdmitted(ctx context.Context, endpoint string, maxWait time.Duration) error {
	var waited time.Duration

	for {
		adm := l.Admit(endpoint)
		if adm.OK {
			return nil
		}

		// Sleep in bounded slices so quota updates and throttle decay are
		// re-evaluated during long waits.
		sleep := adm.RetryAfter
		if sleep <= 0 {
			sleep = 10 * time.Millisecond
		}
		if sleep > maxSleepSlice {
			sleep = maxSleepSlice
		}

		if waited+sleep > maxWait {
			logging.RateLimit("Wait budget exceeded: waited=%v next_sleep=%v budget=%v window=%s",
				waited, sleep, maxWait, adm.Window)
			return ErrWaitBudgetExceeded
		}

		timer := l.clk.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
		waited += sleep
	}
}
