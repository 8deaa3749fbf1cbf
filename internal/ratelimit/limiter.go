// Package ratelimit provides multi-window admission control with an
// externally driven upstream-quota tracker and an adaptive throttle factor.
//
// Admit never blocks and never returns an error: callers get an Admission
// outcome and decide what to do with a denial. Record never fails; it only
// adjusts state. WaitUntilAdmitted is the blocking helper on top.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"

	"mindloop/internal/clock"
	"mindloop/internal/config"
	"mindloop/internal/logging"
)

// Throttle factor bounds and adjustment steps.
const (
	throttleMax       = 10.0
	throttleRaiseStep = 1.5
	throttleDecayStep = 0.95
	throttleCalmAfter = 5 * time.Minute

	// Max single sleep inside WaitUntilAdmitted, so quota and throttle
	// changes are re-evaluated.
	maxSleepSlice = 60 * time.Second
)

// ErrWaitBudgetExceeded is returned by WaitUntilAdmitted when cumulative
// sleep would exceed the caller's budget.
var ErrWaitBudgetExceeded = errors.New("ratelimit: wait budget exceeded")

// RecordOutcome classifies a recorded request for throttle adjustment.
type RecordOutcome int

const (
	// OutcomeSuccess - the downstream call succeeded.
	OutcomeSuccess RecordOutcome = iota
	// OutcomeFailure - the call failed for a reason other than rate limiting.
	OutcomeFailure
	// OutcomeRateLimited - the failure signature indicates rate limiting.
	OutcomeRateLimited
)

// Admission is the outcome of an admission check.
type Admission struct {
	OK         bool
	RetryAfter time.Duration
	Window     string // which window (or "quota") denied, empty when admitted
}

// admitted is the zero-cost success outcome.
var admitted = Admission{OK: true}

// window is a sliding FIFO of request timestamps.
// At any observation the queue contains exactly the timestamps within the
// last size interval.
type window struct {
	name     string
	size     time.Duration
	capacity int
	stamps   []time.Time
}

// prune discards timestamps older than now-size.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// timeUntilSlot returns how long until the oldest timestamp ages out.
func (w *window) timeUntilSlot(now time.Time) time.Duration {
	if len(w.stamps) == 0 {
		return 0
	}
	d := w.stamps[0].Add(w.size).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// upstreamQuota mirrors the downstream provider's reported quota.
type upstreamQuota struct {
	limit     int
	remaining int
	used      int
	reset     time.Time
	updatedAt time.Time
}

// Limiter is the multi-window rate limiter. A single mutex guards all state;
// updates are O(1) amortized so contention stays low.
type Limiter struct {
	mu  sync.Mutex
	cfg config.RateLimitConfig
	clk clock.Clock

	// Always-present process windows.
	global []*window

	// Lazily created per-endpoint windows.
	endpoints map[string][]*window

	// Adaptive throttle state.
	factor          float64
	consecRateLimit int
	lastRateLimit   time.Time

	quota *upstreamQuota
}

// NewLimiter creates a limiter with the three process windows.
func NewLimiter(cfg config.RateLimitConfig, clk clock.Clock) *Limiter {
	logging.RateLimit("Limiter initialized: hourly=%d minute=%d burst=%d",
		cfg.HourlyCapacity, cfg.MinuteCapacity, cfg.BurstCapacity)

	return &Limiter{
		cfg: cfg,
		clk: clk,
		global: []*window{
			{name: "hourly", size: time.Hour, capacity: cfg.HourlyCapacity},
			{name: "minute", size: time.Minute, capacity: cfg.MinuteCapacity},
			{name: "burst", size: 10 * time.Second, capacity: cfg.BurstCapacity},
		},
		endpoints: make(map[string][]*window),
		factor:    1.0,
	}
}

// effectiveCapacity applies the throttle factor: floor(capacity / factor).
func (l *Limiter) effectiveCapacity(w *window) int {
	return int(math.Floor(float64(w.capacity) / l.factor))
}

// applicableWindows returns the process windows plus the endpoint's windows,
// creating the latter lazily.
func (l *Limiter) applicableWindows(endpoint string) []*window {
	if endpoint == "" {
		return l.global
	}
	wins, ok := l.endpoints[endpoint]
	if !ok {
		wins = []*window{
			{name: endpoint + "/hourly", size: time.Hour, capacity: l.cfg.EndpointHourlyCapacity},
			{name: endpoint + "/minute", size: time.Minute, capacity: l.cfg.EndpointMinuteCapacity},
		}
		l.endpoints[endpoint] = wins
		logging.RateLimitDebug("Created endpoint windows for %s", endpoint)
	}
	out := make([]*window, 0, len(l.global)+len(wins))
	out = append(out, l.global...)
	out = append(out, wins...)
	return out
}

// Admit checks whether a new request would stay within all applicable
// windows and the upstream quota. Non-blocking.
func (l *Limiter) Admit(endpoint string) Admission {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()

	// Upstream quota check first: when the provider says we're nearly out,
	// no window math matters.
	if q := l.quota; q != nil && q.remaining < l.cfg.QuotaFloor && now.Before(q.reset) {
		retry := q.reset.Sub(now) + l.cfg.QuotaGraceDuration()
		logging.RateLimitDebug("Quota denial: remaining=%d reset_in=%v", q.remaining, retry)
		return Admission{RetryAfter: retry, Window: "quota"}
	}

	// A request must fit every applicable window; the denial reports the
	// longest wait so the caller sleeps once, not per window.
	var worst Admission
	for _, w := range l.applicableWindows(endpoint) {
		w.prune(now)
		if len(w.stamps) >= l.effectiveCapacity(w) {
			retry := w.timeUntilSlot(now)
			if worst.Window == "" || retry > worst.RetryAfter {
				worst = Admission{RetryAfter: retry, Window: w.name}
			}
		}
	}
	if worst.Window != "" {
		return worst
	}
	return admitted
}

// Record unconditionally records the request timestamp in all applicable
// windows and updates throttle state from the outcome. Never fails.
func (l *Limiter) Record(endpoint string, outcome RecordOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	for _, w := range l.applicableWindows(endpoint) {
		w.prune(now)
		w.stamps = append(w.stamps, now)
	}

	switch outcome {
	case OutcomeRateLimited:
		prev := l.factor
		l.factor = math.Min(throttleMax, l.factor*throttleRaiseStep)
		l.consecRateLimit++
		l.lastRateLimit = now
		logging.RateLimit("Throttle raised: %.2f -> %.2f (consecutive=%d)",
			prev, l.factor, l.consecRateLimit)
		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditThrottleRaise,
			Target:    endpoint,
			Success:   false,
			Fields:    map[string]interface{}{"factor": l.factor},
		})

	case OutcomeSuccess:
		if l.factor > 1.0 && now.Sub(l.lastRateLimit) >= throttleCalmAfter {
			l.factor = math.Max(1.0, l.factor*throttleDecayStep)
			l.consecRateLimit = 0
			logging.RateLimitDebug("Throttle decayed to %.2f", l.factor)
		}

	case OutcomeFailure:
		// Non-rate-limit failures do not move the throttle.
	}
}

// UpdateQuota updates the upstream quota record from observed response
// headers of the downstream system.
func (l *Limiter) UpdateQuota(limit, remaining, used int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.quota = &upstreamQuota{
		limit:     limit,
		remaining: remaining,
		used:      used,
		reset:     reset,
		updatedAt: l.clk.Now(),
	}
	logging.RateLimitDebug("Quota updated: limit=%d remaining=%d reset=%v", limit, remaining, reset)
}

// ThrottleFactor returns the current throttle factor, in [1.0, 10.0].
func (l *Limiter) ThrottleFactor() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.factor
}

// WindowSnapshot describes one window's occupancy for status and metrics.
type WindowSnapshot struct {
	Name              string
	Size              time.Duration
	Capacity          int
	EffectiveCapacity int
	Count             int
}

// Snapshot returns per-window occupancy. Prunes as a side effect so counts
// reflect the current instant.
func (l *Limiter) Snapshot() []WindowSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	all := make([]*window, 0, len(l.global))
	all = append(all, l.global...)
	for _, wins := range l.endpoints {
		all = append(all, wins...)
	}

	out := make([]WindowSnapshot, 0, len(all))
	for _, w := range all {
		w.prune(now)
		out = append(out, WindowSnapshot{
			Name:              w.name,
			Size:              w.size,
			Capacity:          w.capacity,
			EffectiveCapacity: l.effectiveCapacity(w),
			Count:             len(w.stamps),
		})
	}
	return out
}
