// Package nudge implements the proactive check-in scheduler. Pending fires
// sit in a priority queue keyed by fire time; when one comes due the
// scheduler re-enters the cognitive loop through InitiateProactive, so every
// nudge traverses the same safety and breaker stages as typed input.
package nudge

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mindloop/internal/clock"
	"mindloop/internal/config"
	"mindloop/internal/logging"
	"mindloop/internal/loop"
	"mindloop/internal/metrics"
	"mindloop/internal/ratelimit"
	"mindloop/internal/types"
)

// LoopInvoker is the slice of the cognitive loop the scheduler needs.
type LoopInvoker interface {
	InitiateProactive(ctx context.Context, userID, taskID, extra string) *types.Result
}

// ErrShuttingDown is returned by Register once Stop has run.
var ErrShuttingDown = errors.New("nudge: scheduler shutting down")

// Admitter is consulted before a fire reaches the loop. A denial reschedules
// the fire once; the second denial drops it.
type Admitter interface {
	Admit(endpoint string) ratelimit.Admission
}

type fireKey struct {
	userID string
	taskID string
}

type entry struct {
	UserID string    `json:"user_id"`
	TaskID string    `json:"task_id"`
	FireAt time.Time `json:"fire_at"`

	seq         uint64 // registration order, the tie-break within a fire time
	rescheduled bool
	index       int
}

// fireQueue orders entries by fire time, earliest first.
type fireQueue []*entry

func (q fireQueue) Len() int { return len(q) }
func (q fireQueue) Less(i, j int) bool {
	if q[i].FireAt.Equal(q[j].FireAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].FireAt.Before(q[j].FireAt)
}
func (q fireQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *fireQueue) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *fireQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler owns the pending-fire queue and the worker that delivers due
// fires. Registering a (user, task) pair that is already pending replaces
// the earlier registration, so at most one fire per pair is ever delivered.
type Scheduler struct {
	cfg      config.NudgeConfig
	clk      clock.Clock
	invoker  LoopInvoker
	admitter Admitter // may be nil
	notifier Notifier // may be nil
	metrics  *metrics.Set
	tier     types.NudgeTier // outbound notification tone

	mu      sync.Mutex
	queue   fireQueue
	byKey   map[fireKey]*entry
	seq     uint64
	stopped bool

	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewScheduler creates the scheduler. admitter, notifier, and metrics may be
// nil.
func NewScheduler(cfg config.NudgeConfig, invoker LoopInvoker, admitter Admitter,
	notifier Notifier, m *metrics.Set, clk clock.Clock) *Scheduler {
	tier := types.NudgeTier(cfg.DefaultTier)
	if tier == "" {
		tier = types.TierGentle
	}
	return &Scheduler{
		cfg:      cfg,
		clk:      clk,
		invoker:  invoker,
		admitter: admitter,
		notifier: notifier,
		metrics:  m,
		tier:     tier,
		byKey:    make(map[fireKey]*entry),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register schedules a fire. A pending fire for the same (user, task) is
// replaced; a full queue is an error.
func (s *Scheduler) Register(userID, taskID string, fireAt time.Time) error {
	if userID == "" || taskID == "" {
		return fmt.Errorf("user id and task id are required")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	key := fireKey{userID: userID, taskID: taskID}
	if old, ok := s.byKey[key]; ok {
		heap.Remove(&s.queue, old.index)
		delete(s.byKey, key)
	}
	if len(s.queue) >= s.cfg.MaxPending {
		s.mu.Unlock()
		return fmt.Errorf("nudge queue full (%d pending)", s.cfg.MaxPending)
	}

	s.seq++
	e := &entry{UserID: userID, TaskID: taskID, FireAt: fireAt, seq: s.seq}
	heap.Push(&s.queue, e)
	s.byKey[key] = e
	s.mu.Unlock()

	logging.Nudge("Scheduled nudge for user %s task %s at %s", userID, taskID, fireAt.Format(time.RFC3339))
	logging.Audit().NudgeEvent(logging.AuditNudgeScheduled, userID, taskID)
	s.metrics.Nudge("scheduled")
	s.wake()
	return nil
}

// Cancel removes a pending fire. Reports whether one was pending.
func (s *Scheduler) Cancel(userID, taskID string) bool {
	s.mu.Lock()
	key := fireKey{userID: userID, taskID: taskID}
	e, ok := s.byKey[key]
	if ok {
		heap.Remove(&s.queue, e.index)
		delete(s.byKey, key)
	}
	s.mu.Unlock()

	if ok {
		logging.Nudge("Cancelled nudge for user %s task %s", userID, taskID)
		s.metrics.Nudge("cancelled")
		s.wake()
	}
	return ok
}

// Pending reports the number of pending fires.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start launches the fire worker. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the worker, then drains or drops pending fires per
// configuration.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	if s.cfg.DrainOnShutdown {
		if n, err := s.drain(); err != nil {
			logging.Get(logging.CategoryNudge).Error("Failed to drain pending nudges: %v", err)
		} else if n > 0 {
			logging.Nudge("Drained %d pending nudges to %s", n, s.cfg.DrainPath)
		}
	} else if n := s.Pending(); n > 0 {
		logging.Nudge("Dropping %d pending nudges on shutdown", n)
	}
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		var (
			timer  clock.Timer
			timerC <-chan time.Time
		)
		if d, ok := s.nextDelay(); ok {
			timer = s.clk.NewTimer(d)
			timerC = timer.C()
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.stopCh:
			stopTimer(timer)
			return
		case <-s.wakeCh:
			stopTimer(timer)
		case <-timerC:
		}

		s.fireDue(ctx)
	}
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// nextDelay reports the wait until the earliest pending fire. With nothing
// pending the worker blocks until a registration wakes it.
func (s *Scheduler) nextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	d := s.queue[0].FireAt.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// fireDue pops every entry whose fire time has passed and delivers each.
// Late fires are delivered best-effort; replacement-on-register guarantees
// at most one fire per (user, task) is ever due, so a sleep or stall cannot
// produce a catch-up storm.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clk.Now()

	s.mu.Lock()
	var due []*entry
	for len(s.queue) > 0 && !s.queue[0].FireAt.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		delete(s.byKey, fireKey{userID: e.UserID, taskID: e.TaskID})
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	if s.admitter != nil {
		if adm := s.admitter.Admit("llm"); !adm.OK {
			s.denied(e, adm)
			return
		}
	}

	result := s.invoker.InitiateProactive(ctx, e.UserID, e.TaskID, "")

	logging.Nudge("Fired nudge for user %s task %s: %s", e.UserID, e.TaskID, result.Kind)
	logging.Audit().NudgeEvent(logging.AuditNudgeFired, e.UserID, e.TaskID)
	s.metrics.Nudge("fired")

	if s.notifier != nil && result.Success() && result.Response != nil {
		if err := s.notifier.Send(ctx, e.UserID, "nudge", result.Response.Text, s.tier); err != nil {
			// Notification failure never fails the fire.
			logging.Get(logging.CategoryNudge).Warn("Notification failed for user %s: %v", e.UserID, err)
		}
	}
}

// denied handles an admission denial: reschedule once with a bounded delay,
// drop on the second denial.
func (s *Scheduler) denied(e *entry, adm ratelimit.Admission) {
	s.metrics.RateLimitDenial(adm.Window)

	if e.rescheduled {
		logging.Nudge("Dropping nudge for user %s task %s: admission denied twice (%s)", e.UserID, e.TaskID, adm.Window)
		logging.Audit().NudgeEvent(logging.AuditNudgeDropped, e.UserID, e.TaskID)
		s.metrics.Nudge("dropped")
		return
	}

	delay := s.cfg.RescheduleDelayDuration()
	if adm.RetryAfter > delay {
		delay = adm.RetryAfter
	}
	e.FireAt = s.clk.Now().Add(delay)
	e.rescheduled = true

	s.mu.Lock()
	key := fireKey{userID: e.UserID, taskID: e.TaskID}
	if _, exists := s.byKey[key]; exists || len(s.queue) >= s.cfg.MaxPending {
		// A newer registration arrived while this fire was in flight, or
		// the queue filled up. Either way this fire is superseded.
		s.mu.Unlock()
		s.metrics.Nudge("dropped")
		return
	}
	s.seq++
	e.seq = s.seq
	heap.Push(&s.queue, e)
	s.byKey[key] = e
	s.mu.Unlock()

	logging.Nudge("Rescheduled nudge for user %s task %s in %v (%s window denied)", e.UserID, e.TaskID, delay, adm.Window)
	s.metrics.Nudge("rescheduled")
	s.wake()
}

var _ LoopInvoker = (*loop.Loop)(nil)
