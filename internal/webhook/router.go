// Package webhook implements the inbound event router: signature
// verification, delivery dedup, durable event persistence, prioritized
// handler dispatch, and non-blocking automation triggers into the cognitive
// loop.
package webhook

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"mindloop/internal/clock"
	"mindloop/internal/config"
	"mindloop/internal/logging"
	"mindloop/internal/loop"
	"mindloop/internal/metrics"
	"mindloop/internal/ratelimit"
	"mindloop/internal/store"
	"mindloop/internal/types"
)

// Status classifies the outcome of one delivery.
type Status string

const (
	StatusProcessed        Status = "processed"
	StatusUnauthorized     Status = "unauthorized"
	StatusBadRequest       Status = "bad_request"
	StatusAlreadyProcessed Status = "already_processed"
	StatusRateLimited      Status = "rate_limited"
)

// ProcessingResult is returned per delivery.
type ProcessingResult struct {
	Status        Status
	DeliveryID    string
	HandlersRun   int
	HandlerErrors int
	ActionsFired  int
	Duration      time.Duration
	RetryAfter    time.Duration // retry hint, set when rate limited
}

// Handler is one registered event handler. Matching is on event type plus an
// optional action; handlers run sequentially in priority order (descending),
// ties broken by registration order.
type Handler struct {
	Name      string
	EventType string
	Action    string // empty matches any action
	Priority  int
	Enabled   bool
	Fn        func(ctx context.Context, ev *types.WebhookEvent) error
}

// TriggerFunc inspects a matched event and, when it applies, names the user
// and task for a synthetic loop invocation.
type TriggerFunc func(ev *types.WebhookEvent) (userID, taskID string, ok bool)

type trigger struct {
	eventType string
	action    string
	fn        TriggerFunc
}

type triggerRequest struct {
	userID string
	taskID string
}

// LoopInvoker is the slice of the cognitive loop the router needs.
type LoopInvoker interface {
	InitiateProactive(ctx context.Context, userID, taskID, extra string) *types.Result
}

// Admitter gates deliveries through admission control. A denial becomes a
// retry hint for the sender; the delivery leaves no other trace.
type Admitter interface {
	Admit(endpoint string) ratelimit.Admission
	Record(endpoint string, outcome ratelimit.RecordOutcome)
}

// Router processes inbound deliveries. Safe for concurrent use.
type Router struct {
	cfg      config.WebhookConfig
	secret   []byte
	dedup    *store.DedupCache
	events   store.WebhookStore // may be nil (no durability)
	invoker  LoopInvoker
	admitter Admitter // may be nil (no admission control)
	metrics  *metrics.Set

	mu       sync.Mutex
	handlers []Handler // registration order; the tie-break within priority
	triggers []trigger

	// Running statistics.
	processed int64
	totalMs   int64

	triggerCh chan triggerRequest
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// NewRouter creates the router. events, invoker, and admitter may be nil;
// triggers are dropped when no invoker is attached.
func NewRouter(cfg config.WebhookConfig, events store.WebhookStore, invoker LoopInvoker, admitter Admitter, m *metrics.Set, clk clock.PassiveClock) *Router {
	return &Router{
		cfg:       cfg,
		secret:    []byte(cfg.Secret),
		dedup:     store.NewDedupCache(cfg.DedupWindowDuration(), clk),
		events:    events,
		invoker:   invoker,
		admitter:  admitter,
		metrics:   m,
		triggerCh: make(chan triggerRequest, cfg.TriggerQueueSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Register adds a handler. Handlers keep their registration order as the
// tie-break within equal priorities.
func (r *Router) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	logging.Webhook("Registered handler %s for %s/%s (priority %d)", h.Name, h.EventType, h.Action, h.Priority)
}

// AddTrigger maps an (event type, action) pair to a synthetic loop
// invocation. An empty action matches any.
func (r *Router) AddTrigger(eventType, action string, fn TriggerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger{eventType: eventType, action: action, fn: fn})
}

// Start launches the trigger worker. Non-blocking.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.runTriggers(ctx)
}

// Stop stops the trigger worker and waits for it to drain.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// Process runs the pipeline for one raw delivery.
func (r *Router) Process(ctx context.Context, body []byte, headers map[string]string) ProcessingResult {
	start := time.Now()
	deliveryID := headers[r.cfg.DeliveryIDHeader]

	// Signature first: a failed check has no side effects at all.
	if !verifySignature(r.secret, body, headers[r.cfg.SignatureHeader]) {
		logging.Webhook("Rejected delivery %s: bad signature", deliveryID)
		logging.Audit().WebhookEvent(logging.AuditWebhookRejected, deliveryID, 0)
		r.metrics.WebhookEvent("rejected")
		return ProcessingResult{Status: StatusUnauthorized, DeliveryID: deliveryID}
	}

	eventType := headers[r.cfg.EventTypeHeader]
	if deliveryID == "" || eventType == "" {
		logging.Webhook("Rejected delivery: missing delivery id or event type")
		r.metrics.WebhookEvent("rejected")
		return ProcessingResult{Status: StatusBadRequest, DeliveryID: deliveryID}
	}

	// Parse before any side effect: a malformed body is fatal.
	var payload struct {
		Action string `json:"action"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			logging.Webhook("Rejected delivery %s: unparseable body: %v", deliveryID, err)
			r.metrics.WebhookEvent("rejected")
			return ProcessingResult{Status: StatusBadRequest, DeliveryID: deliveryID}
		}
	}

	// Admission after validation, before the dedup cache marks the id. A
	// throttled delivery is retried by the sender, so it must leave no side
	// effects either: not marked seen, not persisted.
	if r.admitter != nil {
		if adm := r.admitter.Admit("webhook"); !adm.OK {
			logging.Webhook("Throttled delivery %s: %s window full, retry in %v", deliveryID, adm.Window, adm.RetryAfter)
			logging.Audit().AdmissionDeny(adm.Window, adm.RetryAfter.Milliseconds())
			r.metrics.RateLimitDenial(adm.Window)
			r.metrics.WebhookEvent("rate_limited")
			return ProcessingResult{Status: StatusRateLimited, DeliveryID: deliveryID, RetryAfter: adm.RetryAfter}
		}
	}

	if r.isDuplicate(deliveryID) {
		logging.WebhookDebug("Duplicate delivery %s", deliveryID)
		logging.Audit().WebhookEvent(logging.AuditWebhookDuplicate, deliveryID, 0)
		r.metrics.WebhookEvent("duplicate")
		return ProcessingResult{Status: StatusAlreadyProcessed, DeliveryID: deliveryID}
	}

	ev := &types.WebhookEvent{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     payload.Action,
		Source:     headers["User-Agent"],
		Payload:    body,
		Headers:    headers,
		ReceivedAt: start,
	}
	if r.events != nil {
		if err := r.events.SaveEvent(ev); err != nil {
			logging.Get(logging.CategoryWebhook).Error("Failed to persist delivery %s: %v", deliveryID, err)
		}
	}

	handlersRun, handlerErrors := r.dispatch(ctx, ev)
	actionsFired := r.fireTriggers(ev)

	elapsed := time.Since(start)
	ev.Processed = true
	ev.DurationMs = elapsed.Milliseconds()
	ev.ActionsFired = actionsFired
	if r.events != nil {
		r.events.SaveEvent(ev)
	}
	if r.admitter != nil {
		r.admitter.Record("webhook", ratelimit.OutcomeSuccess)
	}
	r.recordStats(elapsed)

	logging.Audit().WebhookEvent(logging.AuditWebhookAccepted, deliveryID, elapsed.Milliseconds())
	r.metrics.WebhookEvent("accepted")

	return ProcessingResult{
		Status:        StatusProcessed,
		DeliveryID:    deliveryID,
		HandlersRun:   handlersRun,
		HandlerErrors: handlerErrors,
		ActionsFired:  actionsFired,
		Duration:      elapsed,
	}
}

// isDuplicate checks the in-memory window first, then the durable event log
// so duplicates are still caught across restarts.
func (r *Router) isDuplicate(deliveryID string) bool {
	if r.dedup.Seen(deliveryID) {
		return true
	}
	if r.events != nil {
		if seen, err := r.events.HasDelivery(deliveryID); err == nil && seen {
			return true
		}
	}
	return false
}

// dispatch runs matching enabled handlers sequentially in priority order.
// One handler's failure never blocks the rest.
func (r *Router) dispatch(ctx context.Context, ev *types.WebhookEvent) (run, failed int) {
	r.mu.Lock()
	matched := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		if !h.Enabled || h.EventType != ev.EventType {
			continue
		}
		if h.Action != "" && h.Action != ev.Action {
			continue
		}
		matched = append(matched, h)
	}
	r.mu.Unlock()

	// Stable sort keeps registration order inside equal priorities.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})

	timeout := r.cfg.HandlerTimeoutDuration()
	for _, h := range matched {
		hctx, cancel := context.WithTimeout(ctx, timeout)
		err := h.Fn(hctx, ev)
		cancel()

		run++
		if err != nil {
			failed++
			logging.Get(logging.CategoryWebhook).Error("Handler %s failed for %s: %v", h.Name, ev.DeliveryID, err)
		} else {
			logging.WebhookDebug("Handler %s completed for %s", h.Name, ev.DeliveryID)
		}
	}
	return run, failed
}

// fireTriggers enqueues synthetic loop invocations for matching triggers.
// The enqueue never blocks: a full queue drops the trigger with a log line,
// and the event stays recorded either way.
func (r *Router) fireTriggers(ev *types.WebhookEvent) int {
	r.mu.Lock()
	var matched []trigger
	for _, t := range r.triggers {
		if t.eventType != ev.EventType {
			continue
		}
		if t.action != "" && t.action != ev.Action {
			continue
		}
		matched = append(matched, t)
	}
	r.mu.Unlock()

	fired := 0
	for _, t := range matched {
		userID, taskID, ok := t.fn(ev)
		if !ok {
			continue
		}
		select {
		case r.triggerCh <- triggerRequest{userID: userID, taskID: taskID}:
			fired++
		default:
			logging.Webhook("Trigger queue full, dropping invocation for user %s task %s", userID, taskID)
		}
	}
	return fired
}

func (r *Router) runTriggers(ctx context.Context) {
	defer close(r.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case req := <-r.triggerCh:
			if r.invoker == nil {
				continue
			}
			result := r.invoker.InitiateProactive(ctx, req.userID, req.taskID, "")
			if !result.Success() {
				// Trigger failures are logged, never propagated.
				logging.Webhook("Automation trigger for user %s task %s ended %s", req.userID, req.taskID, result.Kind)
			}
		}
	}
}

func (r *Router) recordStats(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	r.totalMs += elapsed.Milliseconds()
}

// Stats reports deliveries processed and the running average duration.
func (r *Router) Stats() (processed int64, avgMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processed == 0 {
		return 0, 0
	}
	return r.processed, float64(r.totalMs) / float64(r.processed)
}

var (
	_ LoopInvoker = (*loop.Loop)(nil)
	_ Admitter    = (*ratelimit.Limiter)(nil)
)
