// Package loop implements the cognitive loop, the orchestrator that mediates
// every interaction: breaker check, frame build, routed response, then a
// concurrent fan-out of side effects. All entry points (chat, webhooks,
// scheduled nudges) converge here so the same safety and circuit-breaker
// properties hold everywhere.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mindloop/internal/breaker"
	"mindloop/internal/frame"
	"mindloop/internal/logging"
	"mindloop/internal/metrics"
	"mindloop/internal/safety"
	"mindloop/internal/store"
	"mindloop/internal/types"
)

const anchorText = "No pressure right now. I'm here whenever you're ready."

// FrameBuilder builds the context frame for one invocation.
type FrameBuilder interface {
	Build(ctx context.Context, req frame.Request) (*types.Frame, error)
}

// Responder produces the response for one input. Implemented by the LLM
// router; the safety monitor is consulted inside it, before any tier.
type Responder interface {
	Process(ctx context.Context, input string, f *types.Frame, tier types.NudgeTier) (*types.LLMResponse, error)
}

// Request is one loop invocation.
type Request struct {
	UserID    string
	AgentID   string
	Input     string
	TaskFocus string
	NudgeTier types.NudgeTier
}

// Loop is the orchestrator. Safe for concurrent use; per-user breaker
// updates are serialized inside the breaker package.
type Loop struct {
	breakers *breaker.UserBreakers
	frames   FrameBuilder
	router   Responder
	traces   store.TraceStore
	monitor  *safety.Monitor // emergency pre-check; may be nil
	metrics  *metrics.Set    // may be nil
}

// New wires the loop. monitor and metrics may be nil.
func New(breakers *breaker.UserBreakers, frames FrameBuilder, router Responder,
	traces store.TraceStore, monitor *safety.Monitor, m *metrics.Set) *Loop {
	return &Loop{
		breakers: breakers,
		frames:   frames,
		router:   router,
		traces:   traces,
		monitor:  monitor,
		metrics:  m,
	}
}

// Process runs one interaction through the pipeline and always returns a
// Result; errors are carried in the Result's kind, never as a second return.
func (l *Loop) Process(ctx context.Context, req Request) *types.Result {
	start := time.Now()
	requestID := uuid.NewString()
	audit := logging.AuditWithRequest(requestID, req.UserID)
	audit.Log(logging.AuditEvent{EventType: logging.AuditLoopStart, Success: true})

	logging.Loop("Processing request %s for user %s", requestID, req.UserID)

	if req.UserID == "" || req.Input == "" {
		return l.finish(start, &types.Result{
			Kind: types.ResultFailed,
			Err:  "user id and input are required",
		})
	}

	// Emergency inputs bypass the breaker: a user in crisis gets the
	// safety response no matter what their recent interaction record says.
	emergency := l.monitor != nil && l.monitor.IsEmergency(req.Input)

	if !emergency {
		if d := l.breakers.Check(req.UserID); !d.Allow {
			return l.anchor(start, req, d)
		}
	}

	f, err := l.frames.Build(ctx, frame.Request{
		UserID:          req.UserID,
		AgentID:         req.AgentID,
		TaskFocus:       req.TaskFocus,
		IncludePatterns: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return l.cancelled(start, req, audit)
		}
		return l.failed(start, req, audit, fmt.Errorf("frame build: %w", err))
	}

	resp, err := l.router.Process(ctx, req.Input, f, req.NudgeTier)
	if err != nil {
		if ctx.Err() != nil {
			return l.cancelled(start, req, audit)
		}
		return l.failed(start, req, audit, fmt.Errorf("router: %w", err))
	}

	l.observeLLM(resp)

	// A safety override skips the fan-out except for its trace write. The
	// write uses a detached context: overrides are flushed even when the
	// caller has gone away.
	if resp.Source == types.SourceHardCoded {
		l.appendTrace(&types.TraceRecord{
			UserID:    req.UserID,
			EventType: types.TraceSafetyOverride,
			TaskID:    req.TaskFocus,
			Source:    string(resp.Source),
			Payload: map[string]interface{}{
				"input":    req.Input,
				"response": resp.Text,
			},
			Confidence: resp.Confidence,
		})
		audit.LoopComplete("safety", time.Since(start).Milliseconds(), true, "")
		return l.finish(start, &types.Result{
			Kind:          types.ResultSafety,
			Response:      resp,
			Frame:         f,
			CognitiveLoad: f.CognitiveLoad,
		})
	}

	actions := l.fanOut(ctx, req, f, resp)

	audit.LoopComplete("ok", time.Since(start).Milliseconds(), true, "")
	return l.finish(start, &types.Result{
		Kind:          types.ResultOK,
		Response:      resp,
		Frame:         f,
		CognitiveLoad: f.CognitiveLoad,
		ActionsTaken:  actions,
	})
}

// fanOut runs the three post-response tasks concurrently with all-settled
// semantics: every task runs to completion even when siblings fail, and
// failures surface as markers in the returned action list. Caller
// cancellation cancels the group instead; tasks that have not started yet
// are skipped, and a skipped trace write is an acceptable partial outcome.
func (l *Loop) fanOut(ctx context.Context, req Request, f *types.Frame, resp *types.LLMResponse) []string {
	var (
		mu      sync.Mutex
		actions []string
	)
	addAction := func(a string) {
		mu.Lock()
		actions = append(actions, a)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		for _, a := range deriveActions(f) {
			addAction(a)
		}
	}()

	go func() {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		err := l.appendTrace(&types.TraceRecord{
			UserID:    req.UserID,
			EventType: types.TraceCognitiveInteraction,
			TaskID:    req.TaskFocus,
			Source:    string(resp.Source),
			Payload: map[string]interface{}{
				"input":          req.Input,
				"response":       resp.Text,
				"latency_ms":     resp.LatencyMs,
				"cognitive_load": f.CognitiveLoad,
				"accessibility":  f.Accessibility,
			},
			Confidence: resp.Confidence,
		})
		if err != nil {
			logging.Get(logging.CategoryLoop).Error("Trace write failed: %v", err)
			addAction("trace_write_failed")
		}
	}()

	go func() {
		defer wg.Done()
		// Cancellation says nothing about the user, so the breaker is not
		// moved either way.
		if ctx.Err() != nil {
			return
		}
		l.breakers.Record(req.UserID, true)
	}()

	wg.Wait()
	return actions
}

// deriveActions turns the frame's classifier output and pattern hints into
// executed actions.
func deriveActions(f *types.Frame) []string {
	var actions []string
	switch f.Recommended {
	case types.ActionSimplifyContext:
		logging.Loop("Recommending context simplification for user %s (load %.2f)", f.UserID, f.CognitiveLoad)
		actions = append(actions, "simplify_context_hint")
	case types.ActionClarifyFocus:
		logging.Loop("Recommending focus clarification for user %s", f.UserID)
		actions = append(actions, "clarify_focus_hint")
	}
	actions = append(actions, f.Actions...)
	return actions
}

// anchor serves the minimal response while the user's breaker is open.
// Cheap by construction: no frame build, no router, one trace write.
func (l *Loop) anchor(start time.Time, req Request, d breaker.Decision) *types.Result {
	logging.Loop("Anchor mode for user %s (breaker %s, retry in %v)", req.UserID, d.State, d.RetryAfter)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditAnchorResponse,
		UserID:    req.UserID,
		Success:   true,
		Message:   fmt.Sprintf("Anchor response, breaker retry in %v", d.RetryAfter),
	})

	l.appendTrace(&types.TraceRecord{
		UserID:     req.UserID,
		EventType:  types.TraceAnchorResponse,
		TaskID:     req.TaskFocus,
		Source:     string(types.SourceAnchorMode),
		Confidence: 1.0,
	})

	resp := &types.LLMResponse{
		Text:       anchorText,
		Source:     types.SourceAnchorMode,
		Confidence: 1.0,
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	return l.finish(start, &types.Result{
		Kind:          types.ResultAnchor,
		Response:      resp,
		CognitiveLoad: 0.1,
	})
}

// cancelled produces the caller-deadline result. Cancellation says nothing
// about the user, so the breaker is not touched.
func (l *Loop) cancelled(start time.Time, req Request, audit *logging.AuditLogger) *types.Result {
	audit.Log(logging.AuditEvent{
		EventType: logging.AuditLoopCancel,
		UserID:    req.UserID,
		Message:   "Caller deadline fired",
	})
	return l.finish(start, &types.Result{
		Kind: types.ResultCancelled,
		Err:  "request cancelled",
	})
}

// failed handles an internal exception: breaker failure update, error trace,
// failure result.
func (l *Loop) failed(start time.Time, req Request, audit *logging.AuditLogger, err error) *types.Result {
	logging.Get(logging.CategoryLoop).Error("Loop failure for user %s: %v", req.UserID, err)

	l.breakers.Record(req.UserID, false)
	l.appendTrace(&types.TraceRecord{
		UserID:    req.UserID,
		EventType: types.TraceProcessingError,
		TaskID:    req.TaskFocus,
		Payload:   map[string]interface{}{"error": err.Error()},
	})
	audit.LoopComplete("failed", time.Since(start).Milliseconds(), false, err.Error())

	return l.finish(start, &types.Result{
		Kind: types.ResultFailed,
		Err:  err.Error(),
	})
}

// InitiateProactive synthesizes an interaction for a scheduled nudge and
// runs it through the same pipeline as user-initiated input, so safety and
// breaker behavior are identical.
func (l *Loop) InitiateProactive(ctx context.Context, userID, taskID, extra string) *types.Result {
	input := fmt.Sprintf("Check in with me about the task %q.", taskID)
	if extra != "" {
		input += " " + extra
	}

	logging.Loop("Proactive check-in for user %s task %s", userID, taskID)

	result := l.Process(ctx, Request{
		UserID:    userID,
		AgentID:   "nudge",
		Input:     input,
		TaskFocus: taskID,
		NudgeTier: types.TierGentle,
	})

	if result.Success() {
		l.appendTrace(&types.TraceRecord{
			UserID:    userID,
			EventType: types.TraceProactiveNudge,
			TaskID:    taskID,
			Payload:   map[string]interface{}{"result": string(result.Kind)},
		})
	}
	return result
}

func (l *Loop) appendTrace(rec *types.TraceRecord) error {
	if l.traces == nil {
		return nil
	}
	return l.traces.Append(rec)
}

func (l *Loop) observeLLM(resp *types.LLMResponse) {
	l.metrics.ObserveLLM(string(resp.Source), float64(resp.LatencyMs)/1000)
}

func (l *Loop) finish(start time.Time, r *types.Result) *types.Result {
	r.ProcessingTimeMs = time.Since(start).Milliseconds()
	l.metrics.ObserveRequest(string(r.Kind), time.Since(start).Seconds())
	if l.metrics != nil && l.breakers != nil {
		counts := l.breakers.StateCounts()
		l.metrics.SetBreakerStates(map[string]int{
			"closed":    counts[breaker.StateClosed],
			"open":      counts[breaker.StateOpen],
			"half-open": counts[breaker.StateHalfOpen],
		})
	}
	return r
}
