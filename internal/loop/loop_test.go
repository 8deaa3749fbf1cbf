package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"mindloop/internal/breaker"
	"mindloop/internal/config"
	"mindloop/internal/frame"
	"mindloop/internal/safety"
	"mindloop/internal/store"
	"mindloop/internal/types"
)

// mockFrames returns a fixed frame or error.
type mockFrames struct {
	frame *types.Frame
	err   error
}

func (m *mockFrames) Build(ctx context.Context, req frame.Request) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	f := *m.frame
	f.UserID = req.UserID
	f.TaskFocus = req.TaskFocus
	return &f, nil
}

// mockRouter returns a scripted response or error.
type mockRouter struct {
	resp     *types.LLMResponse
	err      error
	lastTier types.NudgeTier
}

func (m *mockRouter) Process(ctx context.Context, input string, f *types.Frame, tier types.NudgeTier) (*types.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.lastTier = tier
	if m.err != nil {
		return nil, m.err
	}
	r := *m.resp
	return &r, nil
}

// failingTraceStore wraps the memory store and fails every append.
type failingTraceStore struct {
	*store.MemoryTraceStore
}

func (f *failingTraceStore) Append(rec *types.TraceRecord) error {
	return errors.New("disk full")
}

type fixture struct {
	loop     *Loop
	breakers *breaker.UserBreakers
	traces   *store.MemoryTraceStore
	router   *mockRouter
	clk      *clocktesting.FakePassiveClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clocktesting.NewFakePassiveClock(time.Now())
	breakers := breaker.NewUserBreakers(config.DefaultBreakerConfig(), clk)
	traces := store.NewMemoryTraceStore(clk)
	router := &mockRouter{resp: &types.LLMResponse{
		Text: "try the first small step", Source: types.SourceCloud, Confidence: 0.8,
	}}
	frames := &mockFrames{frame: &types.Frame{
		ID: "f1", AgentID: "a1", CognitiveLoad: 0.3, Accessibility: 0.7,
		Recommended: types.ActionNone, Confidence: 1.0,
	}}
	monitor, err := safety.NewMonitor("")
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}

	return &fixture{
		loop:     New(breakers, frames, router, traces, monitor, nil),
		breakers: breakers,
		traces:   traces,
		router:   router,
		clk:      clk,
	}
}

func tracesOfType(t *testing.T, ts *store.MemoryTraceStore, userID, eventType string) []types.TraceRecord {
	t.Helper()
	recs, err := ts.RecentByType(userID, eventType, 50)
	if err != nil {
		t.Fatalf("RecentByType failed: %v", err)
	}
	return recs
}

func TestLoop_NormalInteraction(t *testing.T) {
	fx := newFixture(t)

	r := fx.loop.Process(context.Background(), Request{
		UserID: "u1", AgentID: "a1", Input: "help me start the laundry", TaskFocus: "laundry",
	})

	if r.Kind != types.ResultOK {
		t.Fatalf("Expected ok result, got %s (%s)", r.Kind, r.Err)
	}
	if !r.Success() {
		t.Error("OK result must report success")
	}
	if r.Response == nil || r.Response.Source != types.SourceCloud {
		t.Fatalf("Expected cloud response, got %+v", r.Response)
	}
	if r.Frame == nil || r.CognitiveLoad != 0.3 {
		t.Errorf("Expected frame with load 0.3, got %+v", r.Frame)
	}
	if r.ProcessingTimeMs < 0 {
		t.Error("Processing time must be populated")
	}

	recs := tracesOfType(t, fx.traces, "u1", types.TraceCognitiveInteraction)
	if len(recs) != 1 {
		t.Fatalf("Expected 1 interaction trace, got %d", len(recs))
	}
	if recs[0].Payload["response"] != "try the first small step" {
		t.Errorf("Trace payload missing response: %v", recs[0].Payload)
	}
}

func TestLoop_AnchorWhileBreakerOpen(t *testing.T) {
	fx := newFixture(t)

	for i := 0; i < 3; i++ {
		fx.breakers.Record("u1", false)
	}

	r := fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "hi"})

	if r.Kind != types.ResultAnchor {
		t.Fatalf("Expected anchor result, got %s", r.Kind)
	}
	if !r.Success() {
		t.Error("Anchor counts as a served response")
	}
	if r.Response.Source != types.SourceAnchorMode || r.Response.Confidence != 1.0 {
		t.Errorf("Anchor response malformed: %+v", r.Response)
	}
	if r.CognitiveLoad != 0.1 {
		t.Errorf("Anchor load must be 0.1, got %.2f", r.CognitiveLoad)
	}

	if got := len(tracesOfType(t, fx.traces, "u1", types.TraceAnchorResponse)); got != 1 {
		t.Errorf("Expected anchor trace, got %d", got)
	}
	// No interaction happened, so no interaction trace.
	if got := len(tracesOfType(t, fx.traces, "u1", types.TraceCognitiveInteraction)); got != 0 {
		t.Errorf("Unexpected interaction trace: %d", got)
	}
}

func TestLoop_SafetyOverride(t *testing.T) {
	fx := newFixture(t)
	fx.router.resp = &types.LLMResponse{
		Text: "canned crisis resources", Source: types.SourceHardCoded, Confidence: 1.0,
	}

	before := fx.breakers.StateCounts()

	r := fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "some troubling input"})

	if r.Kind != types.ResultSafety {
		t.Fatalf("Expected safety result, got %s", r.Kind)
	}
	if !r.Success() {
		t.Error("Safety override counts as a served response")
	}
	if got := len(tracesOfType(t, fx.traces, "u1", types.TraceSafetyOverride)); got != 1 {
		t.Errorf("Expected safety override trace, got %d", got)
	}
	// The fan-out is skipped: no interaction trace, no breaker success.
	if got := len(tracesOfType(t, fx.traces, "u1", types.TraceCognitiveInteraction)); got != 0 {
		t.Errorf("Fan-out should be skipped on override, got %d interaction traces", got)
	}
	after := fx.breakers.StateCounts()
	if len(after) != len(before) {
		// u1's breaker may have been lazily created by Check, that's fine;
		// what matters is it stayed closed.
		if after[breaker.StateClosed] == 0 {
			t.Error("Safety override must not trip the breaker")
		}
	}
}

func TestLoop_EmergencyBypassesOpenBreaker(t *testing.T) {
	fx := newFixture(t)
	fx.router.resp = &types.LLMResponse{
		Text: "crisis resources", Source: types.SourceHardCoded, Confidence: 1.0,
	}

	for i := 0; i < 3; i++ {
		fx.breakers.Record("u1", false)
	}

	// Crisis input must reach the safety path even with the breaker open.
	r := fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "I want to hurt myself"})

	if r.Kind != types.ResultSafety {
		t.Fatalf("Emergency must bypass anchor mode, got %s", r.Kind)
	}
}

func TestLoop_FailureUpdatesBreaker(t *testing.T) {
	fx := newFixture(t)
	fx.router.err = errors.New("model exploded")

	r := fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "hello?"})

	if r.Kind != types.ResultFailed {
		t.Fatalf("Expected failed result, got %s", r.Kind)
	}
	if r.Success() {
		t.Error("Failed result must not report success")
	}
	if r.Err == "" {
		t.Error("Failure must carry a human-readable error")
	}
	if got := len(tracesOfType(t, fx.traces, "u1", types.TraceProcessingError)); got != 1 {
		t.Errorf("Expected error trace, got %d", got)
	}

	// Two more failures trip the breaker (threshold 3).
	fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "hello?"})
	fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "hello?"})
	if d := fx.breakers.Check("u1"); d.Allow {
		t.Error("Three consecutive failures should open the breaker")
	}
}

func TestLoop_CancellationIsNotFailure(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := fx.loop.Process(ctx, Request{UserID: "u1", Input: "hello?"})

	if r.Kind != types.ResultCancelled {
		t.Fatalf("Expected cancelled result, got %s", r.Kind)
	}

	// Cancellation must not count against the user: repeat many times and
	// the breaker stays closed.
	for i := 0; i < 10; i++ {
		fx.loop.Process(ctx, Request{UserID: "u1", Input: "hello?"})
	}
	if d := fx.breakers.Check("u1"); !d.Allow {
		t.Error("Cancellations must not trip the breaker")
	}
}

// cancellingRouter produces a response but cancels the caller first,
// simulating a deadline that fires just as the response lands.
type cancellingRouter struct {
	cancel context.CancelFunc
	resp   *types.LLMResponse
}

func (c *cancellingRouter) Process(ctx context.Context, input string, f *types.Frame, tier types.NudgeTier) (*types.LLMResponse, error) {
	c.cancel()
	r := *c.resp
	return &r, nil
}

func TestLoop_FanOutCancelledAsAGroup(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.loop.router = &cancellingRouter{cancel: cancel, resp: &types.LLMResponse{
		Text: "too late", Source: types.SourceCloud, Confidence: 0.8,
	}}

	// Two failures on record: if the fan-out slipped a success through, the
	// count below would reset and the breaker would stay closed.
	fx.breakers.Record("u1", false)
	fx.breakers.Record("u1", false)

	r := fx.loop.Process(ctx, Request{UserID: "u1", Input: "hello?", TaskFocus: "laundry"})
	if r.Kind != types.ResultOK {
		t.Fatalf("A produced response still completes, got %s", r.Kind)
	}
	if len(r.ActionsTaken) != 0 {
		t.Errorf("Cancelled fan-out must not derive actions, got %v", r.ActionsTaken)
	}
	if got := len(tracesOfType(t, fx.traces, "u1", types.TraceCognitiveInteraction)); got != 0 {
		t.Errorf("Cancelled fan-out must skip the trace write, got %d records", got)
	}

	fx.breakers.Record("u1", false)
	if d := fx.breakers.Check("u1"); d.Allow {
		t.Error("Cancelled fan-out must not record breaker success")
	}
}

func TestLoop_SuccessResetsBreakerCount(t *testing.T) {
	fx := newFixture(t)

	fx.router.err = errors.New("down")
	fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "x"})
	fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "x"})

	fx.router.err = nil
	fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "x"})

	// Counter was reset; two more failures don't trip.
	fx.router.err = errors.New("down")
	fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "x"})
	fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "x"})
	if d := fx.breakers.Check("u1"); !d.Allow {
		t.Error("Success should have reset the failure count")
	}
}

func TestLoop_FanOutSurvivesTraceFailure(t *testing.T) {
	fx := newFixture(t)
	fx.loop.traces = &failingTraceStore{fx.traces}

	r := fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "hello?"})

	if r.Kind != types.ResultOK {
		t.Fatalf("Trace failure must not fail the interaction, got %s", r.Kind)
	}
	found := false
	for _, a := range r.ActionsTaken {
		if a == "trace_write_failed" {
			found = true
		}
	}
	if !found {
		t.Errorf("Partial failure must surface in actions_taken, got %v", r.ActionsTaken)
	}

	// Breaker success was still recorded.
	fx.loop.traces = fx.traces
	if d := fx.breakers.Check("u1"); !d.Allow {
		t.Error("Breaker update must proceed despite sibling failure")
	}
}

func TestLoop_ActionsFromRecommendation(t *testing.T) {
	fx := newFixture(t)
	fx.loop.frames = &mockFrames{frame: &types.Frame{
		ID: "f1", CognitiveLoad: 0.9, Accessibility: 0.2,
		Recommended: types.ActionSimplifyContext, Confidence: 1.0,
		Actions: []string{"pattern:recurring_task:laundry"},
	}}

	r := fx.loop.Process(context.Background(), Request{UserID: "u1", Input: "so much going on"})

	want := map[string]bool{"simplify_context_hint": false, "pattern:recurring_task:laundry": false}
	for _, a := range r.ActionsTaken {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for a, seen := range want {
		if !seen {
			t.Errorf("Expected action %q in %v", a, r.ActionsTaken)
		}
	}
}

func TestLoop_InitiateProactive(t *testing.T) {
	fx := newFixture(t)

	r := fx.loop.InitiateProactive(context.Background(), "u1", "water-plants", "")

	if r.Kind != types.ResultOK {
		t.Fatalf("Expected ok result, got %s (%s)", r.Kind, r.Err)
	}
	if fx.router.lastTier != types.TierGentle {
		t.Errorf("Proactive nudges must be gentle, got %s", fx.router.lastTier)
	}
	if got := len(tracesOfType(t, fx.traces, "u1", types.TraceProactiveNudge)); got != 1 {
		t.Errorf("Expected proactive nudge trace, got %d", got)
	}
	// Same pipeline: the interaction trace is written too.
	if got := len(tracesOfType(t, fx.traces, "u1", types.TraceCognitiveInteraction)); got != 1 {
		t.Errorf("Expected interaction trace from proactive run, got %d", got)
	}
}

func TestLoop_ProactiveRespectsOpenBreaker(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 3; i++ {
		fx.breakers.Record("u1", false)
	}

	r := fx.loop.InitiateProactive(context.Background(), "u1", "water-plants", "")
	if r.Kind != types.ResultAnchor {
		t.Fatalf("Proactive entry must honor the breaker, got %s", r.Kind)
	}
}

func TestLoop_RejectsEmptyRequest(t *testing.T) {
	fx := newFixture(t)

	if r := fx.loop.Process(context.Background(), Request{UserID: "u1"}); r.Kind != types.ResultFailed {
		t.Errorf("Empty input must fail, got %s", r.Kind)
	}
	if r := fx.loop.Process(context.Background(), Request{Input: "hi"}); r.Kind != types.ResultFailed {
		t.Errorf("Empty user must fail, got %s", r.Kind)
	}
}
