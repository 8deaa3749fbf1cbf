package frame

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	clocktesting "k8s.io/utils/clock/testing"

	"mindloop/internal/config"
	"mindloop/internal/store"
	"mindloop/internal/types"
)

func seedTraces(t *testing.T, clk *clocktesting.FakePassiveClock, n int, taskID string) *store.MemoryTraceStore {
	t.Helper()
	ts := store.NewMemoryTraceStore(clk)
	for i := 0; i < n; i++ {
		err := ts.Append(&types.TraceRecord{
			UserID:     "u1",
			EventType:  types.TraceCognitiveInteraction,
			TaskID:     taskID,
			Confidence: 0.9,
			Timestamp:  clk.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return ts
}

func TestBuilder_TraceItems(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	ts := seedTraces(t, clk, 3, "tidy-desk")
	b := NewBuilder(config.DefaultFrameConfig(), clk, NewTraceSource(ts, 20))

	f, err := b.Build(context.Background(), Request{UserID: "u1", AgentID: "a1", TaskFocus: "tidy-desk"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(f.Items) != 3 {
		t.Fatalf("Expected 3 memory trace items, got %d", len(f.Items))
	}
	for _, it := range f.Items {
		if it.Kind != types.KindMemoryTrace {
			t.Errorf("Expected memory_trace items, got %s", it.Kind)
		}
	}
	if f.Confidence != 1.0 {
		t.Errorf("Expected full confidence with all sources healthy, got %.2f", f.Confidence)
	}
	// 3 items * 0.05 weight
	if f.CognitiveLoad < 0.14 || f.CognitiveLoad > 0.16 {
		t.Errorf("Expected load near 0.15, got %.2f", f.CognitiveLoad)
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	ts := seedTraces(t, clk, 5, "tidy-desk")

	req := Request{UserID: "u1", AgentID: "a1", TaskFocus: "tidy-desk", IncludePatterns: true}

	b1 := NewBuilder(config.DefaultFrameConfig(), clk, NewTraceSource(ts, 20))
	b2 := NewBuilder(config.DefaultFrameConfig(), clk, NewTraceSource(ts, 20))

	f1, err := b1.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	f2, err := b2.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if diff := cmp.Diff(f1.Items, f2.Items); diff != "" {
		t.Errorf("Items differ between identical builds (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(f1.Actions, f2.Actions); diff != "" {
		t.Errorf("Actions differ between identical builds:\n%s", diff)
	}
	if f1.CognitiveLoad != f2.CognitiveLoad || f1.Accessibility != f2.Accessibility {
		t.Error("Scores differ between identical builds")
	}
}

func TestBuilder_CacheHit(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	ts := seedTraces(t, clk, 2, "")
	b := NewBuilder(config.DefaultFrameConfig(), clk, NewTraceSource(ts, 20))

	req := Request{UserID: "u1", AgentID: "a1"}
	f1, _ := b.Build(context.Background(), req)
	f2, _ := b.Build(context.Background(), req)
	if f1 != f2 {
		t.Fatal("Expected cached frame inside TTL")
	}

	// TTL expiry forces a rebuild.
	clk.SetTime(clk.Now().Add(2 * time.Hour))
	f3, _ := b.Build(context.Background(), req)
	if f3 == f1 {
		t.Fatal("Expected fresh frame after cache TTL")
	}
}

func TestBuilder_DegradedOnSourceFailure(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	ts := seedTraces(t, clk, 2, "")
	broken := &StaticSource{ItemKind: types.KindCalendarEvent, Err: errors.New("calendar down")}

	b := NewBuilder(config.DefaultFrameConfig(), clk, NewTraceSource(ts, 20), broken)

	f, err := b.Build(context.Background(), Request{UserID: "u1", AgentID: "a1"})
	if err != nil {
		t.Fatalf("Build must proceed without optional source, got %v", err)
	}
	if f.Confidence >= 1.0 {
		t.Errorf("Expected lowered confidence after source failure, got %.2f", f.Confidence)
	}
	if len(f.Items) != 2 {
		t.Errorf("Expected surviving source items, got %d", len(f.Items))
	}
}

func TestBuilder_SlowSourceTimesOut(t *testing.T) {
	cfg := config.DefaultFrameConfig()
	cfg.SourceTimeout = "50ms"
	cfg.BuildTimeout = "1s"

	clk := clocktesting.NewFakePassiveClock(time.Now())
	ts := seedTraces(t, clk, 1, "")
	slow := &StaticSource{
		ItemKind: types.KindEnvironment,
		Items:    []types.ContextItem{{Kind: types.KindEnvironment}},
		Delay:    500 * time.Millisecond,
	}

	b := NewBuilder(cfg, clk, NewTraceSource(ts, 20), slow)

	f, err := b.Build(context.Background(), Request{UserID: "u1", AgentID: "a1"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(f.Items) != 1 {
		t.Errorf("Slow source should be dropped, got %d items", len(f.Items))
	}
	if f.Confidence >= 1.0 {
		t.Errorf("Timed-out source should lower confidence, got %.2f", f.Confidence)
	}
}

func TestBuilder_ZeroItems(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	ts := store.NewMemoryTraceStore(clk)
	b := NewBuilder(config.DefaultFrameConfig(), clk, NewTraceSource(ts, 20))

	f, err := b.Build(context.Background(), Request{UserID: "u1", AgentID: "a1"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if f.CognitiveLoad != 0 || f.Accessibility != 1.0 || f.Recommended != types.ActionNone {
		t.Errorf("Empty frame must score load=0 access=1 action=none, got %.2f/%.2f/%s",
			f.CognitiveLoad, f.Accessibility, f.Recommended)
	}
}

func TestBuilder_RequiresUserID(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	b := NewBuilder(config.DefaultFrameConfig(), clk)
	if _, err := b.Build(context.Background(), Request{AgentID: "a1"}); err == nil {
		t.Fatal("Expected error for missing user id")
	}
}

func TestScorer_Monotone(t *testing.T) {
	sc := newScorer(config.DefaultFrameConfig())

	var items []types.ContextItem
	prev := 0.0
	for i := 0; i < 30; i++ {
		items = append(items, types.ContextItem{Kind: types.KindTask})
		load := sc.load(items)
		if load < prev {
			t.Fatalf("Load decreased when adding item %d: %.2f -> %.2f", i, prev, load)
		}
		if load > 1.0 {
			t.Fatalf("Load exceeded 1.0: %.2f", load)
		}
		prev = load
	}
	if prev != 1.0 {
		t.Errorf("Expected load clipped at 1.0, got %.2f", prev)
	}
}

func TestScorer_Recommendations(t *testing.T) {
	sc := newScorer(config.DefaultFrameConfig())

	tests := []struct {
		name      string
		load      float64
		taskFocus string
		want      types.RecommendedAction
	}{
		{"low load with focus", 0.2, "tidy-desk", types.ActionNone},
		{"high load", 0.8, "tidy-desk", types.ActionSimplifyContext},
		{"moderate load without focus", 0.55, "", types.ActionClarifyFocus},
		{"low load without focus", 0.1, "", types.ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access := sc.accessibility(tt.load, tt.taskFocus)
			if got := sc.recommend(tt.load, access); got != tt.want {
				t.Errorf("load=%.2f focus=%q: got %s, want %s", tt.load, tt.taskFocus, got, tt.want)
			}
		})
	}
}

func TestScorer_AccessibilityNegativelyCorrelated(t *testing.T) {
	sc := newScorer(config.DefaultFrameConfig())

	prev := sc.accessibility(0, "t")
	for load := 0.1; load <= 1.0; load += 0.1 {
		a := sc.accessibility(load, "t")
		if a >= prev {
			t.Fatalf("Accessibility did not decrease with load %.1f: %.2f -> %.2f", load, prev, a)
		}
		prev = a
	}
}

func TestPatternHints_RecurringTasks(t *testing.T) {
	items := []types.ContextItem{
		{Kind: types.KindMemoryTrace, Payload: map[string]interface{}{"task_id": "laundry"}},
		{Kind: types.KindMemoryTrace, Payload: map[string]interface{}{"task_id": "dishes"}},
		{Kind: types.KindMemoryTrace, Payload: map[string]interface{}{"task_id": "laundry"}},
		{Kind: types.KindTask, Payload: map[string]interface{}{"task_id": "ignored"}},
	}

	hints := patternHints(items)
	if len(hints) != 1 || hints[0] != "pattern:recurring_task:laundry" {
		t.Fatalf("Expected single recurring-task hint, got %v", hints)
	}
}
