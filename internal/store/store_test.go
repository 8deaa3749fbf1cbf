package store

import (
	"path/filepath"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"mindloop/internal/types"
)

func tempStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mindloop.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AppendAndRecent(t *testing.T) {
	s := tempStore(t)

	for i := 0; i < 3; i++ {
		rec := &types.TraceRecord{
			UserID:    "u1",
			EventType: types.TraceCognitiveInteraction,
			Payload:   map[string]interface{}{"seq": i},
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("Append must assign an ID")
		}
	}
	s.Append(&types.TraceRecord{UserID: "u2", EventType: types.TraceAnchorResponse})

	recs, err := s.Recent("u1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Expected 3 traces for u1, got %d", len(recs))
	}
	// Newest first.
	if !recs[0].Timestamp.After(recs[2].Timestamp) {
		t.Error("Expected newest-first ordering")
	}
	if recs[0].Payload["seq"] != float64(2) {
		t.Errorf("Payload did not round-trip: %v", recs[0].Payload)
	}
}

func TestSQLiteStore_RecentByType(t *testing.T) {
	s := tempStore(t)

	s.Append(&types.TraceRecord{UserID: "u1", EventType: types.TraceCognitiveInteraction})
	s.Append(&types.TraceRecord{UserID: "u1", EventType: types.TraceSafetyOverride})
	s.Append(&types.TraceRecord{UserID: "u1", EventType: types.TraceSafetyOverride})

	recs, err := s.RecentByType("u1", types.TraceSafetyOverride, 10)
	if err != nil {
		t.Fatalf("RecentByType failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 safety traces, got %d", len(recs))
	}
}

func TestSQLiteStore_Get(t *testing.T) {
	s := tempStore(t)

	rec := &types.TraceRecord{UserID: "u1", EventType: types.TraceProcessingError, Confidence: 0.5}
	if err := s.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EventType != types.TraceProcessingError || got.Confidence != 0.5 {
		t.Errorf("Round-trip mismatch: %+v", got)
	}

	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_Prune(t *testing.T) {
	s := tempStore(t)

	old := &types.TraceRecord{UserID: "u1", EventType: types.TraceCognitiveInteraction,
		Timestamp: time.Now().AddDate(0, 0, -60)}
	fresh := &types.TraceRecord{UserID: "u1", EventType: types.TraceCognitiveInteraction}
	s.Append(old)
	s.Append(fresh)

	deleted, err := s.Prune(30)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Expected 1 pruned trace, got %d", deleted)
	}

	if _, err := s.Get(old.ID); err != ErrNotFound {
		t.Error("Old trace should be gone")
	}
	if _, err := s.Get(fresh.ID); err != nil {
		t.Errorf("Fresh trace should survive: %v", err)
	}

	if _, err := s.Prune(0); err == nil {
		t.Error("Prune(0) must be rejected")
	}
}

func TestSQLiteStore_WebhookEvents(t *testing.T) {
	s := tempStore(t)

	ev := &types.WebhookEvent{
		DeliveryID: "d-1",
		EventType:  "calendar.updated",
		Payload:    []byte(`{"event":"standup"}`),
	}
	if err := s.SaveEvent(ev); err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}

	seen, err := s.HasDelivery("d-1")
	if err != nil || !seen {
		t.Fatalf("Expected delivery d-1 recorded, seen=%v err=%v", seen, err)
	}
	if seen, _ := s.HasDelivery("d-2"); seen {
		t.Error("Unknown delivery reported as seen")
	}

	// Re-saving the same delivery updates processing fields, not row count.
	ev.Processed = true
	ev.DurationMs = 40
	ev.ActionsFired = 2
	if err := s.SaveEvent(ev); err != nil {
		t.Fatalf("SaveEvent update failed: %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Expected 1 event total, got %d", stats.Total)
	}
	if stats.Processed != 1 {
		t.Errorf("Expected 1 processed event, got %d", stats.Processed)
	}
	if stats.AvgDurationMs != 40 {
		t.Errorf("Expected avg duration 40ms, got %.1f", stats.AvgDurationMs)
	}
	if stats.ByEventType["calendar.updated"] != 1 {
		t.Errorf("Expected event type count, got %v", stats.ByEventType)
	}
}

func TestMemoryTraceStore(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	m := NewMemoryTraceStore(clk)

	rec := &types.TraceRecord{UserID: "u1", EventType: types.TraceAnchorResponse}
	if err := m.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := m.Get(rec.ID)
	if err != nil || got.EventType != types.TraceAnchorResponse {
		t.Fatalf("Get failed: %v %+v", err, got)
	}

	recs, _ := m.Recent("u1", 10)
	if len(recs) != 1 {
		t.Fatalf("Expected 1 trace, got %d", len(recs))
	}

	clk.SetTime(clk.Now().AddDate(0, 0, 40))
	deleted, _ := m.Prune(30)
	if deleted != 1 || m.Len() != 0 {
		t.Errorf("Prune left %d records (deleted=%d)", m.Len(), deleted)
	}
}

func TestFrameCache_TTLExpiry(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	c := NewFrameCache(time.Hour, clk)

	f := &types.Frame{ID: "f1", UserID: "u1"}
	c.Put("u1|agent|task", f)

	if got := c.Get("u1|agent|task"); got != f {
		t.Fatal("Expected cache hit inside TTL")
	}

	clk.SetTime(clk.Now().Add(2 * time.Hour))
	if got := c.Get("u1|agent|task"); got != nil {
		t.Fatal("Expected expiry after TTL")
	}
}

func TestFrameCache_Invalidate(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	c := NewFrameCache(time.Hour, clk)

	c.Put("k", &types.Frame{ID: "f1"})
	c.Invalidate("k")
	if c.Get("k") != nil {
		t.Fatal("Expected miss after invalidate")
	}
}

func TestDedupCache_WindowedDedup(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	d := NewDedupCache(10*time.Minute, clk)

	if d.Seen("d-1") {
		t.Fatal("First sight must not report duplicate")
	}
	if !d.Seen("d-1") {
		t.Fatal("Second sight inside window must report duplicate")
	}

	// Outside the window the ID is forgotten.
	clk.SetTime(clk.Now().Add(11 * time.Minute))
	if d.Seen("d-1") {
		t.Fatal("Expired delivery ID must not report duplicate")
	}
}
