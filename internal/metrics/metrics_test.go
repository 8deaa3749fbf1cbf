package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSet_RecordsCounters(t *testing.T) {
	s := New()

	s.ObserveRequest("ok", 0.1)
	s.ObserveRequest("ok", 0.2)
	s.ObserveRequest("anchor", 0.001)
	s.RateLimitDenial("burst")
	s.WebhookEvent("duplicate")
	s.Nudge("fired")

	if got := testutil.ToFloat64(s.requests.WithLabelValues("ok")); got != 2 {
		t.Errorf("requests{outcome=ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.requests.WithLabelValues("anchor")); got != 1 {
		t.Errorf("requests{outcome=anchor} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.ratelimitDenials.WithLabelValues("burst")); got != 1 {
		t.Errorf("denials{window=burst} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.webhookEvents.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("webhook{result=duplicate} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.nudges.WithLabelValues("fired")); got != 1 {
		t.Errorf("nudges{status=fired} = %v, want 1", got)
	}
}

func TestSet_BreakerGauges(t *testing.T) {
	s := New()

	s.SetBreakerStates(map[string]int{"closed": 5, "open": 2})

	if got := testutil.ToFloat64(s.breakerStates.WithLabelValues("closed")); got != 5 {
		t.Errorf("breaker_state{closed} = %v, want 5", got)
	}
	if got := testutil.ToFloat64(s.breakerStates.WithLabelValues("open")); got != 2 {
		t.Errorf("breaker_state{open} = %v, want 2", got)
	}
	// Absent states are reset to zero, not left stale.
	if got := testutil.ToFloat64(s.breakerStates.WithLabelValues("half-open")); got != 0 {
		t.Errorf("breaker_state{half-open} = %v, want 0", got)
	}
}

func TestSet_NilSafe(t *testing.T) {
	var s *Set
	s.ObserveRequest("ok", 0.1)
	s.SetBreakerStates(nil)
	s.RateLimitDenial("burst")
	s.WebhookEvent("accepted")
	s.ObserveLLM("cloud", 1.0)
	s.Nudge("scheduled")
}

func TestSet_ExposesExpectedFamilies(t *testing.T) {
	s := New()
	s.ObserveRequest("ok", 0.1)
	s.ObserveLLM("cloud", 0.5)

	fams, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range fams {
		names[f.GetName()] = true
	}
	for _, want := range []string{"mindloop_requests_total", "mindloop_processing_seconds", "mindloop_llm_latency_seconds"} {
		if !names[want] {
			t.Errorf("Missing metric family %s (got %v)", want, strings.Join(keys(names), ", "))
		}
	}
}

func keys(m map[string]bool) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
