// Package types provides shared type definitions used across mindloop packages.
// This package exists to break import cycles between the loop, frame builder,
// router, and stores. Types in this package should be foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// RESPONSE SOURCES
// =============================================================================

// ResponseSource identifies which tier produced an LLMResponse.
type ResponseSource string

const (
	// SourcePatternMatch - O(1) lookup against the canned intent table.
	SourcePatternMatch ResponseSource = "pattern_match"
	// SourceLocalCached - served from the local response cache.
	SourceLocalCached ResponseSource = "local_cached"
	// SourceCloud - produced by the cloud model.
	SourceCloud ResponseSource = "cloud"
	// SourceHardCoded - deterministic safety override, used verbatim.
	SourceHardCoded ResponseSource = "hard_coded"
	// SourceAnchorMode - minimal response while the user's breaker is open.
	SourceAnchorMode ResponseSource = "anchor_mode"
)

// =============================================================================
// CONTEXT MODEL
// =============================================================================

// ContextKind classifies a ContextItem.
type ContextKind string

const (
	KindMemoryTrace   ContextKind = "memory_trace"
	KindCalendarEvent ContextKind = "calendar_event"
	KindUserState     ContextKind = "user_state"
	KindEnvironment   ContextKind = "environment"
	KindTask          ContextKind = "task"
	KindAchievement   ContextKind = "achievement"
)

// ContextItem is a single typed piece of context within a Frame.
// Insertion order inside a frame is preserved for auditability; there is no
// ordering guarantee between sources.
type ContextItem struct {
	Kind       ContextKind            `json:"kind"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Confidence float64                `json:"confidence"` // [0,1]
}

// RecommendedAction is the classifier output over a frame's derived scores.
type RecommendedAction string

const (
	ActionNone            RecommendedAction = "none"
	ActionSimplifyContext RecommendedAction = "simplify_context"
	ActionClarifyFocus    RecommendedAction = "clarify_focus"
)

// Frame is the structured context bundle that accompanies one LLM invocation.
// A frame is created by the frame builder, consumed once by one cognitive loop
// invocation, optionally cached with a short TTL, and never mutated after
// first read. CognitiveLoad and Accessibility are pure functions of the
// Items at derivation time.
type Frame struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	AgentID       string            `json:"agent_id"`
	TaskFocus     string            `json:"task_focus,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Items         []ContextItem     `json:"items"`
	Actions       []string          `json:"actions,omitempty"`
	CognitiveLoad float64           `json:"cognitive_load"` // [0,1]
	Accessibility float64           `json:"accessibility"`  // [0,1]
	Recommended   RecommendedAction `json:"recommended_action"`
	Confidence    float64           `json:"confidence"` // lowered when sources were unavailable
}

// =============================================================================
// LLM RESPONSES
// =============================================================================

// LLMResponse is the produced text plus provenance. Immutable after production.
type LLMResponse struct {
	Text       string         `json:"text"`
	Source     ResponseSource `json:"source"`
	Confidence float64        `json:"confidence"` // [0,1]
	Model      string         `json:"model,omitempty"`
	LatencyMs  int64          `json:"latency_ms"`
}

// NudgeTier is a categorical intensity hint influencing tone, not routing.
type NudgeTier string

const (
	TierGentle    NudgeTier = "gentle"
	TierSarcastic NudgeTier = "sarcastic"
	TierSergeant  NudgeTier = "sergeant"
)

// =============================================================================
// TRACES
// =============================================================================

// TraceRecord is an append-only audit entry. Writes are never overwritten;
// retention deletes only whole records past a threshold.
type TraceRecord struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	EventType  string                 `json:"event_type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Source     string                 `json:"source,omitempty"`
	Confidence float64                `json:"confidence"`
}

// Well-known trace event types written by the cognitive loop.
const (
	TraceCognitiveInteraction = "cognitive_interaction"
	TraceSafetyOverride       = "safety_override"
	TraceAnchorResponse       = "anchor_response"
	TraceProcessingError      = "processing_error"
	TraceProactiveNudge       = "proactive_nudge"
)

// =============================================================================
// WEBHOOK EVENTS
// =============================================================================

// WebhookEvent is a normalized inbound event. DeliveryID is unique per event;
// duplicates inside the dedup window are not reprocessed.
type WebhookEvent struct {
	DeliveryID   string            `json:"delivery_id"`
	EventType    string            `json:"event_type"`
	Action       string            `json:"action,omitempty"`
	Source       string            `json:"source,omitempty"`
	Payload      []byte            `json:"payload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ReceivedAt   time.Time         `json:"received_at"`
	Processed    bool              `json:"processed"`
	DurationMs   int64             `json:"duration_ms"`
	ActionsFired int               `json:"actions_fired"`
}

// =============================================================================
// LOOP RESULTS
// =============================================================================

// ResultKind discriminates the loop's result variants. Each variant carries
// exactly the fields its interpretation needs; callers switch on Kind instead
// of inspecting a duck-typed success flag.
type ResultKind string

const (
	// ResultOK - a normal response, possibly with degraded confidence.
	ResultOK ResultKind = "ok"
	// ResultAnchor - the user's breaker was open; anchor response returned.
	ResultAnchor ResultKind = "anchor"
	// ResultSafety - a safety override fired; response used verbatim.
	ResultSafety ResultKind = "safety"
	// ResultCancelled - the caller's deadline fired; no breaker increment.
	ResultCancelled ResultKind = "cancelled"
	// ResultFailed - a fatal internal error; breaker incremented.
	ResultFailed ResultKind = "failed"
)

// Result is the outcome of one cognitive loop invocation.
type Result struct {
	Kind             ResultKind   `json:"kind"`
	Response         *LLMResponse `json:"response,omitempty"`
	Frame            *Frame       `json:"frame,omitempty"`
	CognitiveLoad    float64      `json:"cognitive_load"`
	ActionsTaken     []string     `json:"actions_taken,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Err              string       `json:"error,omitempty"`
}

// Success reports whether the result represents a served response.
// Anchor and safety results count as success: the user received an answer.
func (r *Result) Success() bool {
	switch r.Kind {
	case ResultOK, ResultAnchor, ResultSafety:
		return true
	default:
		return false
	}
}

func (r *Result) String() string {
	src := ResponseSource("")
	if r.Response != nil {
		src = r.Response.Source
	}
	return fmt.Sprintf("result{kind=%s source=%s load=%.2f actions=%d took=%dms}",
		r.Kind, src, r.CognitiveLoad, len(r.ActionsTaken), r.ProcessingTimeMs)
}
