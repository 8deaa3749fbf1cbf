package frame

import (
	"context"
	"time"

	"mindloop/internal/store"
	"mindloop/internal/types"
)

// Source supplies typed context items for one frame build. Sources must be
// safe for concurrent Collect calls; the builder gives each call its own
// deadline and proceeds without a source that fails or times out.
type Source interface {
	Kind() types.ContextKind
	Collect(ctx context.Context, userID string) ([]types.ContextItem, error)
}

// TraceSource derives memory_trace context items from the user's recent
// traces. It is the source of truth for context and is always registered.
type TraceSource struct {
	traces store.TraceStore
	limit  int
}

// NewTraceSource creates the trace-backed context source.
func NewTraceSource(traces store.TraceStore, limit int) *TraceSource {
	if limit <= 0 {
		limit = 20
	}
	return &TraceSource{traces: traces, limit: limit}
}

// Kind implements Source.
func (s *TraceSource) Kind() types.ContextKind { return types.KindMemoryTrace }

// Collect implements Source. Items come back in the store's newest-first
// order so identical trace history yields identical items.
func (s *TraceSource) Collect(ctx context.Context, userID string) ([]types.ContextItem, error) {
	recs, err := s.traces.Recent(userID, s.limit)
	if err != nil {
		return nil, err
	}

	items := make([]types.ContextItem, 0, len(recs))
	for _, r := range recs {
		items = append(items, types.ContextItem{
			Kind:      types.KindMemoryTrace,
			Timestamp: r.Timestamp,
			Payload: map[string]interface{}{
				"trace_id":   r.ID,
				"event_type": r.EventType,
				"task_id":    r.TaskID,
			},
			Source:     "trace_store",
			Confidence: r.Confidence,
		})
	}
	return items, nil
}

// FuncSource adapts a collect function into a Source. Used for the optional
// calendar and environment feeds, whose wiring lives in the composition root.
type FuncSource struct {
	kind    types.ContextKind
	collect func(ctx context.Context, userID string) ([]types.ContextItem, error)
}

// NewFuncSource wraps a collect function as a Source.
func NewFuncSource(kind types.ContextKind, collect func(context.Context, string) ([]types.ContextItem, error)) *FuncSource {
	return &FuncSource{kind: kind, collect: collect}
}

// Kind implements Source.
func (s *FuncSource) Kind() types.ContextKind { return s.kind }

// Collect implements Source.
func (s *FuncSource) Collect(ctx context.Context, userID string) ([]types.ContextItem, error) {
	return s.collect(ctx, userID)
}

// StaticSource returns fixed items, mostly for tests and local development.
type StaticSource struct {
	ItemKind types.ContextKind
	Items    []types.ContextItem
	Err      error
	Delay    time.Duration
}

// Kind implements Source.
func (s *StaticSource) Kind() types.ContextKind { return s.ItemKind }

// Collect implements Source.
func (s *StaticSource) Collect(ctx context.Context, userID string) ([]types.ContextItem, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Items, nil
}
