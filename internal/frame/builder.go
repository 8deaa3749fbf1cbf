// Package frame builds the structured context bundle that accompanies every
// LLM invocation. A frame is assembled from registered context sources (the
// trace store always, calendar/environment feeds optionally), scored for
// cognitive load and accessibility, and cached briefly per
// (user, agent, task focus).
package frame

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mindloop/internal/clock"
	"mindloop/internal/config"
	"mindloop/internal/logging"
	"mindloop/internal/store"
	"mindloop/internal/types"
)

// Request identifies one frame build.
type Request struct {
	UserID          string
	AgentID         string
	TaskFocus       string
	IncludePatterns bool // derive recurring-task hints from the trace items
}

func (r Request) cacheKey() string {
	key := r.UserID + "|" + r.AgentID + "|" + r.TaskFocus
	if r.IncludePatterns {
		key += "|p"
	}
	return key
}

// Builder assembles frames. Concurrent builds for the same cache key are
// collapsed to one via singleflight; frames are immutable after return so
// the collapsed result is shared safely.
type Builder struct {
	cfg     config.FrameConfig
	clk     clock.PassiveClock
	sources []Source
	cache   *store.FrameCache
	group   singleflight.Group
}

// NewBuilder creates a frame builder over the given sources. The first
// source is conventionally the trace source; order determines item order in
// the built frame.
func NewBuilder(cfg config.FrameConfig, clk clock.PassiveClock, sources ...Source) *Builder {
	return &Builder{
		cfg:     cfg,
		clk:     clk,
		sources: sources,
		cache:   store.NewFrameCache(cfg.CacheTTLDuration(), clk),
	}
}

// Build returns a frame for the request, serving from cache when a recent
// build for the same (user, agent, task focus) is still valid.
func (b *Builder) Build(ctx context.Context, req Request) (*types.Frame, error) {
	timer := logging.StartTimer(logging.CategoryFrame, "Build")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	if req.UserID == "" {
		return nil, fmt.Errorf("frame: user id required")
	}

	key := req.cacheKey()
	if cached := b.cache.Get(key); cached != nil {
		logging.FrameDebug("Frame cache hit for %s", key)
		return cached, nil
	}

	v, err, shared := b.group.Do(key, func() (interface{}, error) {
		f, err := b.build(ctx, req)
		if err != nil {
			return nil, err
		}
		b.cache.Put(key, f)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.FrameDebug("Frame build for %s shared with concurrent caller", key)
	}
	return v.(*types.Frame), nil
}

// Invalidate drops any cached frame for the request. Called when new context
// arrives (e.g. a webhook) that should be visible to the next build.
func (b *Builder) Invalidate(req Request) {
	b.cache.Invalidate(req.cacheKey())
}

type sourceResult struct {
	items []types.ContextItem
	err   error
}

func (b *Builder) build(ctx context.Context, req Request) (*types.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.BuildTimeoutDuration())
	defer cancel()

	// Collect all sources in parallel, each under its own deadline, then
	// append results in registration order so frames are deterministic.
	results := make([]sourceResult, len(b.sources))
	var wg sync.WaitGroup
	for i, src := range b.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			sctx, scancel := context.WithTimeout(ctx, b.cfg.SourceTimeoutDuration())
			defer scancel()
			items, err := src.Collect(sctx, req.UserID)
			results[i] = sourceResult{items: items, err: err}
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil && err != context.DeadlineExceeded {
		return nil, err
	}

	confidence := 1.0
	var items []types.ContextItem
	for i, res := range results {
		if res.err != nil {
			logging.Frame("Source %s unavailable, degrading frame: %v", b.sources[i].Kind(), res.err)
			// Each missing source costs confidence but never fails the build.
			confidence -= 0.15
			continue
		}
		items = append(items, res.items...)
	}
	if confidence < 0.3 {
		confidence = 0.3
	}

	sc := newScorer(b.cfg)
	load := 0.0
	accessibility := 1.0
	action := types.ActionNone
	if len(items) > 0 {
		load = sc.load(items)
		accessibility = sc.accessibility(load, req.TaskFocus)
		action = sc.recommend(load, accessibility)
	}

	f := &types.Frame{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		AgentID:       req.AgentID,
		TaskFocus:     req.TaskFocus,
		CreatedAt:     b.clk.Now(),
		Items:         items,
		CognitiveLoad: load,
		Accessibility: accessibility,
		Recommended:   action,
		Confidence:    confidence,
	}
	if req.IncludePatterns {
		f.Actions = patternHints(items)
	}

	logging.FrameDebug("Built frame %s: items=%d load=%.2f access=%.2f action=%s conf=%.2f",
		f.ID, len(items), load, accessibility, action, confidence)
	return f, nil
}

// patternHints surfaces tasks that recur across the memory trace. Hints are
// emitted in first-occurrence order so identical histories produce identical
// frames.
func patternHints(items []types.ContextItem) []string {
	counts := make(map[string]int)
	var order []string
	for _, it := range items {
		if it.Kind != types.KindMemoryTrace {
			continue
		}
		taskID, _ := it.Payload["task_id"].(string)
		if taskID == "" {
			continue
		}
		if counts[taskID] == 0 {
			order = append(order, taskID)
		}
		counts[taskID]++
	}

	var hints []string
	for _, taskID := range order {
		if counts[taskID] >= 2 {
			hints = append(hints, "pattern:recurring_task:"+taskID)
		}
	}
	return hints
}

// Describe renders a frame as a compact prompt fragment for the cloud tier.
func Describe(f *types.Frame) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cognitive_load=%.2f accessibility=%.2f", f.CognitiveLoad, f.Accessibility)
	if f.TaskFocus != "" {
		fmt.Fprintf(&sb, " task=%s", f.TaskFocus)
	}
	if f.Recommended != types.ActionNone {
		fmt.Fprintf(&sb, " hint=%s", f.Recommended)
	}
	fmt.Fprintf(&sb, " context_items=%d", len(f.Items))
	return sb.String()
}
