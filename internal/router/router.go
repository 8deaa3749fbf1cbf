// Package router implements the tiered LLM router. Tiers are tried in
// order: canned pattern match, local response cache, cloud model. The
// safety monitor is consulted before any tier; an override skips them all.
// Cloud failure never surfaces to the caller as an error: the router
// degrades to a local fallback with lowered confidence.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mindloop/internal/breaker"
	"mindloop/internal/clock"
	"mindloop/internal/config"
	"mindloop/internal/frame"
	"mindloop/internal/logging"
	"mindloop/internal/metrics"
	"mindloop/internal/ratelimit"
	"mindloop/internal/safety"
	"mindloop/internal/types"
)

const fallbackText = "I can't help with that right now. Give me another try in a minute?"

// Router selects the cheapest tier able to answer. Lowest tier wins; within
// the pattern tier, first match wins in configuration order.
type Router struct {
	cfg     config.LLMConfig
	monitor *safety.Monitor
	cloud   CloudClient             // nil disables the cloud tier
	limiter *ratelimit.Limiter      // nil disables admission control
	infra   *breaker.ServiceBreaker // nil disables fail-fast on the cloud dependency
	metrics *metrics.Set            // may be nil
	cache   *responseCache
}

// New creates a router. cloud, limiter, infra, and m may be nil for offline
// operation.
func New(cfg config.LLMConfig, monitor *safety.Monitor, cloud CloudClient, limiter *ratelimit.Limiter, infra *breaker.ServiceBreaker, m *metrics.Set, clk clock.PassiveClock) *Router {
	return &Router{
		cfg:     cfg,
		monitor: monitor,
		cloud:   cloud,
		limiter: limiter,
		infra:   infra,
		metrics: m,
		cache:   newResponseCache(cfg.CacheTTLDuration(), cfg.CacheSize, clk),
	}
}

// Process routes one input to a response. The returned response always has a
// populated Source; the only error cases are caller cancellation.
func (r *Router) Process(ctx context.Context, input string, f *types.Frame, tier types.NudgeTier) (*types.LLMResponse, error) {
	start := time.Now()

	// Safety first, always. Overrides skip every tier and are not
	// cancellable once produced.
	if v := r.monitor.Evaluate(input, f); v.Override {
		resp := *v.Response
		resp.LatencyMs = time.Since(start).Milliseconds()
		return &resp, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Tier 1: canned intents, configuration order.
	lowered := strings.ToLower(input)
	for _, p := range r.cfg.Patterns {
		if strings.Contains(lowered, strings.ToLower(p.Match)) {
			logging.RouterDebug("Pattern match: %q", p.Match)
			confidence := p.Confidence
			if confidence == 0 {
				confidence = 0.9
			}
			return &types.LLMResponse{
				Text:       p.Response,
				Source:     types.SourcePatternMatch,
				Confidence: confidence,
				LatencyMs:  time.Since(start).Milliseconds(),
			}, nil
		}
	}

	// Tier 2: recent identical-or-near prompt.
	if resp, ok := r.cache.get(input); ok {
		logging.RouterDebug("Cache hit for prompt")
		resp.LatencyMs = time.Since(start).Milliseconds()
		return &resp, nil
	}

	// Tier 3: cloud.
	resp, err := r.callCloud(ctx, input, f, tier)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Router("Cloud tier failed, serving fallback: %v", err)
		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditLLMFallback,
			Error:     err.Error(),
			Message:   "Cloud failure, local fallback served",
		})
		return &types.LLMResponse{
			Text:       fallbackText,
			Source:     types.SourceLocalCached,
			Confidence: 0.3,
			LatencyMs:  time.Since(start).Milliseconds(),
		}, nil
	}

	resp.LatencyMs = time.Since(start).Milliseconds()
	r.cache.put(input, *resp)
	return resp, nil
}

func (r *Router) callCloud(ctx context.Context, input string, f *types.Frame, tier types.NudgeTier) (*types.LLMResponse, error) {
	if r.cloud == nil {
		return nil, fmt.Errorf("router: no cloud client configured")
	}

	if r.limiter != nil {
		adm := r.limiter.Admit("llm")
		if !adm.OK {
			logging.Audit().AdmissionDeny(adm.Window, adm.RetryAfter.Milliseconds())
			r.metrics.RateLimitDenial(adm.Window)
			return nil, fmt.Errorf("router: admission denied by %s window, retry in %v", adm.Window, adm.RetryAfter)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.TimeoutDuration())
	defer cancel()

	prompt := r.buildPrompt(input, f, tier)
	start := time.Now()

	var text string
	call := func(c context.Context) error {
		var gerr error
		text, gerr = generateWithRetry(c, r.cloud, prompt, r.cfg.MaxRetries)
		return gerr
	}
	var err error
	if r.infra != nil {
		err = r.infra.Do(cctx, call)
	} else {
		err = call(cctx)
	}
	elapsed := time.Since(start).Milliseconds()

	// Fail-fast means the dependency was never touched: nothing to record
	// against the limiter, nothing to audit as a call.
	if errors.Is(err, breaker.ErrServiceUnavailable) {
		return nil, err
	}

	if r.limiter != nil {
		r.limiter.Record("llm", cloudOutcome(err))
	}
	logging.Audit().LLMCall(r.cloud.Model(), elapsed, err == nil, errString(err))

	if err != nil {
		return nil, err
	}
	return &types.LLMResponse{
		Text:       text,
		Source:     types.SourceCloud,
		Confidence: confidenceFor(f),
		Model:      r.cloud.Model(),
	}, nil
}

// buildPrompt renders the persona, nudge tone, frame summary, and input as a
// single prompt for the cloud model.
func (r *Router) buildPrompt(input string, f *types.Frame, tier types.NudgeTier) string {
	var sb strings.Builder
	sb.WriteString("You are a brief, concrete assistant for a user who regulates attention differently. ")
	sb.WriteString("One idea per reply. Never moralize about focus.\n")

	switch tier {
	case types.TierSarcastic:
		sb.WriteString("Tone: playfully sarcastic, still kind.\n")
	case types.TierSergeant:
		sb.WriteString("Tone: drill-sergeant direct. Short imperatives.\n")
	default:
		sb.WriteString("Tone: gentle, warm, low pressure.\n")
	}

	if f != nil {
		sb.WriteString("Context: ")
		sb.WriteString(frame.Describe(f))
		sb.WriteString("\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(input)
	return sb.String()
}

// confidenceFor discounts cloud confidence when the frame itself was built
// degraded.
func confidenceFor(f *types.Frame) float64 {
	if f == nil {
		return 0.8
	}
	c := 0.8 * f.Confidence
	if c < 0.3 {
		c = 0.3
	}
	return c
}

func cloudOutcome(err error) ratelimit.RecordOutcome {
	if err == nil {
		return ratelimit.OutcomeSuccess
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "resource exhausted") || strings.Contains(errStr, "quota") {
		return ratelimit.OutcomeRateLimited
	}
	return ratelimit.OutcomeFailure
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
