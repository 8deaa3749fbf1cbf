package config

import (
	"fmt"
	"time"
)

// FrameConfig configures the frame builder.
type FrameConfig struct {
	// How long a cached frame stays valid for the same (user, agent, task).
	CacheTTL string `yaml:"cache_ttl"`

	// Total frame build budget; any one source gets SourceTimeout.
	BuildTimeout  string `yaml:"build_timeout"`
	SourceTimeout string `yaml:"source_timeout"`

	// Max recent traces consulted per build.
	RecentTraceLimit int `yaml:"recent_trace_limit"`

	// Cognitive load weights per context item kind. Item count * weight is
	// summed and clipped at 1.0. Weights are configuration because the
	// source heuristics were never formalized.
	LoadWeights map[string]float64 `yaml:"load_weights"`

	// Score thresholds for the recommended-action classifier.
	SimplifyLoadThreshold    float64 `yaml:"simplify_load_threshold"`
	ClarifyAccessibilityFloor float64 `yaml:"clarify_accessibility_floor"`
}

// DefaultFrameConfig returns production defaults.
func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		CacheTTL:         "1h",
		BuildTimeout:     "5s",
		SourceTimeout:    "2s",
		RecentTraceLimit: 20,
		LoadWeights: map[string]float64{
			"memory_trace":   0.05,
			"calendar_event": 0.10,
			"user_state":     0.05,
			"environment":    0.03,
			"task":           0.15,
			"achievement":    0.02,
		},
		SimplifyLoadThreshold:     0.7,
		ClarifyAccessibilityFloor: 0.4,
	}
}

// Validate checks frame builder settings.
func (c FrameConfig) Validate() error {
	for kind, w := range c.LoadWeights {
		if w < 0 {
			return fmt.Errorf("load weight for %q must be >= 0", kind)
		}
	}
	if c.RecentTraceLimit < 1 {
		return fmt.Errorf("recent_trace_limit must be >= 1")
	}
	return nil
}

// CacheTTLDuration returns the frame cache TTL.
func (c FrameConfig) CacheTTLDuration() time.Duration {
	return parseDuration(c.CacheTTL, time.Hour)
}

// BuildTimeoutDuration returns the total build budget.
func (c FrameConfig) BuildTimeoutDuration() time.Duration {
	return parseDuration(c.BuildTimeout, 5*time.Second)
}

// SourceTimeoutDuration returns the per-source budget.
func (c FrameConfig) SourceTimeoutDuration() time.Duration {
	return parseDuration(c.SourceTimeout, 2*time.Second)
}
