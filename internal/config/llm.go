package config

import (
	"fmt"
	"time"
)

// LLMConfig configures the tiered LLM router.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`

	// Cloud call timeout and bounded retry count.
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`

	// Generation parameters.
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// Tier 2 response cache.
	CacheTTL  string `yaml:"cache_ttl"`
	CacheSize int    `yaml:"cache_size"`

	// Tier 1 canned intents, matched in configuration order.
	Patterns []PatternEntry `yaml:"patterns"`
}

// PatternEntry is one canned intent in the tier-1 table.
type PatternEntry struct {
	Match      string  `yaml:"match"` // substring, matched case-insensitively
	Response   string  `yaml:"response"`
	Confidence float64 `yaml:"confidence"`
}

// DefaultLLMConfig returns production defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "gemini",
		Model:       "gemini-2.5-flash",
		Timeout:     "30s",
		MaxRetries:  2,
		MaxTokens:   1024,
		Temperature: 0.7,
		CacheTTL:    "10m",
		CacheSize:   256,
		Patterns: []PatternEntry{
			{Match: "hello", Response: "Hey. What's the one thing you want to get done right now?", Confidence: 0.9},
			{Match: "thank", Response: "Anytime. You did the work.", Confidence: 0.9},
		},
	}
}

// Validate checks router settings.
func (c LLMConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must be >= 0")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0,2]")
	}
	return nil
}

// TimeoutDuration returns the cloud call timeout.
func (c LLMConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// CacheTTLDuration returns the response cache TTL.
func (c LLMConfig) CacheTTLDuration() time.Duration {
	return parseDuration(c.CacheTTL, 10*time.Minute)
}
