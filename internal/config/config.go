// Package config holds all mindloop configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mindloop configuration.
type Config struct {
	// Core settings
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Workspace string `yaml:"workspace"`

	// Admission control
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Circuit breakers
	Breaker BreakerConfig      `yaml:"breaker"`
	Infra   InfraBreakerConfig `yaml:"infra_breaker"`

	// Frame assembly
	Frame FrameConfig `yaml:"frame"`

	// Safety monitor
	Safety SafetyConfig `yaml:"safety"`

	// LLM routing
	LLM LLMConfig `yaml:"llm"`

	// Webhook router
	Webhook WebhookConfig `yaml:"webhook"`

	// Nudge scheduler
	Nudge NudgeConfig `yaml:"nudge"`

	// Storage
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	// Whole trace records older than this are deleted by the retention sweep.
	RetentionDays int `yaml:"retention_days"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mindloop",
		Version: "0.4.0",

		RateLimit: DefaultRateLimitConfig(),
		Breaker:   DefaultBreakerConfig(),
		Infra:     DefaultInfraBreakerConfig(),
		Frame:     DefaultFrameConfig(),
		Safety:    DefaultSafetyConfig(),
		LLM:       DefaultLLMConfig(),
		Webhook:   DefaultWebhookConfig(),
		Nudge:     DefaultNudgeConfig(),

		Store: StoreConfig{
			DatabasePath:  "data/mindloop.db",
			RetentionDays: 90,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if key := os.Getenv("MINDLOOP_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if secret := os.Getenv("MINDLOOP_WEBHOOK_SECRET"); secret != "" {
		c.Webhook.Secret = secret
	}
	if path := os.Getenv("MINDLOOP_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if ws := os.Getenv("MINDLOOP_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if os.Getenv("MINDLOOP_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks the whole bundle. It is called once at startup by the
// composition root; components trust their config afterwards.
func (c *Config) Validate() error {
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if err := c.Frame.Validate(); err != nil {
		return fmt.Errorf("frame: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if err := c.Nudge.Validate(); err != nil {
		return fmt.Errorf("nudge: %w", err)
	}
	return nil
}

// parseDuration parses a duration string, returning fallback on failure or
// empty input. Config durations are strings ("30s", "2h") for YAML clarity.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
