package config

import (
	"fmt"
	"time"
)

// NudgeConfig configures the proactive nudge scheduler.
type NudgeConfig struct {
	// Upper bound on pending fires.
	MaxPending int `yaml:"max_pending"`

	// Delay before the single reschedule attempt after admission denial.
	RescheduleDelay string `yaml:"reschedule_delay"`

	// Default tone for proactive nudges: gentle, sarcastic, sergeant.
	DefaultTier string `yaml:"default_tier"`

	// Serialize pending fires at shutdown instead of dropping them.
	DrainOnShutdown bool `yaml:"drain_on_shutdown"`

	// Where drained fires are serialized.
	DrainPath string `yaml:"drain_path"`
}

// DefaultNudgeConfig returns production defaults.
func DefaultNudgeConfig() NudgeConfig {
	return NudgeConfig{
		MaxPending:      256,
		RescheduleDelay: "5m",
		DefaultTier:     "gentle",
		DrainOnShutdown: false,
		DrainPath:       "data/pending_nudges.json",
	}
}

// Validate checks nudge scheduler settings.
func (c NudgeConfig) Validate() error {
	if c.MaxPending < 1 {
		return fmt.Errorf("max_pending must be >= 1")
	}
	switch c.DefaultTier {
	case "", "gentle", "sarcastic", "sergeant":
	default:
		return fmt.Errorf("default_tier must be gentle, sarcastic, or sergeant")
	}
	return nil
}

// RescheduleDelayDuration returns the reschedule backoff.
func (c NudgeConfig) RescheduleDelayDuration() time.Duration {
	return parseDuration(c.RescheduleDelay, 5*time.Minute)
}
