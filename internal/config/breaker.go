package config

import (
	"fmt"
	"time"
)

// BreakerConfig configures the per-user psychological circuit breaker.
type BreakerConfig struct {
	// Consecutive failures before the breaker trips.
	FailureThreshold int `yaml:"failure_threshold"`

	// How long after tripping before a half-open test is allowed.
	RecoveryTimeout string `yaml:"recovery_timeout"`
}

// DefaultBreakerConfig returns production defaults: trip after 3 consecutive
// failures, allow a test interaction after 2 hours.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  "2h",
	}
}

// Validate checks psych breaker settings.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1")
	}
	return nil
}

// RecoveryDuration returns the open->half-open timeout.
func (c BreakerConfig) RecoveryDuration() time.Duration {
	return parseDuration(c.RecoveryTimeout, 2*time.Hour)
}

// InfraBreakerConfig configures process-wide breakers for external
// dependencies, keyed by dependency name.
type InfraBreakerConfig struct {
	// Consecutive exceptions before a dependency breaker opens.
	FailureThreshold int `yaml:"failure_threshold"`

	// How long after the last failure before the next call is allowed through.
	RecoveryTimeout string `yaml:"recovery_timeout"`

	// Per-dependency overrides.
	Dependencies map[string]DependencyBreaker `yaml:"dependencies"`
}

// DependencyBreaker overrides thresholds for one dependency.
type DependencyBreaker struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
}

// DefaultInfraBreakerConfig returns production defaults: open after 5
// consecutive exceptions, probe again after 30 seconds.
func DefaultInfraBreakerConfig() InfraBreakerConfig {
	return InfraBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  "30s",
	}
}

// RecoveryDuration returns the infra breaker recovery timeout for a dependency.
func (c InfraBreakerConfig) RecoveryDuration(dependency string) time.Duration {
	if dep, ok := c.Dependencies[dependency]; ok && dep.RecoveryTimeout != "" {
		return parseDuration(dep.RecoveryTimeout, 30*time.Second)
	}
	return parseDuration(c.RecoveryTimeout, 30*time.Second)
}

// Threshold returns the failure threshold for a dependency.
func (c InfraBreakerConfig) Threshold(dependency string) int {
	if dep, ok := c.Dependencies[dependency]; ok && dep.FailureThreshold > 0 {
		return dep.FailureThreshold
	}
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}
