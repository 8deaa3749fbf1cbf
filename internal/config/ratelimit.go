package config

import (
	"fmt"
	"time"
)

// RateLimitConfig configures the multi-window rate limiter.
type RateLimitConfig struct {
	// Capacities for the three always-present sliding windows.
	HourlyCapacity int `yaml:"hourly_capacity"`
	MinuteCapacity int `yaml:"minute_capacity"`
	BurstCapacity  int `yaml:"burst_capacity"`

	// Default capacities for lazily created per-endpoint windows.
	EndpointHourlyCapacity int `yaml:"endpoint_hourly_capacity"`
	EndpointMinuteCapacity int `yaml:"endpoint_minute_capacity"`

	// Upper bound on WaitUntilAdmitted.
	MaxWait string `yaml:"max_wait"`

	// Grace added to upstream quota reset before retrying.
	QuotaGrace string `yaml:"quota_grace"`

	// Upstream quota remaining below which admission is denied.
	QuotaFloor int `yaml:"quota_floor"`
}

// DefaultRateLimitConfig returns production defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		HourlyCapacity:         500,
		MinuteCapacity:         30,
		BurstCapacity:          5,
		EndpointHourlyCapacity: 100,
		EndpointMinuteCapacity: 10,
		MaxWait:                "300s",
		QuotaGrace:             "5s",
		QuotaFloor:             10,
	}
}

// Validate checks rate limiter settings.
func (c RateLimitConfig) Validate() error {
	if c.HourlyCapacity < 0 || c.MinuteCapacity < 0 || c.BurstCapacity < 0 {
		return fmt.Errorf("window capacities must be >= 0")
	}
	if c.QuotaFloor < 0 {
		return fmt.Errorf("quota_floor must be >= 0")
	}
	return nil
}

// MaxWaitDuration returns the WaitUntilAdmitted budget.
func (c RateLimitConfig) MaxWaitDuration() time.Duration {
	return parseDuration(c.MaxWait, 300*time.Second)
}

// QuotaGraceDuration returns the grace period added to quota resets.
func (c RateLimitConfig) QuotaGraceDuration() time.Duration {
	return parseDuration(c.QuotaGrace, 5*time.Second)
}
