package config

import (
	"fmt"
	"time"
)

// WebhookConfig configures the inbound event router.
type WebhookConfig struct {
	// Shared secret for HMAC-SHA256 signature verification.
	// Empty disables verification.
	Secret string `yaml:"secret"`

	// Header names carrying delivery metadata.
	SignatureHeader  string `yaml:"signature_header"`
	DeliveryIDHeader string `yaml:"delivery_id_header"`
	EventTypeHeader  string `yaml:"event_type_header"`

	// Deliveries seen within this window are not reprocessed.
	DedupWindow string `yaml:"dedup_window"`

	// Per-handler execution budget.
	HandlerTimeout string `yaml:"handler_timeout"`

	// Capacity of the non-blocking automation trigger queue.
	TriggerQueueSize int `yaml:"trigger_queue_size"`
}

// DefaultWebhookConfig returns production defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		SignatureHeader:  "X-Hub-Signature-256",
		DeliveryIDHeader: "X-Delivery-ID",
		EventTypeHeader:  "X-Event-Type",
		DedupWindow:      "10m",
		HandlerTimeout:   "5s",
		TriggerQueueSize: 64,
	}
}

// Validate checks webhook router settings.
func (c WebhookConfig) Validate() error {
	if c.TriggerQueueSize < 1 {
		return fmt.Errorf("trigger_queue_size must be >= 1")
	}
	return nil
}

// DedupWindowDuration returns the dedup window.
func (c WebhookConfig) DedupWindowDuration() time.Duration {
	return parseDuration(c.DedupWindow, 10*time.Minute)
}

// HandlerTimeoutDuration returns the per-handler budget.
func (c WebhookConfig) HandlerTimeoutDuration() time.Duration {
	return parseDuration(c.HandlerTimeout, 5*time.Second)
}
