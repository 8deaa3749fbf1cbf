// Package store provides persistence for mindloop: an append-only trace store
// and a webhook event log backed by SQLite, plus in-memory implementations
// used for tests and for deployments that don't need durability.
package store

import (
	"errors"

	"mindloop/internal/types"
)

// ErrNotFound is returned when a record doesn't exist.
var ErrNotFound = errors.New("store: not found")

// TraceStore is the append-only audit log of loop activity. Records are never
// overwritten; retention deletes only whole records past a cutoff.
type TraceStore interface {
	// Append persists one trace record. An empty ID is assigned one.
	Append(rec *types.TraceRecord) error

	// Recent returns the newest traces for a user, newest first.
	Recent(userID string, limit int) ([]types.TraceRecord, error)

	// RecentByType returns the newest traces of one event type for a user.
	RecentByType(userID, eventType string, limit int) ([]types.TraceRecord, error)

	// Get retrieves a single trace by ID.
	Get(id string) (*types.TraceRecord, error)

	// Prune deletes records older than retentionDays. Returns rows deleted.
	Prune(retentionDays int) (int64, error)

	Close() error
}

// WebhookStore records every accepted inbound delivery for dedup persistence
// and processing statistics.
type WebhookStore interface {
	// SaveEvent persists an accepted delivery. Saving the same delivery ID
	// again updates the processing fields rather than duplicating the row.
	SaveEvent(ev *types.WebhookEvent) error

	// HasDelivery reports whether a delivery ID has been seen before.
	HasDelivery(deliveryID string) (bool, error)

	// Stats returns aggregate webhook processing statistics.
	Stats() (WebhookStats, error)
}

// WebhookStats is the aggregate view over processed deliveries.
type WebhookStats struct {
	Total         int64   `json:"total"`
	Processed     int64   `json:"processed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	ByEventType   map[string]int64 `json:"by_event_type"`
}
