package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mindloop/internal/clock"
	"mindloop/internal/types"
)

// MemoryTraceStore is an in-memory TraceStore. Used by tests and by
// deployments that opt out of durability.
type MemoryTraceStore struct {
	mu   sync.RWMutex
	recs []types.TraceRecord
	byID map[string]int
	clk  clock.PassiveClock
}

// NewMemoryTraceStore creates an empty in-memory trace store.
func NewMemoryTraceStore(clk clock.PassiveClock) *MemoryTraceStore {
	return &MemoryTraceStore{byID: make(map[string]int), clk: clk}
}

// Append implements TraceStore.
func (m *MemoryTraceStore) Append(rec *types.TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.clk.Now()
	}

	m.byID[rec.ID] = len(m.recs)
	m.recs = append(m.recs, *rec)
	return nil
}

// Recent implements TraceStore.
func (m *MemoryTraceStore) Recent(userID string, limit int) ([]types.TraceRecord, error) {
	return m.filter(limit, func(r *types.TraceRecord) bool {
		return r.UserID == userID
	})
}

// RecentByType implements TraceStore.
func (m *MemoryTraceStore) RecentByType(userID, eventType string, limit int) ([]types.TraceRecord, error) {
	return m.filter(limit, func(r *types.TraceRecord) bool {
		return r.UserID == userID && r.EventType == eventType
	})
}

func (m *MemoryTraceStore) filter(limit int, keep func(*types.TraceRecord) bool) ([]types.TraceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var out []types.TraceRecord
	for i := range m.recs {
		if keep(&m.recs[i]) {
			out = append(out, m.recs[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get implements TraceStore.
func (m *MemoryTraceStore) Get(id string) (*types.TraceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.recs[i]
	return &rec, nil
}

// Prune implements TraceStore.
func (m *MemoryTraceStore) Prune(retentionDays int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clk.Now().AddDate(0, 0, -retentionDays)

	kept := m.recs[:0]
	var deleted int64
	for _, r := range m.recs {
		if r.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.recs = kept
	m.byID = make(map[string]int, len(m.recs))
	for i := range m.recs {
		m.byID[m.recs[i].ID] = i
	}
	return deleted, nil
}

// Len returns the number of stored records.
func (m *MemoryTraceStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}

// Close implements TraceStore.
func (m *MemoryTraceStore) Close() error { return nil }

// =============================================================================
// FRAME CACHE
// =============================================================================

// FrameCache is a TTL cache of built frames keyed by (user, agent, task).
// A cached frame is returned as-is until its TTL expires; frames are
// immutable so sharing the pointer is safe.
type FrameCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clk     clock.PassiveClock
	entries map[string]frameEntry
}

type frameEntry struct {
	frame   *types.Frame
	expires time.Time
}

// NewFrameCache creates a frame cache with the given TTL.
func NewFrameCache(ttl time.Duration, clk clock.PassiveClock) *FrameCache {
	return &FrameCache{ttl: ttl, clk: clk, entries: make(map[string]frameEntry)}
}

// Get returns the cached frame for a key, or nil if absent or expired.
func (c *FrameCache) Get(key string) *types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.clk.Now().After(e.expires) {
		delete(c.entries, key)
		return nil
	}
	return e.frame
}

// Put caches a frame under a key for the configured TTL.
func (c *FrameCache) Put(key string, f *types.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistically drop expired entries so the map doesn't grow
	// unbounded under churning keys.
	now := c.clk.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}

	c.entries[key] = frameEntry{frame: f, expires: now.Add(c.ttl)}
}

// Invalidate removes a cached frame.
func (c *FrameCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// =============================================================================
// DEDUP CACHE
// =============================================================================

// DedupCache remembers webhook delivery IDs inside a rolling window. It backs
// the router's duplicate suppression; the durable webhook_events table covers
// restarts.
type DedupCache struct {
	mu     sync.Mutex
	window time.Duration
	clk    clock.PassiveClock
	seen   map[string]time.Time
}

// NewDedupCache creates a dedup cache with the given window.
func NewDedupCache(window time.Duration, clk clock.PassiveClock) *DedupCache {
	return &DedupCache{window: window, clk: clk, seen: make(map[string]time.Time)}
}

// Seen marks a delivery ID and reports whether it was already present inside
// the window. The check-and-mark is atomic so concurrent duplicates race to
// exactly one first-sight.
func (d *DedupCache) Seen(deliveryID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	cutoff := now.Add(-d.window)
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
		}
	}

	if at, ok := d.seen[deliveryID]; ok && !at.Before(cutoff) {
		return true
	}
	d.seen[deliveryID] = now
	return false
}
