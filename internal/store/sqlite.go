package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// SQLiteStore is the durable backing store. It implements both TraceStore
// and WebhookStore over a single SQLite database.
//
// Thread-safe with a read-write mutex; the connection pool is pinned to one
// connection because SQLite serializes writers anyway.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewSQLiteStore opens (or creates) the database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Initializing SQLiteStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.ensureSchema(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to ensure schema: %v", err)
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logging.Store("SQLiteStore initialized")
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		task_id TEXT,
		source TEXT,
		confidence REAL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_traces_user ON traces(user_id);
	CREATE INDEX IF NOT EXISTS idx_traces_event_type ON traces(event_type);
	CREATE INDEX IF NOT EXISTS idx_traces_created ON traces(created_at);

	CREATE TABLE IF NOT EXISTS webhook_events (
		delivery_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		action TEXT,
		source TEXT,
		payload BLOB,
		received_at DATETIME NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		actions_fired INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_webhook_type ON webhook_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_webhook_received ON webhook_events(received_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ========== TraceStore ==========

// Append persists one trace record. Append-only: an existing ID is an error
// rather than an overwrite.
func (s *SQLiteStore) Append(rec *types.TraceRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "Append")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	logging.StoreDebug("Appending trace: id=%s user=%s type=%s", rec.ID, rec.UserID, rec.EventType)

	payloadJSON, _ := json.Marshal(rec.Payload)

	_, err := s.db.Exec(`
		INSERT INTO traces
		(id, user_id, event_type, payload, task_id, source, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.EventType, string(payloadJSON),
		rec.TaskID, rec.Source, rec.Confidence, rec.Timestamp,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to append trace %s: %v", rec.ID, err)
		return err
	}
	return nil
}

// Recent returns the newest traces for a user, newest first.
func (s *SQLiteStore) Recent(userID string, limit int) ([]types.TraceRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Recent")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, event_type, payload, task_id, source, confidence, created_at
		FROM traces
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to retrieve traces for user=%s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	return s.scanTraces(rows)
}

// RecentByType returns the newest traces of one event type for a user.
func (s *SQLiteStore) RecentByType(userID, eventType string, limit int) ([]types.TraceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, event_type, payload, task_id, source, confidence, created_at
		FROM traces
		WHERE user_id = ? AND event_type = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, eventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanTraces(rows)
}

// Get retrieves a single trace by ID.
func (s *SQLiteStore) Get(id string) (*types.TraceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, user_id, event_type, payload, task_id, source, confidence, created_at
		FROM traces
		WHERE id = ?`, id)

	rec, err := s.scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Prune deletes traces older than the retention period. Returns rows deleted.
func (s *SQLiteStore) Prune(retentionDays int) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Prune")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive")
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result, err := s.db.Exec(`DELETE FROM traces WHERE created_at < ?`, cutoff)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to prune traces: %v", err)
		return 0, err
	}

	deleted, _ := result.RowsAffected()
	logging.Store("Pruned %d traces older than %d days", deleted, retentionDays)
	return deleted, nil
}

// ========== WebhookStore ==========

// SaveEvent persists an accepted delivery. The same delivery ID updates the
// processing fields in place so a handler completing after the initial save
// can record its outcome.
func (s *SQLiteStore) SaveEvent(ev *types.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	logging.StoreDebug("Saving webhook event: delivery=%s type=%s", ev.DeliveryID, ev.EventType)

	_, err := s.db.Exec(`
		INSERT INTO webhook_events
		(delivery_id, event_type, action, source, payload, received_at, processed, duration_ms, actions_fired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(delivery_id) DO UPDATE SET
			processed = excluded.processed,
			duration_ms = excluded.duration_ms,
			actions_fired = excluded.actions_fired`,
		ev.DeliveryID, ev.EventType, ev.Action, ev.Source, ev.Payload,
		ev.ReceivedAt, ev.Processed, ev.DurationMs, ev.ActionsFired,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save webhook event %s: %v", ev.DeliveryID, err)
	}
	return err
}

// HasDelivery reports whether a delivery ID has been seen before.
func (s *SQLiteStore) HasDelivery(deliveryID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM webhook_events WHERE delivery_id = ?`, deliveryID).Scan(&n)
	return n > 0, err
}

// Stats returns aggregate webhook processing statistics.
func (s *SQLiteStore) Stats() (WebhookStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := WebhookStats{ByEventType: make(map[string]int64)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM webhook_events`).Scan(&stats.Total); err != nil {
		return stats, err
	}
	s.db.QueryRow(`SELECT COUNT(*) FROM webhook_events WHERE processed = 1`).Scan(&stats.Processed)
	s.db.QueryRow(`SELECT COALESCE(AVG(duration_ms), 0) FROM webhook_events WHERE processed = 1`).Scan(&stats.AvgDurationMs)

	rows, err := s.db.Query(`SELECT event_type, COUNT(*) FROM webhook_events GROUP BY event_type`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var typ string
			var count int64
			if rows.Scan(&typ, &count) == nil {
				stats.ByEventType[typ] = count
			}
		}
	}

	return stats, nil
}

// ========== Helpers ==========

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanTrace(row rowScanner) (*types.TraceRecord, error) {
	var rec types.TraceRecord
	var payloadJSON string
	var taskID, source sql.NullString
	var confidence sql.NullFloat64

	err := row.Scan(&rec.ID, &rec.UserID, &rec.EventType, &payloadJSON,
		&taskID, &source, &confidence, &rec.Timestamp)
	if err != nil {
		return nil, err
	}

	if taskID.Valid {
		rec.TaskID = taskID.String
	}
	if source.Valid {
		rec.Source = source.String
	}
	if confidence.Valid {
		rec.Confidence = confidence.Float64
	}
	if payloadJSON != "" {
		json.Unmarshal([]byte(payloadJSON), &rec.Payload)
	}
	return &rec, nil
}

func (s *SQLiteStore) scanTraces(rows *sql.Rows) ([]types.TraceRecord, error) {
	var traces []types.TraceRecord
	for rows.Next() {
		rec, err := s.scanTrace(rows)
		if err != nil {
			continue
		}
		traces = append(traces, *rec)
	}
	return traces, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	logging.Store("Closing SQLiteStore at %s", s.dbPath)
	return s.db.Close()
}
