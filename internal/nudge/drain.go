package nudge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"mindloop/internal/logging"
)

// drain serializes the remaining pending fires to the configured drain path.
// Called from Stop after the worker has exited.
func (s *Scheduler) drain() (int, error) {
	s.mu.Lock()
	pending := make([]*entry, len(s.queue))
	copy(pending, s.queue)
	s.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	if dir := filepath.Dir(s.cfg.DrainPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("failed to create drain directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to serialize pending nudges: %w", err)
	}
	if err := os.WriteFile(s.cfg.DrainPath, data, 0644); err != nil {
		return 0, fmt.Errorf("failed to write drain file: %w", err)
	}
	return len(pending), nil
}

// Restore re-registers fires drained by a previous shutdown and removes the
// drain file. A missing file is not an error.
func (s *Scheduler) Restore() (int, error) {
	data, err := os.ReadFile(s.cfg.DrainPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read drain file: %w", err)
	}

	var drained []entry
	if err := json.Unmarshal(data, &drained); err != nil {
		return 0, fmt.Errorf("failed to parse drain file: %w", err)
	}

	restored := 0
	for _, e := range drained {
		if err := s.Register(e.UserID, e.TaskID, e.FireAt); err != nil {
			logging.Get(logging.CategoryNudge).Warn("Could not restore nudge for user %s task %s: %v", e.UserID, e.TaskID, err)
			continue
		}
		restored++
	}

	if err := os.Remove(s.cfg.DrainPath); err != nil {
		logging.Get(logging.CategoryNudge).Warn("Could not remove drain file: %v", err)
	}
	logging.Nudge("Restored %d drained nudges from %s", restored, s.cfg.DrainPath)
	return restored, nil
}
