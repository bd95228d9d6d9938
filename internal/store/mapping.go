package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// staleMappingAge is how long a pending execution record stays usable.
// Entries older than this are ignored on read; they belong to executions
// that never produced a new transcript stream.
const staleMappingAge = 24 * time.Hour

// ExecutionRecord marks a session that is waiting for a fresh CLI stream
// after a context reset. The correlator consumes the record when the new
// stream's first event arrives.
type ExecutionRecord struct {
	SessionID   string    `json:"sessionId"`
	TerminalID  string    `json:"terminalId"`
	ProjectPath string    `json:"projectPath"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ExecutionMapping is a small JSON file shared between the daemon and the
// out-of-process execute-plan tool. Writes go through an atomic rename so
// a crashed writer never leaves a torn file.
type ExecutionMapping struct {
	path string
	mu   sync.Mutex
}

// NewExecutionMapping returns a mapping backed by the given file path.
func NewExecutionMapping(path string) *ExecutionMapping {
	return &ExecutionMapping{path: path}
}

// Put adds or replaces the pending record for a session.
func (m *ExecutionMapping) Put(record ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load()
	if err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	records[record.SessionID] = record
	return m.save(records)
}

// Take removes and returns the pending record whose project path matches,
// falling back to the oldest pending record when no path matches. Returns
// false when nothing is pending.
func (m *ExecutionMapping) Take(projectPath string) (ExecutionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load()
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	if len(records) == 0 {
		return ExecutionRecord{}, false, nil
	}

	var picked *ExecutionRecord
	for id := range records {
		record := records[id]
		if record.ProjectPath == projectPath {
			picked = &record
			break
		}
	}
	if picked == nil {
		for id := range records {
			record := records[id]
			if picked == nil || record.CreatedAt.Before(picked.CreatedAt) {
				picked = &record
			}
		}
	}

	delete(records, picked.SessionID)
	if err := m.save(records); err != nil {
		return ExecutionRecord{}, false, err
	}
	return *picked, true, nil
}

// Remove drops the pending record for a session. Idempotent.
func (m *ExecutionMapping) Remove(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load()
	if err != nil {
		return err
	}
	if _, ok := records[sessionID]; !ok {
		return nil
	}
	delete(records, sessionID)
	return m.save(records)
}

// load reads the mapping file, dropping stale entries. A missing file is
// an empty mapping.
func (m *ExecutionMapping) load() (map[string]ExecutionRecord, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return map[string]ExecutionRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution mapping: %w", err)
	}

	var records map[string]ExecutionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		// A corrupt mapping file is recoverable state, not fatal.
		return map[string]ExecutionRecord{}, nil
	}

	cutoff := time.Now().UTC().Add(-staleMappingAge)
	for id, record := range records {
		if record.CreatedAt.Before(cutoff) {
			delete(records, id)
		}
	}
	return records, nil
}

func (m *ExecutionMapping) save(records map[string]ExecutionRecord) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution mapping: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write execution mapping: %w", err)
	}
	return os.Rename(tmp, m.path)
}
