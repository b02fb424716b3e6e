package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

var (
	// ErrNotFound is returned when no snapshot is stored for a station.
	ErrNotFound = errors.New("no snapshot for station")
)

// SavedSnapshot is a snapshot together with the time it was stored.
type SavedSnapshot struct {
	Snapshot *telemetry.StationSnapshot `json:"data"`
	SavedAt  time.Time                  `json:"savedAt"`
}

// SnapshotHistory holds a save-ordered list of snapshots for a station.
type SnapshotHistory struct {
	Snapshots []SavedSnapshot
}

// MemoryStore is a concurrency-safe in-memory store of the last good
// snapshots per station.
type MemoryStore struct {
	mu sync.RWMutex

	// key: station id, value: history
	data map[string]*SnapshotHistory

	// retention configuration
	maxHistory int           // max number of snapshots per station
	maxAge     time.Duration // optional max age for snapshots

	now func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*SnapshotHistory),
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// WithClock overrides time.Now, for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// SaveSnapshot appends a snapshot for a station and enforces retention.
// The newest snapshot is always kept, whatever its age.
func (s *MemoryStore) SaveSnapshot(stationID string, snap *telemetry.StationSnapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot for %s", stationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(stationID, SavedSnapshot{Snapshot: snap, SavedAt: s.now()})
	return nil
}

func (s *MemoryStore) appendLocked(stationID string, saved SavedSnapshot) {
	history, ok := s.data[stationID]
	if !ok {
		history = &SnapshotHistory{}
		s.data[stationID] = history
	}

	history.Snapshots = append(history.Snapshots, saved)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(history.Snapshots) > s.maxHistory {
		over := len(history.Snapshots) - s.maxHistory
		history.Snapshots = history.Snapshots[over:]
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(history.Snapshots)-1; i++ {
			if !history.Snapshots[i].SavedAt.Before(cutoff) {
				break
			}
		}
		if i > 0 {
			history.Snapshots = history.Snapshots[i:]
		}
	}
}

// GetLatest returns the most recent snapshot for a station and when it was saved.
func (s *MemoryStore) GetLatest(stationID string) (*telemetry.StationSnapshot, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[stationID]
	if !ok || len(history.Snapshots) == 0 {
		return nil, time.Time{}, ErrNotFound
	}
	last := history.Snapshots[len(history.Snapshots)-1]
	return last.Snapshot, last.SavedAt, nil
}

// History returns the stored snapshots for a station, oldest first.
func (s *MemoryStore) History(stationID string) []SavedSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[stationID]
	if !ok {
		return nil
	}
	out := make([]SavedSnapshot, len(history.Snapshots))
	copy(out, history.Snapshots)
	return out
}

// Clear removes the given stations, or everything when called without ids.
func (s *MemoryStore) Clear(stationIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(stationIDs) == 0 {
		s.data = make(map[string]*SnapshotHistory)
		return
	}
	for _, id := range stationIDs {
		delete(s.data, id)
	}
}

// SaveFile writes the newest snapshot of every station to path as JSON.
func (s *MemoryStore) SaveFile(path string) error {
	s.mu.RLock()
	state := make(map[string]SavedSnapshot, len(s.data))
	for id, history := range s.data {
		if n := len(history.Snapshots); n > 0 {
			state[id] = history.Snapshots[n-1]
		}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFile restores snapshots written by SaveFile. A missing file is not
// an error.
func (s *MemoryStore) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read state: %w", err)
	}

	var state map[string]SavedSnapshot
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("decode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, saved := range state {
		if saved.Snapshot == nil {
			continue
		}
		s.appendLocked(id, saved)
		n++
	}
	return n, nil
}
