package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"capwatch/internal/models"
)

// Store persists hourly counter snapshots to a single JSON file:
//
//	{"hourly": {"2026-08-29 14:00": {"123": {"name": ..., "outbound_bytes": ...}}}}
//
// Writes are full-file rewrites. An in-process mutex serializes writers in
// this process; a flock sidecar serializes against other processes sharing
// the state file. Hour keys are append-only: once written they are never
// overwritten or removed.
type Store struct {
	path string
	mu   sync.Mutex
	fl   *flock.Flock
}

type fileState struct {
	Hourly models.Series `json:"hourly"`
}

func New(path string) *Store {
	return &Store{path: path, fl: flock.New(path + ".lock")}
}

// Load reads the full series. A missing file is an empty series, not an
// error.
func (s *Store) Load() (models.Series, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Series{}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if st.Hourly == nil {
		st.Hourly = models.Series{}
	}
	return st.Hourly, nil
}

// Record appends a snapshot for hourKey. If the key is already present the
// collect function is never called and nothing is written. Returns true when
// a new snapshot was recorded.
func (s *Store) Record(hourKey string, collect func() (models.HourSnapshot, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fl.Lock(); err != nil {
		return false, fmt.Errorf("lock state: %w", err)
	}
	defer s.fl.Unlock()

	series, err := s.Load()
	if err != nil {
		return false, err
	}
	if _, ok := series[hourKey]; ok {
		return false, nil
	}
	snap, err := collect()
	if err != nil {
		return false, err
	}
	series[hourKey] = snap
	return true, s.write(series)
}

// Save overwrites the full series. Used by reset/clear operations only.
func (s *Store) Save(series models.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fl.Lock(); err != nil {
		return fmt.Errorf("lock state: %w", err)
	}
	defer s.fl.Unlock()
	return s.write(series)
}

func (s *Store) write(series models.Series) error {
	data, err := json.Marshal(fileState{Hourly: series})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
