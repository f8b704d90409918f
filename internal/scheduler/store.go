package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/robfig/cron/v3"
)

type jobState struct {
	NextFire time.Time `json:"next_fire"`
	LastFire time.Time `json:"last_fire,omitempty"`
	LastRun  string    `json:"last_run,omitempty"`
}

type stateFile struct {
	Jobs map[string]*jobState `json:"jobs"`
}

// Store persists per-job fire state so a restart neither replays a fire
// that already happened nor skips one that was due.
type Store struct {
	path string
	data stateFile
	mu   sync.Mutex
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: stateFile{Jobs: make(map[string]*jobState)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, &s.data); err != nil {
		return fmt.Errorf("parse scheduler state: %w", err)
	}
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]*jobState)
	}
	return nil
}

func (s *Store) save() error {
	// Lock held by caller
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(b))
}

// ShouldFire reports whether a job is due, advancing its next-fire time
// when it is. A job seen for the first time seeds its next fire from the
// schedule without firing, so freshly added jobs wait for their slot.
func (s *Store) ShouldFire(jobID, schedule string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fmt.Errorf("invalid cron schedule for %s: %w", jobID, err)
	}

	st, ok := s.data.Jobs[jobID]
	if !ok {
		s.data.Jobs[jobID] = &jobState{NextFire: spec.Next(now)}
		return false, s.save()
	}

	if st.NextFire.After(now) {
		return false, nil
	}

	st.NextFire = spec.Next(now)
	return true, s.save()
}

// MarkFired records a completed fire for observability.
func (s *Store) MarkFired(jobID, runID string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data.Jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	st.LastFire = firedAt
	st.LastRun = runID
	return s.save()
}

// Prune drops state for jobs no longer declared in config.
func (s *Store) Prune(active map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id := range s.data.Jobs {
		if !active[id] {
			delete(s.data.Jobs, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save()
}

// State returns a copy of a job's persisted state, nil when unknown.
func (s *Store) State(jobID string) *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data.Jobs[jobID]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}
