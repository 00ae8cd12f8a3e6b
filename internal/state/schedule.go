// internal/state/schedule.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Job is a delayed action waiting to fire.
type Job struct {
	ID            types.ScheduleID    `json:"id"`
	Kind          string              `json:"kind"`
	Payload       json.RawMessage     `json:"payload"`
	RunAt         time.Time           `json:"run_at"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
	OrgID         string              `json:"org_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// ScheduleStore is a JSON-file-backed store of pending jobs.
type ScheduleStore struct {
	path string
	mu   sync.RWMutex
}

// NewScheduleStore creates a new file-backed ScheduleStore at the given file path.
func NewScheduleStore(path string) *ScheduleStore {
	return &ScheduleStore{path: path}
}

func (s *ScheduleStore) Path() string {
	return s.path
}

// List returns all pending jobs ordered by RunAt. Returns an empty slice if
// the file doesn't exist.
func (s *ScheduleStore) List() ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	if jobs == nil {
		return []*Job{}, nil
	}
	return jobs, nil
}

// Get finds a job by id.
func (s *ScheduleStore) Get(id types.ScheduleID) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, fmt.Errorf("job not found: %s", id)
}

// Put inserts job or replaces the job with the same id.
func (s *ScheduleStore) Put(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range jobs {
		if existing.ID == job.ID {
			jobs[i] = job
			return s.save(jobs)
		}
	}
	return s.save(append(jobs, job))
}

// Remove deletes a job by id, reporting whether it existed.
func (s *ScheduleStore) Remove(id types.ScheduleID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return false, err
	}
	for i, job := range jobs {
		if job.ID == id {
			jobs = append(jobs[:i], jobs[i+1:]...)
			return true, s.save(jobs)
		}
	}
	return false, nil
}

// load reads the JSON file and returns the job list. Returns nil if the file doesn't exist.
func (s *ScheduleStore) load() ([]*Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schedule file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return jobs, nil
}

// save writes the job list using atomic write (temp file + rename).
func (s *ScheduleStore) save(jobs []*Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedule dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp schedule file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp schedule file: %w", err)
	}
	return nil
}
