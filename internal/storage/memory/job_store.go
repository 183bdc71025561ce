package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// JobStore keeps job snapshots in memory.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[orchestrator.JobID]orchestrator.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[orchestrator.JobID]orchestrator.Job)}
}

// SaveJob upserts a snapshot. A terminal snapshot is never overwritten by a
// non-terminal one.
func (s *JobStore) SaveJob(_ context.Context, job orchestrator.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[job.ID]; ok && prev.Status.Terminal() && !job.Status.Terminal() {
		return nil
	}
	s.jobs[job.ID] = job.Snapshot()
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id orchestrator.JobID) (orchestrator.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}
	return job.Snapshot(), nil
}

// ListByUser returns a user's jobs, newest first.
func (s *JobStore) ListByUser(_ context.Context, userID int64, limit int) ([]orchestrator.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orchestrator.Job
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, job.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
