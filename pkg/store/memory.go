package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Sepzie/SingWithMe/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store.
// Records are copied on the way in and out so callers never alias stored state.
type MemoryStore struct {
	jobs       map[string]*models.Job
	projects   map[string]*models.Project
	jobsMu     sync.RWMutex
	projectsMu sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		projects: make(map[string]*models.Project),
	}
}

// PutJob stores the full record for a job, replacing any previous one
func (s *MemoryStore) PutJob(ctx context.Context, job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns jobs in any of the given states, oldest first.
// With no states every job is returned.
func (s *MemoryStore) ListJobs(ctx context.Context, states ...models.JobState) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(states) > 0 && !containsState(states, job.State) {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// PutProject stores a project record
func (s *MemoryStore) PutProject(ctx context.Context, project *models.Project) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	p := *project
	s.projects[project.JobID] = &p
	return nil
}

// ListProjects returns the projects of owner, newest first. An empty owner lists all projects.
func (s *MemoryStore) ListProjects(ctx context.Context, owner string) ([]*models.Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()

	projects := make([]*models.Project, 0)
	for _, p := range s.projects {
		if owner != "" && p.Owner != owner {
			continue
		}
		c := *p
		projects = append(projects, &c)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

func containsState(states []models.JobState, state models.JobState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
