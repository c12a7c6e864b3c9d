// Package jobs drives uploaded songs through separation and transcription
// and keeps every observer informed of each job's status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/logging"
	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/Sepzie/SingWithMe/pkg/notify"
	"github.com/Sepzie/SingWithMe/pkg/store"
)

// Tracker is the single place job status changes. Every accepted Put is
// written to the store and then fanned out through the hub.
type Tracker struct {
	store  store.Store
	hub    *notify.Hub
	logger *logging.Logger

	locks keyedMutex

	// last put of every job that has not reached a terminal state yet
	mu     sync.RWMutex
	active map[string]*models.Job
}

// NewTracker creates a tracker writing to s and publishing on hub
func NewTracker(s store.Store, hub *notify.Hub, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Tracker{
		store:  s,
		hub:    hub,
		logger: logger,
		locks:  keyedMutex{locks: make(map[string]*refMutex)},
		active: make(map[string]*models.Job),
	}
}

// Put validates job against its previous record, persists it and notifies subscribers.
// Puts for one job id are applied in the order they are issued.
//
// When the store is unreachable the update is still published and kept in
// memory, and an error wrapping store.ErrStoreUnavailable is returned.
func (t *Tracker) Put(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	unlock := t.locks.Lock(job.ID)
	defer unlock()

	prev, err := t.current(ctx, job.ID)
	switch {
	case err == nil, errors.Is(err, store.ErrJobNotFound):
	case errors.Is(err, store.ErrStoreUnavailable) && job.State == models.JobStateUploaded:
		// nothing to validate an initial record against
		prev = nil
	default:
		return fmt.Errorf("failed to load job %s: %w", job.ID, err)
	}
	if err := models.ValidateUpdate(prev, job); err != nil {
		return err
	}

	// records are stored as given; only missing timestamps are filled in
	next := job.Clone()
	now := time.Now().UTC()
	if next.CreatedAt.IsZero() {
		if prev != nil {
			next.CreatedAt = prev.CreatedAt
		} else {
			next.CreatedAt = now
		}
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = now
	}

	storeErr := t.store.PutJob(ctx, next)
	if storeErr != nil {
		if !errors.Is(storeErr, store.ErrStoreUnavailable) {
			return fmt.Errorf("failed to save job %s: %w", job.ID, storeErr)
		}
		t.logger.Warn("Store unavailable, publishing status from memory", map[string]interface{}{
			"job_id": job.ID,
			"state":  string(next.State),
			"error":  storeErr.Error(),
		})
	}

	t.mu.Lock()
	if models.IsTerminalState(next.State) {
		delete(t.active, next.ID)
	} else {
		t.active[next.ID] = next.Clone()
	}
	t.mu.Unlock()

	job.CreatedAt, job.UpdatedAt = next.CreatedAt, next.UpdatedAt

	t.hub.Broadcast(next.ID, models.EventForJob(next))
	return storeErr
}

// Create records a freshly uploaded job together with the project entry of its owner.
// Both writes are attempted; the first error is returned.
func (t *Tracker) Create(ctx context.Context, job *models.Job, owner string) error {
	putErr := t.Put(ctx, job)
	if putErr != nil && !errors.Is(putErr, store.ErrStoreUnavailable) {
		return putErr
	}

	project := &models.Project{
		JobID:     job.ID,
		Owner:     owner,
		Filename:  job.Filename,
		CreatedAt: job.CreatedAt,
	}
	if err := t.store.PutProject(ctx, project); err != nil && putErr == nil {
		return fmt.Errorf("failed to save project %s: %w", job.ID, err)
	}
	return putErr
}

// Get returns the most recent status of a job.
// store.ErrJobNotFound is a normal outcome for unknown ids.
func (t *Tracker) Get(ctx context.Context, id string) (*models.Job, error) {
	return t.current(ctx, id)
}

func (t *Tracker) current(ctx context.Context, id string) (*models.Job, error) {
	t.mu.RLock()
	job, ok := t.active[id]
	t.mu.RUnlock()
	if ok {
		return job.Clone(), nil
	}
	return t.store.GetJob(ctx, id)
}

// Watch subscribes obs to a job. The current status, if any, is delivered
// first, and no later transition is missed or repeated.
func (t *Tracker) Watch(ctx context.Context, id string, obs notify.Observer) error {
	unlock := t.locks.Lock(id)
	defer unlock()

	job, err := t.current(ctx, id)
	switch {
	case err == nil:
		event := models.EventForJob(job)
		t.hub.Subscribe(id, obs, &event)
		return nil
	case errors.Is(err, store.ErrJobNotFound):
		t.hub.Subscribe(id, obs, nil)
		return nil
	default:
		t.hub.Subscribe(id, obs, nil)
		return fmt.Errorf("failed to load job %s: %w", id, err)
	}
}

// Unwatch removes obs from a single job
func (t *Tracker) Unwatch(id string, obs notify.Observer) {
	t.hub.UnsubscribeJob(id, obs)
}

// UnwatchAll removes obs from every job it watches
func (t *Tracker) UnwatchAll(obs notify.Observer) {
	t.hub.Unsubscribe(obs)
}

// ListProjects returns the projects of owner with the current status of each job.
// An empty owner lists every project.
func (t *Tracker) ListProjects(ctx context.Context, owner string) ([]*models.ProjectSummary, error) {
	projects, err := t.store.ListProjects(ctx, owner)
	if err != nil {
		return nil, err
	}

	summaries := make([]*models.ProjectSummary, 0, len(projects))
	for _, p := range projects {
		summary := &models.ProjectSummary{
			JobID:     p.JobID,
			Filename:  p.Filename,
			CreatedAt: p.CreatedAt,
		}
		if job, err := t.current(ctx, p.JobID); err == nil {
			summary.Status = job.State
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// keyedMutex hands out one mutex per key and forgets it once unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
