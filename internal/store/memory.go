package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
)

// InMemoryStore keeps tasks, experiments and applications in maps guarded by
// a RWMutex. It backs the memory database backend and the package tests.
type InMemoryStore struct {
	mu           sync.RWMutex
	tasks        map[string]*storedTask
	seq          int64
	experiments  map[string]*models.Experiment
	applications map[string]*models.Application
}

type storedTask struct {
	seq  int64
	task models.Task
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:        make(map[string]*storedTask),
		experiments:  make(map[string]*models.Experiment),
		applications: make(map[string]*models.Application),
	}
}

// Ping always succeeds for the in-memory store.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing; there are no external resources.
func (s *InMemoryStore) Close() {}

// SaveTask inserts or replaces a task, keeping its original push position.
func (s *InMemoryStore) SaveTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[task.ID]; ok {
		existing.task = *task
		return nil
	}
	s.seq++
	s.tasks[task.ID] = &storedTask{seq: s.seq, task: *task}
	return nil
}

func (s *InMemoryStore) UpdateTaskJobID(ctx context.Context, taskID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return models.ErrTaskNotFound
	}
	st.task.JobID = jobID
	return nil
}

func (s *InMemoryStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, taskID)
	return nil
}

func (s *InMemoryStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := make([]*storedTask, 0, len(s.tasks))
	for _, st := range s.tasks {
		stored = append(stored, st)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })

	out := make([]*models.Task, len(stored))
	for i, st := range stored {
		t := st.task
		out[i] = &t
	}
	return out, nil
}

func (s *InMemoryStore) CreateExperiment(ctx context.Context, exp *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := exp.Clone()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Logs == nil {
		c.Logs = []models.ExperimentLog{}
	}
	s.experiments[exp.ID] = c
	return nil
}

func (s *InMemoryStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, models.ErrExperimentNotFound
	}
	return exp.Clone(), nil
}

func (s *InMemoryStore) ListExperimentsByStatus(ctx context.Context, statuses ...models.ExperimentStatus) ([]*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[models.ExperimentStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []*models.Experiment
	for _, exp := range s.experiments {
		if len(wanted) == 0 || wanted[exp.Status] {
			out = append(out, exp.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) UpdateExperiment(ctx context.Context, id string, upd ExperimentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.experiments[id]
	if !ok {
		return models.ErrExperimentNotFound
	}
	if upd.ExpectInstanceID != nil && exp.InstanceID != *upd.ExpectInstanceID {
		return models.ErrStaleUpdate
	}
	if !upd.matchesStatus(exp.Status) {
		return models.ErrStaleUpdate
	}
	upd.apply(exp)
	exp.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) DeleteExperiment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[id]; !ok {
		return models.ErrExperimentNotFound
	}
	delete(s.experiments, id)
	return nil
}

func (s *InMemoryStore) SaveApplication(ctx context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *app
	c.Labels = append([]string(nil), app.Labels...)
	s.applications[app.ID] = &c
	return nil
}

func (s *InMemoryStore) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[id]
	if !ok {
		return nil, models.ErrApplicationNotFound
	}
	c := *app
	c.Labels = append([]string(nil), app.Labels...)
	return &c, nil
}

var _ Store = (*InMemoryStore)(nil)
