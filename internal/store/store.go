package store

import (
	"context"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
)

// TaskStore persists queued and active tasks so they can be redispatched
// after a restart. A task is deleted once it reaches a terminal outcome.
type TaskStore interface {
	// SaveTask inserts or replaces a task
	SaveTask(ctx context.Context, task *models.Task) error

	// UpdateTaskJobID records (or clears, with "") the outstanding remote job of a task
	UpdateTaskJobID(ctx context.Context, taskID, jobID string) error

	// DeleteTask removes a task. Deleting an unknown task is not an error.
	DeleteTask(ctx context.Context, taskID string) error

	// ListTasks returns every persisted task in push order
	ListTasks(ctx context.Context) ([]*models.Task, error)
}

// ExperimentStore persists experiment records. Updates are field level so
// the active handler and the polling coordinator can write disjoint fields.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, exp *models.Experiment) error

	// GetExperiment returns models.ErrExperimentNotFound for unknown ids
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)

	ListExperimentsByStatus(ctx context.Context, statuses ...models.ExperimentStatus) ([]*models.Experiment, error)

	// UpdateExperiment applies the set fields of upd atomically
	UpdateExperiment(ctx context.Context, id string, upd ExperimentUpdate) error

	DeleteExperiment(ctx context.Context, id string) error
}

// ApplicationStore reads the applications experiments are built from.
type ApplicationStore interface {
	SaveApplication(ctx context.Context, app *models.Application) error

	// GetApplication returns models.ErrApplicationNotFound for unknown ids
	GetApplication(ctx context.Context, id string) (*models.Application, error)
}

// Store bundles every persistence concern of the orchestrator.
type Store interface {
	TaskStore
	ExperimentStore
	ApplicationStore

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	// Close cleans up any resources used by the store
	Close()
}
