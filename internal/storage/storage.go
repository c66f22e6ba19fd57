// Package storage is the orchestrator's view of the content store that keeps
// application sources, experiment branches and experiment input/output data.
package storage

import (
	"context"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
)

// Storage is implemented by the storage collaborator clients.
type Storage interface {
	// PrepareExperiment creates the experiment branch with its labels applied
	PrepareExperiment(ctx context.Context, appID, expID string, labels map[string]string) error

	GetApplicationURL(ctx context.Context, appID string) (string, error)
	GetExperimentInputURL(ctx context.Context, expID string) (string, error)
	// GetExperimentOutputURL is where the output archive gets uploaded to
	GetExperimentOutputURL(ctx context.Context, expID string) (string, error)

	RemoveExperimentData(ctx context.Context, expID string) error

	GetInputFolderTree(ctx context.Context, expID string) ([]models.FolderNode, error)
	GetExperimentSrcFolderTree(ctx context.Context, expID string) ([]models.FolderNode, error)
}
