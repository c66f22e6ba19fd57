// Package provision is the orchestrator's view of the instance manager that
// creates clusters and runs commands and jobs on them.
package provision

import (
	"context"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
)

// CommandOutput is the result of a short remote command.
type CommandOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// CleanOptions selects what CleanExperiment releases.
type CleanOptions struct {
	Code   bool `json:"code"`   // work directory (sources, build, outputs)
	Input  bool `json:"input"`  // copied input data
	Jobs   bool `json:"jobs"`   // running jobs of the experiment
	Detach bool `json:"detach"` // detach the experiment; the instance is destroyed once nothing is attached
}

// CleanAll releases everything an experiment holds on an instance.
var CleanAll = CleanOptions{Code: true, Input: true, Jobs: true, Detach: true}

// Provisioner is implemented by the instance manager backends.
type Provisioner interface {
	GetImage(ctx context.Context, imageID string) (*models.Image, error)
	GetSize(ctx context.Context, sizeID string) (*models.Size, error)

	// RequestInstance creates a cluster of nodes members and returns its id
	RequestInstance(ctx context.Context, name, imageID, sizeID string, nodes int) (string, error)
	GetInstance(ctx context.Context, instanceID string, withImage, withSize bool) (*models.Instance, error)
	ListInstances(ctx context.Context) ([]*models.Instance, error)

	// AddExperiment attaches an experiment to an instance
	AddExperiment(ctx context.Context, expID, instanceID string) error

	// ExecuteJob starts script in workDir without waiting and returns the job id
	ExecuteJob(ctx context.Context, instanceID, script, workDir string, nodes int) (string, error)
	// WaitJob blocks until the job finished, whatever its exit code
	WaitJob(ctx context.Context, jobID, instanceID string) error
	AbortJob(ctx context.Context, jobID, instanceID string) error

	// ExecuteCommand runs a short command on the head node and waits for it
	ExecuteCommand(ctx context.Context, instanceID, cmd string) (CommandOutput, error)

	CleanExperiment(ctx context.Context, expID, instanceID string, opts CleanOptions) error
}
