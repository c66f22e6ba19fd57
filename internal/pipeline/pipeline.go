// Package pipeline implements the experiment stage handlers run by the task
// manager: instance, prepare, deploy, compile, execute, retrieve and reset.
package pipeline

import (
	"context"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/logging"
	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/provision"
	"github.com/dante-gpu/experiment-orchestrator/internal/storage"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/dante-gpu/experiment-orchestrator/internal/taskmanager"
	"go.uber.org/zap"
)

// Poller refreshes an experiment's status from its instance.
type Poller interface {
	Poll(ctx context.Context, expID string, force bool) (models.ExperimentStatus, error)
}

// JobRecorder persists the remote job a task is waiting on.
type JobRecorder interface {
	SetTaskJob(ctx context.Context, task *models.Task, jobID string) error
}

// Options bounds the remote waits of the stages.
type Options struct {
	JobTimeout     time.Duration // one remote job
	CommandTimeout time.Duration // one short remote command
}

// Transition describes how a stage continues and how it fails.
type Transition struct {
	Next           models.TaskType // "" for the last stage
	FailStatus     models.ExperimentStatus
	CleanOnFailure bool
}

// Transitions is the stage table of the experiment pipeline.
var Transitions = map[models.TaskType]Transition{
	models.TaskTypeInstance: {Next: models.TaskTypePrepare, FailStatus: models.StatusFailedInstance},
	models.TaskTypePrepare:  {Next: models.TaskTypeDeploy, FailStatus: models.StatusFailedPrepare, CleanOnFailure: true},
	models.TaskTypeDeploy:   {Next: models.TaskTypeCompile, FailStatus: models.StatusFailedDeploy, CleanOnFailure: true},
	models.TaskTypeCompile:  {Next: models.TaskTypeExecute, FailStatus: models.StatusFailedCompilation, CleanOnFailure: true},
	models.TaskTypeExecute:  {Next: models.TaskTypeRetrieve, FailStatus: models.StatusFailedExecution, CleanOnFailure: true},
	models.TaskTypeRetrieve: {FailStatus: models.StatusFailedRetrieve, CleanOnFailure: true},
}

type stageFunc func(ctx context.Context, task *models.Task) (*models.Task, error)

// Pipeline holds the collaborators the stages work with.
type Pipeline struct {
	store   store.Store
	prov    provision.Provisioner
	storage storage.Storage
	poller  Poller
	jobs    JobRecorder
	opts    Options
	logger  *zap.Logger
}

// New creates a Pipeline.
func New(st store.Store, prov provision.Provisioner, stor storage.Storage, poller Poller, jobs JobRecorder, opts Options, logger *zap.Logger) *Pipeline {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 24 * time.Hour
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Minute
	}
	return &Pipeline{
		store:   st,
		prov:    prov,
		storage: stor,
		poller:  poller,
		jobs:    jobs,
		opts:    opts,
		logger:  logger.Named("pipeline"),
	}
}

// Register installs the stage and reset handlers on m.
func (p *Pipeline) Register(m *taskmanager.Manager) {
	stages := map[models.TaskType]stageFunc{
		models.TaskTypeInstance: p.instance,
		models.TaskTypePrepare:  p.prepare,
		models.TaskTypeDeploy:   p.deploy,
		models.TaskTypeCompile:  p.compile,
		models.TaskTypeExecute:  p.execute,
		models.TaskTypeRetrieve: p.retrieve,
	}
	for taskType, run := range stages {
		m.SetTaskHandler(taskType, p.Handler(taskType, run))
	}
	m.SetTaskHandler(models.TaskTypeReset, p.reset)
}

// Handler wraps a stage: a failure marks the stage's failed status, after
// releasing the instance where the stage has one. An abort or a shutdown is
// passed through untouched; whoever interrupted the task owns the status.
func (p *Pipeline) Handler(taskType models.TaskType, run stageFunc) taskmanager.Handler {
	tr := Transitions[taskType]
	return func(ctx context.Context, task *models.Task) (*models.Task, error) {
		next, err := run(ctx, task)
		if err == nil {
			return next, nil
		}
		if cause := taskmanager.Checkpoint(ctx); cause != nil {
			return nil, cause
		}
		if models.IsInterrupted(err) {
			return nil, err
		}
		return nil, p.fail(ctx, task, tr, err)
	}
}

func (p *Pipeline) fail(ctx context.Context, task *models.Task, tr Transition, cause error) error {
	bg := context.WithoutCancel(ctx)
	log := logging.FromContext(ctx, p.logger)
	expID := task.Key

	instID := task.Payload.InstanceID
	if instID == "" {
		if exp, err := p.store.GetExperiment(bg, expID); err == nil {
			instID = exp.InstanceID
		}
	}

	if tr.CleanOnFailure && instID != "" {
		if err := p.prov.CleanExperiment(bg, expID, instID, provision.CleanAll); err != nil {
			log.Error("Failed to clean instance after stage failure", zap.String("inst_id", instID), zap.Error(err))
		}
	}

	upd := store.Update().WithStatus(tr.FailStatus).ClearInstance()
	if err := p.store.UpdateExperiment(bg, expID, upd); err != nil {
		log.Error("Failed to record stage failure", zap.String("status", string(tr.FailStatus)), zap.Error(err))
	}

	log.Warn("Stage failed", zap.String("status", string(tr.FailStatus)), zap.Error(cause))
	return &models.StageError{Stage: task.Type, Status: tr.FailStatus, Err: cause}
}

// nextTask builds the task following task's stage on the same instance.
func nextTask(task *models.Task, instID string) *models.Task {
	tr := Transitions[task.Type]
	if tr.Next == "" {
		return nil
	}
	return models.NewTask(tr.Next, task.Key, models.TaskPayload{InstanceID: instID})
}
