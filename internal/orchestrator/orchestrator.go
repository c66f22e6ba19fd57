// Package orchestrator is the entry point for user intent on experiments:
// launching, resetting, destroying and reloading their trees. Everything it
// starts runs through the per-experiment task queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/provision"
	"github.com/dante-gpu/experiment-orchestrator/internal/storage"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"go.uber.org/zap"
)

// Queue is the part of the task manager the orchestrator drives.
type Queue interface {
	PushTask(ctx context.Context, key string, task *models.Task) error
	PushAndWait(ctx context.Context, key string, task *models.Task) error
	AbortQueue(ctx context.Context, key string, onActive func(task *models.Task)) <-chan struct{}
}

// LaunchRequest holds the arguments of Launch.
type LaunchRequest struct {
	ExperimentID string `json:"exp_id"`
	Nodes        int    `json:"nodes"`
	ImageID      string `json:"image_id"`
	SizeID       string `json:"size_id"`
}

// Orchestrator implements launch, reset, destroy and tree reload.
type Orchestrator struct {
	store   store.ExperimentStore
	prov    provision.Provisioner
	storage storage.Storage
	queue   Queue
	logger  *zap.Logger
}

// New creates an Orchestrator.
func New(experiments store.ExperimentStore, prov provision.Provisioner, stor storage.Storage, queue Queue, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:   experiments,
		prov:    prov,
		storage: stor,
		queue:   queue,
		logger:  logger.Named("orchestrator"),
	}
}

// Get returns the stored experiment.
func (o *Orchestrator) Get(ctx context.Context, expID string) (*models.Experiment, error) {
	return o.store.GetExperiment(ctx, expID)
}

// Launch validates req, marks the experiment launched and queues the
// instance stage. The experiment must be in status created.
func (o *Orchestrator) Launch(ctx context.Context, req LaunchRequest) error {
	if req.ExperimentID == "" {
		return models.NewValidationError("exp_id", "is required")
	}
	if req.Nodes < 1 {
		return models.NewValidationError("nodes", "must be at least 1")
	}
	if req.ImageID == "" {
		return models.NewValidationError("image_id", "is required")
	}
	if req.SizeID == "" {
		return models.NewValidationError("size_id", "is required")
	}

	exp, err := o.store.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		return err
	}
	if exp.Status != models.StatusCreated && exp.Status != "" {
		return fmt.Errorf("%w: experiment %s is %s, launch needs %s", models.ErrInvalidStatus, exp.ID, exp.Status, models.StatusCreated)
	}

	if _, err := o.prov.GetImage(ctx, req.ImageID); err != nil {
		return err
	}
	if _, err := o.prov.GetSize(ctx, req.SizeID); err != nil {
		return err
	}

	upd := store.Update().WithStatus(models.StatusLaunched).IfStatus(models.StatusCreated, "")
	if err := o.store.UpdateExperiment(ctx, exp.ID, upd); err != nil {
		if errors.Is(err, models.ErrStaleUpdate) {
			return fmt.Errorf("%w: experiment %s changed status during launch", models.ErrInvalidStatus, exp.ID)
		}
		return fmt.Errorf("marking experiment %s launched: %w", exp.ID, err)
	}

	task := models.NewTask(models.TaskTypeInstance, exp.ID, models.TaskPayload{
		InstanceConfig: &models.InstanceConfig{
			Name:    exp.ID,
			ImageID: req.ImageID,
			SizeID:  req.SizeID,
			Nodes:   req.Nodes,
		},
	})
	if err := o.queue.PushTask(ctx, exp.ID, task); err != nil {
		o.logger.Error("Failed to queue instance stage, rolling back launch",
			zap.String("experiment_id", exp.ID), zap.Error(err))
		rollback := store.Update().WithStatus(models.StatusCreated).IfStatus(models.StatusLaunched)
		if rbErr := o.store.UpdateExperiment(context.WithoutCancel(ctx), exp.ID, rollback); rbErr != nil {
			o.logger.Error("Failed to roll back launch", zap.String("experiment_id", exp.ID), zap.Error(rbErr))
		}
		return err
	}

	o.logger.Info("Experiment launched",
		zap.String("experiment_id", exp.ID),
		zap.String("image_id", req.ImageID),
		zap.String("size_id", req.SizeID),
		zap.Int("nodes", req.Nodes),
	)
	return nil
}

// Reset aborts whatever the experiment is doing and queues a reset. It
// returns once the reset is queued; the reset itself starts after the
// aborted task stopped.
func (o *Orchestrator) Reset(ctx context.Context, expID string) error {
	if _, err := o.store.GetExperiment(ctx, expID); err != nil {
		return err
	}
	o.abort(ctx, expID)

	if err := o.queue.PushTask(ctx, expID, models.NewTask(models.TaskTypeReset, expID, models.TaskPayload{})); err != nil {
		return fmt.Errorf("queueing reset of %s: %w", expID, err)
	}
	o.logger.Info("Experiment reset requested", zap.String("experiment_id", expID))
	return nil
}

// Destroy resets the experiment, removes its data from storage and deletes
// its record. It blocks until all of that is done or ctx ends; in the latter
// case the destroy still runs to completion in the background and ctx's
// error is returned.
func (o *Orchestrator) Destroy(ctx context.Context, expID string) error {
	if _, err := o.store.GetExperiment(ctx, expID); err != nil {
		return err
	}
	o.abort(ctx, expID)

	done := make(chan error, 1)
	go func() { done <- o.destroy(context.WithoutCancel(ctx), expID) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		o.logger.Warn("Caller left before destroy finished, completing in background",
			zap.String("experiment_id", expID), zap.Error(ctx.Err()))
		return fmt.Errorf("destroying %s: %w", expID, ctx.Err())
	}
}

func (o *Orchestrator) destroy(ctx context.Context, expID string) error {
	if err := o.queue.PushAndWait(ctx, expID, models.NewTask(models.TaskTypeReset, expID, models.TaskPayload{})); err != nil {
		o.logger.Error("Reset before destroy failed", zap.String("experiment_id", expID), zap.Error(err))
		return fmt.Errorf("resetting %s before destroy: %w", expID, err)
	}
	if err := o.storage.RemoveExperimentData(ctx, expID); err != nil {
		o.logger.Error("Failed to remove experiment data", zap.String("experiment_id", expID), zap.Error(err))
		return fmt.Errorf("removing data of %s: %w", expID, err)
	}
	if err := o.store.DeleteExperiment(ctx, expID); err != nil && !errors.Is(err, models.ErrExperimentNotFound) {
		o.logger.Error("Failed to delete experiment", zap.String("experiment_id", expID), zap.Error(err))
		return fmt.Errorf("deleting experiment %s: %w", expID, err)
	}
	o.logger.Info("Experiment destroyed", zap.String("experiment_id", expID))
	return nil
}

// abort empties the experiment's queue and asks the provisioner to stop the
// remote job of the active task, if it has one.
func (o *Orchestrator) abort(ctx context.Context, expID string) {
	o.queue.AbortQueue(ctx, expID, func(task *models.Task) {
		if !task.HasOutstandingJob() || task.Payload.InstanceID == "" {
			return
		}
		log := o.logger.With(
			zap.String("experiment_id", expID),
			zap.String("task_id", task.ID),
			zap.String("job_id", task.JobID),
		)
		log.Info("Aborting remote job of active task")
		if err := o.prov.AbortJob(context.WithoutCancel(ctx), task.JobID, task.Payload.InstanceID); err != nil {
			log.Warn("Failed to abort remote job", zap.Error(err))
		}
	})
}

// ReloadTree refreshes the stored input and source trees of an experiment.
func (o *Orchestrator) ReloadTree(ctx context.Context, expID string) error {
	if _, err := o.store.GetExperiment(ctx, expID); err != nil {
		return err
	}
	inputTree, err := o.storage.GetInputFolderTree(ctx, expID)
	if err != nil {
		return err
	}
	srcTree, err := o.storage.GetExperimentSrcFolderTree(ctx, expID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateExperiment(ctx, expID, store.Update().WithInputTree(inputTree).WithSrcTree(srcTree)); err != nil {
		return fmt.Errorf("storing trees of %s: %w", expID, err)
	}
	return nil
}

// CleanInstances releases experiments that no longer need the instances
// they are still attached to: deleted ones and those that are created, done
// or failed. It runs at startup and returns how many were cleaned.
func (o *Orchestrator) CleanInstances(ctx context.Context) (int, error) {
	instances, err := o.prov.ListInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing instances: %w", err)
	}

	cleaned := 0
	for _, inst := range instances {
		for _, expID := range inst.Experiments {
			exp, err := o.store.GetExperiment(ctx, expID)
			switch {
			case errors.Is(err, models.ErrExperimentNotFound):
			case err != nil:
				o.logger.Warn("Skipping experiment during instance clean-up",
					zap.String("experiment_id", expID), zap.String("inst_id", inst.ID), zap.Error(err))
				continue
			case !idle(exp.Status):
				continue
			}

			o.logger.Info("Cleaning stale experiment from instance",
				zap.String("experiment_id", expID), zap.String("inst_id", inst.ID))
			if err := o.prov.CleanExperiment(ctx, expID, inst.ID, provision.CleanAll); err != nil {
				o.logger.Error("Failed to clean experiment from instance",
					zap.String("experiment_id", expID), zap.String("inst_id", inst.ID), zap.Error(err))
				continue
			}
			cleaned++
		}
	}
	return cleaned, nil
}

// idle reports whether an experiment in status s has no use for an instance.
func idle(s models.ExperimentStatus) bool {
	return s == models.StatusCreated || s == models.StatusDone || s.IsFailed()
}
