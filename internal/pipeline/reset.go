package pipeline

import (
	"context"
	"errors"

	"github.com/dante-gpu/experiment-orchestrator/internal/logging"
	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/provision"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"go.uber.org/zap"
)

// reset releases everything the experiment holds on its instance and puts
// it back to created. Clean-up errors are logged; only a store failure makes
// the reset fail, leaving the experiment in reset_failed.
//
// A reset always runs to the end once started, so it ignores cancellation.
func (p *Pipeline) reset(ctx context.Context, task *models.Task) (*models.Task, error) {
	log := logging.FromContext(ctx, p.logger)
	bg := context.WithoutCancel(ctx)
	expID := task.Key

	exp, err := p.store.GetExperiment(bg, expID)
	if err != nil {
		if !errors.Is(err, models.ErrExperimentNotFound) {
			p.markResetFailed(bg, expID, err)
		}
		return nil, err
	}

	if err := p.store.UpdateExperiment(bg, expID, store.Update().WithStatus(models.StatusResetting)); err != nil {
		p.markResetFailed(bg, expID, err)
		return nil, err
	}

	if exp.InstanceID != "" {
		log.Info("Cleaning experiment from instance", zap.String("inst_id", exp.InstanceID))
		if err := p.prov.CleanExperiment(bg, expID, exp.InstanceID, provision.CleanAll); err != nil {
			log.Error("Failed to clean experiment during reset", zap.String("inst_id", exp.InstanceID), zap.Error(err))
		}
	}

	upd := store.Update().WithStatus(models.StatusCreated).ClearInstance().WithLogs(nil)
	if err := p.store.UpdateExperiment(bg, expID, upd); err != nil {
		p.markResetFailed(bg, expID, err)
		return nil, err
	}

	log.Info("Experiment reset")
	return nil, nil
}

func (p *Pipeline) markResetFailed(ctx context.Context, expID string, cause error) {
	p.logger.Error("Reset failed", zap.String("experiment_id", expID), zap.Error(cause))
	if err := p.store.UpdateExperiment(ctx, expID, store.Update().WithStatus(models.StatusResetFailed)); err != nil {
		p.logger.Error("Failed to mark reset failure", zap.String("experiment_id", expID), zap.Error(err))
	}
}
