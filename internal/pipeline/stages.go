package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dante-gpu/experiment-orchestrator/internal/logging"
	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/provision"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/dante-gpu/experiment-orchestrator/internal/taskmanager"
	"go.uber.org/zap"
)

// instance requests the experiment's instance and attaches the experiment
// to it.
func (p *Pipeline) instance(ctx context.Context, task *models.Task) (*models.Task, error) {
	log := logging.FromContext(ctx, p.logger)
	cfg := task.Payload.InstanceConfig
	if cfg == nil {
		return nil, models.NewValidationError("inst_cfg", "missing instance configuration")
	}

	exp, err := p.store.GetExperiment(ctx, task.Key)
	if err != nil {
		return nil, err
	}
	if exp.Status != models.StatusLaunched {
		return nil, fmt.Errorf("%w: instance stage needs %s, experiment is %s", models.ErrInvalidStatus, models.StatusLaunched, exp.Status)
	}

	log.Info("Requesting instance", zap.String("image_id", cfg.ImageID), zap.String("size_id", cfg.SizeID), zap.Int("nodes", cfg.Nodes))
	instID, err := p.prov.RequestInstance(ctx, cfg.Name, cfg.ImageID, cfg.SizeID, cfg.Nodes)
	if err != nil {
		return nil, err
	}

	// Recorded before anything can stop the stage so that a reset releases it.
	bg := context.WithoutCancel(ctx)
	if err := p.store.UpdateExperiment(bg, task.Key, store.Update().WithInstanceID(instID)); err != nil {
		p.releasePartialInstance(bg, task.Key, instID)
		return nil, err
	}
	log = log.With(zap.String("inst_id", instID))

	if err := p.prov.AddExperiment(ctx, task.Key, instID); err != nil {
		if taskmanager.Checkpoint(ctx) == nil {
			p.releasePartialInstance(bg, task.Key, instID)
		}
		return nil, err
	}
	if err := taskmanager.Checkpoint(ctx); err != nil {
		return nil, err
	}

	log.Info("Instance ready")
	return nextTask(task, instID), nil
}

// releasePartialInstance destroys an instance the instance stage created but
// could not hand over.
func (p *Pipeline) releasePartialInstance(ctx context.Context, expID, instID string) {
	if err := p.prov.CleanExperiment(ctx, expID, instID, provision.CleanAll); err != nil {
		p.logger.Error("Failed to release instance of failed instance stage",
			zap.String("experiment_id", expID),
			zap.String("inst_id", instID),
			zap.Error(err),
		)
	}
}

// prepare applies the application and built-in labels to the experiment
// branch.
func (p *Pipeline) prepare(ctx context.Context, task *models.Task) (*models.Task, error) {
	log := logging.FromContext(ctx, p.logger)
	instID := task.Payload.InstanceID

	exp, err := p.store.GetExperiment(ctx, task.Key)
	if err != nil {
		return nil, err
	}
	app, err := p.store.GetApplication(ctx, exp.AppID)
	if err != nil {
		return nil, err
	}
	inst, err := p.prov.GetInstance(ctx, instID, true, true)
	if err != nil {
		return nil, err
	}
	if err := taskmanager.Checkpoint(ctx); err != nil {
		return nil, err
	}

	labels, err := buildLabels(exp, app, inst)
	if err != nil {
		return nil, err
	}
	if err := p.storage.PrepareExperiment(ctx, app.ID, exp.ID, labels); err != nil {
		return nil, err
	}
	if err := taskmanager.Checkpoint(ctx); err != nil {
		return nil, err
	}

	log.Info("Experiment prepared", zap.Int("labels", len(labels)))
	return nextTask(task, instID), nil
}

// buildLabels merges the application's labels (defaulting to "") with the
// experiment's and the built-in # labels describing the instance.
func buildLabels(exp *models.Experiment, app *models.Application, inst *models.Instance) (map[string]string, error) {
	if inst.Image == nil || inst.Size == nil {
		return nil, models.NewRemoteError("getInstance", inst.ID, fmt.Errorf("instance is missing image or size"))
	}

	labels := make(map[string]string, len(exp.Labels)+len(app.Labels)+10)
	for _, name := range app.Labels {
		labels[name] = ""
	}
	for name, value := range exp.Labels {
		labels[name] = value
	}

	nodes := inst.Nodes
	labels["#EXPERIMENT_ID"] = exp.ID
	labels["#EXPERIMENT_NAME"] = strings.ReplaceAll(exp.Name, " ", "_")
	labels["#APPLICATION_ID"] = app.ID
	labels["#APPLICATION_NAME"] = strings.ReplaceAll(app.Name, " ", "_")
	labels["#INPUTPATH"] = inst.Image.InputDir(exp.ID)
	labels["#LIBPATH"] = inst.Image.LibPath
	labels["#TMPPATH"] = inst.Image.TmpPath
	labels["#CPUS"] = strconv.Itoa(inst.Size.CPUs)
	labels["#NODES"] = strconv.Itoa(nodes)
	labels["#TOTALCPUS"] = strconv.Itoa(inst.Size.CPUs * nodes)
	return labels, nil
}

// deploy checks out the experiment branch, copies its input data and writes
// the initial status file, then waits for the poll to confirm it.
func (p *Pipeline) deploy(ctx context.Context, task *models.Task) (*models.Task, error) {
	log := logging.FromContext(ctx, p.logger)
	instID := task.Payload.InstanceID

	exp, err := p.store.GetExperiment(ctx, task.Key)
	if err != nil {
		return nil, err
	}
	if exp.Status != models.StatusLaunched && exp.Status != models.StatusDeployed {
		return nil, fmt.Errorf("%w: deploy needs %s, experiment is %s", models.ErrInvalidStatus, models.StatusLaunched, exp.Status)
	}
	appURL, err := p.storage.GetApplicationURL(ctx, exp.AppID)
	if err != nil {
		return nil, err
	}
	inputURL, err := p.storage.GetExperimentInputURL(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	inst, err := p.prov.GetInstance(ctx, instID, true, false)
	if err != nil {
		return nil, err
	}
	if inst.Image == nil {
		return nil, models.NewRemoteError("getInstance", instID, fmt.Errorf("instance has no image"))
	}

	// A deploy interrupted by a restart starts over.
	if task.HasOutstandingJob() {
		log.Info("Aborting job of interrupted deploy", zap.String("job_id", task.JobID))
		if err := p.prov.AbortJob(ctx, task.JobID, instID); err != nil {
			return nil, err
		}
		if err := p.jobs.SetTaskJob(ctx, task, ""); err != nil {
			return nil, err
		}
	}

	workDir := inst.Image.WorkDir(exp.ID)
	steps := []struct {
		name, script, dir string
	}{
		{"clone", cloneCommand(inst.Image, exp.ID, appURL), inst.Image.WorkPath},
		{"input", inputCommand(inst.Image, exp.ID, inputURL), workDir},
		{"status", statusInitCommand(workDir), workDir},
	}
	for _, step := range steps {
		if err := taskmanager.Checkpoint(ctx); err != nil {
			return nil, err
		}
		log.Debug("Deploy step", zap.String("step", step.name))
		if err := p.runJob(ctx, task, instID, step.script, step.dir, 1); err != nil {
			return nil, fmt.Errorf("deploy step %s: %w", step.name, err)
		}
	}

	status, err := p.poller.Poll(ctx, exp.ID, false)
	if err != nil {
		return nil, err
	}
	if status != models.StatusDeployed {
		return nil, fmt.Errorf("failed to deploy experiment, status: %s", status)
	}

	log.Info("Experiment deployed")
	return nextTask(task, instID), nil
}

// runJob starts a job, records it on the task and waits for it.
func (p *Pipeline) runJob(ctx context.Context, task *models.Task, instID, script, workDir string, nodes int) error {
	jobID, err := p.prov.ExecuteJob(ctx, instID, script, workDir, nodes)
	if err != nil {
		return err
	}
	if err := p.jobs.SetTaskJob(ctx, task, jobID); err != nil {
		return err
	}
	if err := taskmanager.Checkpoint(ctx); err != nil {
		return err
	}

	if err := p.waitJob(ctx, jobID, instID); err != nil {
		return err
	}
	if err := p.jobs.SetTaskJob(ctx, task, ""); err != nil {
		return err
	}
	return taskmanager.Checkpoint(ctx)
}

func (p *Pipeline) waitJob(ctx context.Context, jobID, instID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()
	if err := p.prov.WaitJob(waitCtx, jobID, instID); err != nil {
		return fmt.Errorf("waiting for job %s: %w", jobID, err)
	}
	return nil
}

// compile runs the application's build script on the head node.
func (p *Pipeline) compile(ctx context.Context, task *models.Task) (*models.Task, error) {
	return p.runScript(ctx, task, compileSpec, func(app *models.Application) string { return app.CreationScript }, false)
}

// execute runs the application's run script across all nodes.
func (p *Pipeline) execute(ctx context.Context, task *models.Task) (*models.Task, error) {
	return p.runScript(ctx, task, executeSpec, func(app *models.Application) string { return app.ExecutionScript }, true)
}

// runScript starts the wrapped script unless the task already has a job
// (the stage is resuming after a restart), then waits for it and requires
// the succeeded status.
func (p *Pipeline) runScript(ctx context.Context, task *models.Task, spec scriptSpec, script func(*models.Application) string, allNodes bool) (*models.Task, error) {
	log := logging.FromContext(ctx, p.logger)
	instID := task.Payload.InstanceID

	exp, err := p.store.GetExperiment(ctx, task.Key)
	if err != nil {
		return nil, err
	}
	app, err := p.store.GetApplication(ctx, exp.AppID)
	if err != nil {
		return nil, err
	}
	inst, err := p.prov.GetInstance(ctx, instID, true, false)
	if err != nil {
		return nil, err
	}
	if inst.Image == nil {
		return nil, models.NewRemoteError("getInstance", instID, fmt.Errorf("instance has no image"))
	}
	if err := taskmanager.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if task.HasOutstandingJob() {
		log.Info("Resuming wait on running job", zap.String("job_id", task.JobID))
	} else {
		nodes := 1
		if allNodes {
			nodes = inst.Nodes
		}
		workDir := inst.Image.WorkDir(exp.ID)
		jobID, err := p.prov.ExecuteJob(ctx, instID, wrapScript(spec, workDir, script(app)), workDir, nodes)
		if err != nil {
			return nil, err
		}
		if err := p.jobs.SetTaskJob(ctx, task, jobID); err != nil {
			return nil, err
		}
		log.Info("Job started", zap.String("job_id", jobID), zap.Int("nodes", nodes))
		if err := taskmanager.Checkpoint(ctx); err != nil {
			return nil, err
		}
	}

	if _, err := p.poller.Poll(ctx, exp.ID, false); err != nil {
		return nil, err
	}
	if err := p.waitJob(ctx, task.JobID, instID); err != nil {
		return nil, err
	}
	status, err := p.poller.Poll(ctx, exp.ID, true)
	if err != nil {
		return nil, err
	}
	if err := p.jobs.SetTaskJob(ctx, task, ""); err != nil {
		return nil, err
	}
	if err := taskmanager.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if status != spec.succeeded {
		return nil, fmt.Errorf("job finished with status %s, want %s", status, spec.succeeded)
	}
	log.Info("Job finished", zap.String("status", string(status)))
	return nextTask(task, instID), nil
}

// retrieve uploads the output archive to storage, marks the experiment done
// and releases the instance.
func (p *Pipeline) retrieve(ctx context.Context, task *models.Task) (*models.Task, error) {
	log := logging.FromContext(ctx, p.logger)
	instID := task.Payload.InstanceID

	inst, err := p.prov.GetInstance(ctx, instID, true, false)
	if err != nil {
		return nil, err
	}
	if inst.Image == nil {
		return nil, models.NewRemoteError("getInstance", instID, fmt.Errorf("instance has no image"))
	}
	url, err := p.storage.GetExperimentOutputURL(ctx, task.Key)
	if err != nil {
		return nil, err
	}
	if err := taskmanager.Checkpoint(ctx); err != nil {
		return nil, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, p.opts.CommandTimeout)
	defer cancel()
	out, err := p.prov.ExecuteCommand(cmdCtx, instID, uploadCommand(inst.Image.WorkDir(task.Key), url))
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, models.NewRemoteError("uploadOutput", instID,
			fmt.Errorf("exit code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr)))
	}
	if err := taskmanager.Checkpoint(ctx); err != nil {
		return nil, err
	}

	// The instance is released before the final write, and done lands together
	// with the cleared instance so a poll still holding instID cannot overwrite it.
	bg := context.WithoutCancel(ctx)
	if err := p.prov.CleanExperiment(bg, task.Key, instID, provision.CleanAll); err != nil {
		log.Error("Failed to release instance of finished experiment", zap.String("inst_id", instID), zap.Error(err))
	}
	if err := p.store.UpdateExperiment(bg, task.Key, store.Update().WithStatus(models.StatusDone).ClearInstance()); err != nil {
		return nil, err
	}

	log.Info("Experiment done")
	return nil, nil
}
