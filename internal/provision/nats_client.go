package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/rpc"
	"go.uber.org/zap"
)

// NATSClient reaches a remote instance manager over NATS request/reply.
type NATSClient struct {
	rpc          *rpc.Client
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewNATSClient creates a client. Job completion is polled every pollInterval.
func NewNATSClient(client *rpc.Client, pollInterval time.Duration, logger *zap.Logger) *NATSClient {
	return &NATSClient{rpc: client, pollInterval: pollInterval, logger: logger.Named("provisioner")}
}

type jobState struct {
	Running  bool `json:"running"`
	ExitCode int  `json:"exit_code"`
}

func (c *NATSClient) call(ctx context.Context, op, target string, args, result any) error {
	if err := c.rpc.Call(ctx, op, args, result); err != nil {
		return models.NewRemoteError(op, target, err)
	}
	return nil
}

func (c *NATSClient) GetImage(ctx context.Context, imageID string) (*models.Image, error) {
	var img models.Image
	if err := c.call(ctx, "get_image", imageID, map[string]string{"image_id": imageID}, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (c *NATSClient) GetSize(ctx context.Context, sizeID string) (*models.Size, error) {
	var size models.Size
	if err := c.call(ctx, "get_size", sizeID, map[string]string{"size_id": sizeID}, &size); err != nil {
		return nil, err
	}
	return &size, nil
}

func (c *NATSClient) RequestInstance(ctx context.Context, name, imageID, sizeID string, nodes int) (string, error) {
	args := models.InstanceConfig{Name: name, ImageID: imageID, SizeID: sizeID, Nodes: nodes}
	var reply struct {
		InstanceID string `json:"inst_id"`
	}
	if err := c.call(ctx, "request_instance", name, args, &reply); err != nil {
		return "", err
	}
	if reply.InstanceID == "" {
		return "", models.NewRemoteError("request_instance", name, fmt.Errorf("empty instance id in reply"))
	}
	return reply.InstanceID, nil
}

func (c *NATSClient) GetInstance(ctx context.Context, instanceID string, withImage, withSize bool) (*models.Instance, error) {
	args := map[string]any{"inst_id": instanceID, "with_image": withImage, "with_size": withSize}
	var inst models.Instance
	if err := c.call(ctx, "get_instance", instanceID, args, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *NATSClient) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	var insts []*models.Instance
	if err := c.call(ctx, "list_instances", "", struct{}{}, &insts); err != nil {
		return nil, err
	}
	return insts, nil
}

func (c *NATSClient) AddExperiment(ctx context.Context, expID, instanceID string) error {
	args := map[string]string{"exp_id": expID, "inst_id": instanceID}
	return c.call(ctx, "add_experiment", instanceID, args, nil)
}

func (c *NATSClient) ExecuteJob(ctx context.Context, instanceID, script, workDir string, nodes int) (string, error) {
	args := map[string]any{"inst_id": instanceID, "script": script, "work_dir": workDir, "nodes": nodes}
	var reply struct {
		JobID string `json:"job_id"`
	}
	if err := c.call(ctx, "execute_job", instanceID, args, &reply); err != nil {
		return "", err
	}
	return reply.JobID, nil
}

// WaitJob polls the job state until the job stopped running.
func (c *NATSClient) WaitJob(ctx context.Context, jobID, instanceID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	args := map[string]string{"job_id": jobID, "inst_id": instanceID}
	for {
		var state jobState
		if err := c.call(ctx, "job_status", instanceID, args, &state); err != nil {
			return err
		}
		if !state.Running {
			c.logger.Debug("Job finished",
				zap.String("job_id", jobID),
				zap.String("inst_id", instanceID),
				zap.Int("exit_code", state.ExitCode),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *NATSClient) AbortJob(ctx context.Context, jobID, instanceID string) error {
	args := map[string]string{"job_id": jobID, "inst_id": instanceID}
	return c.call(ctx, "abort_job", instanceID, args, nil)
}

func (c *NATSClient) ExecuteCommand(ctx context.Context, instanceID, cmd string) (CommandOutput, error) {
	args := map[string]string{"inst_id": instanceID, "cmd": cmd}
	var out CommandOutput
	if err := c.call(ctx, "execute_command", instanceID, args, &out); err != nil {
		return CommandOutput{}, err
	}
	return out, nil
}

func (c *NATSClient) CleanExperiment(ctx context.Context, expID, instanceID string, opts CleanOptions) error {
	args := struct {
		ExpID      string `json:"exp_id"`
		InstanceID string `json:"inst_id"`
		CleanOptions
	}{ExpID: expID, InstanceID: instanceID, CleanOptions: opts}
	return c.call(ctx, "clean_experiment", instanceID, args, nil)
}

var _ Provisioner = (*NATSClient)(nil)
