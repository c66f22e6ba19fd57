package storage

import (
	"context"
	"fmt"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/rpc"
)

// NATSClient reaches the storage service over NATS request/reply.
type NATSClient struct {
	rpc *rpc.Client
}

// NewNATSClient creates a storage client on top of an rpc client.
func NewNATSClient(client *rpc.Client) *NATSClient {
	return &NATSClient{rpc: client}
}

type urlReply struct {
	URL string `json:"url"`
}

func (c *NATSClient) call(ctx context.Context, op, target string, args, result any) error {
	if err := c.rpc.Call(ctx, op, args, result); err != nil {
		return models.NewRemoteError(op, target, err)
	}
	return nil
}

func (c *NATSClient) url(ctx context.Context, op, target string, args any) (string, error) {
	var reply urlReply
	if err := c.call(ctx, op, target, args, &reply); err != nil {
		return "", err
	}
	if reply.URL == "" {
		return "", models.NewRemoteError(op, target, fmt.Errorf("empty url in reply"))
	}
	return reply.URL, nil
}

func (c *NATSClient) PrepareExperiment(ctx context.Context, appID, expID string, labels map[string]string) error {
	args := map[string]any{"app_id": appID, "exp_id": expID, "labels": labels}
	return c.call(ctx, "prepare_experiment", expID, args, nil)
}

func (c *NATSClient) GetApplicationURL(ctx context.Context, appID string) (string, error) {
	return c.url(ctx, "get_application_url", appID, map[string]string{"app_id": appID})
}

func (c *NATSClient) GetExperimentInputURL(ctx context.Context, expID string) (string, error) {
	return c.url(ctx, "get_experiment_input_url", expID, map[string]string{"exp_id": expID})
}

func (c *NATSClient) GetExperimentOutputURL(ctx context.Context, expID string) (string, error) {
	return c.url(ctx, "get_experiment_output_url", expID, map[string]string{"exp_id": expID})
}

func (c *NATSClient) RemoveExperimentData(ctx context.Context, expID string) error {
	return c.call(ctx, "remove_experiment_data", expID, map[string]string{"exp_id": expID}, nil)
}

func (c *NATSClient) GetInputFolderTree(ctx context.Context, expID string) ([]models.FolderNode, error) {
	var tree []models.FolderNode
	if err := c.call(ctx, "get_input_tree", expID, map[string]string{"exp_id": expID}, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (c *NATSClient) GetExperimentSrcFolderTree(ctx context.Context, expID string) ([]models.FolderNode, error) {
	var tree []models.FolderNode
	if err := c.call(ctx, "get_src_tree", expID, map[string]string{"exp_id": expID}, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

var _ Storage = (*NATSClient)(nil)
