// Package intake serves the orchestrator's commands over NATS
// request/reply on "<prefix>.<op>".
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/logging"
	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/orchestrator"
	"github.com/dante-gpu/experiment-orchestrator/internal/rpc"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Command operations.
const (
	OpLaunch     = "launch"
	OpReset      = "reset"
	OpDestroy    = "destroy"
	OpReloadTree = "reload_tree"
	OpGet        = "get"
)

// Service is what the intake exposes.
type Service interface {
	Launch(ctx context.Context, req orchestrator.LaunchRequest) error
	Reset(ctx context.Context, expID string) error
	Destroy(ctx context.Context, expID string) error
	ReloadTree(ctx context.Context, expID string) error
	Get(ctx context.Context, expID string) (*models.Experiment, error)
}

// ExperimentRequest names the experiment of reset, destroy, reload_tree and get.
type ExperimentRequest struct {
	ExperimentID string `json:"exp_id"`
}

var _ Service = (*orchestrator.Orchestrator)(nil)

// Intake subscribes the command handlers.
type Intake struct {
	nc      *nats.Conn
	svc     Service
	prefix  string
	queue   string
	timeout time.Duration
	logger  *zap.Logger

	subs []*nats.Subscription
}

// New creates an Intake. timeout bounds every command.
func New(nc *nats.Conn, svc Service, prefix, queue string, timeout time.Duration, logger *zap.Logger) *Intake {
	return &Intake{
		nc:      nc,
		svc:     svc,
		prefix:  prefix,
		queue:   queue,
		timeout: timeout,
		logger:  logger.Named("intake"),
	}
}

// Start subscribes every command subject.
func (i *Intake) Start() error {
	for op, handler := range i.handlers() {
		sub, err := rpc.Serve(i.nc, i.prefix+"."+op, i.queue, i.timeout, i.logged(op, handler), i.logger)
		if err != nil {
			i.Stop()
			return err
		}
		i.subs = append(i.subs, sub)
	}
	return nil
}

// Stop drains the command subscriptions.
func (i *Intake) Stop() {
	for _, sub := range i.subs {
		if err := sub.Drain(); err != nil {
			i.logger.Warn("Failed to drain command subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	i.subs = nil
}

func (i *Intake) handlers() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		OpLaunch: func(ctx context.Context, payload json.RawMessage) (any, error) {
			var req orchestrator.LaunchRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return nil, i.svc.Launch(ctx, req)
		},
		OpReset: i.withExperiment(func(ctx context.Context, expID string) (any, error) {
			return nil, i.svc.Reset(ctx, expID)
		}),
		OpDestroy: i.withExperiment(func(ctx context.Context, expID string) (any, error) {
			return nil, i.svc.Destroy(ctx, expID)
		}),
		OpReloadTree: i.withExperiment(func(ctx context.Context, expID string) (any, error) {
			return nil, i.svc.ReloadTree(ctx, expID)
		}),
		OpGet: i.withExperiment(func(ctx context.Context, expID string) (any, error) {
			return i.svc.Get(ctx, expID)
		}),
	}
}

func (i *Intake) withExperiment(fn func(ctx context.Context, expID string) (any, error)) rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req ExperimentRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.ExperimentID == "" {
			return nil, models.NewValidationError("exp_id", "is required")
		}
		return fn(logging.WithExperimentID(ctx, req.ExperimentID), req.ExperimentID)
	}
}

// logged tags each command with a correlation id and logs its outcome.
func (i *Intake) logged(op string, next rpc.HandlerFunc) rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		ctx, _ = logging.NewCorrelationID(ctx)
		start := time.Now()

		result, err := next(ctx, payload)

		log := logging.FromContext(ctx, i.logger).With(
			zap.String("op", op),
			zap.Duration("duration", time.Since(start)),
		)
		if err != nil {
			log.Warn("Command failed", zap.String("code", rpc.CodeFor(err)), zap.Error(err))
		} else {
			log.Info("Command served")
		}
		return result, err
	}
}

func decode(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return models.NewValidationError("payload", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}
