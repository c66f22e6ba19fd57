package nats_client

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect connects to NATS with the reconnect behaviour the orchestrator
// relies on: command intake and collaborator calls survive server restarts.
func Connect(natsAddress string, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Connecting to NATS server", zap.String("address", natsAddress))

	nc, err := nats.Connect(
		natsAddress,
		nats.Name("experiment-orchestrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(50),
		nats.ReconnectWait(5*time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Warn("NATS disconnected (no specific error)")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject), zap.String("queue_group", sub.Queue))
			}
			logger.Error("NATS async error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsAddress, err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// ConnectJetStream returns a JetStream context on nc.
func ConnectJetStream(nc *nats.Conn, logger *zap.Logger) (nats.JetStreamContext, error) {
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	logger.Info("Obtained NATS JetStream context")
	return js, nil
}

// StreamOptions describes the JetStream stream status events are kept in.
type StreamOptions struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	Replicas int
}

func (o StreamOptions) config() *nats.StreamConfig {
	replicas := o.Replicas
	if replicas < 1 {
		replicas = 1
	}
	return &nats.StreamConfig{
		Name:      o.Name,
		Subjects:  o.Subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    o.MaxAge,
		Replicas:  replicas,
	}
}

// missingSubjects returns the subjects of want absent from have.
func missingSubjects(have, want []string) []string {
	present := make(map[string]bool, len(have))
	for _, s := range have {
		present[s] = true
	}
	var missing []string
	for _, s := range want {
		if !present[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

// EnsureStream creates the stream when it does not exist yet. An existing
// stream is updated when it does not cover opts.Subjects or keeps events for
// a different time.
func EnsureStream(js nats.JetStreamContext, opts StreamOptions, logger *zap.Logger) error {
	log := logger.With(zap.String("stream_name", opts.Name))
	log.Info("Ensuring NATS JetStream stream exists", zap.Strings("subjects", opts.Subjects), zap.Duration("max_age", opts.MaxAge))

	streamInfo, err := js.StreamInfo(opts.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := js.AddStream(opts.config()); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", opts.Name, err)
		}
		log.Info("Created NATS JetStream stream")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream info for %s: %w", opts.Name, err)
	}

	missing := missingSubjects(streamInfo.Config.Subjects, opts.Subjects)
	if len(missing) == 0 && streamInfo.Config.MaxAge == opts.MaxAge {
		log.Info("NATS JetStream stream already exists", zap.Uint64("messages", streamInfo.State.Msgs))
		return nil
	}

	updated := streamInfo.Config
	updated.Subjects = append(append([]string(nil), updated.Subjects...), missing...)
	updated.MaxAge = opts.MaxAge
	if _, err := js.UpdateStream(&updated); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", opts.Name, err)
	}
	log.Info("Updated NATS JetStream stream", zap.Strings("added_subjects", missing))
	return nil
}
