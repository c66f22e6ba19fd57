package main

import (
	"context"
	"fmt"
	stlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/config"
	consul_client "github.com/dante-gpu/experiment-orchestrator/internal/consul"
	"github.com/dante-gpu/experiment-orchestrator/internal/events"
	"github.com/dante-gpu/experiment-orchestrator/internal/intake"
	nats_client "github.com/dante-gpu/experiment-orchestrator/internal/nats"
	"github.com/dante-gpu/experiment-orchestrator/internal/orchestrator"
	"github.com/dante-gpu/experiment-orchestrator/internal/pipeline"
	"github.com/dante-gpu/experiment-orchestrator/internal/poller"
	"github.com/dante-gpu/experiment-orchestrator/internal/provision"
	"github.com/dante-gpu/experiment-orchestrator/internal/rpc"
	"github.com/dante-gpu/experiment-orchestrator/internal/server"
	"github.com/dante-gpu/experiment-orchestrator/internal/storage"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/dante-gpu/experiment-orchestrator/internal/taskmanager"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	// --- Configuration ---
	configPath := os.Getenv("ORCHESTRATOR_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		stlog.Fatalf("Failed to load configuration: %v", err) // zap is not up yet
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		stlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Experiment Orchestrator starting up", zap.String("config", configPath))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Consul ---
	var (
		consulClient *consulapi.Client
		serviceID    string
	)
	if cfg.ConsulEnabled {
		consulClient, err = consul_client.Connect(cfg.ConsulAddress, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Consul agent", zap.Error(err))
		}
		serviceID = config.GenerateServiceID(cfg.ServiceIDPrefix)
		if err := consul_client.RegisterService(consulClient, cfg, serviceID, logger); err != nil {
			logger.Fatal("Failed to register service with Consul", zap.Error(err))
		}
	}

	// --- NATS ---
	nc, err := nats_client.Connect(cfg.NatsAddress, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	var publisher events.Publisher = nc
	if cfg.NatsStatusStreamName != "" {
		js, err := nats_client.ConnectJetStream(nc, logger)
		if err != nil {
			logger.Fatal("Failed to get JetStream context", zap.Error(err))
		}
		stream := nats_client.StreamOptions{
			Name:     cfg.NatsStatusStreamName,
			Subjects: []string{cfg.NatsStatusUpdateSubjectPrefix + ".>"},
			MaxAge:   cfg.NatsStatusStreamMaxAge,
			Replicas: cfg.NatsStatusStreamReplicas,
		}
		if err := nats_client.EnsureStream(js, stream, logger); err != nil {
			logger.Fatal("Failed to ensure status stream", zap.Error(err))
		}
		publisher = events.JetStreamPublisher{JS: js}
	}

	// --- Store ---
	baseStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer baseStore.Close()
	st := events.NewNotifyingStore(baseStore, publisher, cfg.NatsStatusUpdateSubjectPrefix, logger)

	// --- Collaborators ---
	prov, closeProv, err := openProvisioner(cfg, nc, logger)
	if err != nil {
		logger.Fatal("Failed to set up provisioner", zap.Error(err))
	}
	defer closeProv()

	stor, err := openStorage(ctx, cfg, nc, logger)
	if err != nil {
		logger.Fatal("Failed to set up storage", zap.Error(err))
	}

	// --- Engine ---
	manager := taskmanager.New(st, logger)
	coord := poller.New(st, prov, poller.Options{
		LogPatterns:        cfg.Polling.LogPatterns,
		LogReadConcurrency: cfg.Polling.LogReadConcurrency,
	}, logger)
	pipeline.New(st, prov, stor, coord, manager, pipeline.Options{
		JobTimeout:     cfg.Jobs.Timeout,
		CommandTimeout: cfg.Jobs.CommandTimeout,
	}, logger).Register(manager)
	orch := orchestrator.New(st, prov, stor, manager, logger)

	recovered, err := manager.Recover(ctx)
	if err != nil {
		logger.Fatal("Failed to recover persisted tasks", zap.Error(err))
	}
	logger.Info("Recovered persisted tasks", zap.Int("count", recovered))

	cleaned, err := orch.CleanInstances(ctx)
	if err != nil {
		logger.Error("Startup instance clean-up failed", zap.Error(err))
	} else {
		logger.Info("Startup instance clean-up done", zap.Int("cleaned", cleaned))
	}

	sweeper := poller.NewSweeper(coord, st, poller.SweepOptions{
		Interval:      cfg.Polling.SweepInterval,
		RatePerSecond: cfg.Polling.SweepRatePerSecond,
		Burst:         cfg.Polling.SweepBurst,
		Concurrency:   cfg.Polling.SweepConcurrency,
	}, logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("Failed to start poll sweep", zap.Error(err))
	}

	commands := intake.New(nc, orch, cfg.NatsCommandSubjectPrefix, cfg.NatsCommandQueueGroup, cfg.NatsRequestTimeout, logger)
	if err := commands.Start(); err != nil {
		logger.Fatal("Failed to start command intake", zap.Error(err))
	}

	// --- HTTP ---
	srv := server.NewServer(cfg, newRouter(cfg, nc, st, manager, logger), logger)
	srvErrs := srv.Start()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("Shutdown signal received, starting graceful shutdown")
	case err := <-srvErrs:
		logger.Error("HTTP server failed, shutting down", zap.Error(err))
	}

	if consulClient != nil {
		if err := consul_client.DeregisterService(consulClient, serviceID, logger); err != nil {
			logger.Error("Error deregistering service from Consul", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	commands.Stop()
	sweeper.Stop()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Task manager did not stop in time", zap.Error(err))
	}
	srv.Stop(shutdownCtx)

	if err := nc.Drain(); err != nil {
		logger.Error("Error draining NATS connection", zap.Error(err))
	}

	logger.Info("Experiment Orchestrator gracefully stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Database.Backend == "memory" {
		logger.Warn("Using in-memory store; tasks and experiments are lost on restart")
		return store.NewInMemoryStore(), nil
	}
	pool, err := store.Connect(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	return store.NewPostgresStore(pool, logger, cfg.Database.RetryCount, cfg.Database.RetryDelay), nil
}

func openProvisioner(cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (provision.Provisioner, func(), error) {
	if cfg.Provisioner.Backend == "docker" {
		d := cfg.Provisioner.Docker
		p, err := provision.NewDockerProvisioner(d.Images, d.Sizes, d.Network, cfg.Jobs.PollInterval, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Warn("Failed to close docker client", zap.Error(err))
			}
		}, nil
	}
	client := rpc.NewClient(nc, cfg.NatsProvisionerSubjectPrefix, cfg.NatsRequestTimeout, logger.Named("provisioner"))
	return provision.NewNATSClient(client, cfg.Jobs.PollInterval, logger), func() {}, nil
}

func openStorage(ctx context.Context, cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (storage.Storage, error) {
	client := rpc.NewClient(nc, cfg.NatsStorageSubjectPrefix, cfg.NatsRequestTimeout, logger.Named("storage"))
	var stor storage.Storage = storage.NewNATSClient(client)
	if !cfg.OutputStore.Enabled {
		return stor, nil
	}
	o := cfg.OutputStore
	bucket, err := storage.NewOutputBucket(ctx, stor, storage.MinioConfig{
		Endpoint:        o.Endpoint,
		AccessKeyID:     o.AccessKeyID,
		SecretAccessKey: o.SecretAccessKey,
		UseSSL:          o.UseSSL,
		Bucket:          o.Bucket,
		Region:          o.Region,
		PresignExpiry:   o.PresignExpiry,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("output bucket: %w", err)
	}
	return bucket, nil
}

// setupLogger configures Zap based on the log level string.
func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
