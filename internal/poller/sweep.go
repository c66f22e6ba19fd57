package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SweepOptions tunes a Sweeper.
type SweepOptions struct {
	Interval      time.Duration
	RatePerSecond float64 // remote polls started per second
	Burst         int
	Concurrency   int
}

// Sweeper periodically polls every experiment in a transient status so
// records stay fresh while no handler is waiting on them.
type Sweeper struct {
	coord   *Coordinator
	store   store.ExperimentStore
	opts    SweepOptions
	limiter *rate.Limiter
	cron    *cron.Cron
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper creates a Sweeper; Start schedules it.
func NewSweeper(coord *Coordinator, experiments store.ExperimentStore, opts SweepOptions, logger *zap.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	logger = logger.Named("sweeper")
	cronLog := cronLogger{logger}
	return &Sweeper{
		coord:   coord,
		store:   experiments,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Burst),
		cron:    cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		logger:  logger,
	}
}

// Start schedules the sweep every Interval.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	spec := "@every " + s.opts.Interval.String()
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Sweep(s.ctx); err != nil {
			s.logger.Warn("Sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("Poll sweep started", zap.Duration("interval", s.opts.Interval))
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Poll sweep stopped")
}

// Sweep polls every in-flight experiment with an instance once, without
// forcing. Per-experiment failures are logged and do not stop the sweep. It
// returns the number of experiments polled successfully.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	exps, err := s.store.ListExperimentsByStatus(ctx, models.InFlightStatuses...)
	if err != nil {
		return 0, fmt.Errorf("listing in-flight experiments: %w", err)
	}

	polled := make(chan struct{}, len(exps))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, exp := range exps {
		exp := exp
		if exp.InstanceID == "" {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			status, err := s.coord.Poll(ctx, exp.ID, false)
			if err != nil {
				s.logger.Warn("Sweep poll failed", zap.String("experiment_id", exp.ID), zap.Error(err))
				return nil
			}
			s.logger.Debug("Sweep poll", zap.String("experiment_id", exp.ID), zap.String("status", string(status)))
			polled <- struct{}{}
			return nil
		})
	}
	_ = g.Wait()
	return len(polled), ctx.Err()
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
