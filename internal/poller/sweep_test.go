package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweepPollsInFlightExperimentsWithInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deployedExperiment(t, "exp-deployed", models.StatusCompiling)
	doneInst := f.deployedExperiment(t, "exp-done", models.StatusDone)
	require.NoError(t, f.store.CreateExperiment(ctx, &models.Experiment{ID: "exp-orphan", Status: models.StatusExecuting}))

	// Only in-flight statuses are swept; exp-done is moved out of them.
	require.NoError(t, f.store.UpdateExperiment(ctx, "exp-done", updateStatus(models.StatusDone, doneInst)))

	s := NewSweeper(f.coord, f.store, SweepOptions{Interval: time.Hour}, zap.NewNop())
	polled, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, polled)
	assert.Equal(t, 1, f.prov.FindCount())

	exp, err := f.store.GetExperiment(ctx, "exp-deployed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompiling, exp.Status)
}

func TestSweepContinuesPastFailingExperiment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deployedExperiment(t, "exp-a", models.StatusCompiled)
	f.deployedExperiment(t, "exp-b", models.StatusCompiled)
	// exp-a points at an instance that no longer exists.
	require.NoError(t, f.store.UpdateExperiment(ctx, "exp-a", updateInstance("inst-gone")))

	s := NewSweeper(f.coord, f.store, SweepOptions{Interval: time.Hour, RatePerSecond: 100, Burst: 2}, zap.NewNop())
	polled, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, polled)

	exp, err := f.store.GetExperiment(ctx, "exp-b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompiled, exp.Status)
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	f := newFixture(t)
	f.deployedExperiment(t, "exp-1", models.StatusExecuted)

	s := NewSweeper(f.coord, f.store, SweepOptions{Interval: time.Second}, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		exp, err := f.store.GetExperiment(context.Background(), "exp-1")
		return err == nil && exp.Status == models.StatusExecuted
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSweepStopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	f.deployedExperiment(t, "exp-1", models.StatusCompiling)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSweeper(f.coord, f.store, SweepOptions{Interval: time.Hour, RatePerSecond: 1, Burst: 1}, zap.NewNop())
	_, err := s.Sweep(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}
