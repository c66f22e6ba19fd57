package poller

import (
	"context"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/config"
	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/dante-gpu/experiment-orchestrator/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store *store.InMemoryStore
	prov  *testutil.FakeProvisioner
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	prov := testutil.NewFakeProvisioner()
	coord := New(st, prov, Options{LogPatterns: config.DefaultLogPatterns, LogReadConcurrency: 2}, zap.NewNop())
	return &fixture{store: st, prov: prov, coord: coord}
}

// deployedExperiment creates an experiment bound to a fresh instance whose
// status file holds remoteStatus.
func (f *fixture) deployedExperiment(t *testing.T, expID string, remoteStatus models.ExperimentStatus) string {
	t.Helper()
	ctx := context.Background()

	instID, err := f.prov.RequestInstance(ctx, expID, testutil.DefaultImage.ID, testutil.DefaultSize.ID, 1)
	require.NoError(t, err)
	require.NoError(t, f.prov.AddExperiment(ctx, expID, instID))
	require.NoError(t, f.store.CreateExperiment(ctx, &models.Experiment{
		ID:         expID,
		Status:     models.StatusDeployed,
		InstanceID: instID,
	}))
	if remoteStatus != "" {
		f.writeRemote(t, instID, expID, models.StatusFileName, string(remoteStatus))
	}
	return instID
}

func (f *fixture) writeRemote(t *testing.T, instID, expID, name, content string) {
	t.Helper()
	require.NoError(t, f.prov.WriteFile(instID, path.Join(testutil.DefaultImage.WorkDir(expID), name), content))
}

func TestPollWithoutInstanceReadsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateExperiment(ctx, &models.Experiment{ID: "exp-1", Status: models.StatusCreated}))

	status, err := f.coord.Poll(ctx, "exp-1", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, status)
	assert.Zero(t, f.prov.FindCount())
}

func TestPollUnknownExperiment(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Poll(context.Background(), "missing", false)
	require.ErrorIs(t, err, models.ErrExperimentNotFound)
	assert.False(t, f.coord.InFlight("missing"))
}

func TestPollStoresStatusAndSortedLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instID := f.deployedExperiment(t, "exp-1", models.StatusExecuted)
	f.writeRemote(t, instID, "exp-1", models.ExecutionLogFileName, "run output")
	f.writeRemote(t, instID, "exp-1", models.CompilationLogFileName, "build output")
	f.writeRemote(t, instID, "exp-1", "solver.log.1", "solver")
	f.writeRemote(t, instID, "exp-1", "main.c", "int main() {}")

	status, err := f.coord.Poll(ctx, "exp-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, status)

	exp, err := f.store.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, exp.Status)
	assert.Equal(t, []models.ExperimentLog{
		{Name: models.CompilationLogFileName, Content: "build output"},
		{Name: models.ExecutionLogFileName, Content: "run output"},
		{Name: "solver.log.1", Content: "solver"},
	}, exp.Logs)
}

func TestPollWithoutStatusFileKeepsStoredStatus(t *testing.T) {
	f := newFixture(t)
	f.deployedExperiment(t, "exp-1", "")

	status, err := f.coord.Poll(context.Background(), "exp-1", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, status)
}

// blockFirstFind holds the first remote poll inside its log listing until
// release is closed, and reports each caller that starts waiting on it.
func blockFirstFind(f *fixture) (entered chan struct{}, waiting chan string, release chan struct{}) {
	entered = make(chan struct{}, 8)
	waiting = make(chan string, 8)
	release = make(chan struct{})
	f.prov.FindHook = func(ctx context.Context) {
		entered <- struct{}{}
		<-release
	}
	f.coord.onWait = func(expID string) { waiting <- expID }
	return entered, waiting, release
}

func TestConcurrentNonForcePollsShareOneFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deployedExperiment(t, "exp-1", models.StatusCompiling)
	entered, waiting, release := blockFirstFind(f)

	results := make(chan models.ExperimentStatus, 3)
	poll := func() {
		status, err := f.coord.Poll(ctx, "exp-1", false)
		assert.NoError(t, err)
		results <- status
	}

	go poll()
	<-entered
	assert.True(t, f.coord.InFlight("exp-1"))

	go poll()
	go poll()
	<-waiting
	<-waiting
	close(release)

	for i := 0; i < 3; i++ {
		select {
		case status := <-results:
			assert.Equal(t, models.StatusCompiling, status)
		case <-time.After(5 * time.Second):
			t.Fatal("poll did not return")
		}
	}
	assert.Equal(t, 1, f.prov.FindCount())
	assert.False(t, f.coord.InFlight("exp-1"))
}

func TestForcePollFetchesAgainAfterInFlightPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instID := f.deployedExperiment(t, "exp-1", models.StatusCompiling)
	entered, waiting, release := blockFirstFind(f)

	first := make(chan models.ExperimentStatus, 1)
	go func() {
		status, err := f.coord.Poll(ctx, "exp-1", false)
		assert.NoError(t, err)
		first <- status
	}()
	<-entered

	forced := make(chan models.ExperimentStatus, 1)
	go func() {
		status, err := f.coord.Poll(ctx, "exp-1", true)
		assert.NoError(t, err)
		forced <- status
	}()
	<-waiting

	// The remote side moves on while the first poll is still running.
	f.writeRemote(t, instID, "exp-1", models.StatusFileName, string(models.StatusCompiled))
	close(release)

	<-first
	select {
	case status := <-forced:
		assert.Equal(t, models.StatusCompiled, status)
	case <-time.After(5 * time.Second):
		t.Fatal("forced poll did not return")
	}
	assert.Equal(t, 2, f.prov.FindCount())
}

func TestWaitingPollHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.deployedExperiment(t, "exp-1", models.StatusCompiling)
	entered, _, release := blockFirstFind(f)
	defer close(release)

	go func() { _, _ = f.coord.Poll(context.Background(), "exp-1", false) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.coord.Poll(ctx, "exp-1", true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollDoesNotOverwriteAfterInstanceReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deployedExperiment(t, "exp-1", models.StatusExecuting)

	// A reset lands while the poll is listing logs.
	var once sync.Once
	f.prov.FindHook = func(context.Context) {
		once.Do(func() {
			upd := store.Update().WithStatus(models.StatusCreated).ClearInstance().WithLogs(nil)
			require.NoError(t, f.store.UpdateExperiment(ctx, "exp-1", upd))
		})
	}

	status, err := f.coord.Poll(ctx, "exp-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, status)

	exp, err := f.store.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, exp.Status)
	assert.Empty(t, exp.InstanceID)
	assert.Empty(t, exp.Logs)
}

func TestPollDoesNotOverwriteTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instID := f.deployedExperiment(t, "exp-1", models.StatusExecuted)

	// The experiment finishes while the poll still holds its instance.
	var once sync.Once
	f.prov.FindHook = func(context.Context) {
		once.Do(func() {
			require.NoError(t, f.store.UpdateExperiment(ctx, "exp-1", updateStatus(models.StatusDone, instID)))
		})
	}

	status, err := f.coord.Poll(ctx, "exp-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, status)

	exp, err := f.store.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, exp.Status)
	assert.Equal(t, instID, exp.InstanceID)
}

func updateStatus(status models.ExperimentStatus, instID string) store.ExperimentUpdate {
	return store.Update().WithStatus(status).IfInstance(instID)
}

func updateInstance(instID string) store.ExperimentUpdate {
	return store.Update().WithInstanceID(instID)
}
