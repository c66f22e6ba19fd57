package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/config"
	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/poller"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/dante-gpu/experiment-orchestrator/internal/taskmanager"
	"github.com/dante-gpu/experiment-orchestrator/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
	expID   = "exp-1"
)

// recordingStore remembers every status written per experiment.
type recordingStore struct {
	*store.InMemoryStore

	mu       sync.Mutex
	statuses map[string][]models.ExperimentStatus

	afterUpdate func(id string) // called after every successful update
}

func (r *recordingStore) UpdateExperiment(ctx context.Context, id string, upd store.ExperimentUpdate) error {
	if err := r.InMemoryStore.UpdateExperiment(ctx, id, upd); err != nil {
		return err
	}
	if upd.Status != nil {
		r.mu.Lock()
		r.statuses[id] = append(r.statuses[id], *upd.Status)
		r.mu.Unlock()
	}
	if r.afterUpdate != nil {
		r.afterUpdate(id)
	}
	return nil
}

// transitions returns the written statuses with repeats collapsed.
func (r *recordingStore) transitions(id string) []models.ExperimentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ExperimentStatus
	for _, s := range r.statuses[id] {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	store   *recordingStore
	prov    *testutil.FakeProvisioner
	storage *testutil.FakeStorage
	manager *taskmanager.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := &recordingStore{InMemoryStore: store.NewInMemoryStore(), statuses: make(map[string][]models.ExperimentStatus)}
	prov := testutil.NewFakeProvisioner()
	stor := testutil.NewFakeStorage()
	mgr := taskmanager.New(st, zap.NewNop())
	coord := poller.New(st, prov, poller.Options{LogPatterns: config.DefaultLogPatterns}, zap.NewNop())
	New(st, prov, stor, coord, mgr, Options{}, zap.NewNop()).Register(mgr)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	ctx := context.Background()
	require.NoError(t, st.SaveApplication(ctx, &models.Application{
		ID:              "app-1",
		Name:            "Heat Solver",
		CreationScript:  "build.sh",
		ExecutionScript: "run.sh",
		Labels:          []string{"ITERATIONS", "MESH"},
	}))
	require.NoError(t, st.CreateExperiment(ctx, &models.Experiment{
		ID:     expID,
		AppID:  "app-1",
		Name:   "my run",
		Status: models.StatusLaunched,
		Labels: map[string]string{"ITERATIONS": "10"},
	}))
	return &harness{store: st, prov: prov, storage: stor, manager: mgr}
}

func (h *harness) launch(t *testing.T) {
	t.Helper()
	task := models.NewTask(models.TaskTypeInstance, expID, models.TaskPayload{
		InstanceConfig: &models.InstanceConfig{
			Name:    expID,
			ImageID: testutil.DefaultImage.ID,
			SizeID:  testutil.DefaultSize.ID,
			Nodes:   2,
		},
	})
	require.NoError(t, h.manager.PushTask(context.Background(), expID, task))
}

func (h *harness) experiment(t *testing.T) *models.Experiment {
	t.Helper()
	exp, err := h.store.GetExperiment(context.Background(), expID)
	require.NoError(t, err)
	return exp
}

func (h *harness) waitStatus(t *testing.T, want models.ExperimentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		exp, err := h.store.GetExperiment(context.Background(), expID)
		return err == nil && exp.Status == want
	}, waitFor, tick, "experiment never reached %s", want)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.manager.Snapshot()) == 0 }, waitFor, tick)
}

// boundExperiment attaches the experiment to a fresh instance as if the
// pipeline had run up to status.
func (h *harness) boundExperiment(t *testing.T, status models.ExperimentStatus) string {
	t.Helper()
	ctx := context.Background()
	instID, err := h.prov.RequestInstance(ctx, expID, testutil.DefaultImage.ID, testutil.DefaultSize.ID, 2)
	require.NoError(t, err)
	require.NoError(t, h.prov.AddExperiment(ctx, expID, instID))
	require.NoError(t, h.store.UpdateExperiment(ctx, expID, store.Update().WithStatus(status).WithInstanceID(instID)))
	return instID
}

func scriptsContaining(jobs []testutil.ExecutedJob, marker string) []testutil.ExecutedJob {
	var out []testutil.ExecutedJob
	for _, j := range jobs {
		if strings.Contains(j.Script, marker) {
			out = append(out, j)
		}
	}
	return out
}

func TestPipelineRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.launch(t)

	h.waitStatus(t, models.StatusDone)
	h.waitIdle(t)

	exp := h.experiment(t)
	assert.Empty(t, exp.InstanceID)
	assert.Equal(t, []models.ExperimentStatus{
		models.StatusDeployed,
		models.StatusCompiled,
		models.StatusExecuted,
		models.StatusDone,
	}, h.store.transitions(expID))

	instances := h.prov.RequestedInstances()
	require.Len(t, instances, 1)
	assert.False(t, h.prov.HasInstance(instances[0]), "instance should be released")
	assert.Equal(t, 1, h.prov.CleanCount(expID))

	jobs := h.prov.ExecutedJobs()
	require.Len(t, jobs, 5)
	compile := scriptsContaining(jobs, models.CompilationLogFileName)
	require.Len(t, compile, 1)
	assert.Equal(t, 1, compile[0].Nodes)
	assert.Contains(t, compile[0].Script, "./build.sh > COMPILATION_LOG 2>&1")
	execute := scriptsContaining(jobs, models.ExecutionLogFileName)
	require.Len(t, execute, 1)
	assert.Equal(t, 2, execute[0].Nodes)
	assert.Equal(t, "/home/ubuntu/work/exp-1", execute[0].WorkDir)

	assert.Contains(t, jobs[0].Script, "git clone -b exp-1-L")
	assert.Contains(t, jobs[1].Script, "rsync -Lr")

	var uploaded bool
	for _, cmd := range h.prov.Commands() {
		if strings.HasPrefix(cmd, "curl -sSf -T /home/ubuntu/work/exp-1/output.tar.gz") {
			uploaded = true
		}
	}
	assert.True(t, uploaded, "output archive should be uploaded")

	labels, ok := h.storage.Labels(expID)
	require.True(t, ok)
	assert.Equal(t, "10", labels["ITERATIONS"])
	assert.Equal(t, "", labels["MESH"])
	assert.Equal(t, "my_run", labels["#EXPERIMENT_NAME"])
	assert.Equal(t, "2", labels["#NODES"])
	assert.Equal(t, "8", labels["#TOTALCPUS"])
}

func TestRetrieveMarksDoneWithInstanceReleased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	instID := h.boundExperiment(t, models.StatusExecuted)

	type snapshot struct {
		instanceID string
		cleans     int
	}
	var (
		mu     sync.Mutex
		atDone []snapshot
	)
	h.store.afterUpdate = func(id string) {
		exp, err := h.store.GetExperiment(ctx, id)
		if err != nil || exp.Status != models.StatusDone {
			return
		}
		mu.Lock()
		atDone = append(atDone, snapshot{instanceID: exp.InstanceID, cleans: h.prov.CleanCount(id)})
		mu.Unlock()
	}

	task := models.NewTask(models.TaskTypeRetrieve, expID, models.TaskPayload{InstanceID: instID})
	require.NoError(t, h.manager.PushAndWait(ctx, expID, task))

	mu.Lock()
	defer mu.Unlock()
	// No poll may ever observe done while the instance is still attached.
	require.NotEmpty(t, atDone)
	for _, s := range atDone {
		assert.Empty(t, s.instanceID)
		assert.Equal(t, 1, s.cleans)
	}
	assert.Equal(t, models.StatusDone, h.experiment(t).Status)
}

func TestStageFailureMarksStatusAndCleansOnce(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name   string
		setup  func(h *harness)
		status models.ExperimentStatus
		cleans int
	}{
		{"instance", func(h *harness) { h.prov.Errs["RequestInstance"] = boom }, models.StatusFailedInstance, 0},
		{"prepare", func(h *harness) { h.storage.Errs["PrepareExperiment"] = boom }, models.StatusFailedPrepare, 1},
		{"deploy", func(h *harness) { h.storage.Errs["GetApplicationURL"] = boom }, models.StatusFailedDeploy, 1},
		{"compile", func(h *harness) { h.prov.FailCompilation = true }, models.StatusFailedCompilation, 1},
		{"execute", func(h *harness) { h.prov.FailExecution = true }, models.StatusFailedExecution, 1},
		{"retrieve", func(h *harness) { h.prov.Errs["Upload"] = boom }, models.StatusFailedRetrieve, 1},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)
			h.launch(t)

			h.waitStatus(t, tc.status)
			h.waitIdle(t)

			exp := h.experiment(t)
			assert.Equal(t, tc.status, exp.Status)
			assert.Empty(t, exp.InstanceID)
			assert.Equal(t, tc.cleans, h.prov.CleanCount(expID))

			tasks, err := h.store.ListTasks(context.Background())
			require.NoError(t, err)
			assert.Empty(t, tasks)
		})
	}
}

func TestCompileResumesOutstandingJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	instID := h.boundExperiment(t, models.StatusCompiling)
	require.NoError(t, h.prov.WriteFile(instID, "/home/ubuntu/work/exp-1/"+models.StatusFileName, string(models.StatusCompiled)))

	// Left behind by a previous process while the build was running.
	require.NoError(t, h.store.SaveTask(ctx, &models.Task{
		ID:        "task-compile",
		Type:      models.TaskTypeCompile,
		Key:       expID,
		Payload:   models.TaskPayload{InstanceID: instID},
		JobID:     "42",
		CreatedAt: time.Now().UTC(),
	}))

	n, err := h.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.waitStatus(t, models.StatusDone)
	h.waitIdle(t)

	assert.Empty(t, scriptsContaining(h.prov.ExecutedJobs(), models.CompilationLogFileName), "build must not run again")
	waited := h.prov.WaitedJobs()
	require.NotEmpty(t, waited)
	assert.Equal(t, "42", waited[0])
}

func TestDeployRestartsAfterAbortingPreviousJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	instID := h.boundExperiment(t, models.StatusLaunched)

	require.NoError(t, h.store.SaveTask(ctx, &models.Task{
		ID:        "task-deploy",
		Type:      models.TaskTypeDeploy,
		Key:       expID,
		Payload:   models.TaskPayload{InstanceID: instID},
		JobID:     "old-job",
		CreatedAt: time.Now().UTC(),
	}))
	_, err := h.manager.Recover(ctx)
	require.NoError(t, err)

	h.waitStatus(t, models.StatusDone)
	assert.Contains(t, h.prov.AbortedJobs(), "old-job")
}

func TestAbortDuringCompileThenReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.prov.Hold = models.CompilationLogFileName
	h.launch(t)

	// Wait until the build job is recorded on the task.
	var jobID string
	require.Eventually(t, func() bool {
		tasks, err := h.store.ListTasks(ctx)
		if err != nil || len(tasks) != 1 || tasks[0].Type != models.TaskTypeCompile {
			return false
		}
		jobID = tasks[0].JobID
		return jobID != ""
	}, waitFor, tick)

	done := h.manager.AbortQueue(ctx, expID, func(task *models.Task) {
		assert.NoError(t, h.prov.AbortJob(ctx, task.JobID, task.Payload.InstanceID))
	})
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("aborted compile task did not finish")
	}

	assert.Contains(t, h.prov.AbortedJobs(), jobID)
	exp := h.experiment(t)
	assert.False(t, exp.Status.IsFailed(), "abort must not mark a failure, got %s", exp.Status)
	assert.NotEmpty(t, exp.InstanceID)
	assert.Zero(t, h.prov.CleanCount(expID))
	assert.Empty(t, scriptsContaining(h.prov.ExecutedJobs(), models.ExecutionLogFileName))

	require.NoError(t, h.manager.PushAndWait(ctx, expID, models.NewTask(models.TaskTypeReset, expID, models.TaskPayload{})))

	exp = h.experiment(t)
	assert.Equal(t, models.StatusCreated, exp.Status)
	assert.Empty(t, exp.InstanceID)
	assert.Empty(t, exp.Logs)
	assert.Equal(t, 1, h.prov.CleanCount(expID))
	assert.False(t, h.prov.HasInstance(h.prov.RequestedInstances()[0]))
}

func TestResetFromAnyStatus(t *testing.T) {
	statuses := []models.ExperimentStatus{
		models.StatusCreated,
		models.StatusLaunched,
		models.StatusDeployed,
		models.StatusExecuting,
		models.StatusFailedDeploy,
		models.StatusDone,
	}
	for _, status := range statuses {
		status := status
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			withInstance := status != models.StatusCreated && status != models.StatusDone
			if withInstance {
				h.boundExperiment(t, status)
			} else {
				require.NoError(t, h.store.UpdateExperiment(ctx, expID, store.Update().WithStatus(status)))
			}
			logs := []models.ExperimentLog{{Name: "EXECUTION_LOG", Content: "x"}}
			require.NoError(t, h.store.UpdateExperiment(ctx, expID, store.Update().WithLogs(logs)))

			require.NoError(t, h.manager.PushAndWait(ctx, expID, models.NewTask(models.TaskTypeReset, expID, models.TaskPayload{})))

			exp := h.experiment(t)
			assert.Equal(t, models.StatusCreated, exp.Status)
			assert.Empty(t, exp.InstanceID)
			assert.Equal(t, []models.ExperimentLog{}, exp.Logs)
			if withInstance {
				assert.Equal(t, 1, h.prov.CleanCount(expID))
			} else {
				assert.Zero(t, h.prov.CleanCount(expID))
			}
		})
	}
}

func TestResetSurvivesCleanFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.boundExperiment(t, models.StatusExecuting)
	h.prov.Errs["CleanExperiment"] = errors.New("ssh: connection refused")

	require.NoError(t, h.manager.PushAndWait(ctx, expID, models.NewTask(models.TaskTypeReset, expID, models.TaskPayload{})))

	exp := h.experiment(t)
	assert.Equal(t, models.StatusCreated, exp.Status)
	assert.Empty(t, exp.InstanceID)
}
