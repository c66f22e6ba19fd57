package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 5 * time.Second

func newManager(t *testing.T) (*Manager, *store.InMemoryStore) {
	t.Helper()
	s := store.NewInMemoryStore()
	m := New(s, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, s
}

func tagged(taskType models.TaskType, tag string) *models.Task {
	return models.NewTask(taskType, "", models.TaskPayload{InstanceID: tag})
}

func persisted(t *testing.T, s *store.InMemoryStore) []*models.Task {
	t.Helper()
	tasks, err := s.ListTasks(context.Background())
	require.NoError(t, err)
	return tasks
}

func TestPushRunsTasksInFIFOOrder(t *testing.T) {
	t.Parallel()
	m, s := newManager(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	m.SetTaskHandler(models.TaskTypeCompile, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		mu.Lock()
		order = append(order, task.Payload.InstanceID)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil, nil
	})

	const n = 20
	var last *models.Task
	for i := 0; i < n; i++ {
		last = tagged(models.TaskTypeCompile, fmt.Sprintf("t%02d", i))
		require.NoError(t, m.PushTask(ctx, "exp-1", last))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	}, waitFor, 5*time.Millisecond)

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("t%02d", i), order[i])
	}
	require.Eventually(t, func() bool { return len(persisted(t, s)) == 0 }, waitFor, 5*time.Millisecond)
}

func TestAtMostOneActiveTaskPerKey(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	const keys, perKey = 6, 40
	var (
		active    [keys]int32
		violation atomic.Bool
		completed atomic.Int32
	)
	m.SetTaskHandler(models.TaskTypeExecute, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		var idx int
		_, _ = fmt.Sscanf(task.Key, "exp-%d", &idx)
		if atomic.AddInt32(&active[idx], 1) > 1 {
			violation.Store(true)
		}
		time.Sleep(100 * time.Microsecond)
		atomic.AddInt32(&active[idx], -1)
		completed.Add(1)
		return nil, nil
	})

	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		for i := 0; i < perKey; i++ {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()
				assert.NoError(t, m.PushTask(ctx, fmt.Sprintf("exp-%d", k), tagged(models.TaskTypeExecute, "")))
			}(k)
		}
	}
	wg.Wait()

	require.Eventually(t, func() bool { return completed.Load() == keys*perKey }, waitFor, 5*time.Millisecond)
	assert.False(t, violation.Load(), "two tasks of one key were active at the same time")
}

func TestKeysRunIndependently(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	bStarted := make(chan struct{})
	m.SetTaskHandler(models.TaskTypeDeploy, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		if task.Key == "a" {
			select {
			case <-bStarted:
				return nil, nil
			case <-time.After(waitFor):
				return nil, errors.New("key b never started")
			}
		}
		close(bStarted)
		return nil, nil
	})

	require.NoError(t, m.PushTask(ctx, "a", tagged(models.TaskTypeDeploy, "")))
	err := m.PushAndWait(ctx, "b", tagged(models.TaskTypeDeploy, ""))
	require.NoError(t, err)
}

func TestHandlerChainsNextTask(t *testing.T) {
	t.Parallel()
	m, s := newManager(t)
	ctx := context.Background()

	var seen []models.TaskType
	var mu sync.Mutex
	record := func(tt models.TaskType) {
		mu.Lock()
		seen = append(seen, tt)
		mu.Unlock()
	}

	m.SetTaskHandler(models.TaskTypeCompile, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		record(task.Type)
		return models.NewTask(models.TaskTypeExecute, task.Key, task.Payload), nil
	})
	m.SetTaskHandler(models.TaskTypeExecute, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		record(task.Type)
		assert.Equal(t, "inst-1", task.Payload.InstanceID)
		return nil, nil
	})

	require.NoError(t, m.PushTask(ctx, "exp", tagged(models.TaskTypeCompile, "inst-1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []models.TaskType{models.TaskTypeCompile, models.TaskTypeExecute}, seen)
	require.Eventually(t, func() bool { return len(persisted(t, s)) == 0 }, waitFor, 5*time.Millisecond)
}

func TestRegisteringAgainReplacesHandler(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	m.SetTaskHandler(models.TaskTypeReset, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		return nil, errors.New("old handler")
	})
	m.SetTaskHandler(models.TaskTypeReset, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		return nil, nil
	})

	assert.NoError(t, m.PushAndWait(context.Background(), "exp", tagged(models.TaskTypeReset, "")))
}

func TestAbortQueueDiscardsPendingAndSignalsActive(t *testing.T) {
	t.Parallel()
	m, s := newManager(t)
	ctx := context.Background()

	started := make(chan struct{})
	var pendingRan atomic.Bool
	m.SetTaskHandler(models.TaskTypeCompile, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		close(started)
		<-ctx.Done()
		assert.True(t, m.IsTaskAborted(task.ID))
		if err := Checkpoint(ctx); err != nil {
			return nil, err
		}
		return models.NewTask(models.TaskTypeExecute, task.Key, task.Payload), nil
	})
	m.SetTaskHandler(models.TaskTypeExecute, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		pendingRan.Store(true)
		return nil, nil
	})

	active := tagged(models.TaskTypeCompile, "")
	require.NoError(t, m.PushTask(ctx, "exp", active))
	<-started
	require.NoError(t, m.SetTaskJob(ctx, active, "job-7"))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.PushTask(ctx, "exp", tagged(models.TaskTypeExecute, "")))
	}

	var abortedJob string
	done := m.AbortQueue(ctx, "exp", func(task *models.Task) {
		abortedJob = task.JobID
	})
	assert.Equal(t, "job-7", abortedJob)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("abort never completed")
	}

	assert.Empty(t, persisted(t, s))
	assert.False(t, m.IsTaskAborted(active.ID))
	for _, q := range m.Snapshot() {
		assert.NotEqual(t, "exp", q.Key)
	}

	require.NoError(t, m.PushAndWait(ctx, "exp", tagged(models.TaskTypeExecute, "")))
	assert.True(t, pendingRan.Load())
}

func TestAbortQueueWithoutActiveTaskCompletesImmediately(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	called := false
	done := m.AbortQueue(context.Background(), "idle", func(*models.Task) { called = true })
	select {
	case <-done:
	default:
		t.Fatal("done should be closed")
	}
	assert.False(t, called)
}

func TestTaskPushedDuringAbortStartsAfterDone(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var (
		done         <-chan struct{}
		resetSawDone atomic.Bool
	)

	m.SetTaskHandler(models.TaskTypeExecute, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		close(started)
		<-release // ignores cancellation until released
		return nil, Checkpoint(ctx)
	})
	m.SetTaskHandler(models.TaskTypeReset, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		select {
		case <-done:
			resetSawDone.Store(true)
		default:
		}
		return nil, nil
	})

	require.NoError(t, m.PushTask(ctx, "exp", tagged(models.TaskTypeExecute, "")))
	<-started

	done = m.AbortQueue(ctx, "exp", nil)
	resetDone := make(chan error, 1)
	go func() { resetDone <- m.PushAndWait(ctx, "exp", tagged(models.TaskTypeReset, "")) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-resetDone:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("reset never ran")
	}
	assert.True(t, resetSawDone.Load(), "reset started before the aborted task finished")
}

func TestAbortedTaskDoesNotChain(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var chained atomic.Bool

	m.SetTaskHandler(models.TaskTypeDeploy, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		close(started)
		<-release
		// Returns success without checking the abort flag.
		return models.NewTask(models.TaskTypeCompile, task.Key, task.Payload), nil
	})
	m.SetTaskHandler(models.TaskTypeCompile, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		chained.Store(true)
		return nil, nil
	})

	require.NoError(t, m.PushTask(ctx, "exp", tagged(models.TaskTypeDeploy, "")))
	<-started
	done := m.AbortQueue(ctx, "exp", nil)
	close(release)
	<-done

	time.Sleep(20 * time.Millisecond)
	assert.False(t, chained.Load())
}

func TestFailureAdvancesQueue(t *testing.T) {
	t.Parallel()
	m, s := newManager(t)
	ctx := context.Background()

	m.SetTaskHandler(models.TaskTypePrepare, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		return nil, errors.New("storage unreachable")
	})
	m.SetTaskHandler(models.TaskTypeRetrieve, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		panic("boom")
	})

	require.NoError(t, m.PushTask(ctx, "exp", tagged(models.TaskTypePrepare, "")))
	err := m.PushAndWait(ctx, "exp", tagged(models.TaskTypeRetrieve, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	err = m.PushAndWait(ctx, "exp", tagged(models.TaskTypeInstance, ""))
	assert.ErrorIs(t, err, ErrNoHandler)

	assert.Empty(t, persisted(t, s))
}

func TestSetTaskDoneRejectsInactiveTask(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	err := m.SetTaskDone(context.Background(), "unknown", nil)
	assert.ErrorIs(t, err, ErrTaskNotActive)
	err = m.SetTaskFailed(context.Background(), "unknown", errors.New("x"))
	assert.ErrorIs(t, err, ErrTaskNotActive)
}

func TestRecoverRedispatchesPersistedTasks(t *testing.T) {
	t.Parallel()
	s := store.NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, &models.Task{ID: "t1", Type: models.TaskTypeCompile, Key: "exp-a", JobID: "42"}))
	require.NoError(t, s.SaveTask(ctx, &models.Task{ID: "t2", Type: models.TaskTypeExecute, Key: "exp-a"}))
	require.NoError(t, s.SaveTask(ctx, &models.Task{ID: "t3", Type: models.TaskTypeCompile, Key: "exp-b"}))

	m := New(s, zap.NewNop())
	defer func() { _ = m.Shutdown(ctx) }()

	var (
		mu   sync.Mutex
		runs []string
		jobs = map[string]string{}
	)
	handler := func(ctx context.Context, task *models.Task) (*models.Task, error) {
		mu.Lock()
		runs = append(runs, task.ID)
		jobs[task.ID] = task.JobID
		mu.Unlock()
		return nil, nil
	}
	m.SetTaskHandler(models.TaskTypeCompile, handler)
	m.SetTaskHandler(models.TaskTypeExecute, handler)

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(runs) == 3
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "42", jobs["t1"])
	var aOrder []string
	for _, id := range runs {
		if id == "t1" || id == "t2" {
			aOrder = append(aOrder, id)
		}
	}
	assert.Equal(t, []string{"t1", "t2"}, aOrder)
}

func TestShutdownLeavesActiveTaskPersisted(t *testing.T) {
	t.Parallel()
	s := store.NewInMemoryStore()
	m := New(s, zap.NewNop())
	ctx := context.Background()

	started := make(chan struct{})
	m.SetTaskHandler(models.TaskTypeExecute, func(ctx context.Context, task *models.Task) (*models.Task, error) {
		assert.NoError(t, m.SetTaskJob(ctx, task, "job-9"))
		close(started)
		<-ctx.Done()
		return nil, Checkpoint(ctx)
	})

	task := tagged(models.TaskTypeExecute, "inst-1")
	require.NoError(t, m.PushTask(ctx, "exp", task))
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	tasks := persisted(t, s)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
	assert.Equal(t, "job-9", tasks[0].JobID)

	err := m.PushTask(ctx, "exp", tagged(models.TaskTypeExecute, ""))
	assert.ErrorIs(t, err, models.ErrShuttingDown)
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Checkpoint(context.Background()))

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(models.ErrTaskAborted)
	assert.ErrorIs(t, Checkpoint(ctx), models.ErrTaskAborted)

	plain, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, Checkpoint(plain), context.Canceled)
}

// hookedTaskStore runs onSave before saving each task.
type hookedTaskStore struct {
	*store.InMemoryStore
	onSave func(task *models.Task)
}

func (h *hookedTaskStore) SaveTask(ctx context.Context, task *models.Task) error {
	if h.onSave != nil {
		h.onSave(task)
	}
	return h.InMemoryStore.SaveTask(ctx, task)
}

func TestAbortWhileChainingDropsNextTask(t *testing.T) {
	t.Parallel()
	s := &hookedTaskStore{InMemoryStore: store.NewInMemoryStore()}
	m := New(s, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ran []models.TaskType
	)
	record := func(ctx context.Context, task *models.Task) (*models.Task, error) {
		mu.Lock()
		ran = append(ran, task.Type)
		mu.Unlock()
		if task.Type == models.TaskTypeInstance {
			return models.NewTask(models.TaskTypePrepare, task.Key, task.Payload), nil
		}
		return nil, nil
	}
	for _, tt := range []models.TaskType{models.TaskTypeInstance, models.TaskTypePrepare, models.TaskTypeReset} {
		m.SetTaskHandler(tt, record)
	}

	// The abort lands after the instance task decided to chain, while its
	// next task is being persisted.
	aborted := make(chan (<-chan struct{}), 1)
	s.onSave = func(task *models.Task) {
		if task.Type == models.TaskTypePrepare {
			aborted <- m.AbortQueue(ctx, "exp", nil)
		}
	}

	require.NoError(t, m.PushTask(ctx, "exp", tagged(models.TaskTypeInstance, "")))

	var done <-chan struct{}
	select {
	case done = <-aborted:
	case <-time.After(waitFor):
		t.Fatal("next task was never persisted")
	}
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("aborted task never finished")
	}

	for _, q := range m.Snapshot() {
		assert.NotEqual(t, "exp", q.Key, "queue still holds tasks after abort completed")
	}
	require.NoError(t, m.PushAndWait(ctx, "exp", tagged(models.TaskTypeReset, "")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.TaskType{models.TaskTypeInstance, models.TaskTypeReset}, ran)
	assert.Empty(t, persisted(t, s.InMemoryStore))
}
