package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/logging"
	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoHandler fails a task whose type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for task type")

	// ErrTaskNotActive is returned when completing a task that is not the
	// active task of its key.
	ErrTaskNotActive = errors.New("task is not active")
)

// Handler runs one task. It returns the task that continues the pipeline
// (nil when there is none) or the error the task failed with.
//
// ctx is cancelled when the task is aborted or the manager shuts down;
// context.Cause(ctx) is then models.ErrTaskAborted or models.ErrShuttingDown.
type Handler func(ctx context.Context, task *models.Task) (*models.Task, error)

// Manager serializes tasks per key: each key has a FIFO of pending tasks and
// at most one active task. Tasks of different keys run concurrently.
type Manager struct {
	store  store.TaskStore
	logger *zap.Logger

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	handlers map[models.TaskType]Handler
	queues   map[string]*keyQueue
	tasks    map[string]*taskState // pending and active tasks by id
	stopped  bool
}

type keyQueue struct {
	pending []*taskState
	active  *taskState
}

type taskState struct {
	task       *models.Task
	key        string
	cancel     context.CancelCauseFunc
	aborted    bool
	completing bool
	err        error         // outcome, written before done is closed
	done       chan struct{} // closed once the task left the queue
}

// QueueSnapshot describes one key's queue.
type QueueSnapshot struct {
	Key        string          `json:"key"`
	ActiveID   string          `json:"active_id,omitempty"`
	ActiveType models.TaskType `json:"active_type,omitempty"`
	Aborted    bool            `json:"aborted,omitempty"`
	Pending    int             `json:"pending"`
}

// New creates a Manager persisting tasks in taskStore.
func New(taskStore store.TaskStore, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		store:    taskStore,
		logger:   logger.Named("taskmanager"),
		baseCtx:  ctx,
		stop:     cancel,
		handlers: make(map[models.TaskType]Handler),
		queues:   make(map[string]*keyQueue),
		tasks:    make(map[string]*taskState),
	}
}

// SetTaskHandler registers the handler for a task type, replacing any
// previous one.
func (m *Manager) SetTaskHandler(taskType models.TaskType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = handler
}

// PushTask persists task and enqueues it under key. It starts right away
// when key has no active task.
func (m *Manager) PushTask(ctx context.Context, key string, task *models.Task) error {
	_, err := m.push(ctx, key, task)
	return err
}

// PushAndWait pushes task and blocks until it left the queue, returning the
// error it failed with (nil when it completed).
func (m *Manager) PushAndWait(ctx context.Context, key string, task *models.Task) error {
	st, err := m.push(ctx, key, task)
	if err != nil {
		return err
	}
	select {
	case <-st.done:
		return st.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) push(ctx context.Context, key string, task *models.Task) (*taskState, error) {
	if err := m.persist(ctx, key, task); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		// Left persisted; the next start redispatches it.
		return nil, models.ErrShuttingDown
	}
	return m.enqueueLocked(key, task), nil
}

// persist assigns the id and push time of task and saves it.
func (m *Manager) persist(ctx context.Context, key string, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Key = key

	if err := m.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("persisting %s task for %s: %w", task.Type, key, err)
	}
	return nil
}

// enqueueLocked appends a persisted task to key's queue and starts it when
// the key is idle.
func (m *Manager) enqueueLocked(key string, task *models.Task) *taskState {
	st := &taskState{task: task, key: key, done: make(chan struct{})}
	m.tasks[task.ID] = st
	q := m.queueLocked(key)
	q.pending = append(q.pending, st)

	m.logger.Debug("Task pushed",
		zap.String("experiment_id", key),
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.Type)),
		zap.Int("pending", len(q.pending)),
	)

	m.advanceLocked(key)
	return st
}

// Recover enqueues every persisted task, in push order, as if it had just
// been pushed. Tasks that are already queued are skipped.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	tasks, err := m.store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing persisted tasks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recovered := 0
	var keys []string
	for _, task := range tasks {
		if _, known := m.tasks[task.ID]; known {
			continue
		}
		st := &taskState{task: task, key: task.Key, done: make(chan struct{})}
		m.tasks[task.ID] = st
		q := m.queueLocked(task.Key)
		if len(q.pending) == 0 {
			keys = append(keys, task.Key)
		}
		q.pending = append(q.pending, st)
		recovered++

		m.logger.Info("Recovered persisted task",
			zap.String("experiment_id", task.Key),
			zap.String("task_id", task.ID),
			zap.String("task_type", string(task.Type)),
			zap.String("job_id", task.JobID),
		)
	}
	for _, key := range keys {
		m.advanceLocked(key)
	}
	return recovered, nil
}

// SetTaskDone completes the active task taskID. When next is given it is
// pushed under the same key, unless the task was aborted in the meantime.
// The key's queue then advances.
func (m *Manager) SetTaskDone(ctx context.Context, taskID string, next *models.Task) error {
	st, err := m.claim(taskID)
	if err != nil {
		return err
	}

	if err := m.store.DeleteTask(ctx, taskID); err != nil {
		m.logger.Warn("Failed to delete completed task", zap.String("task_id", taskID), zap.Error(err))
	}

	if next != nil {
		m.chain(ctx, st, next)
	}

	m.finish(st, nil, true)
	return nil
}

// chain pushes next after the completing task st. The abort flag is checked
// in the same critical section that enqueues next, so an AbortQueue racing
// the completion either sees next as pending and discards it, or next is
// dropped here.
func (m *Manager) chain(ctx context.Context, st *taskState, next *models.Task) {
	log := m.logger.With(
		zap.String("experiment_id", st.key),
		zap.String("task_id", st.task.ID),
		zap.String("next_type", string(next.Type)),
	)

	m.mu.Lock()
	aborted := st.aborted
	m.mu.Unlock()
	if aborted {
		log.Info("Discarding next task of aborted task")
		return
	}

	if err := m.persist(ctx, st.key, next); err != nil {
		log.Error("Failed to push next task", zap.Error(err))
		return
	}

	m.mu.Lock()
	aborted, stopped := st.aborted, m.stopped
	if !aborted && !stopped {
		m.enqueueLocked(st.key, next)
	}
	m.mu.Unlock()

	switch {
	case aborted:
		log.Info("Discarding next task of task aborted while chaining")
		if err := m.store.DeleteTask(ctx, next.ID); err != nil {
			log.Warn("Failed to delete discarded next task", zap.Error(err))
		}
	case stopped:
		log.Info("Next task left persisted for recovery")
	}
}

// SetTaskFailed fails the active task taskID, logs cause and advances the
// key's queue. It does not retry.
func (m *Manager) SetTaskFailed(ctx context.Context, taskID string, cause error) error {
	st, err := m.claim(taskID)
	if err != nil {
		return err
	}

	if err := m.store.DeleteTask(ctx, taskID); err != nil {
		m.logger.Warn("Failed to delete failed task", zap.String("task_id", taskID), zap.Error(err))
	}

	log := m.logger.With(
		zap.String("experiment_id", st.key),
		zap.String("task_id", taskID),
		zap.String("task_type", string(st.task.Type)),
	)
	if models.IsAborted(cause) {
		log.Info("Task aborted")
	} else {
		log.Error("Task failed", zap.Error(cause))
	}

	m.finish(st, cause, true)
	return nil
}

// IsTaskAborted reports whether taskID is active and was flagged by AbortQueue.
func (m *Manager) IsTaskAborted(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[taskID]
	return ok && st.aborted
}

// AbortQueue discards every pending task of key and flags the active one as
// aborted, cancelling its context with models.ErrTaskAborted. onActive is
// called with a copy of the active task so the caller can cancel its remote
// job. The returned channel is closed once the active task finished, or
// immediately when there is none.
func (m *Manager) AbortQueue(ctx context.Context, key string, onActive func(task *models.Task)) <-chan struct{} {
	m.mu.Lock()

	q, ok := m.queues[key]
	if !ok {
		m.mu.Unlock()
		return closedChan()
	}

	discarded := q.pending
	q.pending = nil
	for _, st := range discarded {
		delete(m.tasks, st.task.ID)
		st.err = models.ErrTaskAborted
		close(st.done)
	}

	var (
		activeCopy *models.Task
		done       <-chan struct{}
	)
	if q.active != nil {
		q.active.aborted = true
		q.active.cancel(models.ErrTaskAborted)
		c := *q.active.task
		activeCopy = &c
		done = q.active.done
	} else {
		delete(m.queues, key)
		done = closedChan()
	}
	m.mu.Unlock()

	for _, st := range discarded {
		if err := m.store.DeleteTask(ctx, st.task.ID); err != nil {
			m.logger.Warn("Failed to delete discarded task", zap.String("task_id", st.task.ID), zap.Error(err))
		}
	}

	m.logger.Info("Queue aborted",
		zap.String("experiment_id", key),
		zap.Int("discarded", len(discarded)),
		zap.Bool("had_active", activeCopy != nil),
	)

	if activeCopy != nil && onActive != nil {
		onActive(activeCopy)
	}
	return done
}

// SetTaskJob records the remote job a handler started (or clears it with "").
// Handlers must use it instead of writing task.JobID directly.
func (m *Manager) SetTaskJob(ctx context.Context, task *models.Task, jobID string) error {
	m.mu.Lock()
	task.JobID = jobID
	m.mu.Unlock()

	// Persisted even when ctx was just cancelled, so a restart can resume.
	if err := m.store.UpdateTaskJobID(context.WithoutCancel(ctx), task.ID, jobID); err != nil {
		return fmt.Errorf("persisting job id of task %s: %w", task.ID, err)
	}
	return nil
}

// Snapshot returns the state of every non-empty queue.
func (m *Manager) Snapshot() []QueueSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueueSnapshot, 0, len(m.queues))
	for key, q := range m.queues {
		s := QueueSnapshot{Key: key, Pending: len(q.pending)}
		if q.active != nil {
			s.ActiveID = q.active.task.ID
			s.ActiveType = q.active.task.Type
			s.Aborted = q.active.aborted
		}
		out = append(out, s)
	}
	return out
}

// Shutdown stops dispatching, cancels active handlers with
// models.ErrShuttingDown and waits for them to return. Interrupted and
// pending tasks stay persisted for Recover.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.stop(models.ErrShuttingDown)

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		m.logger.Info("Task manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active tasks: %w", ctx.Err())
	}
}

// Checkpoint returns the reason ctx was cancelled (models.ErrTaskAborted or
// models.ErrShuttingDown), or nil. Handlers call it between remote operations.
func Checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func (m *Manager) queueLocked(key string) *keyQueue {
	q, ok := m.queues[key]
	if !ok {
		q = &keyQueue{}
		m.queues[key] = q
	}
	return q
}

// advanceLocked starts the next pending task of key if none is active.
func (m *Manager) advanceLocked(key string) {
	q, ok := m.queues[key]
	if !ok || q.active != nil {
		return
	}
	if len(q.pending) == 0 {
		delete(m.queues, key)
		return
	}
	if m.stopped {
		return
	}

	st := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.active = st

	ctx, cancel := context.WithCancelCause(m.baseCtx)
	st.cancel = cancel
	ctx = logging.WithTask(ctx, key, st.task.ID, string(st.task.Type))
	handler := m.handlers[st.task.Type]

	m.wg.Add(1)
	go m.run(ctx, st, handler)
}

func (m *Manager) run(ctx context.Context, st *taskState, handler Handler) {
	defer m.wg.Done()

	log := logging.FromContext(ctx, m.logger)
	log.Debug("Task started", zap.String("job_id", st.task.JobID))

	var (
		next *models.Task
		err  error
	)
	if handler == nil {
		err = fmt.Errorf("%w: %s", ErrNoHandler, st.task.Type)
	} else {
		next, err = invoke(ctx, handler, st.task)
	}

	// Store writes below must not be cut short by the task's own cancellation.
	bg := context.WithoutCancel(ctx)

	if err != nil && errors.Is(context.Cause(ctx), models.ErrShuttingDown) && !models.IsAborted(err) {
		log.Info("Task interrupted by shutdown, left for recovery", zap.Error(err))
		if _, claimErr := m.claim(st.task.ID); claimErr == nil {
			m.finish(st, models.ErrShuttingDown, false)
		}
		return
	}

	if err != nil {
		if failErr := m.SetTaskFailed(bg, st.task.ID, err); failErr != nil {
			log.Warn("Could not fail task", zap.Error(failErr))
		}
		return
	}
	if doneErr := m.SetTaskDone(bg, st.task.ID, next); doneErr != nil {
		log.Warn("Could not complete task", zap.Error(doneErr))
	}
}

func invoke(ctx context.Context, handler Handler, task *models.Task) (next *models.Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = nil
			err = fmt.Errorf("handler for %s task panicked: %v", task.Type, r)
		}
	}()
	return handler(ctx, task)
}

// claim marks the active task taskID as completing so it is finished once.
func (m *Manager) claim(taskID string) (*taskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotActive, taskID)
	}
	q := m.queues[st.key]
	if q == nil || q.active != st || st.completing {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotActive, taskID)
	}
	st.completing = true
	return st, nil
}

// finish removes the active task st and, when advance is set, starts the
// key's next pending task. done is closed before the next task starts.
func (m *Manager) finish(st *taskState, err error, advance bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q := m.queues[st.key]; q != nil && q.active == st {
		q.active = nil
	}
	delete(m.tasks, st.task.ID)
	if st.cancel != nil {
		st.cancel(nil)
	}
	st.err = err
	close(st.done)

	if advance {
		m.advanceLocked(st.key)
	}
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
