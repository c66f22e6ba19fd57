package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type message struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{subject: subject, data: data})
	return p.err
}

func newNotifying(t *testing.T, pub Publisher) *NotifyingStore {
	t.Helper()
	n := NewNotifyingStore(store.NewInMemoryStore(), pub, "experiments.status", zap.NewNop())
	n.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestStatusUpdatesArePublished(t *testing.T) {
	pub := &recordingPublisher{}
	n := newNotifying(t, pub)
	ctx := context.Background()

	require.NoError(t, n.CreateExperiment(ctx, &models.Experiment{ID: "exp-1", Status: models.StatusCreated}))
	require.NoError(t, n.UpdateExperiment(ctx, "exp-1", store.Update().WithStatus(models.StatusLaunched)))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "experiments.status.exp-1", pub.msgs[1].subject)

	var ev StatusEvent
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &ev))
	assert.Equal(t, "exp-1", ev.ExperimentID)
	assert.Equal(t, models.StatusLaunched, ev.Status)
	assert.Nil(t, ev.InstanceID)
	assert.True(t, ev.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
}

func TestUpdatesWithoutStatusAreSilent(t *testing.T) {
	pub := &recordingPublisher{}
	n := newNotifying(t, pub)
	ctx := context.Background()

	require.NoError(t, n.CreateExperiment(ctx, &models.Experiment{ID: "exp-1", Status: models.StatusCreated}))
	require.NoError(t, n.UpdateExperiment(ctx, "exp-1", store.Update().WithLogs(nil)))

	assert.Len(t, pub.msgs, 1)
}

func TestFailedUpdateIsNotPublished(t *testing.T) {
	pub := &recordingPublisher{}
	n := newNotifying(t, pub)

	err := n.UpdateExperiment(context.Background(), "missing", store.Update().WithStatus(models.StatusDone))
	require.ErrorIs(t, err, models.ErrExperimentNotFound)
	assert.Empty(t, pub.msgs)
}

func TestPublishErrorDoesNotFailWrite(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}
	n := newNotifying(t, pub)
	ctx := context.Background()

	require.NoError(t, n.CreateExperiment(ctx, &models.Experiment{ID: "exp-1", Status: models.StatusCreated}))
	require.NoError(t, n.UpdateExperiment(ctx, "exp-1", store.Update().WithStatus(models.StatusResetting)))

	exp, err := n.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResetting, exp.Status)
}
