// Package events publishes experiment status changes on NATS so that the
// API gateway and the UI can follow an experiment without polling the store.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StatusEvent is published on <prefix>.<experiment id> for every status write.
type StatusEvent struct {
	ExperimentID string                  `json:"experiment_id"`
	Status       models.ExperimentStatus `json:"status"`
	InstanceID   *string                 `json:"inst_id,omitempty"`
	Timestamp    time.Time               `json:"ts"`
}

// Publisher sends raw messages. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// JetStreamPublisher publishes into a JetStream stream so events survive
// subscribers being offline.
type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(subject string, data []byte) error {
	_, err := p.JS.Publish(subject, data)
	return err
}

// NotifyingStore decorates a store.Store and publishes a StatusEvent after
// every successful update that sets a status.
type NotifyingStore struct {
	store.Store

	pub    Publisher
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewNotifyingStore wraps s. Events go to <prefix>.<experiment id>.
func NewNotifyingStore(s store.Store, pub Publisher, prefix string, logger *zap.Logger) *NotifyingStore {
	return &NotifyingStore{
		Store:  s,
		pub:    pub,
		prefix: prefix,
		logger: logger.Named("events"),
		now:    time.Now,
	}
}

// Subject returns the subject status events of expID are published on.
func (n *NotifyingStore) Subject(expID string) string {
	return n.prefix + "." + expID
}

func (n *NotifyingStore) CreateExperiment(ctx context.Context, exp *models.Experiment) error {
	if err := n.Store.CreateExperiment(ctx, exp); err != nil {
		return err
	}
	n.publish(StatusEvent{ExperimentID: exp.ID, Status: exp.Status})
	return nil
}

func (n *NotifyingStore) UpdateExperiment(ctx context.Context, id string, upd store.ExperimentUpdate) error {
	if err := n.Store.UpdateExperiment(ctx, id, upd); err != nil {
		return err
	}
	if upd.Status != nil {
		n.publish(StatusEvent{ExperimentID: id, Status: *upd.Status, InstanceID: upd.InstanceID})
	}
	return nil
}

// publish never fails the write it reports on.
func (n *NotifyingStore) publish(ev StatusEvent) {
	ev.Timestamp = n.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("Failed to marshal status event", zap.String("experiment_id", ev.ExperimentID), zap.Error(err))
		return
	}
	if err := n.pub.Publish(n.Subject(ev.ExperimentID), data); err != nil {
		n.logger.Warn("Failed to publish status event",
			zap.String("experiment_id", ev.ExperimentID),
			zap.String("status", string(ev.Status)),
			zap.Error(err),
		)
	}
}

var _ store.Store = (*NotifyingStore)(nil)
