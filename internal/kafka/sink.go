package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sharemeal/backend/internal/repository"
)

const ShipmentEventsTopic = "shipment_events"

// TaskCreator enqueues a new outbox row.
type TaskCreator interface {
	Create(ctx context.Context, task *repository.OutboxTask) error
}

// OutboxSink turns shipment events into outbox tasks. The publisher picks
// them up asynchronously, so a broker outage never blocks a mutation.
type OutboxSink struct {
	tasks TaskCreator
}

func NewOutboxSink(tasks TaskCreator) *OutboxSink {
	return &OutboxSink{tasks: tasks}
}

func (s *OutboxSink) Enqueue(ctx context.Context, ev *repository.ShipmentEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal shipment event: %w", err)
	}
	return s.tasks.Create(ctx, &repository.OutboxTask{
		Topic:   ShipmentEventsTopic,
		Payload: payload,
	})
}
