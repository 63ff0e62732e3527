// Package events publishes saga lifecycle events to Redis pub/sub. The
// websocket stream endpoint subscribes to the same channels.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackplane/orchestrator/internal/types"
	"github.com/stackplane/orchestrator/pkg/logger"
)

// Event is one saga lifecycle notification.
type Event struct {
	SagaID    string       `json:"sagaId"`
	Workflow  string       `json:"workflow"`
	Type      string       `json:"type"`
	Status    types.Status `json:"status,omitempty"`
	StepID    string       `json:"stepId,omitempty"`
	Direction string       `json:"direction,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Event types.
const (
	TypeStatusChanged = "status_changed"
	TypeStepStarted   = "step_started"
	TypeStepFinished  = "step_finished"
)

// Publisher delivers saga events. Delivery is best-effort: event loss never
// blocks or fails a saga transition.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Channel returns the pub/sub channel carrying events for one saga.
func Channel(sagaID string) string {
	return "saga:" + sagaID + ":events"
}

// BroadcastChannel carries every saga event for firehose consumers.
const BroadcastChannel = "saga:events"

// RedisPublisher publishes events to the per-saga channel and the broadcast
// channel.
type RedisPublisher struct {
	client redis.UniversalClient
	log    *logger.Logger
}

func NewRedisPublisher(client redis.UniversalClient, log *logger.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).Error("marshal saga event")
		return
	}
	if err := p.client.Publish(ctx, Channel(event.SagaID), raw).Err(); err != nil {
		p.log.WithError(err).WithSaga(event.SagaID).Warn("publish saga event")
	}
	if err := p.client.Publish(ctx, BroadcastChannel, raw).Err(); err != nil {
		p.log.WithError(err).Warn("publish broadcast event")
	}
}

// NopPublisher drops all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = NopPublisher{}
)
