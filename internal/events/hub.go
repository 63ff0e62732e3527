package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/stackplane/orchestrator/pkg/logger"
)

const defaultMaxSubscribersPerSaga = 16

// ErrMaxSubscribers is returned when a saga exceeds the stream limit.
var ErrMaxSubscribers = errors.New("max subscribers per saga exceeded")

// Subscriber receives raw event payloads for one saga.
type Subscriber struct {
	send chan []byte
}

// Events is the subscriber's receive channel. It is closed on unsubscribe.
func (s *Subscriber) Events() <-chan []byte {
	return s.send
}

// Hub fans saga events out to websocket subscribers. It is fed by a Redis
// pub/sub subscription so events reach subscribers on every orchestrator
// node, not just the one driving the saga.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscriber]struct{}
	maxPerSaga int
	total      int64
}

func NewHub() *Hub {
	return &Hub{
		subs:       make(map[string]map[*Subscriber]struct{}),
		maxPerSaga: defaultMaxSubscribersPerSaga,
	}
}

// Subscribe registers a stream consumer for a saga.
func (h *Hub) Subscribe(sagaID string) (*Subscriber, error) {
	sub := &Subscriber{send: make(chan []byte, 64)}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sagaID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.subs[sagaID] = subs
	}
	if h.maxPerSaga > 0 && len(subs) >= h.maxPerSaga {
		return nil, ErrMaxSubscribers
	}
	subs[sub] = struct{}{}
	atomic.AddInt64(&h.total, 1)
	return sub, nil
}

// Unsubscribe removes a stream consumer and closes its channel.
func (h *Hub) Unsubscribe(sagaID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sagaID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.send)
	atomic.AddInt64(&h.total, -1)
	if len(subs) == 0 {
		delete(h.subs, sagaID)
	}
}

// Dispatch delivers a raw event payload to every subscriber of the saga.
// Slow subscribers are skipped.
func (h *Hub) Dispatch(sagaID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[sagaID] {
		select {
		case sub.send <- payload:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int64 {
	return atomic.LoadInt64(&h.total)
}

// Relay pumps the Redis broadcast channel into the hub until ctx ends.
type Relay struct {
	client redis.UniversalClient
	hub    *Hub
	log    *logger.Logger
}

func NewRelay(client redis.UniversalClient, hub *Hub, log *logger.Logger) *Relay {
	return &Relay{client: client, hub: hub, log: log}
}

// Run blocks consuming the broadcast channel. Saga IDs are parsed out of the
// event payload so the hub can route per saga.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, BroadcastChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sagaID := sagaIDFromPayload([]byte(msg.Payload))
			if sagaID == "" {
				continue
			}
			r.hub.Dispatch(sagaID, []byte(msg.Payload))
		}
	}
}

func sagaIDFromPayload(payload []byte) string {
	var envelope struct {
		SagaID string `json:"sagaId"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return envelope.SagaID
}
