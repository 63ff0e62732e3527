package events

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stackplane/orchestrator/internal/types"
	"github.com/stackplane/orchestrator/pkg/logger"
)

func TestRedisPublisher_PublishesBothChannels(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	perSaga := client.Subscribe(ctx, Channel("saga-1"))
	defer perSaga.Close()
	firehose := client.Subscribe(ctx, BroadcastChannel)
	defer firehose.Close()

	// Wait for the subscriptions to register.
	if _, err := perSaga.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := firehose.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := NewRedisPublisher(client, logger.New("events-test", io.Discard))
	pub.Publish(ctx, Event{
		SagaID:   "saga-1",
		Workflow: "order-fulfillment",
		Type:     TypeStatusChanged,
		Status:   types.StatusRunning,
	})

	for _, ch := range []<-chan *redis.Message{perSaga.Channel(), firehose.Channel()} {
		select {
		case msg := <-ch:
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if event.SagaID != "saga-1" || event.Status != types.StatusRunning {
				t.Fatalf("unexpected event %+v", event)
			}
			if event.Timestamp.IsZero() {
				t.Fatal("expected timestamp to be stamped")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestHub_RoutesPerSaga(t *testing.T) {
	hub := NewHub()

	one, err := hub.Subscribe("saga-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := hub.Subscribe("saga-2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hub.Dispatch("saga-1", []byte(`{"sagaId":"saga-1"}`))

	select {
	case got := <-one.Events():
		if string(got) != `{"sagaId":"saga-1"}` {
			t.Fatalf("unexpected payload %s", got)
		}
	default:
		t.Fatal("expected payload for saga-1 subscriber")
	}
	select {
	case got := <-other.Events():
		t.Fatalf("saga-2 subscriber must not receive saga-1 events, got %s", got)
	default:
	}

	hub.Unsubscribe("saga-1", one)
	if _, open := <-one.Events(); open {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", hub.SubscriberCount())
	}
}

func TestHub_SubscriberLimit(t *testing.T) {
	hub := NewHub()
	hub.maxPerSaga = 2

	for i := 0; i < 2; i++ {
		if _, err := hub.Subscribe("saga-1"); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if _, err := hub.Subscribe("saga-1"); err != ErrMaxSubscribers {
		t.Fatalf("expected ErrMaxSubscribers, got %v", err)
	}
}

func TestRelay_FeedsHub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub()
	sub, err := hub.Subscribe("saga-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewRelay(client, hub, logger.New("events-test", io.Discard)).Run(ctx)

	pub := NewRedisPublisher(client, logger.New("events-test", io.Discard))
	deadline := time.After(2 * time.Second)
	for {
		// Publish repeatedly: the relay subscription may not be live yet.
		pub.Publish(context.Background(), Event{SagaID: "saga-1", Type: TypeStepStarted})
		select {
		case payload := <-sub.Events():
			var event Event
			if err := json.Unmarshal(payload, &event); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if event.SagaID != "saga-1" {
				t.Fatalf("unexpected event %+v", event)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for relayed event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
