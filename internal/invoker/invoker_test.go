package invoker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
	"github.com/stackplane/orchestrator/pkg/logger"
)

type fakeParticipant struct {
	mu       sync.Mutex
	requests []stepRequest
	handler  func(n int, w http.ResponseWriter)
}

func (f *fakeParticipant) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req stepRequest
	json.Unmarshal(body, &req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	f.handler(n, w)
}

func (f *fakeParticipant) seen() []stepRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stepRequest(nil), f.requests...)
}

func newTestInvoker(t *testing.T, f *fakeParticipant) (*HTTPInvoker, *repository.MemorySagaStore) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	store := repository.NewMemorySagaStore()
	inv := NewHTTPInvoker(map[string]string{"payments": srv.URL}, store,
		logger.New("invoker-test", io.Discard), nil)
	inv.sleep = func(context.Context, time.Duration) error { return nil }
	return inv, store
}

func testStep() *types.StepDefinition {
	return &types.StepDefinition{
		StepID:             "charge-payment",
		Target:             types.Target{Service: "payments", Action: "charge"},
		CompensatingAction: "refund",
		Timeout:            2 * time.Second,
		Retry:              types.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}
}

func testSaga() *types.SagaInstance {
	return &types.SagaInstance{SagaID: "saga-1", Payload: []byte(`{"orderId":"o-1"}`)}
}

func TestInvoke_SucceedsFirstAttempt(t *testing.T) {
	f := &fakeParticipant{handler: func(_ int, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(stepResponse{Success: true, Output: []byte(`{"chargeId":"c-1"}`)})
	}}
	inv, store := newTestInvoker(t, f)

	result, err := inv.Invoke(context.Background(), testSaga(), testStep(), types.DirectionForward)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Attempts)
	}
	if string(result.Output) != `{"chargeId":"c-1"}` {
		t.Fatalf("unexpected output %s", result.Output)
	}

	logs, _ := store.LogsFor(context.Background(), "saga-1")
	if len(logs) != 1 || logs[0].Status != types.StepSucceeded {
		t.Fatalf("expected one SUCCEEDED log row, got %+v", logs)
	}
}

func TestInvoke_RetriesTransientFailures(t *testing.T) {
	f := &fakeParticipant{handler: func(n int, w http.ResponseWriter) {
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(stepResponse{Success: true})
	}}
	inv, store := newTestInvoker(t, f)

	result, err := inv.Invoke(context.Background(), testSaga(), testStep(), types.DirectionForward)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}

	// Every attempt carries the same idempotency key.
	want := IdempotencyKey("saga-1", "charge-payment", types.DirectionForward)
	for _, req := range f.seen() {
		if req.IdempotencyKey != want {
			t.Fatalf("idempotency key changed across attempts: %s", req.IdempotencyKey)
		}
	}

	// One log row per attempt: two FAILED, one SUCCEEDED.
	logs, _ := store.LogsFor(context.Background(), "saga-1")
	if len(logs) != 3 {
		t.Fatalf("expected 3 log rows, got %d", len(logs))
	}
	succeeded := 0
	for _, entry := range logs {
		if entry.Status == types.StepSucceeded {
			succeeded++
		}
		if entry.FinishedAt == nil {
			t.Fatalf("attempt %d left open", entry.Attempt)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one SUCCEEDED row, got %d", succeeded)
	}
}

func TestInvoke_PermanentFailureDoesNotRetry(t *testing.T) {
	f := &fakeParticipant{handler: func(_ int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"insufficient funds"}`))
	}}
	inv, _ := newTestInvoker(t, f)

	_, err := inv.Invoke(context.Background(), testSaga(), testStep(), types.DirectionForward)
	if ocerrors.CodeOf(err) != ocerrors.CodeStepFailed {
		t.Fatalf("expected STEP_FAILED, got %v", err)
	}
	if len(f.seen()) != 1 {
		t.Fatalf("4xx must not be retried, saw %d requests", len(f.seen()))
	}
}

func TestInvoke_ExhaustedRetries(t *testing.T) {
	f := &fakeParticipant{handler: func(_ int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	inv, store := newTestInvoker(t, f)

	_, err := inv.Invoke(context.Background(), testSaga(), testStep(), types.DirectionForward)
	if ocerrors.CodeOf(err) != ocerrors.CodeStepFailed {
		t.Fatalf("expected STEP_FAILED, got %v", err)
	}
	if len(f.seen()) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(f.seen()))
	}

	logs, _ := store.LogsFor(context.Background(), "saga-1")
	for _, entry := range logs {
		if entry.Status != types.StepFailed {
			t.Fatalf("expected all rows FAILED, got %+v", entry)
		}
	}
}

func TestInvoke_CompensationUsesCompensatingAction(t *testing.T) {
	f := &fakeParticipant{handler: func(_ int, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(stepResponse{Success: true})
	}}
	inv, _ := newTestInvoker(t, f)

	if _, err := inv.Invoke(context.Background(), testSaga(), testStep(), types.DirectionCompensate); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	reqs := f.seen()
	if reqs[0].Action != "refund" {
		t.Fatalf("expected refund action, got %s", reqs[0].Action)
	}
	want := IdempotencyKey("saga-1", "charge-payment", types.DirectionCompensate)
	if reqs[0].IdempotencyKey != want {
		t.Fatalf("compensation key must differ from forward key, got %s", reqs[0].IdempotencyKey)
	}
}

func TestInvoke_CompensationFailureCode(t *testing.T) {
	f := &fakeParticipant{handler: func(_ int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
	}}
	inv, _ := newTestInvoker(t, f)

	_, err := inv.Invoke(context.Background(), testSaga(), testStep(), types.DirectionCompensate)
	if ocerrors.CodeOf(err) != ocerrors.CodeCompensationFailed {
		t.Fatalf("expected COMPENSATION_FAILED, got %v", err)
	}
}

func TestInvoke_AsyncAccepted(t *testing.T) {
	f := &fakeParticipant{handler: func(_ int, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(stepResponse{Accepted: true})
	}}
	inv, _ := newTestInvoker(t, f)

	result, err := inv.Invoke(context.Background(), testSaga(), testStep(), types.DirectionForward)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.Async {
		t.Fatal("expected async result")
	}
}

func TestBackoff(t *testing.T) {
	policy := types.RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	if got := Backoff(policy, 1); got != 100*time.Millisecond {
		t.Fatalf("retry 1: expected 100ms, got %s", got)
	}
	if got := Backoff(policy, 2); got != 200*time.Millisecond {
		t.Fatalf("retry 2: expected 200ms, got %s", got)
	}
	if got := Backoff(policy, 10); got != time.Second {
		t.Fatalf("retry 10: expected cap 1s, got %s", got)
	}

	jittered := types.RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		got := Backoff(jittered, 3)
		if got <= 0 || got > 400*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", got)
		}
	}
}
