package service

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stackplane/orchestrator/internal/registry"
	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
	"github.com/stackplane/orchestrator/pkg/logger"
	"github.com/stackplane/orchestrator/pkg/snowflake"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingSubmitter) Submit(sagaID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, sagaID)
	return true
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type fixture struct {
	service   *Service
	store     *repository.MemorySagaStore
	submitter *recordingSubmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("service-test", io.Discard)
	store := repository.NewMemorySagaStore()
	reg := registry.New(repository.NewMemoryWorkflowRepository(), log)
	submitter := &recordingSubmitter{}
	ids, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	svc := New(reg, store, submitter, ids, nil, nil, log)
	if _, err := reg.Register(context.Background(), &types.WorkflowDefinition{
		Name: "order-fulfillment", Version: 1, Enabled: true,
		Steps: []types.StepDefinition{
			{StepID: "reserve", Target: types.Target{Service: "inventory", Action: "reserve"},
				CompensatingAction: "release", NextStepID: "charge"},
			{StepID: "charge", Target: types.Target{Service: "payments", Action: "charge"},
				CompensatingAction: "refund", PreviousStepID: "reserve", Async: true},
		},
	}); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	return &fixture{service: svc, store: store, submitter: submitter}
}

func TestStartSaga(t *testing.T) {
	f := newFixture(t)
	instance, err := f.service.StartSaga(context.Background(), &StartSagaRequest{
		WorkflowName: "order-fulfillment",
		Payload:      []byte(`{"orderId":"o-1"}`),
		InitiatedBy:  "api-key-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if instance.SagaID == "" {
		t.Fatal("expected assigned saga id")
	}
	if instance.Status != types.StatusPending {
		t.Fatalf("expected PENDING, got %s", instance.Status)
	}
	if instance.WorkflowVersion != 1 {
		t.Fatalf("expected pinned version 1, got %d", instance.WorkflowVersion)
	}
	if f.submitter.count() != 1 {
		t.Fatal("expected saga submitted to the pool")
	}

	stored, err := f.store.Find(context.Background(), instance.SagaID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != types.StatusPending {
		t.Fatalf("expected stored PENDING, got %s", stored.Status)
	}
}

func TestStartSaga_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.StartSaga(ctx, &StartSagaRequest{})
	if ocerrors.CodeOf(err) != ocerrors.CodeInvalidParam {
		t.Fatalf("expected INVALID_PARAM, got %v", err)
	}

	_, err = f.service.StartSaga(ctx, &StartSagaRequest{
		WorkflowName: "order-fulfillment", Payload: []byte(`{broken`),
	})
	if ocerrors.CodeOf(err) != ocerrors.CodeInvalidParam {
		t.Fatalf("expected INVALID_PARAM for bad payload, got %v", err)
	}

	_, err = f.service.StartSaga(ctx, &StartSagaRequest{WorkflowName: "missing"})
	if ocerrors.CodeOf(err) != ocerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	if f.submitter.count() != 0 {
		t.Fatal("rejected requests must not reach the pool")
	}
}

func TestCancelSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, err := f.service.StartSaga(ctx, &StartSagaRequest{WorkflowName: "order-fulfillment"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.service.CancelSaga(ctx, instance.SagaID, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _ := f.store.Find(ctx, instance.SagaID)
	if stored.Status != types.StatusCompensating || !stored.CancelRequested {
		t.Fatalf("expected COMPENSATING with cancel flag, got %+v", stored)
	}

	// Second cancel is INVALID_STATE, not idempotent success.
	err = f.service.CancelSaga(ctx, instance.SagaID, "operator")
	if ocerrors.CodeOf(err) != ocerrors.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}

	err = f.service.CancelSaga(ctx, "missing", "operator")
	if ocerrors.CodeOf(err) != ocerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRetrySaga_OnlyFromFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, _ := f.service.StartSaga(ctx, &StartSagaRequest{WorkflowName: "order-fulfillment"})

	err := f.service.RetrySaga(ctx, instance.SagaID, "operator")
	if ocerrors.CodeOf(err) != ocerrors.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE for non-failed saga, got %v", err)
	}

	// Force the saga into FAILED the way a driver would.
	f.store.Transition(ctx, instance.SagaID, types.StatusPending, types.StatusCompensating, nil)
	f.store.Transition(ctx, instance.SagaID, types.StatusCompensating, types.StatusFailed, nil)

	if err := f.service.RetrySaga(ctx, instance.SagaID, "operator"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	stored, _ := f.store.Find(ctx, instance.SagaID)
	if stored.Status != types.StatusCompensating {
		t.Fatalf("expected COMPENSATING, got %s", stored.Status)
	}
}

func TestCompleteStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, _ := f.service.StartSaga(ctx, &StartSagaRequest{WorkflowName: "order-fulfillment"})

	// Driver ran: first step done, async step accepted, saga parked.
	step := "charge"
	f.store.Transition(ctx, instance.SagaID, types.StatusPending, types.StatusRunning, &step)
	logID, _ := f.store.AppendLog(ctx, &types.StepExecutionLog{
		SagaID: instance.SagaID, StepID: "reserve", Direction: types.DirectionForward, Attempt: 1,
	})
	f.store.FinishLog(ctx, logID, types.StepSucceeded, "")
	logID, _ = f.store.AppendLog(ctx, &types.StepExecutionLog{
		SagaID: instance.SagaID, StepID: "charge", Direction: types.DirectionForward, Attempt: 1,
	})
	f.store.FinishLog(ctx, logID, types.StepAccepted, "")

	before := f.submitter.count()
	if err := f.service.CompleteStep(ctx, instance.SagaID, "charge", &CompleteStepRequest{Success: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if f.submitter.count() != before+1 {
		t.Fatal("expected saga resubmitted after completion")
	}

	logs, _ := f.store.LogsFor(ctx, instance.SagaID)
	last := logs[len(logs)-1]
	if last.StepID != "charge" || last.Status != types.StepSucceeded || last.Attempt != 2 {
		t.Fatalf("unexpected completion row %+v", last)
	}

	// Duplicate completion is rejected.
	err := f.service.CompleteStep(ctx, instance.SagaID, "charge", &CompleteStepRequest{Success: true})
	if ocerrors.CodeOf(err) != ocerrors.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE for duplicate completion, got %v", err)
	}
}

func TestCompleteStep_FailureTriggersCompensation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, _ := f.service.StartSaga(ctx, &StartSagaRequest{WorkflowName: "order-fulfillment"})

	step := "charge"
	f.store.Transition(ctx, instance.SagaID, types.StatusPending, types.StatusRunning, &step)
	logID, _ := f.store.AppendLog(ctx, &types.StepExecutionLog{
		SagaID: instance.SagaID, StepID: "charge", Direction: types.DirectionForward, Attempt: 1,
	})
	f.store.FinishLog(ctx, logID, types.StepAccepted, "")

	err := f.service.CompleteStep(ctx, instance.SagaID, "charge", &CompleteStepRequest{
		Success: false, Error: "card declined",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	stored, _ := f.store.Find(ctx, instance.SagaID)
	if stored.Status != types.StatusCompensating {
		t.Fatalf("expected COMPENSATING, got %s", stored.Status)
	}
	if stored.Error != "card declined" {
		t.Fatalf("expected failure reason recorded, got %q", stored.Error)
	}
}

func TestListSagas_Validation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.service.ListSagas(context.Background(), types.SagaFilter{
		Statuses: []types.Status{"NOT_A_STATUS"},
	})
	if ocerrors.CodeOf(err) != ocerrors.CodeInvalidParam {
		t.Fatalf("expected INVALID_PARAM, got %v", err)
	}
}

func TestRegisterWorkflow(t *testing.T) {
	f := newFixture(t)
	created, err := f.service.RegisterWorkflow(context.Background(), &types.WorkflowDefinition{
		Name: "refund", Version: 1, Enabled: true,
		Steps: []types.StepDefinition{
			{StepID: "refund", Target: types.Target{Service: "payments", Action: "refund"}},
		},
	}, "operator")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}

	summaries, err := f.service.ListWorkflows(context.Background(), false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(summaries))
	}
}
