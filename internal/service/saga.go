// Package service is the use-case boundary: everything handlers and the CLI
// can do to sagas and workflow definitions goes through here.
package service

import (
	"context"
	"encoding/json"

	"github.com/stackplane/orchestrator/internal/metrics"
	"github.com/stackplane/orchestrator/internal/registry"
	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/types"
	"github.com/stackplane/orchestrator/pkg/audit"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
	"github.com/stackplane/orchestrator/pkg/logger"
	"github.com/stackplane/orchestrator/pkg/snowflake"
)

// Submitter hands sagas to the worker pool. Implemented by the dispatcher.
type Submitter interface {
	Submit(sagaID string) bool
}

// Service implements the orchestrator use cases.
type Service struct {
	registry   *registry.Registry
	store      repository.SagaStore
	dispatcher Submitter
	ids        *snowflake.Generator
	audit      audit.Logger
	metrics    *metrics.Metrics
	log        *logger.Logger
}

func New(reg *registry.Registry, store repository.SagaStore, dispatcher Submitter,
	ids *snowflake.Generator, auditLog audit.Logger, m *metrics.Metrics, log *logger.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Service{
		registry:   reg,
		store:      store,
		dispatcher: dispatcher,
		ids:        ids,
		audit:      auditLog,
		metrics:    m,
		log:        log,
	}
}

// StartSagaRequest starts one saga instance.
type StartSagaRequest struct {
	WorkflowName string          `json:"workflowName"`
	// WorkflowVersion pins a version; zero means latest enabled.
	WorkflowVersion int             `json:"workflowVersion,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	InitiatedBy     string          `json:"initiatedBy,omitempty"`
}

// StartSaga validates the request against the registry, persists a Pending
// instance and submits it to the pool. The saga ID is returned immediately;
// execution is asynchronous.
func (s *Service) StartSaga(ctx context.Context, req *StartSagaRequest) (*types.SagaInstance, error) {
	if req.WorkflowName == "" {
		return nil, ocerrors.New(ocerrors.CodeInvalidParam, "workflowName is required")
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	} else if !json.Valid(payload) {
		return nil, ocerrors.New(ocerrors.CodeInvalidParam, "payload must be valid JSON")
	}

	def, err := s.registry.Resolve(ctx, req.WorkflowName, req.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	sagaID, err := s.ids.NextSagaID()
	if err != nil {
		return nil, ocerrors.Newf(ocerrors.CodeInternal, "generate saga id: %v", err)
	}

	instance := &types.SagaInstance{
		SagaID:          sagaID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Payload:         payload,
		Status:          types.StatusPending,
		CorrelationID:   req.CorrelationID,
		InitiatedBy:     req.InitiatedBy,
	}
	if err := s.store.Create(ctx, instance); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.NewEntry(audit.EventSagaStarted, req.InitiatedBy).
		WithResource("saga", sagaID).
		WithParams(map[string]interface{}{
			"workflow": def.Name,
			"version":  def.Version,
		}).
		WithResult(true, ""))
	if s.metrics != nil {
		s.metrics.IncSagaStarted(def.Name)
	}
	s.log.WithSaga(sagaID).Infof("saga accepted", map[string]interface{}{
		"workflow": def.Name,
		"version":  def.Version,
	})

	s.dispatcher.Submit(sagaID)
	return instance, nil
}

// SagaDetail is a saga instance with its execution history.
type SagaDetail struct {
	Instance *types.SagaInstance      `json:"instance"`
	Logs     []types.StepExecutionLog `json:"logs"`
}

// GetSaga returns the instance and its full step execution log.
func (s *Service) GetSaga(ctx context.Context, sagaID string) (*SagaDetail, error) {
	if sagaID == "" {
		return nil, ocerrors.New(ocerrors.CodeInvalidParam, "saga id is required")
	}
	instance, err := s.store.Find(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.LogsFor(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return &SagaDetail{Instance: instance, Logs: logs}, nil
}

// ListSagas returns matching instances plus the unpaged total.
func (s *Service) ListSagas(ctx context.Context, filter types.SagaFilter) ([]*types.SagaInstance, int, error) {
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, 0, ocerrors.Newf(ocerrors.CodeInvalidParam, "unknown status %q", status)
		}
	}
	if filter.Limit < 0 || filter.Limit > 1000 {
		return nil, 0, ocerrors.New(ocerrors.CodeInvalidParam, "limit must be between 0 and 1000")
	}
	return s.store.List(ctx, filter)
}

// CancelSaga requests cancellation. A Pending or Running saga moves to
// Compensating; anything else is INVALID_STATE (or NOT_FOUND).
func (s *Service) CancelSaga(ctx context.Context, sagaID, actor string) error {
	ok, err := s.store.Cancel(ctx, sagaID)
	if err != nil {
		return err
	}
	if !ok {
		instance, err := s.store.Find(ctx, sagaID)
		if err != nil {
			return err
		}
		return ocerrors.Newf(ocerrors.CodeInvalidState,
			"saga %s cannot be cancelled from %s", sagaID, instance.Status)
	}

	s.audit.Log(ctx, audit.NewEntry(audit.EventSagaCanceled, actor).
		WithResource("saga", sagaID).
		WithResult(true, ""))
	s.log.WithSaga(sagaID).Info("saga cancellation requested")

	s.dispatcher.Submit(sagaID)
	return nil
}

// RetrySaga is the operator path out of Failed: compensation is re-attempted.
func (s *Service) RetrySaga(ctx context.Context, sagaID, actor string) error {
	ok, err := s.store.RetryFailed(ctx, sagaID)
	if err != nil {
		return err
	}
	if !ok {
		instance, err := s.store.Find(ctx, sagaID)
		if err != nil {
			return err
		}
		return ocerrors.Newf(ocerrors.CodeInvalidState,
			"saga %s is %s, only FAILED sagas can be retried", sagaID, instance.Status)
	}

	s.audit.Log(ctx, audit.NewEntry(audit.EventSagaRetried, actor).
		WithResource("saga", sagaID).
		WithResult(true, ""))
	s.log.WithSaga(sagaID).Info("saga retry requested")

	s.dispatcher.Submit(sagaID)
	return nil
}

// CompleteStepRequest reports the out-of-band outcome of an async step.
type CompleteStepRequest struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CompleteStep closes an async step the participant accepted earlier and
// resubmits the saga so the driver can continue (or compensate).
func (s *Service) CompleteStep(ctx context.Context, sagaID, stepID string, req *CompleteStepRequest) error {
	instance, err := s.store.Find(ctx, sagaID)
	if err != nil {
		return err
	}
	if instance.Status != types.StatusRunning {
		return ocerrors.Newf(ocerrors.CodeInvalidState,
			"saga %s is %s, not awaiting step completion", sagaID, instance.Status)
	}

	logs, err := s.store.LogsFor(ctx, sagaID)
	if err != nil {
		return err
	}
	attempt := 0
	pending := false
	for _, entry := range logs {
		if entry.StepID != stepID || entry.Direction != types.DirectionForward {
			continue
		}
		if entry.Attempt > attempt {
			attempt = entry.Attempt
		}
		switch entry.Status {
		case types.StepAccepted:
			pending = true
		case types.StepSucceeded:
			// Duplicate completion; ignore below.
			pending = false
		}
	}
	if !pending {
		return ocerrors.Newf(ocerrors.CodeInvalidState,
			"step %s of saga %s has no pending async invocation", stepID, sagaID)
	}

	logID, err := s.store.AppendLog(ctx, &types.StepExecutionLog{
		SagaID: sagaID, StepID: stepID,
		Direction: types.DirectionForward, Attempt: attempt + 1,
	})
	if err != nil {
		return err
	}

	if req.Success {
		if err := s.store.FinishLog(ctx, logID, types.StepSucceeded, ""); err != nil {
			return err
		}
	} else {
		if err := s.store.FinishLog(ctx, logID, types.StepFailed, req.Error); err != nil {
			return err
		}
		if err := s.store.SetError(ctx, sagaID, req.Error); err != nil {
			return err
		}
		if _, err := s.store.Transition(ctx, sagaID, types.StatusRunning, types.StatusCompensating, nil); err != nil {
			return err
		}
	}

	s.log.WithStep(sagaID, stepID).Infof("async step completed", map[string]interface{}{
		"success": req.Success,
	})
	s.dispatcher.Submit(sagaID)
	return nil
}

// RegisterWorkflow registers a new immutable workflow version.
func (s *Service) RegisterWorkflow(ctx context.Context, def *types.WorkflowDefinition, actor string) (*types.WorkflowDefinition, error) {
	created, err := s.registry.Register(ctx, def)
	if err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.NewEntry(audit.EventWorkflowRegistered, actor).
		WithResource("workflow", created.Name).
		WithParams(map[string]interface{}{"version": created.Version}).
		WithResult(true, ""))
	return created, nil
}

// GetWorkflow returns one definition; version <= 0 means latest enabled.
func (s *Service) GetWorkflow(ctx context.Context, name string, version int) (*types.WorkflowDefinition, error) {
	return s.registry.Get(ctx, name, version)
}

// ListWorkflows returns definition summaries.
func (s *Service) ListWorkflows(ctx context.Context, enabledOnly bool) ([]types.WorkflowSummary, error) {
	return s.registry.List(ctx, enabledOnly)
}
