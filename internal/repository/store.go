// Package repository is the persistence layer: workflow definitions, saga
// instances and step execution logs.
package repository

import (
	"context"

	"github.com/stackplane/orchestrator/internal/types"
)

// WorkflowRepository stores immutable, versioned workflow definitions.
// There is no update or delete: a new version replaces mutation.
type WorkflowRepository interface {
	// Create persists a definition. Returns ALREADY_EXISTS when the
	// (name, version) pair is taken.
	Create(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error)

	// Get returns the definition for name at version. version <= 0 selects
	// the latest enabled version. Returns NOT_FOUND when absent.
	Get(ctx context.Context, name string, version int) (*types.WorkflowDefinition, error)

	// List returns summaries, optionally restricted to enabled definitions.
	List(ctx context.Context, enabledOnly bool) ([]types.WorkflowSummary, error)
}

// SagaStore persists saga instances and their execution logs. Transition is
// the only way status changes; its compare-and-set semantics are what keep
// two racing drivers from double-advancing a saga.
type SagaStore interface {
	Create(ctx context.Context, instance *types.SagaInstance) error

	// Find returns the instance or NOT_FOUND.
	Find(ctx context.Context, sagaID string) (*types.SagaInstance, error)

	List(ctx context.Context, filter types.SagaFilter) ([]*types.SagaInstance, int, error)

	// Transition atomically moves the saga from expected to next. When
	// currentStepID is non-nil the current step pointer is updated too (an
	// empty string clears it). Returns false without effect when the stored
	// status differs from expected.
	Transition(ctx context.Context, sagaID string, expected, next types.Status, currentStepID *string) (bool, error)

	// Cancel flips a Pending or Running saga to Compensating and records the
	// cancellation intent. Returns false when the saga is in any other state.
	Cancel(ctx context.Context, sagaID string) (bool, error)

	// RetryFailed is the operator escape hatch: it moves a Failed saga back
	// to Compensating so compensation is re-attempted. The driver itself
	// never leaves Failed.
	RetryFailed(ctx context.Context, sagaID string) (bool, error)

	// SetError records a human-readable failure reason on the instance.
	SetError(ctx context.Context, sagaID, message string) error

	// ListNonTerminal returns the IDs of every saga the recovery scan must
	// resubmit.
	ListNonTerminal(ctx context.Context) ([]string, error)

	// AppendLog inserts a STARTED log row for one attempt and returns its ID.
	AppendLog(ctx context.Context, entry *types.StepExecutionLog) (int64, error)

	// FinishLog closes an attempt row with its outcome.
	FinishLog(ctx context.Context, logID int64, status types.StepStatus, errMsg string) error

	// LogsFor returns all log rows for the saga ordered by
	// (step_id, direction, attempt).
	LogsFor(ctx context.Context, sagaID string) ([]types.StepExecutionLog, error)
}
