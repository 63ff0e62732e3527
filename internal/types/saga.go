// Package types holds the orchestrator data model: workflow definitions,
// saga instances and step execution logs.
package types

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensated  Status = "COMPENSATED"
	StatusCancelled    Status = "CANCELLED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompensating,
		StatusCompleted, StatusCompensated, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Direction distinguishes a forward invocation from its compensation.
type Direction string

const (
	DirectionForward    Direction = "FORWARD"
	DirectionCompensate Direction = "COMPENSATE"
)

// StepStatus is the outcome of one invocation attempt. ACCEPTED marks an
// async step the participant took over; a later SUCCEEDED or FAILED row
// closes it out.
type StepStatus string

const (
	StepStarted   StepStatus = "STARTED"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepAccepted  StepStatus = "ACCEPTED"
	StepFailed    StepStatus = "FAILED"
)

// SagaInstance is one in-flight or finished business transaction. It is
// mutated only by the driver holding the saga's lock.
type SagaInstance struct {
	SagaID          string          `json:"sagaId"`
	WorkflowName    string          `json:"workflowName"`
	WorkflowVersion int             `json:"workflowVersion"`
	Payload         json.RawMessage `json:"payload"`
	Status          Status          `json:"status"`
	CurrentStepID   string          `json:"currentStepId,omitempty"`
	CancelRequested bool            `json:"cancelRequested"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	InitiatedBy     string          `json:"initiatedBy,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// StepExecutionLog is one attempt of one step in one direction. Rows are
// append-only; they are the sole source of truth for crash recovery.
type StepExecutionLog struct {
	ID         int64      `json:"id"`
	SagaID     string     `json:"sagaId"`
	StepID     string     `json:"stepId"`
	Direction  Direction  `json:"direction"`
	Attempt    int        `json:"attempt"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// SagaFilter selects saga instances in list queries.
type SagaFilter struct {
	WorkflowName  string
	Statuses      []Status
	CorrelationID string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Offset        int
	Limit         int
}

// NonTerminalStatuses are the statuses the recovery scan resubmits.
var NonTerminalStatuses = []Status{StatusPending, StatusRunning, StatusCompensating}
