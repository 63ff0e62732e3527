package types

import (
	"time"
)

// RetryPolicy controls forward and compensating invocation retries for a step.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BaseDelay   time.Duration `json:"baseDelay"`
	MaxDelay    time.Duration `json:"maxDelay"`
	Jitter      bool          `json:"jitter"`
}

// DefaultRetryPolicy applies when a step does not declare its own.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      true,
}

// Target names the remote service and action a step invokes.
type Target struct {
	Service string `json:"service"`
	Action  string `json:"action"`
}

// StepDefinition describes one step of a workflow. Ordering is an explicit
// linked list (NextStepID/PreviousStepID) so a new workflow version can
// insert steps without renumbering.
type StepDefinition struct {
	StepID             string        `json:"stepId"`
	Name               string        `json:"name"`
	Target             Target        `json:"target"`
	CompensatingAction string        `json:"compensatingAction,omitempty"`
	Timeout            time.Duration `json:"timeout"`
	Retry              RetryPolicy   `json:"retry"`
	Async              bool          `json:"async,omitempty"`
	NextStepID         string        `json:"nextStepId,omitempty"`
	PreviousStepID     string        `json:"previousStepId,omitempty"`
}

// Compensable reports whether the step has an undo action. Steps without one
// (pure reads) are skipped during compensation.
func (s StepDefinition) Compensable() bool {
	return s.CompensatingAction != ""
}

// WorkflowDefinition is an immutable, versioned workflow. A new version is a
// new row; in-flight sagas keep the version they started with.
type WorkflowDefinition struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Version   int              `json:"version"`
	Enabled   bool             `json:"enabled"`
	Steps     []StepDefinition `json:"steps"`
	CreatedAt time.Time        `json:"createdAt"`
}

// FirstStep returns the head of the step chain, or nil for an empty workflow.
func (w *WorkflowDefinition) FirstStep() *StepDefinition {
	for i := range w.Steps {
		if w.Steps[i].PreviousStepID == "" {
			return &w.Steps[i]
		}
	}
	return nil
}

// Step returns the step with the given ID, or nil.
func (w *WorkflowDefinition) Step(stepID string) *StepDefinition {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// WorkflowSummary is the list-view projection of a workflow definition.
type WorkflowSummary struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Enabled   bool      `json:"enabled"`
	StepCount int       `json:"stepCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary converts a definition to its list view.
func (w *WorkflowDefinition) Summary() WorkflowSummary {
	return WorkflowSummary{
		Name:      w.Name,
		Version:   w.Version,
		Enabled:   w.Enabled,
		StepCount: len(w.Steps),
		CreatedAt: w.CreatedAt,
	}
}
