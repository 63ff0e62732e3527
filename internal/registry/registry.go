// Package registry validates and serves workflow definitions.
package registry

import (
	"context"
	"time"

	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
	"github.com/stackplane/orchestrator/pkg/logger"
)

// Registry is the authority on workflow definitions. Registration is the only
// write path; definitions are immutable once stored.
type Registry struct {
	repo repository.WorkflowRepository
	log  *logger.Logger
}

func New(repo repository.WorkflowRepository, log *logger.Logger) *Registry {
	return &Registry{repo: repo, log: log}
}

// Register validates the step chain and persists the definition. The stored
// copy has defaults applied, so drivers never see a zero retry policy.
func (r *Registry) Register(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	normalized := normalize(def)

	created, err := r.repo.Create(ctx, normalized)
	if err != nil {
		return nil, err
	}
	r.log.Infof("workflow registered", map[string]interface{}{
		"workflow": created.Name,
		"version":  created.Version,
		"steps":    len(created.Steps),
	})
	return created, nil
}

// Get resolves a workflow by name and version. version <= 0 selects the
// latest enabled version.
func (r *Registry) Get(ctx context.Context, name string, version int) (*types.WorkflowDefinition, error) {
	if name == "" {
		return nil, ocerrors.New(ocerrors.CodeInvalidParam, "workflow name is required")
	}
	return r.repo.Get(ctx, name, version)
}

// Resolve is Get plus the enabled check for starting new sagas. A disabled
// definition still resolves for in-flight sagas via Get.
func (r *Registry) Resolve(ctx context.Context, name string, version int) (*types.WorkflowDefinition, error) {
	def, err := r.Get(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, ocerrors.Newf(ocerrors.CodeWorkflowDisabled,
			"workflow %s version %d is disabled", def.Name, def.Version)
	}
	return def, nil
}

func (r *Registry) List(ctx context.Context, enabledOnly bool) ([]types.WorkflowSummary, error) {
	return r.repo.List(ctx, enabledOnly)
}

// Validate checks structural integrity of a definition: non-empty, unique step
// IDs, and a Next/Previous chain that forms a single path covering every step.
func Validate(def *types.WorkflowDefinition) error {
	if def.Name == "" {
		return ocerrors.New(ocerrors.CodeInvalidDefinition, "workflow name is required")
	}
	if def.Version <= 0 {
		return ocerrors.New(ocerrors.CodeInvalidDefinition, "workflow version must be positive")
	}
	if len(def.Steps) == 0 {
		return ocerrors.New(ocerrors.CodeInvalidDefinition, "workflow must declare at least one step")
	}

	byID := make(map[string]*types.StepDefinition, len(def.Steps))
	var head *types.StepDefinition
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.StepID == "" {
			return ocerrors.New(ocerrors.CodeInvalidDefinition, "step id is required")
		}
		if _, dup := byID[step.StepID]; dup {
			return ocerrors.Newf(ocerrors.CodeInvalidDefinition, "duplicate step id %q", step.StepID)
		}
		byID[step.StepID] = step
		if step.Target.Service == "" || step.Target.Action == "" {
			return ocerrors.Newf(ocerrors.CodeInvalidDefinition,
				"step %q must declare a target service and action", step.StepID)
		}
		if step.PreviousStepID == "" {
			if head != nil {
				return ocerrors.Newf(ocerrors.CodeInvalidDefinition,
					"steps %q and %q both claim to be first", head.StepID, step.StepID)
			}
			head = step
		}
	}
	if head == nil {
		return ocerrors.New(ocerrors.CodeInvalidDefinition, "step chain has no first step")
	}

	// Walk the chain and require it to visit every declared step exactly once,
	// with consistent back-links.
	visited := 0
	for step := head; step != nil; {
		visited++
		if visited > len(def.Steps) {
			return ocerrors.New(ocerrors.CodeInvalidDefinition, "step chain contains a cycle")
		}
		if step.NextStepID == "" {
			break
		}
		next, ok := byID[step.NextStepID]
		if !ok {
			return ocerrors.Newf(ocerrors.CodeInvalidDefinition,
				"step %q points at unknown next step %q", step.StepID, step.NextStepID)
		}
		if next.PreviousStepID != step.StepID {
			return ocerrors.Newf(ocerrors.CodeInvalidDefinition,
				"step %q previous link does not match %q", next.StepID, step.StepID)
		}
		step = next
	}
	if visited != len(def.Steps) {
		return ocerrors.Newf(ocerrors.CodeInvalidDefinition,
			"step chain covers %d of %d steps", visited, len(def.Steps))
	}
	return nil
}

func normalize(def *types.WorkflowDefinition) *types.WorkflowDefinition {
	out := *def
	out.Steps = append([]types.StepDefinition(nil), def.Steps...)
	for i := range out.Steps {
		step := &out.Steps[i]
		if step.Retry.MaxAttempts <= 0 {
			step.Retry = types.DefaultRetryPolicy
		}
		if step.Timeout <= 0 {
			step.Timeout = 30 * time.Second
		}
	}
	return &out
}
