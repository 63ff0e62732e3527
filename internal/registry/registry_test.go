package registry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
	"github.com/stackplane/orchestrator/pkg/logger"
)

func testRegistry() *Registry {
	return New(repository.NewMemoryWorkflowRepository(), logger.New("registry-test", io.Discard))
}

func chainOf(ids ...string) []types.StepDefinition {
	steps := make([]types.StepDefinition, len(ids))
	for i, id := range ids {
		steps[i] = types.StepDefinition{
			StepID: id,
			Name:   id,
			Target: types.Target{Service: "payments", Action: id},
		}
		if i > 0 {
			steps[i].PreviousStepID = ids[i-1]
			steps[i-1].NextStepID = id
		}
	}
	return steps
}

func TestRegister_ValidChain(t *testing.T) {
	reg := testRegistry()
	created, err := reg.Register(context.Background(), &types.WorkflowDefinition{
		Name:    "order-fulfillment",
		Version: 1,
		Enabled: true,
		Steps:   chainOf("reserve", "charge", "ship"),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}
	// Defaults applied during normalization.
	for _, step := range created.Steps {
		if step.Retry.MaxAttempts != types.DefaultRetryPolicy.MaxAttempts {
			t.Fatalf("step %s missing default retry policy", step.StepID)
		}
		if step.Timeout != 30*time.Second {
			t.Fatalf("step %s missing default timeout", step.StepID)
		}
	}
}

func TestRegister_RejectsInvalidDefinitions(t *testing.T) {
	broken := chainOf("a", "b", "c")
	broken[2].PreviousStepID = "a" // inconsistent back-link

	orphan := chainOf("a", "b")
	orphan[1].PreviousStepID = ""

	dangling := chainOf("a")
	dangling[0].NextStepID = "ghost"

	cases := []struct {
		name string
		def  types.WorkflowDefinition
	}{
		{"empty name", types.WorkflowDefinition{Version: 1, Steps: chainOf("a")}},
		{"zero version", types.WorkflowDefinition{Name: "w", Steps: chainOf("a")}},
		{"no steps", types.WorkflowDefinition{Name: "w", Version: 1}},
		{"no target", types.WorkflowDefinition{Name: "w", Version: 1,
			Steps: []types.StepDefinition{{StepID: "a"}}}},
		{"two heads", types.WorkflowDefinition{Name: "w", Version: 1, Steps: orphan}},
		{"broken back-link", types.WorkflowDefinition{Name: "w", Version: 1, Steps: broken}},
		{"dangling next", types.WorkflowDefinition{Name: "w", Version: 1, Steps: dangling}},
	}

	reg := testRegistry()
	for _, tc := range cases {
		_, err := reg.Register(context.Background(), &tc.def)
		if ocerrors.CodeOf(err) != ocerrors.CodeInvalidDefinition {
			t.Fatalf("%s: expected INVALID_DEFINITION, got %v", tc.name, err)
		}
	}
}

func TestRegister_DuplicateVersion(t *testing.T) {
	reg := testRegistry()
	def := types.WorkflowDefinition{
		Name: "order-fulfillment", Version: 1, Enabled: true,
		Steps: chainOf("a"),
	}
	if _, err := reg.Register(context.Background(), &def); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Register(context.Background(), &def)
	if ocerrors.CodeOf(err) != ocerrors.CodeAlreadyExists {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestResolve_DisabledWorkflow(t *testing.T) {
	reg := testRegistry()
	if _, err := reg.Register(context.Background(), &types.WorkflowDefinition{
		Name: "legacy", Version: 1, Enabled: false,
		Steps: chainOf("a"),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Get still works for in-flight sagas pinned to this version.
	if _, err := reg.Get(context.Background(), "legacy", 1); err != nil {
		t.Fatalf("get: %v", err)
	}

	// Resolve refuses to start new sagas on it.
	_, err := reg.Resolve(context.Background(), "legacy", 1)
	if ocerrors.CodeOf(err) != ocerrors.CodeWorkflowDisabled {
		t.Fatalf("expected WORKFLOW_DISABLED, got %v", err)
	}
}
