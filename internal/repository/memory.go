package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
)

// MemoryWorkflowRepository is an in-memory WorkflowRepository used in tests
// and for single-process deployments without Postgres.
type MemoryWorkflowRepository struct {
	mu     sync.RWMutex
	nextID int64
	defs   map[string]map[int]*types.WorkflowDefinition // name -> version -> def
}

func NewMemoryWorkflowRepository() *MemoryWorkflowRepository {
	return &MemoryWorkflowRepository{
		nextID: 1,
		defs:   make(map[string]map[int]*types.WorkflowDefinition),
	}
}

func (r *MemoryWorkflowRepository) Create(_ context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.defs[def.Name]
	if !ok {
		versions = make(map[int]*types.WorkflowDefinition)
		r.defs[def.Name] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return nil, ocerrors.Newf(ocerrors.CodeAlreadyExists,
			"workflow %s version %d already registered", def.Name, def.Version)
	}

	created := *def
	created.ID = r.nextID
	r.nextID++
	created.CreatedAt = time.Now()
	created.Steps = append([]types.StepDefinition(nil), def.Steps...)
	versions[def.Version] = &created

	out := created
	return &out, nil
}

func (r *MemoryWorkflowRepository) Get(_ context.Context, name string, version int) (*types.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.defs[name]
	if !ok {
		return nil, ocerrors.New(ocerrors.CodeNotFound, "workflow definition not found")
	}
	if version > 0 {
		def, ok := versions[version]
		if !ok {
			return nil, ocerrors.New(ocerrors.CodeNotFound, "workflow definition not found")
		}
		out := *def
		return &out, nil
	}

	var latest *types.WorkflowDefinition
	for _, def := range versions {
		if !def.Enabled {
			continue
		}
		if latest == nil || def.Version > latest.Version {
			latest = def
		}
	}
	if latest == nil {
		return nil, ocerrors.New(ocerrors.CodeNotFound, "workflow definition not found")
	}
	out := *latest
	return &out, nil
}

func (r *MemoryWorkflowRepository) List(_ context.Context, enabledOnly bool) ([]types.WorkflowSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var summaries []types.WorkflowSummary
	for _, versions := range r.defs {
		for _, def := range versions {
			if enabledOnly && !def.Enabled {
				continue
			}
			summaries = append(summaries, def.Summary())
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Name != summaries[j].Name {
			return summaries[i].Name < summaries[j].Name
		}
		return summaries[i].Version > summaries[j].Version
	})
	return summaries, nil
}

// MemorySagaStore is an in-memory SagaStore with the same compare-and-set
// behavior as the Postgres store.
type MemorySagaStore struct {
	mu        sync.Mutex
	instances map[string]*types.SagaInstance
	logs      []types.StepExecutionLog
	nextLogID int64
}

func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{
		instances: make(map[string]*types.SagaInstance),
		nextLogID: 1,
	}
}

func (s *MemorySagaStore) Create(_ context.Context, instance *types.SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instance.SagaID]; exists {
		return ocerrors.Newf(ocerrors.CodeAlreadyExists, "saga %s already exists", instance.SagaID)
	}
	stored := *instance
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.instances[instance.SagaID] = &stored
	return nil
}

func (s *MemorySagaStore) Find(_ context.Context, sagaID string) (*types.SagaInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[sagaID]
	if !ok {
		return nil, ocerrors.New(ocerrors.CodeNotFound, "saga not found")
	}
	out := *instance
	return &out, nil
}

func (s *MemorySagaStore) List(_ context.Context, filter types.SagaFilter) ([]*types.SagaInstance, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*types.SagaInstance
	for _, instance := range s.instances {
		if filter.WorkflowName != "" && instance.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.CorrelationID != "" && instance.CorrelationID != filter.CorrelationID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(instance.Status, filter.Statuses) {
			continue
		}
		if filter.CreatedAfter != nil && instance.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && instance.CreatedAt.After(*filter.CreatedBefore) {
			continue
		}
		out := *instance
		matched = append(matched, &out)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *MemorySagaStore) Transition(_ context.Context, sagaID string, expected, next types.Status, currentStepID *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[sagaID]
	if !ok || instance.Status != expected {
		return false, nil
	}
	instance.Status = next
	if currentStepID != nil {
		instance.CurrentStepID = *currentStepID
	}
	instance.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemorySagaStore) Cancel(_ context.Context, sagaID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[sagaID]
	if !ok {
		return false, nil
	}
	if instance.Status != types.StatusPending && instance.Status != types.StatusRunning {
		return false, nil
	}
	instance.Status = types.StatusCompensating
	instance.CancelRequested = true
	instance.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemorySagaStore) RetryFailed(_ context.Context, sagaID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[sagaID]
	if !ok || instance.Status != types.StatusFailed {
		return false, nil
	}
	instance.Status = types.StatusCompensating
	instance.Error = ""
	instance.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemorySagaStore) SetError(_ context.Context, sagaID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[sagaID]
	if !ok {
		return ocerrors.New(ocerrors.CodeNotFound, "saga not found")
	}
	instance.Error = message
	instance.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySagaStore) ListNonTerminal(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type pending struct {
		id      string
		created time.Time
	}
	var found []pending
	for id, instance := range s.instances {
		if !instance.Status.IsTerminal() {
			found = append(found, pending{id: id, created: instance.CreatedAt})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].created.Before(found[j].created) })

	ids := make([]string, 0, len(found))
	for _, p := range found {
		ids = append(ids, p.id)
	}
	return ids, nil
}

func (s *MemorySagaStore) AppendLog(_ context.Context, entry *types.StepExecutionLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	stored.ID = s.nextLogID
	s.nextLogID++
	stored.Status = types.StepStarted
	stored.StartedAt = time.Now()
	s.logs = append(s.logs, stored)
	return stored.ID, nil
}

func (s *MemorySagaStore) FinishLog(_ context.Context, logID int64, status types.StepStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.logs {
		if s.logs[i].ID == logID {
			now := time.Now()
			s.logs[i].Status = status
			s.logs[i].Error = errMsg
			s.logs[i].FinishedAt = &now
			return nil
		}
	}
	return ocerrors.New(ocerrors.CodeNotFound, "step log not found")
}

func (s *MemorySagaStore) LogsFor(_ context.Context, sagaID string) ([]types.StepExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var logs []types.StepExecutionLog
	for _, entry := range s.logs {
		if entry.SagaID == sagaID {
			logs = append(logs, entry)
		}
	}
	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.StepID != b.StepID {
			return a.StepID < b.StepID
		}
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		return a.Attempt < b.Attempt
	})
	return logs, nil
}

func statusIn(status types.Status, statuses []types.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

var (
	_ WorkflowRepository = (*MemoryWorkflowRepository)(nil)
	_ SagaStore          = (*MemorySagaStore)(nil)
)
