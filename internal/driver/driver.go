// Package driver advances a single saga through its state machine: forward
// execution, compensation, and recovery from the step execution log.
package driver

import (
	"context"
	"time"

	"github.com/stackplane/orchestrator/internal/events"
	"github.com/stackplane/orchestrator/internal/invoker"
	"github.com/stackplane/orchestrator/internal/lock"
	"github.com/stackplane/orchestrator/internal/metrics"
	"github.com/stackplane/orchestrator/internal/registry"
	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
	"github.com/stackplane/orchestrator/pkg/logger"
)

const defaultLockTTL = 30 * time.Second

// Driver runs sagas to completion. One Run call owns one saga for its
// duration; the per-saga lock guarantees no other driver advances it.
type Driver struct {
	registry *registry.Registry
	store    repository.SagaStore
	locker   lock.Locker
	invoker  invoker.Invoker
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *logger.Logger
	lockTTL  time.Duration
}

func New(reg *registry.Registry, store repository.SagaStore, locker lock.Locker,
	inv invoker.Invoker, pub events.Publisher, m *metrics.Metrics, log *logger.Logger,
	lockTTL time.Duration) *Driver {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Driver{
		registry: reg,
		store:    store,
		locker:   locker,
		invoker:  inv,
		events:   pub,
		metrics:  m,
		log:      log,
		lockTTL:  lockTTL,
	}
}

// progress is the saga's position rebuilt from the step execution log. The
// log, not the instance row, is the source of truth after a crash.
type progress struct {
	forwardDone  map[string]bool
	forwardAsync map[string]bool
	compDone     map[string]bool
}

// Run picks up the saga and advances it until it yields or reaches a
// terminal status. Losing the lock race, the pickup CAS, or the lease
// mid-flight are all soft outcomes: another worker owns the saga now.
func (d *Driver) Run(ctx context.Context, sagaID string) error {
	guard, err := d.locker.Acquire(ctx, sagaID, d.lockTTL)
	if err != nil {
		if ocerrors.Is(err, ocerrors.CodeLockHeld) {
			if d.metrics != nil {
				d.metrics.IncLockFailure("held")
			}
			return nil
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		guard.Release(releaseCtx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.keepalive(runCtx, cancel, guard)

	if d.metrics != nil {
		d.metrics.ActiveDrivers.Inc()
		defer d.metrics.ActiveDrivers.Dec()
	}

	err = d.run(runCtx, sagaID, guard)
	if ocerrors.Is(err, ocerrors.CodeLockLost) {
		d.log.WithSaga(sagaID).Warn("lock lost, yielding saga")
		if d.metrics != nil {
			d.metrics.IncLockFailure("lost")
		}
		return nil
	}
	return err
}

// keepalive renews the lease at a third of its TTL and aborts the run when
// renewal fails.
func (d *Driver) keepalive(ctx context.Context, cancel context.CancelFunc, guard lock.Guard) {
	ticker := time.NewTicker(d.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := guard.Extend(ctx, d.lockTTL); err != nil {
				if ctx.Err() == nil {
					d.log.WithError(err).Warn("lock renewal failed")
					if d.metrics != nil {
						d.metrics.IncLockFailure("lost")
					}
				}
				cancel()
				return
			}
		}
	}
}

func (d *Driver) run(ctx context.Context, sagaID string, guard lock.Guard) error {
	saga, err := d.store.Find(ctx, sagaID)
	if err != nil {
		return err
	}
	if saga.Status.IsTerminal() {
		return nil
	}

	// In-flight sagas stay pinned to their registered version even when it
	// has been disabled since.
	def, err := d.registry.Get(ctx, saga.WorkflowName, saga.WorkflowVersion)
	if err != nil {
		return err
	}

	prog, err := d.replay(ctx, sagaID)
	if err != nil {
		return err
	}

	switch saga.Status {
	case types.StatusPending:
		first := def.FirstStep()
		if first == nil {
			return ocerrors.Newf(ocerrors.CodeInternal,
				"workflow %s v%d has no first step", def.Name, def.Version)
		}
		ok, err := d.transition(ctx, saga, types.StatusPending, types.StatusRunning, &first.StepID)
		if err != nil || !ok {
			return err
		}
		saga.Status = types.StatusRunning
		return d.forward(ctx, guard, saga, def, prog)
	case types.StatusRunning:
		return d.forward(ctx, guard, saga, def, prog)
	case types.StatusCompensating:
		return d.compensate(ctx, guard, saga, def, prog)
	}
	return nil
}

// replay rebuilds the saga's position from the append-only log.
func (d *Driver) replay(ctx context.Context, sagaID string) (*progress, error) {
	logs, err := d.store.LogsFor(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	prog := &progress{
		forwardDone:  make(map[string]bool),
		forwardAsync: make(map[string]bool),
		compDone:     make(map[string]bool),
	}
	for _, entry := range logs {
		switch entry.Direction {
		case types.DirectionForward:
			switch entry.Status {
			case types.StepSucceeded:
				prog.forwardDone[entry.StepID] = true
				prog.forwardAsync[entry.StepID] = false
			case types.StepAccepted:
				if !prog.forwardDone[entry.StepID] {
					prog.forwardAsync[entry.StepID] = true
				}
			}
		case types.DirectionCompensate:
			if entry.Status == types.StepSucceeded {
				prog.compDone[entry.StepID] = true
			}
		}
	}
	return prog, nil
}

func (d *Driver) forward(ctx context.Context, guard lock.Guard, saga *types.SagaInstance,
	def *types.WorkflowDefinition, prog *progress) error {

	log := d.log.WithSaga(saga.SagaID)

	for step := def.FirstStep(); step != nil; step = def.Step(step.NextStepID) {
		if prog.forwardDone[step.StepID] {
			continue
		}
		if prog.forwardAsync[step.StepID] {
			// Waiting on the participant's completion callback.
			log.WithField("stepId", step.StepID).Info("saga parked on async step")
			return nil
		}

		if err := d.requireLock(ctx, guard); err != nil {
			return err
		}

		// Point the instance at the step we are about to run. Losing this
		// CAS means the status changed under us, e.g. a cancellation.
		ok, err := d.store.Transition(ctx, saga.SagaID, types.StatusRunning, types.StatusRunning, &step.StepID)
		if err != nil {
			return err
		}
		if !ok {
			return d.reroute(ctx, guard, saga, def, prog)
		}

		d.events.Publish(ctx, events.Event{
			SagaID: saga.SagaID, Workflow: saga.WorkflowName,
			Type: events.TypeStepStarted, StepID: step.StepID,
			Direction: string(types.DirectionForward),
		})

		result, err := d.invoker.Invoke(ctx, saga, step, types.DirectionForward)
		if err != nil {
			if ctx.Err() != nil {
				return ocerrors.ErrLockLost
			}
			log.WithError(err).WithField("stepId", step.StepID).Error("step failed, compensating")
			return d.beginCompensation(ctx, guard, saga, def, prog, err)
		}

		d.events.Publish(ctx, events.Event{
			SagaID: saga.SagaID, Workflow: saga.WorkflowName,
			Type: events.TypeStepFinished, StepID: step.StepID,
			Direction: string(types.DirectionForward),
		})

		if result.Async {
			log.WithField("stepId", step.StepID).Info("step accepted, awaiting completion")
			return nil
		}
		prog.forwardDone[step.StepID] = true
	}

	if err := d.requireLock(ctx, guard); err != nil {
		return err
	}
	none := ""
	ok, err := d.transition(ctx, saga, types.StatusRunning, types.StatusCompleted, &none)
	if err != nil || !ok {
		return err
	}
	if d.metrics != nil {
		d.metrics.IncSagaFinished(saga.WorkflowName, types.StatusCompleted)
	}
	d.log.WithSaga(saga.SagaID).Info("saga completed")
	return nil
}

// reroute re-reads the saga after a lost CAS and continues on the branch the
// concurrent writer put it on.
func (d *Driver) reroute(ctx context.Context, guard lock.Guard, saga *types.SagaInstance,
	def *types.WorkflowDefinition, prog *progress) error {
	if d.metrics != nil {
		d.metrics.IncCASConflict()
	}
	current, err := d.store.Find(ctx, saga.SagaID)
	if err != nil {
		return err
	}
	if current.Status == types.StatusCompensating {
		return d.compensate(ctx, guard, current, def, prog)
	}
	return nil
}

func (d *Driver) beginCompensation(ctx context.Context, guard lock.Guard, saga *types.SagaInstance,
	def *types.WorkflowDefinition, prog *progress, cause error) error {

	if err := d.store.SetError(ctx, saga.SagaID, cause.Error()); err != nil {
		return err
	}
	ok, err := d.transition(ctx, saga, types.StatusRunning, types.StatusCompensating, nil)
	if err != nil {
		return err
	}
	if !ok {
		// Already moved, most likely by a cancellation. Compensation is due
		// either way.
		current, err := d.store.Find(ctx, saga.SagaID)
		if err != nil {
			return err
		}
		if current.Status != types.StatusCompensating {
			return nil
		}
		saga = current
	} else {
		saga.Status = types.StatusCompensating
	}
	return d.compensate(ctx, guard, saga, def, prog)
}

func (d *Driver) compensate(ctx context.Context, guard lock.Guard, saga *types.SagaInstance,
	def *types.WorkflowDefinition, prog *progress) error {

	if d.metrics != nil {
		d.metrics.IncCompensation()
	}
	log := d.log.WithSaga(saga.SagaID)

	// Completed forward steps, in chain order.
	var done []*types.StepDefinition
	for step := def.FirstStep(); step != nil; step = def.Step(step.NextStepID) {
		if prog.forwardDone[step.StepID] {
			done = append(done, step)
		}
	}

	// Undo in reverse order, skipping steps with nothing to undo.
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if !step.Compensable() || prog.compDone[step.StepID] {
			continue
		}
		if err := d.requireLock(ctx, guard); err != nil {
			return err
		}

		d.events.Publish(ctx, events.Event{
			SagaID: saga.SagaID, Workflow: saga.WorkflowName,
			Type: events.TypeStepStarted, StepID: step.StepID,
			Direction: string(types.DirectionCompensate),
		})

		if _, err := d.invoker.Invoke(ctx, saga, step, types.DirectionCompensate); err != nil {
			if ctx.Err() != nil {
				return ocerrors.ErrLockLost
			}
			log.WithError(err).WithField("stepId", step.StepID).Error("compensation failed")
			if serr := d.store.SetError(ctx, saga.SagaID, err.Error()); serr != nil {
				return serr
			}
			ok, terr := d.transition(ctx, saga, types.StatusCompensating, types.StatusFailed, nil)
			if terr != nil || !ok {
				return terr
			}
			if d.metrics != nil {
				d.metrics.IncSagaFinished(saga.WorkflowName, types.StatusFailed)
			}
			return nil
		}
		prog.compDone[step.StepID] = true

		d.events.Publish(ctx, events.Event{
			SagaID: saga.SagaID, Workflow: saga.WorkflowName,
			Type: events.TypeStepFinished, StepID: step.StepID,
			Direction: string(types.DirectionCompensate),
		})
	}

	if err := d.requireLock(ctx, guard); err != nil {
		return err
	}

	// A saga cancelled before any step completed ends Cancelled, not
	// Compensated: nothing was undone.
	target := types.StatusCompensated
	current, err := d.store.Find(ctx, saga.SagaID)
	if err != nil {
		return err
	}
	if current.CancelRequested && len(done) == 0 {
		target = types.StatusCancelled
	}

	none := ""
	ok, err := d.transition(ctx, saga, types.StatusCompensating, target, &none)
	if err != nil || !ok {
		return err
	}
	if d.metrics != nil {
		d.metrics.IncSagaFinished(saga.WorkflowName, target)
	}
	log.Infof("saga compensation finished", map[string]interface{}{"status": target})
	return nil
}

// requireLock re-checks lease ownership before any state mutation. A driver
// whose lease lapsed must stop without writing.
func (d *Driver) requireLock(ctx context.Context, guard lock.Guard) error {
	if ctx.Err() != nil {
		return ocerrors.ErrLockLost
	}
	held, err := guard.Held(ctx)
	if err != nil {
		return err
	}
	if !held {
		return ocerrors.ErrLockLost
	}
	return nil
}

// transition runs the CAS and publishes the status change on success.
func (d *Driver) transition(ctx context.Context, saga *types.SagaInstance,
	expected, next types.Status, currentStepID *string) (bool, error) {

	ok, err := d.store.Transition(ctx, saga.SagaID, expected, next, currentStepID)
	if err != nil {
		return false, err
	}
	if !ok {
		if d.metrics != nil {
			d.metrics.IncCASConflict()
		}
		return false, nil
	}
	d.events.Publish(ctx, events.Event{
		SagaID: saga.SagaID, Workflow: saga.WorkflowName,
		Type: events.TypeStatusChanged, Status: next,
	})
	return true, nil
}
