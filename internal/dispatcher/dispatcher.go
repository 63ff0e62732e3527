// Package dispatcher feeds sagas to drivers through a bounded worker pool
// and resubmits abandoned sagas via the recovery scan.
package dispatcher

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/stackplane/orchestrator/internal/metrics"
	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/pkg/logger"
)

// Runner advances one saga. Implemented by driver.Driver.
type Runner interface {
	Run(ctx context.Context, sagaID string) error
}

const (
	defaultWorkers   = 8
	defaultQueueSize = 1024
)

// Config controls pool size and the recovery scan schedule.
type Config struct {
	Workers   int
	QueueSize int
	// ScanCron is a cron expression for the periodic recovery scan. Empty
	// disables the schedule; the startup scan still runs.
	ScanCron string
}

// Dispatcher owns the worker pool. A saga is in the pool at most once at a
// time; resubmitting an in-flight saga is a no-op.
type Dispatcher struct {
	runner  Runner
	store   repository.SagaStore
	log     *logger.Logger
	metrics *metrics.Metrics

	queue    chan string
	mu       sync.Mutex
	inflight map[string]struct{}

	workers int
	cron    *cron.Cron
	scan    string
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func New(runner Runner, store repository.SagaStore, log *logger.Logger, m *metrics.Metrics, cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		runner:   runner,
		store:    store,
		log:      log,
		metrics:  m,
		queue:    make(chan string, queueSize),
		inflight: make(map[string]struct{}),
		workers:  workers,
		scan:     cfg.ScanCron,
	}
}

// Start launches the workers, runs the startup recovery scan, and schedules
// the periodic one.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	if err := d.RecoveryScan(ctx); err != nil {
		d.log.WithError(err).Error("startup recovery scan failed")
	}

	if d.scan != "" {
		d.cron = cron.New()
		_, err := d.cron.AddFunc(d.scan, func() {
			if err := d.RecoveryScan(ctx); err != nil {
				d.log.WithError(err).Error("recovery scan failed")
			}
		})
		if err != nil {
			return err
		}
		d.cron.Start()
	}
	return nil
}

// Stop drains the pool. In-flight drivers finish their current saga.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		d.cron.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit queues a saga for driving. Returns false when the saga is already
// queued or the queue is full; a full queue is safe to drop on since the
// recovery scan will resubmit.
func (d *Dispatcher) Submit(sagaID string) bool {
	d.mu.Lock()
	if _, busy := d.inflight[sagaID]; busy {
		d.mu.Unlock()
		return false
	}
	d.inflight[sagaID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- sagaID:
		return true
	default:
		d.release(sagaID)
		d.log.WithSaga(sagaID).Warn("dispatch queue full, deferring to recovery scan")
		return false
	}
}

// RecoveryScan resubmits every non-terminal saga. Sagas being driven right
// now are deduplicated by Submit; sagas locked by another node bounce off
// the lock cheaply.
func (d *Dispatcher) RecoveryScan(ctx context.Context) error {
	if d.metrics != nil {
		d.metrics.IncRecoveryScan()
	}
	ids, err := d.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	submitted := 0
	for _, id := range ids {
		if d.Submit(id) {
			submitted++
		}
	}
	if len(ids) > 0 {
		d.log.Infof("recovery scan", map[string]interface{}{
			"found":     len(ids),
			"submitted": submitted,
		})
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sagaID := <-d.queue:
			if err := d.runner.Run(ctx, sagaID); err != nil {
				d.log.WithError(err).WithSaga(sagaID).Error("driver run failed")
			}
			d.release(sagaID)
		}
	}
}

func (d *Dispatcher) release(sagaID string) {
	d.mu.Lock()
	delete(d.inflight, sagaID)
	d.mu.Unlock()
}
