package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackplane/orchestrator/internal/types"
)

// Metrics holds Prometheus metrics for the orchestrator.
type Metrics struct {
	SagasStarted    *prometheus.CounterVec
	SagasFinished   *prometheus.CounterVec
	StepInvocations *prometheus.CounterVec
	StepLatency     *prometheus.HistogramVec
	Compensations   prometheus.Counter
	CASConflicts    prometheus.Counter
	LockFailures    *prometheus.CounterVec
	ActiveDrivers   prometheus.Gauge
	RecoveryScans   prometheus.Counter
	gatherer        prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total sagas started by workflow.",
		}, []string{"workflow"}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total sagas reaching a terminal status, by workflow and status.",
		}, []string{"workflow", "status"}),
		StepInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_invocations_total",
			Help: "Total step invocation attempts by direction and outcome.",
		}, []string{"direction", "outcome"}),
		StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_latency_seconds",
			Help:    "Step invocation latency in seconds by direction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		Compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total compensation runs.",
		}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_cas_conflicts_total",
			Help: "Total status transitions lost to a concurrent writer.",
		}),
		LockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_lock_failures_total",
			Help: "Total lock acquisition failures and lost leases, by kind.",
		}, []string{"kind"}),
		ActiveDrivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_active_drivers",
			Help: "Drivers currently advancing a saga.",
		}),
		RecoveryScans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_recovery_scans_total",
			Help: "Total recovery scans executed.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagasStarted,
		m.SagasFinished,
		m.StepInvocations,
		m.StepLatency,
		m.Compensations,
		m.CASConflicts,
		m.LockFailures,
		m.ActiveDrivers,
		m.RecoveryScans,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncSagaStarted records a newly accepted saga.
func (m *Metrics) IncSagaStarted(workflow string) {
	m.SagasStarted.WithLabelValues(workflow).Inc()
}

// IncSagaFinished records a saga reaching a terminal status.
func (m *Metrics) IncSagaFinished(workflow string, status types.Status) {
	m.SagasFinished.WithLabelValues(workflow, string(status)).Inc()
}

// ObserveStep records one invocation attempt.
func (m *Metrics) ObserveStep(direction types.Direction, outcome string, d time.Duration) {
	m.StepInvocations.WithLabelValues(string(direction), outcome).Inc()
	m.StepLatency.WithLabelValues(string(direction)).Observe(d.Seconds())
}

// IncCompensation records the start of a compensation run.
func (m *Metrics) IncCompensation() {
	m.Compensations.Inc()
}

// IncCASConflict records a lost compare-and-set transition.
func (m *Metrics) IncCASConflict() {
	m.CASConflicts.Inc()
}

// IncLockFailure records a lock acquisition failure ("held") or a lost
// lease ("lost").
func (m *Metrics) IncLockFailure(kind string) {
	m.LockFailures.WithLabelValues(kind).Inc()
}

// IncRecoveryScan records one recovery scan.
func (m *Metrics) IncRecoveryScan() {
	m.RecoveryScans.Inc()
}
