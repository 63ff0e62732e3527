package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stackplane/orchestrator/internal/types"
)

func TestMetricsCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncSagaStarted("order-fulfillment")
	m.IncSagaStarted("order-fulfillment")
	m.IncSagaFinished("order-fulfillment", types.StatusCompleted)
	m.ObserveStep(types.DirectionForward, "success", 50*time.Millisecond)
	m.ObserveStep(types.DirectionCompensate, "failure", 10*time.Millisecond)
	m.IncCompensation()
	m.IncCASConflict()
	m.IncLockFailure("held")

	if got := testutil.ToFloat64(m.SagasStarted.WithLabelValues("order-fulfillment")); got != 2 {
		t.Fatalf("expected 2 started, got %v", got)
	}
	if got := testutil.ToFloat64(m.SagasFinished.WithLabelValues("order-fulfillment", "COMPLETED")); got != 1 {
		t.Fatalf("expected 1 completed, got %v", got)
	}
	if got := testutil.ToFloat64(m.StepInvocations.WithLabelValues("FORWARD", "success")); got != 1 {
		t.Fatalf("expected 1 forward success, got %v", got)
	}
	if got := testutil.ToFloat64(m.CASConflicts); got != 1 {
		t.Fatalf("expected 1 cas conflict, got %v", got)
	}
	if got := testutil.ToFloat64(m.LockFailures.WithLabelValues("held")); got != 1 {
		t.Fatalf("expected 1 lock failure, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncSagaStarted("order-fulfillment")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, "saga_started_total") {
		t.Fatal("expected saga_started_total in metrics output")
	}
}
