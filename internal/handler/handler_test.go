package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stackplane/orchestrator/internal/events"
	"github.com/stackplane/orchestrator/internal/registry"
	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/service"
	"github.com/stackplane/orchestrator/internal/types"
	"github.com/stackplane/orchestrator/pkg/logger"
	"github.com/stackplane/orchestrator/pkg/snowflake"
)

type nopSubmitter struct{}

func (nopSubmitter) Submit(string) bool { return true }

func newTestServer(t *testing.T) (*httptest.Server, *events.Hub) {
	t.Helper()
	log := logger.New("handler-test", io.Discard)
	store := repository.NewMemorySagaStore()
	reg := registry.New(repository.NewMemoryWorkflowRepository(), log)
	ids, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	svc := service.New(reg, store, nopSubmitter{}, ids, nil, nil, log)
	if _, err := reg.Register(context.Background(), &types.WorkflowDefinition{
		Name: "order-fulfillment", Version: 1, Enabled: true,
		Steps: []types.StepDefinition{
			{StepID: "reserve", Target: types.Target{Service: "inventory", Action: "reserve"}},
		},
	}); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	hub := events.NewHub()
	mux := http.NewServeMux()
	New(svc, hub, log).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestStartAndGetSaga(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/sagas", map[string]interface{}{
		"workflowName": "order-fulfillment",
		"payload":      map[string]string{"orderId": "o-1"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var instance types.SagaInstance
	decode(t, resp, &instance)
	if instance.SagaID == "" || instance.Status != types.StatusPending {
		t.Fatalf("unexpected instance %+v", instance)
	}

	getResp, err := http.Get(srv.URL + "/v1/sagas/" + instance.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
	var detail service.SagaDetail
	decode(t, getResp, &detail)
	if detail.Instance.SagaID != instance.SagaID {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestStartSaga_UnknownWorkflow(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/sagas", map[string]string{"workflowName": "missing"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetSaga_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/sagas/saga-missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND code, got %v", body)
	}
}

func TestCancelSaga(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/sagas", map[string]string{"workflowName": "order-fulfillment"})
	var instance types.SagaInstance
	decode(t, resp, &instance)

	cancelResp := postJSON(t, srv.URL+"/v1/sagas/"+instance.SagaID+"/cancel", struct{}{})
	defer cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", cancelResp.StatusCode)
	}

	// Cancelling again conflicts.
	again := postJSON(t, srv.URL+"/v1/sagas/"+instance.SagaID+"/cancel", struct{}{})
	defer again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", again.StatusCode)
	}
}

func TestListSagas_FilterByStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/v1/sagas", map[string]string{"workflowName": "order-fulfillment"})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/v1/sagas?status=pending&workflow=order-fulfillment")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var body struct {
		Total int                   `json:"total"`
		Sagas []*types.SagaInstance `json:"sagas"`
	}
	decode(t, resp, &body)
	if body.Total != 3 || len(body.Sagas) != 3 {
		t.Fatalf("expected 3 pending sagas, got total=%d len=%d", body.Total, len(body.Sagas))
	}
}

func TestRegisterAndListWorkflows(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/workflows", types.WorkflowDefinition{
		Name: "refund", Version: 1, Enabled: true,
		Steps: []types.StepDefinition{
			{StepID: "refund", Target: types.Target{Service: "payments", Action: "refund"}},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Invalid definitions are a 400.
	bad := postJSON(t, srv.URL+"/v1/workflows", types.WorkflowDefinition{Name: "broken", Version: 1})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/v1/workflows")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var body struct {
		Workflows []types.WorkflowSummary `json:"workflows"`
	}
	decode(t, listResp, &body)
	if len(body.Workflows) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(body.Workflows))
	}

	getResp, err := http.Get(srv.URL + "/v1/workflows/refund")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var def types.WorkflowDefinition
	decode(t, getResp, &def)
	if def.Name != "refund" || def.Version != 1 {
		t.Fatalf("unexpected definition %+v", def)
	}
}

func TestStreamSaga(t *testing.T) {
	srv, hub := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/sagas", map[string]string{"workflowName": "order-fulfillment"})
	var instance types.SagaInstance
	decode(t, resp, &instance)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sagas/" + instance.SagaID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the subscription a moment to register, then push an event.
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Dispatch(instance.SagaID, []byte(`{"sagaId":"`+instance.SagaID+`","type":"status_changed"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event["sagaId"] != instance.SagaID {
		t.Fatalf("unexpected event %v", event)
	}
}

func TestStreamSaga_UnknownSaga(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/sagas/saga-missing/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
