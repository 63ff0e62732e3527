// Package handler is the HTTP surface of the orchestrator.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stackplane/orchestrator/internal/events"
	"github.com/stackplane/orchestrator/internal/service"
	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
	"github.com/stackplane/orchestrator/pkg/logger"
)

// Handler routes the saga and workflow APIs.
type Handler struct {
	svc      *service.Service
	hub      *events.Hub
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func New(svc *service.Service, hub *events.Hub, log *logger.Logger) *Handler {
	return &Handler{
		svc: svc,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sagas", h.handleSagas)
	mux.HandleFunc("/v1/sagas/", h.handleSagaSubtree)
	mux.HandleFunc("/v1/workflows", h.handleWorkflows)
	mux.HandleFunc("/v1/workflows/", h.handleWorkflowByName)
}

func (h *Handler) handleSagas(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.startSaga(w, r)
	case http.MethodGet:
		h.listSagas(w, r)
	default:
		writeError(w, ocerrors.New(ocerrors.CodeInvalidParam, "method not allowed"))
	}
}

// handleSagaSubtree dispatches /v1/sagas/{id}[/cancel|/retry|/stream|/steps/{stepId}/complete].
func (h *Handler) handleSagaSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sagas/")
	parts := strings.Split(rest, "/")
	sagaID := parts[0]
	if sagaID == "" {
		writeError(w, ocerrors.New(ocerrors.CodeInvalidParam, "saga id is required"))
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, ocerrors.New(ocerrors.CodeInvalidParam, "method not allowed"))
			return
		}
		h.getSaga(w, r, sagaID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		h.cancelSaga(w, r, sagaID)
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		h.retrySaga(w, r, sagaID)
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		h.streamSaga(w, r, sagaID)
	case len(parts) == 4 && parts[1] == "steps" && parts[3] == "complete" && r.Method == http.MethodPost:
		h.completeStep(w, r, sagaID, parts[2])
	default:
		writeError(w, ocerrors.ErrNotFound)
	}
}

func (h *Handler) startSaga(w http.ResponseWriter, r *http.Request) {
	var req service.StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ocerrors.Newf(ocerrors.CodeInvalidParam, "decode request: %v", err))
		return
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = r.Header.Get("X-Initiated-By")
	}

	instance, err := h.svc.StartSaga(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, instance)
}

func (h *Handler) listSagas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.SagaFilter{
		WorkflowName:  q.Get("workflow"),
		CorrelationID: q.Get("correlationId"),
	}
	for _, status := range q["status"] {
		filter.Statuses = append(filter.Statuses, types.Status(strings.ToUpper(status)))
	}
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if after := q.Get("createdAfter"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			writeError(w, ocerrors.New(ocerrors.CodeInvalidParam, "createdAfter must be RFC3339"))
			return
		}
		filter.CreatedAfter = &t
	}
	if before := q.Get("createdBefore"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			writeError(w, ocerrors.New(ocerrors.CodeInvalidParam, "createdBefore must be RFC3339"))
			return
		}
		filter.CreatedBefore = &t
	}

	instances, total, err := h.svc.ListSagas(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": total,
		"sagas": instances,
	})
}

func (h *Handler) getSaga(w http.ResponseWriter, r *http.Request, sagaID string) {
	detail, err := h.svc.GetSaga(r.Context(), sagaID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) cancelSaga(w http.ResponseWriter, r *http.Request, sagaID string) {
	if err := h.svc.CancelSaga(r.Context(), sagaID, r.Header.Get("X-Initiated-By")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) retrySaga(w http.ResponseWriter, r *http.Request, sagaID string) {
	if err := h.svc.RetrySaga(r.Context(), sagaID, r.Header.Get("X-Initiated-By")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (h *Handler) completeStep(w http.ResponseWriter, r *http.Request, sagaID, stepID string) {
	var req service.CompleteStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ocerrors.Newf(ocerrors.CodeInvalidParam, "decode request: %v", err))
		return
	}
	if err := h.svc.CompleteStep(r.Context(), sagaID, stepID, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// streamSaga upgrades to a websocket carrying the saga's event feed.
func (h *Handler) streamSaga(w http.ResponseWriter, r *http.Request, sagaID string) {
	// Reject unknown sagas before upgrading.
	if _, err := h.svc.GetSaga(r.Context(), sagaID); err != nil {
		writeError(w, err)
		return
	}

	sub, err := h.hub.Subscribe(sagaID)
	if err != nil {
		writeError(w, ocerrors.New(ocerrors.CodeUnavailable, err.Error()))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unsubscribe(sagaID, sub)
		return
	}

	go func() {
		defer func() {
			h.hub.Unsubscribe(sagaID, sub)
			conn.Close()
		}()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case payload, ok := <-sub.Events():
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop just watches for the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.hub.Unsubscribe(sagaID, sub)
				conn.Close()
				return
			}
		}
	}()
}

func (h *Handler) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var def types.WorkflowDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			writeError(w, ocerrors.Newf(ocerrors.CodeInvalidParam, "decode request: %v", err))
			return
		}
		created, err := h.svc.RegisterWorkflow(r.Context(), &def, r.Header.Get("X-Initiated-By"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		enabledOnly := r.URL.Query().Get("enabled") == "true"
		summaries, err := h.svc.ListWorkflows(r.Context(), enabledOnly)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": summaries})
	default:
		writeError(w, ocerrors.New(ocerrors.CodeInvalidParam, "method not allowed"))
	}
}

func (h *Handler) handleWorkflowByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ocerrors.New(ocerrors.CodeInvalidParam, "method not allowed"))
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, ocerrors.ErrNotFound)
		return
	}
	version, _ := strconv.Atoi(r.URL.Query().Get("version"))

	def, err := h.svc.GetWorkflow(r.Context(), name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var coded *ocerrors.Error
	if !errors.As(err, &coded) {
		coded = ocerrors.New(ocerrors.CodeInternal, err.Error())
	}
	writeJSON(w, coded.HTTPStatus(), map[string]interface{}{
		"code":    coded.Code,
		"message": coded.Message,
	})
}
