package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/dispatch"
	"github.com/floww-sh/floww/internal/store"
)

type claimsKey struct{}

// requireWorkflowToken authenticates runtime callbacks with the invocation
// token minted at dispatch time.
func (s *Server) requireWorkflowToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// authorizedExecution loads the execution and checks it belongs to the
// workflow the token was minted for.
func (s *Server) authorizedExecution(w http.ResponseWriter, r *http.Request) *store.Execution {
	claims, _ := r.Context().Value(claimsKey{}).(*dispatch.WorkflowClaims)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing token claims")
		return nil
	}
	exec, err := s.db.Executions.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return nil
	}
	if err != nil {
		s.log.Error("execution lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if exec.WorkflowID != claims.WorkflowID {
		writeError(w, http.StatusForbidden, "token does not match execution")
		return nil
	}
	return exec
}

func (s *Server) handleExecutionComplete(w http.ResponseWriter, r *http.Request) {
	exec := s.authorizedExecution(w, r)
	if exec == nil {
		return
	}
	var body struct {
		Logs *string `json:"logs"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	err := s.db.Executions.MarkCompleted(r.Context(), exec.ID, body.Logs)
	if errors.Is(err, store.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "execution is not in STARTED state")
		return
	}
	if err != nil {
		s.log.Error("mark completed failed", zap.String("execution_id", exec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecutionFail(w http.ResponseWriter, r *http.Request) {
	exec := s.authorizedExecution(w, r)
	if exec == nil {
		return
	}
	var body struct {
		Error string  `json:"error"`
		Stack *string `json:"stack"`
		Logs  *string `json:"logs"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Error == "" {
		body.Error = "workflow reported failure"
	}

	err := s.db.Executions.MarkFailed(r.Context(), exec.ID, body.Error, body.Stack, body.Logs)
	if errors.Is(err, store.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "execution is not in STARTED state")
		return
	}
	if err != nil {
		s.log.Error("mark failed failed", zap.String("execution_id", exec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// executionView is the wire shape of a history row. Duration is derived,
// never stored.
type executionView struct {
	ID           string                `json:"id"`
	WorkflowID   string                `json:"workflow_id"`
	TriggerID    string                `json:"trigger_id"`
	DeploymentID *string               `json:"deployment_id,omitempty"`
	Status       store.ExecutionStatus `json:"status"`
	ReceivedAt   time.Time             `json:"received_at"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	DurationMS   int64                 `json:"duration_ms"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	ErrorStack   *string               `json:"error_stack,omitempty"`
	Logs         *string               `json:"logs,omitempty"`
}

func viewOf(e *store.Execution) executionView {
	return executionView{
		ID:           e.ID,
		WorkflowID:   e.WorkflowID,
		TriggerID:    e.TriggerID,
		DeploymentID: e.DeploymentID,
		Status:       e.Status,
		ReceivedAt:   e.ReceivedAt,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		DurationMS:   e.DurationMS(),
		ErrorMessage: e.ErrorMessage,
		ErrorStack:   e.ErrorStack,
		Logs:         e.Logs,
	}
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.db.Executions.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.log.Error("execution lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(exec))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	status := store.ExecutionStatus(q.Get("status"))

	rows, err := s.db.Executions.ListByWorkflow(r.Context(),
		chi.URLParam(r, "id"), status, limit, offset)
	if err != nil {
		s.log.Error("list executions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]executionView, len(rows))
	for i := range rows {
		views[i] = viewOf(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

func (s *Server) handleRecentExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.db.Executions.ListRecent(r.Context(), limit)
	if err != nil {
		s.log.Error("list recent executions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]executionView, len(rows))
	for i := range rows {
		views[i] = viewOf(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}
