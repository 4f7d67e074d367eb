package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/dispatch"
	"github.com/floww-sh/floww/internal/lifecycle"
	"github.com/floww-sh/floww/internal/store"
)

// handleManualInvoke fires a trigger on demand. When the trigger declares an
// input_schema, the supplied input must validate against it before anything
// is recorded.
func (s *Server) handleManualInvoke(w http.ResponseWriter, r *http.Request) {
	trigger, err := s.db.Triggers.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	if err != nil {
		s.log.Error("trigger lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var body struct {
		Input       json.RawMessage `json:"input"`
		TriggeredBy string          `json:"triggered_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.TriggeredBy == "" {
		body.TriggeredBy = "api"
	}

	if err := validateManualInput(trigger.Input, body.Input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := s.db.Executions.Create(r.Context(), trigger.WorkflowID, trigger.ID)
	if err != nil {
		s.log.Error("cannot record execution", zap.String("trigger_id", trigger.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.metrics.invocations.WithLabelValues("manual").Inc()

	data := dispatch.ManualEventData(body.TriggeredBy, body.Input)
	go s.runDispatch(trigger, data, exec.ID)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "invoked",
		"workflow_id":  trigger.WorkflowID,
		"execution_id": exec.ID,
	})
}

// validateManualInput checks the supplied input against the trigger's
// declared input_schema, when one exists.
func validateManualInput(triggerInput, input json.RawMessage) error {
	schemaJSON := gjson.GetBytes(triggerInput, "input_schema")
	if !schemaJSON.Exists() {
		return nil
	}
	var schema openapi3.Schema
	if err := schema.UnmarshalJSON([]byte(schemaJSON.Raw)); err != nil {
		return errors.New("trigger has an invalid input_schema")
	}
	var value any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &value); err != nil {
			return errors.New("input is not valid JSON")
		}
	}
	if err := schema.VisitJSON(value); err != nil {
		return errors.New("input does not match the declared schema: " + err.Error())
	}
	return nil
}

// handleSyncTriggers reconciles the workflow's triggers with the posted
// desired set and returns the resulting webhook URLs. Per-trigger create
// failures come back as a 400 with the full failure list; changes flushed
// before a failure stay applied.
func (s *Server) handleSyncTriggers(w http.ResponseWriter, r *http.Request) {
	workflow, err := s.db.Workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.log.Error("workflow lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// The sync auto-creates provider rows under the workflow's namespace;
	// a dangling namespace would otherwise surface as an opaque FK error.
	if _, err := s.db.Namespaces.Get(r.Context(), workflow.NamespaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "namespace not found")
			return
		}
		s.log.Error("namespace lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var body struct {
		Triggers []lifecycle.DesiredTrigger `json:"triggers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, t := range body.Triggers {
		if t.ProviderType == "" || t.TriggerType == "" {
			writeError(w, http.StatusBadRequest, "every trigger needs provider_type and trigger_type")
			return
		}
	}

	urls, err := s.syncer.Sync(r.Context(), workflow.ID, workflow.NamespaceID, body.Triggers)
	var syncErr *lifecycle.SyncError
	if errors.As(err, &syncErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "trigger sync failed",
			"failures": syncErr.Failures,
		})
		return
	}
	if err != nil {
		s.log.Error("trigger sync failed", zap.String("workflow_id", workflow.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhook_urls": urls})
}
