package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/bus"
	"github.com/floww-sh/floww/internal/dispatch"
	"github.com/floww-sh/floww/internal/store"
	"github.com/floww-sh/floww/pkg/provider"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// dispatchTimeout bounds the synchronous part of a fanned-out dispatch
// (DB work and payload assembly; the runtime invoke detaches further).
const dispatchTimeout = 30 * time.Second

// handleWebhook is the external event ingress. It resolves the webhook row
// behind the path, lets the provider adapter handle any verification
// handshake, matches the event against the candidate triggers, and fans out
// one dispatch per match. The response never waits for dispatch completion.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := store.NormalizePath(r.URL.Path)

	hook, err := s.db.Webhooks.FindByPath(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		s.log.Error("webhook lookup failed", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	candidates, providerID, err := s.webhookCandidates(ctx, hook)
	if err != nil {
		s.log.Error("cannot resolve webhook triggers", zap.String("webhook_id", hook.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	prov, err := s.db.Providers.Get(ctx, providerID)
	if err != nil {
		s.log.Error("cannot load webhook provider", zap.String("provider_id", providerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	cfg, err := s.box.OpenJSON(prov.EncryptedConfig)
	if err != nil {
		s.log.Error("cannot decrypt provider config", zap.String("provider_id", providerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	adapter, err := provider.Get(prov.Type)
	if err != nil {
		s.log.Error("webhook provider has no adapter", zap.String("type", prov.Type), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}
	ev := &provider.Event{
		Method:  r.Method,
		Path:    path,
		Headers: r.Header,
		Body:    body,
		Query:   r.URL.Query(),
		Params:  map[string]string{},
	}
	s.metrics.webhookEvents.WithLabelValues(prov.Type).Inc()

	// Verification handshakes (Slack url_verification, Discord PING) are
	// answered verbatim and stop processing.
	if resp, err := adapter.ValidateWebhook(ctx, provider.Config(cfg), ev); err != nil {
		s.log.Error("webhook validation failed", zap.String("type", prov.Type), zap.Error(err))
		writeError(w, http.StatusBadRequest, "webhook validation failed")
		return
	} else if resp != nil {
		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
		return
	}

	byID := make(map[string]*store.Trigger, len(candidates))
	handles := make([]provider.TriggerHandle, 0, len(candidates))
	for i := range candidates {
		t := &candidates[i]
		byID[t.ID] = t
		handles = append(handles, provider.TriggerHandle{
			ID:          t.ID,
			WorkflowID:  t.WorkflowID,
			ProviderID:  t.ProviderID,
			TriggerType: t.TriggerType,
			Input:       t.Input,
			State:       t.State,
		})
	}
	matched, err := adapter.Match(ctx, provider.Config(cfg), ev, handles)
	if err != nil {
		s.log.Error("event matching failed", zap.String("type", prov.Type), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.publishEvent(ctx, hook, prov.Type, ev, matched)

	var firstWorkflow string
	for _, h := range matched {
		trigger := byID[h.ID]
		if trigger == nil {
			continue
		}
		exec, err := s.db.Executions.Create(ctx, trigger.WorkflowID, trigger.ID)
		if err != nil {
			s.log.Error("cannot record execution", zap.String("trigger_id", trigger.ID), zap.Error(err))
			continue
		}
		if firstWorkflow == "" {
			firstWorkflow = trigger.WorkflowID
		}
		s.metrics.triggerMatches.WithLabelValues(prov.Type).Inc()
		s.metrics.invocations.WithLabelValues("webhook").Inc()

		data := dispatch.WebhookEventData(ev.Method, ev.Path,
			flattenHeader(ev.Headers), ev.Body, flattenValues(ev.Query), ev.Params)
		go s.runDispatch(trigger, data, exec.ID)
	}

	if firstWorkflow == "" {
		writeJSON(w, http.StatusOK, map[string]string{"message": "No active deployment"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "invoked",
		"workflow_id": firstWorkflow,
		"webhook_id":  hook.ID,
	})
}

// webhookCandidates resolves the triggers an incoming webhook may fire:
// the single owning trigger, or every trigger of the owning provider.
func (s *Server) webhookCandidates(ctx context.Context, hook *store.IncomingWebhook) ([]store.Trigger, string, error) {
	if hook.TriggerID != nil {
		t, err := s.db.Triggers.Get(ctx, *hook.TriggerID)
		if err != nil {
			return nil, "", err
		}
		return []store.Trigger{*t}, t.ProviderID, nil
	}
	triggers, err := s.db.Triggers.ListByProvider(ctx, *hook.ProviderID)
	if err != nil {
		return nil, "", err
	}
	return triggers, *hook.ProviderID, nil
}

// runDispatch executes one fanned-out dispatch detached from the request.
func (s *Server) runDispatch(trigger *store.Trigger, data map[string]any, executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := s.dispatcher.Dispatch(ctx, trigger, data, executionID); err != nil {
		s.log.Error("dispatch failed",
			zap.String("trigger_id", trigger.ID),
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

// publishEvent mirrors the raw event onto the realtime bus for each workflow
// a candidate trigger belongs to. Best-effort.
func (s *Server) publishEvent(ctx context.Context, hook *store.IncomingWebhook, providerType string, ev *provider.Event, matched []provider.TriggerHandle) {
	seen := map[string]bool{}
	for _, h := range matched {
		if seen[h.WorkflowID] {
			continue
		}
		seen[h.WorkflowID] = true
		err := s.events.Publish(ctx, bus.WebhookChannel(h.WorkflowID), map[string]any{
			"webhook_id": hook.ID,
			"provider":   providerType,
			"method":     ev.Method,
			"path":       ev.Path,
			"body":       string(ev.Body),
			"matched":    len(matched),
		})
		if err != nil {
			s.log.Warn("event bus publish failed", zap.String("workflow_id", h.WorkflowID), zap.Error(err))
		}
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func flattenValues(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k := range v {
		out[k] = v.Get(k)
	}
	return out
}
