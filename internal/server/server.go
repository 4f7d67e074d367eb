// Package server is the HTTP surface: webhook ingress, execution callbacks
// from running workflows, manual invocation, trigger sync, health and
// metrics. Handlers translate between the wire and the core packages and
// hold no business logic of their own.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/bus"
	"github.com/floww-sh/floww/internal/dispatch"
	"github.com/floww-sh/floww/internal/lifecycle"
	"github.com/floww-sh/floww/internal/runtime"
	"github.com/floww-sh/floww/internal/secrets"
	"github.com/floww-sh/floww/internal/store"
)

// Dispatcher is the slice of the execution dispatcher the handlers drive.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger *store.Trigger, eventData map[string]any, executionID string) error
}

// TriggerSyncer reconciles a workflow's declared triggers.
type TriggerSyncer interface {
	Sync(ctx context.Context, workflowID, namespaceID string, desired []lifecycle.DesiredTrigger) ([]string, error)
}

// Server wires the HTTP handlers to the core components.
type Server struct {
	db         *store.DB
	box        *secrets.Box
	dispatcher Dispatcher
	syncer     TriggerSyncer
	events     bus.Publisher
	tokens     *dispatch.TokenIssuer
	backend    runtime.Backend
	resolver   dispatch.ImageResolver
	log        *zap.Logger
	metrics    *metrics
}

func New(db *store.DB, box *secrets.Box, dispatcher Dispatcher, syncer TriggerSyncer, events bus.Publisher, tokens *dispatch.TokenIssuer, backend runtime.Backend, resolver dispatch.ImageResolver, log *zap.Logger) *Server {
	return &Server{
		db:         db,
		box:        box,
		dispatcher: dispatcher,
		syncer:     syncer,
		events:     events,
		tokens:     tokens,
		backend:    backend,
		resolver:   resolver,
		log:        log,
		metrics:    newMetrics(),
	}
}

// Handler builds the router. Mounted once at startup.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	// Any method: providers deliver webhooks with POST, PUT, even GET.
	r.HandleFunc("/webhook/*", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/executions/recent", s.handleRecentExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)

		// Callbacks carry the workflow invocation token minted at dispatch.
		r.Group(func(r chi.Router) {
			r.Use(s.requireWorkflowToken)
			r.Post("/executions/{id}/complete", s.handleExecutionComplete)
			r.Post("/executions/{id}/fail", s.handleExecutionFail)
		})

		r.Post("/triggers/{id}/invoke", s.handleManualInvoke)
		r.Post("/workflows/{id}/triggers/sync", s.handleSyncTriggers)
		r.Get("/workflows/{id}/executions", s.handleListExecutions)

		r.Post("/runtimes", s.handleCreateRuntime)
		r.Get("/runtimes/{id}/status", s.handleRuntimeStatus)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
