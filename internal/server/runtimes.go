package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/store"
)

// provisionTimeout bounds the detached provisioning run, image pull included.
const provisionTimeout = 5 * time.Minute

type runtimeView struct {
	ID        string           `json:"id"`
	Status    string           `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	Logs      []runtimeLogView `json:"logs,omitempty"`
}

type runtimeLogView struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// handleCreateRuntime upserts a content-addressed runtime and kicks off
// provisioning in the background. Identical configs converge on the same
// runtime row: an already-provisioned runtime answers 200 without touching
// the backend, a new or previously FAILED one answers 202 and provisions.
func (s *Server) handleCreateRuntime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config map[string]any `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	imageHash, _ := req.Config["image_hash"].(string)
	if imageHash == "" {
		writeError(w, http.StatusBadRequest, "config.image_hash is required")
		return
	}

	rt, created, err := s.db.Runtimes.Upsert(r.Context(), req.Config)
	if err != nil {
		s.log.Error("runtime upsert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cannot create runtime")
		return
	}

	if !created && rt.Status != store.RuntimeFailed {
		writeJSON(w, http.StatusOK, runtimeView{
			ID: rt.ID, Status: string(rt.Status), CreatedAt: rt.CreatedAt,
		})
		return
	}

	// A FAILED runtime re-requested with the same config gets another try.
	if rt.Status == store.RuntimeFailed {
		if err := s.db.Runtimes.SetStatus(r.Context(), rt.ID, store.RuntimeInProgress); err != nil {
			s.log.Error("runtime status reset failed",
				zap.String("runtime_id", rt.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "cannot create runtime")
			return
		}
	}

	go s.provisionRuntime(rt, imageHash)

	writeJSON(w, http.StatusAccepted, runtimeView{
		ID: rt.ID, Status: string(store.RuntimeInProgress), CreatedAt: rt.CreatedAt,
	})
}

// provisionRuntime resolves the image and drives the backend, recording
// progress as creation-log rows and landing the terminal status. Detached
// from the request: provisioning outlives the HTTP exchange.
func (s *Server) provisionRuntime(rt *store.Runtime, imageHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()
	log := s.log.With(zap.String("runtime_id", rt.ID))

	image, err := s.resolver.Resolve(ctx, imageHash)
	if err != nil {
		log.Error("image resolution failed", zap.String("image_hash", imageHash), zap.Error(err))
		s.recordProvisionFailure(ctx, rt.ID, "image resolution failed: "+err.Error())
		return
	}

	state, err := s.backend.CreateRuntime(ctx, rt, image)
	if err != nil {
		log.Error("runtime provisioning errored", zap.Error(err))
		s.recordProvisionFailure(ctx, rt.ID, "provisioning error: "+err.Error())
		return
	}

	level := "info"
	if state.Status == store.RuntimeFailed {
		level = "error"
	}
	for _, line := range state.Logs {
		if err := s.db.Runtimes.AppendLog(ctx, rt.ID, level, line); err != nil {
			log.Error("runtime log write failed", zap.Error(err))
		}
	}
	if err := s.db.Runtimes.SetStatus(ctx, rt.ID, state.Status); err != nil {
		log.Error("runtime status write failed", zap.Error(err))
		return
	}
	log.Info("runtime provisioning finished", zap.String("status", string(state.Status)))
}

func (s *Server) recordProvisionFailure(ctx context.Context, runtimeID, message string) {
	if err := s.db.Runtimes.AppendLog(ctx, runtimeID, "error", message); err != nil {
		s.log.Error("runtime log write failed", zap.String("runtime_id", runtimeID), zap.Error(err))
	}
	if err := s.db.Runtimes.SetStatus(ctx, runtimeID, store.RuntimeFailed); err != nil {
		s.log.Error("runtime status write failed", zap.String("runtime_id", runtimeID), zap.Error(err))
	}
}

// handleRuntimeStatus reports a runtime's provisioning state and creation
// log. A runtime the store believes COMPLETED is re-checked against the
// backend, catching execution units that died after provisioning.
func (s *Server) handleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	rt, err := s.db.Runtimes.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "runtime not found")
		return
	}
	if err != nil {
		s.log.Error("runtime lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cannot load runtime")
		return
	}

	status := rt.Status
	if status == store.RuntimeCompleted {
		live, err := s.backend.RuntimeStatus(r.Context(), rt)
		if err != nil {
			s.log.Warn("live runtime status check failed",
				zap.String("runtime_id", rt.ID), zap.Error(err))
		} else if live.Status != status {
			status = live.Status
			if err := s.db.Runtimes.SetStatus(r.Context(), rt.ID, status); err != nil {
				s.log.Error("runtime status write failed",
					zap.String("runtime_id", rt.ID), zap.Error(err))
			}
		}
	}

	logs, err := s.db.Runtimes.Logs(r.Context(), rt.ID)
	if err != nil {
		s.log.Error("runtime log read failed", zap.String("runtime_id", rt.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cannot load runtime logs")
		return
	}
	view := runtimeView{ID: rt.ID, Status: string(status), CreatedAt: rt.CreatedAt}
	for _, l := range logs {
		view.Logs = append(view.Logs, runtimeLogView{
			Timestamp: l.Timestamp, Level: l.Level, Message: l.Message,
		})
	}
	writeJSON(w, http.StatusOK, view)
}
