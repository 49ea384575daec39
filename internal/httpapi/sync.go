package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/scheduler"
)

// SyncTrigger handles POST /api/knowledge/sync/trigger.
func (s *Server) SyncTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		SyncType string `json:"sync_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var kind knowledge.SyncKind
	switch req.SyncType {
	case "full":
		kind = knowledge.SyncKindFull
	case "incremental":
		kind = knowledge.SyncKindIncremental
	default:
		writeError(w, r, http.StatusBadRequest, "sync_type must be \"full\" or \"incremental\"")
		return
	}

	op, err := s.Scheduler.TriggerManual(kind)
	if err != nil {
		if errors.Is(err, scheduler.ErrSyncInProgress) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "in progress"})
			return
		}
		log.Ctx(ctx).Error().Err(err).Str("sync_type", req.SyncType).Msg("manual sync failed")
		writeError(w, r, http.StatusServiceUnavailable, "sync failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "sync completed",
		"result":  op,
	})
}

// SyncStatus handles GET /api/knowledge/sync/status.
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}

// SyncHistory handles GET /api/knowledge/sync/history. History is read
// from the persisted operation rows, so it survives restarts.
func (s *Server) SyncHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 100)
	history, err := s.Manager.SyncHistory(ctx, limit)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list sync history")
		writeError(w, r, http.StatusInternalServerError, "failed to list sync history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
	})
}

// SyncResume handles POST /api/knowledge/sync/resume.
func (s *Server) SyncResume(w http.ResponseWriter, r *http.Request) {
	s.Scheduler.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"message": "scheduler resumed"})
}
