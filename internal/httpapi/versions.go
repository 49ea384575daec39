package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/manager"
)

// ListVersions handles GET /api/knowledge/{id}/versions.
func (s *Server) ListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	versions, err := s.Manager.History(ctx, id)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("entity_id", id).Msg("failed to list versions")
		writeError(w, r, http.StatusInternalServerError, "failed to list versions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": id,
		"versions":  versions,
		"count":     len(versions),
	})
}

// RestoreVersion handles POST /api/knowledge/{id}/restore.
func (s *Server) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req struct {
		VersionNumber int `json:"version_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.VersionNumber < 1 {
		writeError(w, r, http.StatusBadRequest, "version_number must be >= 1")
		return
	}

	e, err := s.Manager.Rollback(ctx, id, req.VersionNumber)
	if err != nil {
		if manager.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, "entity or version not found")
			return
		}
		log.Ctx(ctx).Error().Err(err).
			Str("entity_id", id).
			Int("version", req.VersionNumber).
			Msg("rollback failed")
		writeError(w, r, http.StatusInternalServerError, "rollback failed")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CompareVersions handles GET /api/knowledge/{id}/compare?v1=&v2=.
func (s *Server) CompareVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	v1, err1 := strconv.Atoi(r.URL.Query().Get("v1"))
	v2, err2 := strconv.Atoi(r.URL.Query().Get("v2"))
	if err1 != nil || err2 != nil || v1 < 1 || v2 < 1 {
		writeError(w, r, http.StatusBadRequest, "v1 and v2 must be version numbers >= 1")
		return
	}

	cmp, err := s.Manager.Compare(ctx, id, v1, v2)
	if err != nil {
		if manager.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, "entity or version not found")
			return
		}
		log.Ctx(ctx).Error().Err(err).Str("entity_id", id).Msg("compare failed")
		writeError(w, r, http.StatusInternalServerError, "compare failed")
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}
