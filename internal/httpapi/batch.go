package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/auth"
	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/manager"
)

// Batch size caps. Deletes are capped tighter because they are admin
// operations with no undo.
const (
	maxBatchWrite  = 100
	maxBatchDelete = 50
)

// batchResult is the per-index outcome of one batch item.
type batchResult struct {
	Index   int    `json:"index"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchCreate handles POST /api/knowledge/batch/create.
func (s *Server) BatchCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var items []createReq
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(items) == 0 || len(items) > maxBatchWrite {
		writeError(w, r, http.StatusBadRequest, "batch must contain 1-100 items")
		return
	}

	caller := auth.Subject(ctx)
	results := make([]batchResult, len(items))
	for i, item := range items {
		results[i].Index = i
		e, problem := item.toEntity()
		if problem != "" {
			results[i].Error = problem
			continue
		}
		created, err := s.Manager.Create(ctx, e, caller)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Int("index", i).Msg("batch create item failed")
			results[i].Error = err.Error()
			continue
		}
		results[i].ID = created.ID
		results[i].Success = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// batchPatch is one item of a batch update: the target id plus a patch.
type batchPatch struct {
	ID string `json:"id"`
	patchReq
}

// BatchUpdate handles PUT /api/knowledge/batch/update.
func (s *Server) BatchUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var items []batchPatch
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(items) == 0 || len(items) > maxBatchWrite {
		writeError(w, r, http.StatusBadRequest, "batch must contain 1-100 items")
		return
	}

	caller := auth.Subject(ctx)
	results := make([]batchResult, len(items))
	for i, item := range items {
		results[i].Index = i
		results[i].ID = item.ID
		if item.ID == "" {
			results[i].Error = "id is required"
			continue
		}
		if err := s.applyPatch(r, item, caller); err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Success = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// applyPatch loads, patches and persists one entity.
func (s *Server) applyPatch(r *http.Request, item batchPatch, caller string) error {
	ctx := r.Context()
	current, err := s.Manager.Get(ctx, item.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return manager.ErrNotFound
	}
	e := current.Clone()
	if item.Name != nil {
		e.Name = *item.Name
	}
	if item.Category != nil {
		e.Category = *item.Category
	}
	if item.Classification != nil {
		cls := knowledge.Classification(*item.Classification)
		if !cls.Valid() {
			return errors.New("invalid classification")
		}
		e.Classification = cls
	}
	if item.Priority != nil {
		prio := knowledge.Priority(*item.Priority)
		if !prio.Valid() {
			return errors.New("priority must be between 1 and 5")
		}
		e.Priority = prio
	}
	if item.Content != nil {
		e.Content = *item.Content
	}
	if item.Metadata != nil {
		e.Metadata = *item.Metadata
	}
	if item.IsActive != nil {
		e.IsActive = *item.IsActive
	}
	_, err = s.Manager.Update(ctx, e, caller)
	return err
}

// BatchDelete handles POST /api/knowledge/batch/delete.
func (s *Server) BatchDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(ids) == 0 || len(ids) > maxBatchDelete {
		writeError(w, r, http.StatusBadRequest, "batch must contain 1-50 ids")
		return
	}

	results := make([]batchResult, len(ids))
	for i, id := range ids {
		results[i].Index = i
		results[i].ID = id
		if err := s.Manager.Delete(ctx, id); err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Success = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
