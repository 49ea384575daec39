package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/auth"
	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/manager"
	"github.com/payready/knowledge-api/internal/store"
)

// createReq is the entity-create payload.
type createReq struct {
	Name           string            `json:"name"`
	Category       string            `json:"category"`
	Classification string            `json:"classification"`
	Priority       int               `json:"priority"`
	Content        knowledge.Content `json:"content"`
	Metadata       map[string]any    `json:"metadata"`
	Source         string            `json:"source"`
}

// patchReq is the entity-update payload; nil fields are left unchanged.
type patchReq struct {
	Name           *string            `json:"name"`
	Category       *string            `json:"category"`
	Classification *string            `json:"classification"`
	Priority       *int               `json:"priority"`
	Content        *knowledge.Content `json:"content"`
	Metadata       *map[string]any    `json:"metadata"`
	IsActive       *bool              `json:"is_active"`
}

func (req createReq) toEntity() (*knowledge.Entity, string) {
	if req.Name == "" {
		return nil, "name is required"
	}
	cls := knowledge.Classification(req.Classification)
	if req.Classification != "" && !cls.Valid() {
		return nil, "invalid classification"
	}
	prio := knowledge.Priority(req.Priority)
	if req.Priority != 0 && !prio.Valid() {
		return nil, "priority must be between 1 and 5"
	}
	return &knowledge.Entity{
		Name:           req.Name,
		Category:       req.Category,
		Classification: cls,
		Priority:       prio,
		Content:        req.Content,
		Metadata:       req.Metadata,
		Source:         req.Source,
	}, ""
}

// CreateKnowledge handles POST /api/knowledge/.
func (s *Server) CreateKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	e, problem := req.toEntity()
	if problem != "" {
		writeError(w, r, http.StatusBadRequest, problem)
		return
	}

	created, err := s.Manager.Create(ctx, e, auth.Subject(ctx))
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, "entity already exists")
			return
		}
		log.Ctx(ctx).Error().Err(err).Msg("failed to create entity")
		writeError(w, r, http.StatusInternalServerError, "failed to create entity")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetKnowledge handles GET /api/knowledge/{id}.
func (s *Server) GetKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	e, err := s.Manager.Get(ctx, id)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("entity_id", id).Msg("failed to get entity")
		writeError(w, r, http.StatusInternalServerError, "failed to get entity")
		return
	}
	if e == nil {
		writeError(w, r, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// UpdateKnowledge handles PUT /api/knowledge/{id}.
func (s *Server) UpdateKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req patchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	current, err := s.Manager.Get(ctx, id)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("entity_id", id).Msg("failed to load entity")
		writeError(w, r, http.StatusInternalServerError, "failed to load entity")
		return
	}
	if current == nil {
		writeError(w, r, http.StatusNotFound, "entity not found")
		return
	}

	e := current.Clone()
	if req.Name != nil {
		e.Name = *req.Name
	}
	if req.Category != nil {
		e.Category = *req.Category
	}
	if req.Classification != nil {
		cls := knowledge.Classification(*req.Classification)
		if !cls.Valid() {
			writeError(w, r, http.StatusBadRequest, "invalid classification")
			return
		}
		e.Classification = cls
	}
	if req.Priority != nil {
		prio := knowledge.Priority(*req.Priority)
		if !prio.Valid() {
			writeError(w, r, http.StatusBadRequest, "priority must be between 1 and 5")
			return
		}
		e.Priority = prio
	}
	if req.Content != nil {
		e.Content = *req.Content
	}
	if req.Metadata != nil {
		e.Metadata = *req.Metadata
	}
	if req.IsActive != nil {
		e.IsActive = *req.IsActive
	}

	updated, err := s.Manager.Update(ctx, e, auth.Subject(ctx))
	if err != nil {
		if manager.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, "entity not found")
			return
		}
		log.Ctx(ctx).Error().Err(err).Str("entity_id", id).Msg("failed to update entity")
		writeError(w, r, http.StatusInternalServerError, "failed to update entity")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteKnowledge handles DELETE /api/knowledge/{id}.
func (s *Server) DeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := s.Manager.Delete(ctx, id); err != nil {
		if manager.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, "entity not found")
			return
		}
		log.Ctx(ctx).Error().Err(err).Str("entity_id", id).Msg("failed to delete entity")
		writeError(w, r, http.StatusInternalServerError, "failed to delete entity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "entity deleted"})
}

// ListKnowledge handles GET /api/knowledge/ with filters.
func (s *Server) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	f := store.Filter{
		Limit:  parseLimit(q.Get("limit"), 100, 1000),
		Offset: parseOffset(q.Get("offset")),
	}
	if v := q.Get("classification"); v != "" {
		cls := knowledge.Classification(v)
		if !cls.Valid() {
			writeError(w, r, http.StatusBadRequest, "invalid classification filter")
			return
		}
		f.Classification = &cls
	}
	if v := q.Get("category"); v != "" {
		f.Category = &v
	}
	if v := q.Get("is_active"); v != "" {
		active := v == "true" || v == "1"
		f.IsActive = &active
	}

	entities, err := s.Manager.List(ctx, f)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list entities")
		writeError(w, r, http.StatusInternalServerError, "failed to list entities")
		return
	}
	writeJSON(w, http.StatusOK, listResponse(entities))
}

// SearchKnowledge handles GET /api/knowledge/search.
func (s *Server) SearchKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, r, http.StatusBadRequest, "query must be at least 1 character")
		return
	}
	includeOperational := r.URL.Query().Get("include_operational") == "true"

	entities, err := s.Manager.Search(ctx, query, includeOperational)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("query", query).Msg("search failed")
		writeError(w, r, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, listResponse(entities))
}

// ListFoundational handles GET /api/knowledge/foundational.
func (s *Server) ListFoundational(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entities, err := s.Manager.ListFoundational(ctx, parseLimit(r.URL.Query().Get("limit"), 100, 1000))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list foundational entities")
		writeError(w, r, http.StatusInternalServerError, "failed to list foundational entities")
		return
	}
	writeJSON(w, http.StatusOK, listResponse(entities))
}

// Statistics handles GET /api/knowledge/statistics.
func (s *Server) Statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.Manager.Statistics(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to compute statistics")
		writeError(w, r, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities":    stats,
		"sync_health": s.Scheduler.Status().SyncHealth,
	})
}

// PayReadyContext handles GET /api/knowledge/context.
func (s *Server) PayReadyContext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out, err := s.Manager.PayReadyContext(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to build context")
		writeError(w, r, http.StatusInternalServerError, "failed to build context")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Ready handles GET /health/ready; ready means the store answers a ping.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func listResponse(entities []*knowledge.Entity) map[string]any {
	if entities == nil {
		entities = []*knowledge.Entity{}
	}
	return map[string]any{"items": entities, "count": len(entities)}
}

func parseOffset(q string) int {
	if q == "" {
		return 0
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
