// Package manager is the sole façade over store, versioner, cache and
// classifier. The HTTP edge and the sync layer go through here; nothing
// else talks to the store for entity operations.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/cache"
	"github.com/payready/knowledge-api/internal/classifier"
	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/store"
	"github.com/payready/knowledge-api/internal/versioner"
)

// ErrNotFound mirrors the store sentinel for callers that only import
// this package.
var ErrNotFound = store.ErrNotFound

// payReadyContext is attached to every foundational entity so consumers
// always receive the domain framing alongside the record.
var payReadyContext = map[string]any{
	"company":  "Pay Ready",
	"domain":   "property management financial technology",
	"focus":    "AI-first resident engagement and payment recovery",
	"market":   "$20B+ in annual rent processed across the portfolio",
	"position": "category leader in post-resident payment workflows",
}

// Manager orchestrates entity lifecycle and conflict resolution.
type Manager struct {
	store    store.Store
	versions *versioner.Versioner
	cache    cache.Cache
	cacheTTL time.Duration

	// Serializes writers; readers do not take it. A process-wide mutex is
	// enough under the single-writer-per-entity assumption.
	writeMu sync.Mutex
}

// New wires the façade. ttl <= 0 selects the cache default.
func New(s store.Store, v *versioner.Versioner, c cache.Cache, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &Manager{store: s, versions: v, cache: c, cacheTTL: ttl}
}

// Create classifies (when the caller didn't), applies the foundational
// invariants, persists the entity and its initial version, and warms the
// cache for foundational records.
func (m *Manager) Create(ctx context.Context, e *knowledge.Entity, changedBy string) (*knowledge.Entity, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Category == "" {
		e.Category = "general"
	}
	if e.Source == "" {
		e.Source = "manual"
	}

	if !e.Classification.Valid() || e.Classification == knowledge.ClassificationOperational {
		res := classifier.Classify(e)
		e.Classification = res.Classification
		if !e.Priority.Valid() {
			e.Priority = res.Priority
		}
		if len(res.Tags) > 0 {
			if e.Metadata == nil {
				e.Metadata = map[string]any{}
			}
			e.Metadata["suggested_tags"] = res.Tags
		}
	}
	if !e.Priority.Valid() {
		e.Priority = knowledge.PriorityMedium
	}

	applyFoundationalInvariants(e)

	e.IsActive = true
	e.Version = 1
	now := knowledge.NowUTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	if err := m.store.CreateEntity(ctx, e); err != nil {
		return nil, err
	}
	if changedBy == "" {
		changedBy = "system"
	}
	if _, err := m.versions.CreateVersion(ctx, e, changedBy, "Initial version"); err != nil {
		return nil, err
	}
	if e.IsFoundational {
		m.cacheSet(ctx, e)
	}
	log.Info().
		Str("entity_id", e.ID).
		Str("classification", string(e.Classification)).
		Msg("entity created")
	return e, nil
}

// Get reads through the cache. Cache failures fall back to the store.
func (m *Manager) Get(ctx context.Context, id string) (*knowledge.Entity, error) {
	if raw, ok, err := m.cache.Get(ctx, cacheKey(id)); err != nil {
		log.Warn().Err(err).Str("entity_id", id).Msg("cache get failed")
	} else if ok {
		var e knowledge.Entity
		if err := json.Unmarshal(raw, &e); err == nil {
			return &e, nil
		}
		log.Warn().Str("entity_id", id).Msg("cached entity undecodable, falling back")
	}

	e, err := m.store.GetEntity(ctx, id)
	if err != nil || e == nil {
		return e, err
	}
	if e.IsFoundational {
		m.cacheSet(ctx, e)
	}
	return e, nil
}

// Update persists the new state. A content change bumps the version and
// appends a version row before the entity row is replaced.
func (m *Manager) Update(ctx context.Context, e *knowledge.Entity, changedBy string) (*knowledge.Entity, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current, err := m.store.GetEntity(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("entity %s: %w", e.ID, ErrNotFound)
	}

	e.CreatedAt = current.CreatedAt
	applyFoundationalInvariants(e)

	if !current.Content.Equal(e.Content) {
		e.Version = current.Version + 1
		if _, err := m.versions.CreateVersion(ctx, e, changedBy, ""); err != nil {
			return nil, err
		}
	} else {
		e.Version = current.Version
	}

	if err := m.store.UpdateEntity(ctx, e); err != nil {
		return nil, err
	}

	if e.IsFoundational {
		m.cacheSet(ctx, e)
	} else {
		m.cacheDelete(ctx, e.ID)
	}
	return e, nil
}

// Delete removes the entity and its cache entry. Returns ErrNotFound when
// the id does not exist.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.cacheDelete(ctx, id)
	deleted, err := m.store.DeleteEntity(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	log.Info().Str("entity_id", id).Msg("entity deleted")
	return nil
}

// List applies the raw store filter; used by the edge list endpoint.
func (m *Manager) List(ctx context.Context, f store.Filter) ([]*knowledge.Entity, error) {
	return m.store.ListEntities(ctx, f)
}

// ListFoundational returns active Foundational-tier entities.
func (m *Manager) ListFoundational(ctx context.Context, limit int) ([]*knowledge.Entity, error) {
	cls := knowledge.ClassificationFoundational
	active := true
	return m.store.ListEntities(ctx, store.Filter{
		Classification: &cls,
		IsActive:       &active,
		Limit:          limit,
	})
}

// Search runs the store text search; unless includeOperational is set the
// result is narrowed to the two foundational tiers.
func (m *Manager) Search(ctx context.Context, query string, includeOperational bool) ([]*knowledge.Entity, error) {
	results, err := m.store.SearchEntities(ctx, query)
	if err != nil {
		return nil, err
	}
	if includeOperational {
		return results, nil
	}
	filtered := results[:0]
	for _, e := range results {
		if e.Classification.IsFoundational() {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// Rollback restores an entity to a prior version and refreshes its cache
// entry.
func (m *Manager) Rollback(ctx context.Context, id string, versionNumber int) (*knowledge.Entity, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	e, err := m.versions.Rollback(ctx, id, versionNumber)
	if err != nil {
		return nil, err
	}
	if e.IsFoundational {
		m.cacheSet(ctx, e)
	} else {
		m.cacheDelete(ctx, id)
	}
	return e, nil
}

// History returns the entity's version log newest-first.
func (m *Manager) History(ctx context.Context, id string) ([]*knowledge.VersionRecord, error) {
	return m.versions.History(ctx, id)
}

// Compare diffs two versions of an entity.
func (m *Manager) Compare(ctx context.Context, id string, v1, v2 int) (*versioner.Comparison, error) {
	return m.versions.Compare(ctx, id, v1, v2)
}

// Statistics returns the aggregate counts for the statistics endpoint.
func (m *Manager) Statistics(ctx context.Context) (*store.Stats, error) {
	return m.store.Statistics(ctx)
}

// SyncHistory lists the persisted sync operations, newest first.
func (m *Manager) SyncHistory(ctx context.Context, limit int) ([]*knowledge.SyncOperation, error) {
	return m.store.ListSyncOperations(ctx, limit)
}

// CountEntities exposes the row count; the scheduler uses it to pick the
// initial sync kind.
func (m *Manager) CountEntities(ctx context.Context) (int, error) {
	return m.store.CountEntities(ctx)
}

// Ping proxies the store health check.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// PayReadyContext groups all foundational entities by category under the
// fixed domain framing.
func (m *Manager) PayReadyContext(ctx context.Context) (map[string]any, error) {
	entities, err := m.ListFoundational(ctx, 0)
	if err != nil {
		return nil, err
	}
	byCategory := map[string][]map[string]any{}
	for _, e := range entities {
		byCategory[e.Category] = append(byCategory[e.Category], map[string]any{
			"id":       e.ID,
			"name":     e.Name,
			"priority": e.Priority.String(),
			"content":  e.Content,
		})
	}
	return map[string]any{
		"context":   payReadyContext,
		"knowledge": byCategory,
		"total":     len(entities),
	}, nil
}

// RefreshCache re-caches every foundational entity. Used at startup and
// after scheduler resumption.
func (m *Manager) RefreshCache(ctx context.Context) error {
	entities, err := m.ListFoundational(ctx, 0)
	if err != nil {
		return err
	}
	entries := make(map[string][]byte, len(entities))
	for _, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			log.Warn().Err(err).Str("entity_id", e.ID).Msg("skipping uncacheable entity")
			continue
		}
		entries[cacheKey(e.ID)] = raw
	}
	if err := m.cache.Refresh(ctx, entries, m.cacheTTL); err != nil {
		log.Warn().Err(err).Msg("cache refresh failed")
	}
	return nil
}

// applyFoundationalInvariants derives is_foundational from the tier,
// floors the priority at High for foundational entities and attaches the
// fixed context block.
func applyFoundationalInvariants(e *knowledge.Entity) {
	e.IsFoundational = e.Classification.IsFoundational()
	if e.IsFoundational {
		if e.Priority < knowledge.PriorityHigh {
			e.Priority = knowledge.PriorityHigh
		}
		e.PayReadyContext = payReadyContext
	}
}

// cacheKeyPrefix namespaces entity entries within the cache.
const cacheKeyPrefix = "fk:"

func cacheKey(id string) string { return cacheKeyPrefix + id }

// cacheSet serializes and stores the entity; failures are logged only.
func (m *Manager) cacheSet(ctx context.Context, e *knowledge.Entity) {
	raw, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Str("entity_id", e.ID).Msg("entity not cacheable")
		return
	}
	if err := m.cache.SetWithTTL(ctx, cacheKey(e.ID), raw, m.cacheTTL); err != nil {
		log.Warn().Err(err).Str("entity_id", e.ID).Msg("cache set failed")
	}
}

func (m *Manager) cacheDelete(ctx context.Context, id string) {
	if err := m.cache.Delete(ctx, cacheKey(id)); err != nil {
		log.Warn().Err(err).Str("entity_id", id).Msg("cache delete failed")
	}
}

// IsNotFound reports whether err wraps the not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
