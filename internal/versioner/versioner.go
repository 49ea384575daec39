// Package versioner maintains the append-only version log for entities:
// snapshot creation, history queries, rollback, and version comparison.
// All durable state lives in the store; this layer adds the numbering and
// diff semantics.
package versioner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/store"
)

// Versioner layers version-log semantics over a Store.
type Versioner struct {
	store store.Store
}

// New wires a Versioner to its backing store.
func New(s store.Store) *Versioner {
	return &Versioner{store: s}
}

// CreateVersion appends a snapshot of the entity as the next version. When
// summary is empty and a previous version exists, a summary is generated
// from the diff against the latest version.
func (v *Versioner) CreateVersion(ctx context.Context, e *knowledge.Entity, changedBy, summary string) (*knowledge.VersionRecord, error) {
	existing, err := v.store.ListVersions(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	next := len(existing) + 1

	if summary == "" {
		if len(existing) > 0 {
			// ListVersions is newest-first.
			summary = summarizeChange(existing[0], e)
		} else {
			summary = "Initial version"
		}
	}
	if changedBy == "" {
		changedBy = "system"
	}

	rec := &knowledge.VersionRecord{
		VersionID:        uuid.NewString(),
		EntityID:         e.ID,
		VersionNumber:    next,
		ContentSnapshot:  e.Content.Clone(),
		MetadataSnapshot: metadataSnapshot(e),
		ChangeSummary:    summary,
		ChangedBy:        changedBy,
		CreatedAt:        knowledge.NowUTC(),
	}
	if err := v.store.AppendVersion(ctx, rec); err != nil {
		return nil, err
	}
	log.Debug().
		Str("entity_id", e.ID).
		Int("version", next).
		Str("changed_by", changedBy).
		Msg("version appended")
	return rec, nil
}

// History returns the entity's versions newest-first.
func (v *Versioner) History(ctx context.Context, entityID string) ([]*knowledge.VersionRecord, error) {
	return v.store.ListVersions(ctx, entityID)
}

// Rollback restores the entity to the state captured at targetVersion. The
// restored state is written as a fresh entity revision and recorded as a
// new version row, so the rollback itself is visible in history.
func (v *Versioner) Rollback(ctx context.Context, entityID string, targetVersion int) (*knowledge.Entity, error) {
	target, err := v.store.GetVersion(ctx, entityID, targetVersion)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("version %d of entity %s: %w", targetVersion, entityID, store.ErrNotFound)
	}

	current, err := v.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, store.ErrNotFound)
	}
	fromVersion := current.Version

	restored := current.Clone()
	applyMetadataSnapshot(restored, target.MetadataSnapshot)
	restored.Content = target.ContentSnapshot.Clone()
	if restored.Metadata == nil {
		restored.Metadata = map[string]any{}
	}
	restored.Metadata["rolled_back_from"] = fromVersion
	restored.Metadata["rolled_back_to"] = targetVersion
	restored.Metadata["rolled_back_at"] = knowledge.NowUTC().Format(time.RFC3339)
	restored.Version = current.Version + 1

	if err := v.store.UpdateEntity(ctx, restored); err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("Rolled back from version %d to version %d", fromVersion, targetVersion)
	if _, err := v.CreateVersion(ctx, restored, "system", summary); err != nil {
		return nil, err
	}

	log.Info().
		Str("entity_id", entityID).
		Int("from", fromVersion).
		Int("to", targetVersion).
		Msg("entity rolled back")
	return restored, nil
}

// Comparison is the result of comparing two versions of one entity.
type Comparison struct {
	EntityID     string                `json:"entity_id"`
	Version1     int                   `json:"version_1"`
	Version2     int                   `json:"version_2"`
	CreatedAt1   time.Time             `json:"created_at_1"`
	CreatedAt2   time.Time             `json:"created_at_2"`
	ContentDiff  knowledge.ContentDiff `json:"content_diff"`
	MetadataDiff knowledge.ContentDiff `json:"metadata_diff"`
}

// Compare diffs two versions of the entity.
func (v *Versioner) Compare(ctx context.Context, entityID string, v1, v2 int) (*Comparison, error) {
	a, err := v.store.GetVersion(ctx, entityID, v1)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("version %d of entity %s: %w", v1, entityID, store.ErrNotFound)
	}
	b, err := v.store.GetVersion(ctx, entityID, v2)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("version %d of entity %s: %w", v2, entityID, store.ErrNotFound)
	}

	return &Comparison{
		EntityID:     entityID,
		Version1:     v1,
		Version2:     v2,
		CreatedAt1:   a.CreatedAt,
		CreatedAt2:   b.CreatedAt,
		ContentDiff:  a.ContentSnapshot.Diff(b.ContentSnapshot),
		MetadataDiff: knowledge.Content(a.MetadataSnapshot).Diff(knowledge.Content(b.MetadataSnapshot)),
	}, nil
}

// metadataSnapshot captures the classification-bearing fields alongside
// the content snapshot.
func metadataSnapshot(e *knowledge.Entity) map[string]any {
	return map[string]any{
		"name":            e.Name,
		"category":        e.Category,
		"classification":  string(e.Classification),
		"priority":        int(e.Priority),
		"is_foundational": e.IsFoundational,
	}
}

func applyMetadataSnapshot(e *knowledge.Entity, snap map[string]any) {
	if v, ok := snap["name"].(string); ok {
		e.Name = v
	}
	if v, ok := snap["category"].(string); ok {
		e.Category = v
	}
	if v, ok := snap["classification"].(string); ok {
		e.Classification = knowledge.Classification(v)
	}
	switch v := snap["priority"].(type) {
	case int:
		e.Priority = knowledge.Priority(v)
	case float64: // JSON round-trip
		e.Priority = knowledge.Priority(int(v))
	}
	if v, ok := snap["is_foundational"].(bool); ok {
		e.IsFoundational = v
	}
}

// summarizeChange describes the delta between the latest version and the
// new snapshot as a short semicolon-joined sentence.
func summarizeChange(latest *knowledge.VersionRecord, e *knowledge.Entity) string {
	var parts []string

	diff := latest.ContentSnapshot.Diff(e.Content)
	if n := len(diff.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("added %d content field(s): %s", n, strings.Join(diff.Added, ", ")))
	}
	if n := len(diff.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("removed %d content field(s): %s", n, strings.Join(diff.Removed, ", ")))
	}
	if n := len(diff.Modified); n > 0 {
		parts = append(parts, fmt.Sprintf("modified %d content field(s): %s", n, strings.Join(diff.Modified, ", ")))
	}

	if prev, ok := latest.MetadataSnapshot["classification"].(string); ok && prev != string(e.Classification) {
		parts = append(parts, fmt.Sprintf("classification changed from %s to %s", prev, e.Classification))
	}
	prevPrio := -1
	switch v := latest.MetadataSnapshot["priority"].(type) {
	case int:
		prevPrio = v
	case float64:
		prevPrio = int(v)
	}
	if prevPrio >= 0 && prevPrio != int(e.Priority) {
		parts = append(parts, fmt.Sprintf("priority changed from %d to %d", prevPrio, int(e.Priority)))
	}

	if len(parts) == 0 {
		return "No changes detected"
	}
	return strings.Join(parts, "; ")
}
