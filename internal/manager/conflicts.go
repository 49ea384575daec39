package manager

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/knowledge"
)

// RecordConflict persists a freshly detected conflict row. Persistence
// failures are logged, not returned, so conflict bookkeeping never aborts
// a sync batch.
func (m *Manager) RecordConflict(ctx context.Context, c *knowledge.SyncConflict) {
	if err := m.store.CreateSyncConflict(ctx, c); err != nil {
		log.Error().Err(err).
			Str("entity_id", c.EntityID).
			Msg("failed to persist sync conflict")
	}
}

// HandleSyncConflict settles a conflict per the strategy and updates the
// conflict row. resolvedBy "system" (or empty) marks the resolution as
// automatic; anything else as manual.
//
// local_wins applies no entity write: the local snapshot stays canonical
// and no version is appended. The other strategies write through Update,
// which versions content changes as usual.
func (m *Manager) HandleSyncConflict(ctx context.Context, c *knowledge.SyncConflict, strategy knowledge.ResolutionStrategy, resolvedBy string) error {
	if resolvedBy == "" {
		resolvedBy = "system"
	}

	effective := strategy
	if strategy == knowledge.StrategyAuto {
		effective = autoStrategy(c)
	}

	switch effective {
	case knowledge.StrategyLocalWins:
		// Local stays canonical; nothing to write.

	case knowledge.StrategyRemoteWins:
		remote := c.RemoteSnapshot.Clone()
		remote.Version = 0 // Update derives the real number from current state
		if _, err := m.Update(ctx, remote, resolvedBy); err != nil {
			return fmt.Errorf("apply remote snapshot: %w", err)
		}

	case knowledge.StrategyMerge:
		merged := c.LocalSnapshot.Clone()
		merged.Content = c.LocalSnapshot.Content.Merge(c.RemoteSnapshot.Content)
		if merged.Metadata == nil {
			merged.Metadata = map[string]any{}
		}
		merged.Metadata["conflict_merged"] = true
		merged.SyncedAt = c.RemoteSnapshot.SyncedAt
		if _, err := m.Update(ctx, merged, resolvedBy); err != nil {
			return fmt.Errorf("apply merged snapshot: %w", err)
		}

	default:
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	status := knowledge.ResolutionAutoResolved
	if resolvedBy != "system" {
		status = knowledge.ResolutionManualResolved
	}
	now := knowledge.NowUTC()
	c.ResolutionStatus = status
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	if err := m.store.UpdateSyncConflict(ctx, c); err != nil {
		log.Error().Err(err).
			Str("conflict_id", c.ID).
			Msg("failed to update conflict record")
	}

	log.Info().
		Str("entity_id", c.EntityID).
		Str("strategy", string(effective)).
		Str("status", string(status)).
		Msg("sync conflict resolved")
	return nil
}

// autoStrategy protects foundational content: local wins when only local
// is foundational, remote wins when only remote is, merge otherwise.
func autoStrategy(c *knowledge.SyncConflict) knowledge.ResolutionStrategy {
	localFdn := c.LocalSnapshot != nil && c.LocalSnapshot.IsFoundational
	remoteFdn := c.RemoteSnapshot != nil && c.RemoteSnapshot.IsFoundational
	switch {
	case localFdn && !remoteFdn:
		return knowledge.StrategyLocalWins
	case remoteFdn && !localFdn:
		return knowledge.StrategyRemoteWins
	}
	return knowledge.StrategyMerge
}
