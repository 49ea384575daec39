package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/manager"
	"github.com/payready/knowledge-api/internal/store"
)

// SyncResult classifies what internal-sync did with one remote row.
type SyncResult string

const (
	ResultCreated  SyncResult = "created"
	ResultUpdated  SyncResult = "updated"
	ResultConflict SyncResult = "conflict"
)

// Syncer drives full and incremental synchronization between the remote
// base and the local store, and pushes local entities outward.
type Syncer struct {
	client   *Client
	manager  *manager.Manager
	store    store.Store
	tables   []TableConfig
	strategy knowledge.ResolutionStrategy
}

// NewSyncer wires the sync engine. strategy selects conflict resolution;
// StrategyAuto is the sensible default.
func NewSyncer(c *Client, m *manager.Manager, s store.Store, tables []TableConfig, strategy knowledge.ResolutionStrategy) *Syncer {
	if strategy == "" {
		strategy = knowledge.StrategyAuto
	}
	return &Syncer{client: c, manager: m, store: s, tables: tables, strategy: strategy}
}

// FullSync pulls every row of every configured table.
func (s *Syncer) FullSync(ctx context.Context) (*knowledge.SyncOperation, error) {
	return s.run(ctx, knowledge.SyncKindFull, time.Time{})
}

// IncrementalSync pulls rows modified after since.
func (s *Syncer) IncrementalSync(ctx context.Context, since time.Time) (*knowledge.SyncOperation, error) {
	return s.run(ctx, knowledge.SyncKindIncremental, since)
}

// run executes one sync pass. Per-row errors are logged and counted but
// never abort the batch; the operation row records the final outcome.
func (s *Syncer) run(ctx context.Context, kind knowledge.SyncKind, since time.Time) (*knowledge.SyncOperation, error) {
	op := &knowledge.SyncOperation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    SourceName,
		Status:    knowledge.SyncStatusInProgress,
		StartedAt: knowledge.NowUTC(),
	}
	if err := s.store.CreateSyncOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("record sync operation: %w", err)
	}

	var processed, conflicts, rowErrors, tableErrors int
	for _, table := range s.tables {
		records, err := s.client.ListRecords(ctx, table.Name)
		if err != nil {
			tableErrors++
			log.Error().Err(err).Str("table", table.Name).Msg("table fetch failed")
			continue
		}
		for _, rec := range records {
			e := entityFromRecord(rec, table)
			if !since.IsZero() && !remoteModifiedAt(rec).After(since) {
				continue
			}
			result, err := s.internalSync(ctx, e, op.ID)
			if err != nil {
				rowErrors++
				log.Error().Err(err).
					Str("table", table.Name).
					Str("record_id", rec.ID).
					Msg("record sync failed")
				continue
			}
			processed++
			if result == ResultConflict {
				conflicts++
			}
		}
	}

	now := knowledge.NowUTC()
	op.CompletedAt = &now
	op.RecordsProcessed = processed
	op.ConflictsDetected = conflicts
	switch {
	case tableErrors == len(s.tables) && len(s.tables) > 0:
		op.Status = knowledge.SyncStatusFailed
		op.ErrorDetails = fmt.Sprintf("all %d table fetches failed", tableErrors)
	case rowErrors > 0 || tableErrors > 0:
		op.Status = knowledge.SyncStatusPartial
		op.ErrorDetails = fmt.Sprintf("%d row error(s), %d table error(s)", rowErrors, tableErrors)
	default:
		op.Status = knowledge.SyncStatusCompleted
	}
	if err := s.store.UpdateSyncOperation(ctx, op); err != nil {
		log.Error().Err(err).Str("sync_op_id", op.ID).Msg("failed to finalize sync operation")
	}

	log.Info().
		Str("kind", string(kind)).
		Str("status", string(op.Status)).
		Int("processed", processed).
		Int("conflicts", conflicts).
		Msg("sync finished")

	if op.Status == knowledge.SyncStatusFailed {
		return op, fmt.Errorf("sync failed: %s", op.ErrorDetails)
	}
	return op, nil
}

// internalSync merges one reconstructed remote entity into the store.
func (s *Syncer) internalSync(ctx context.Context, remote *knowledge.Entity, opID string) (SyncResult, error) {
	local, err := s.manager.Get(ctx, remote.ID)
	if err != nil {
		return "", err
	}

	if local == nil {
		if _, err := s.manager.Create(ctx, remote, "sync"); err != nil {
			return "", err
		}
		return ResultCreated, nil
	}

	if local.UpdatedAt.After(remote.UpdatedAt) {
		conflict := &knowledge.SyncConflict{
			ID:               uuid.NewString(),
			EntityID:         local.ID,
			SyncOperationID:  opID,
			LocalSnapshot:    local,
			RemoteSnapshot:   remote,
			ConflictType:     conflictType(local, remote),
			ResolutionStatus: knowledge.ResolutionPending,
			CreatedAt:        knowledge.NowUTC(),
		}
		s.manager.RecordConflict(ctx, conflict)
		if err := s.manager.HandleSyncConflict(ctx, conflict, s.strategy, "system"); err != nil {
			return "", err
		}
		return ResultConflict, nil
	}

	now := knowledge.NowUTC()
	remote.SyncedAt = &now
	if _, err := s.manager.Update(ctx, remote, "sync"); err != nil {
		return "", err
	}
	return ResultUpdated, nil
}

func conflictType(local, remote *knowledge.Entity) knowledge.ConflictType {
	if local.Classification != remote.Classification {
		return knowledge.ConflictClassification
	}
	if !local.Content.Equal(remote.Content) {
		return knowledge.ConflictContent
	}
	return knowledge.ConflictMetadata
}

// Push writes one local entity to the remote base. New rows capture the
// remote-assigned id into source_id and persist it.
func (s *Syncer) Push(ctx context.Context, e *knowledge.Entity) error {
	table := s.tableFor(e.Classification)
	fields := fieldsFromEntity(e)

	if e.SourceID != nil && *e.SourceID != "" {
		_, err := s.client.UpdateRecord(ctx, table.Name, *e.SourceID, fields)
		return err
	}

	rec, err := s.client.CreateRecord(ctx, table.Name, fields)
	if err != nil {
		return err
	}
	e.SourceID = &rec.ID
	if _, err := s.manager.Update(ctx, e, "sync"); err != nil {
		return fmt.Errorf("persist source_id: %w", err)
	}
	return nil
}

// tableFor picks the first table whose default tier matches; falls back
// to the first configured table.
func (s *Syncer) tableFor(cls knowledge.Classification) TableConfig {
	for _, t := range s.tables {
		if t.Tier == cls {
			return t
		}
	}
	return s.tables[0]
}
