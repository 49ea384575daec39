package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntity(id string) *knowledge.Entity {
	now := knowledge.NowUTC()
	return &knowledge.Entity{
		ID:             id,
		Name:           "Pay Ready Mission",
		Category:       "company_overview",
		Classification: knowledge.ClassificationFoundational,
		Priority:       knowledge.PriorityCritical,
		Content:        knowledge.Content{"mission": "resident engagement", "scale": "$20B+"},
		Metadata:       map[string]any{"origin": "test"},
		Source:         "manual",
		IsActive:       true,
		IsFoundational: true,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestEntityRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := testEntity("ent-1")
	require.NoError(t, s.CreateEntity(ctx, e))

	got, err := s.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.Name, got.Name)
	assert.Equal(t, e.Classification, got.Classification)
	assert.Equal(t, e.Priority, got.Priority)
	assert.True(t, e.Content.Equal(got.Content))
	assert.True(t, got.IsActive)
	assert.True(t, got.IsFoundational)
	assert.Equal(t, 1, got.Version)
}

func TestGetEntityAbsentReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetEntity(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateEntityDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, testEntity("dup")))
	err := s.CreateEntity(ctx, testEntity("dup"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestUpdateEntityAdvancesUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := testEntity("ent-2")
	require.NoError(t, s.CreateEntity(ctx, e))
	before := e.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	e.Name = "Renamed"
	require.NoError(t, s.UpdateEntity(ctx, e))
	assert.True(t, e.UpdatedAt.After(before))

	got, err := s.GetEntity(ctx, "ent-2")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestUpdateEntityMissing(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateEntity(context.Background(), testEntity("ghost"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteEntityCascadesVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := testEntity("ent-3")
	require.NoError(t, s.CreateEntity(ctx, e))
	require.NoError(t, s.AppendVersion(ctx, &knowledge.VersionRecord{
		VersionID:       "v-1",
		EntityID:        "ent-3",
		VersionNumber:   1,
		ContentSnapshot: e.Content,
		CreatedAt:       knowledge.NowUTC(),
	}))

	deleted, err := s.DeleteEntity(ctx, "ent-3")
	require.NoError(t, err)
	assert.True(t, deleted)

	versions, err := s.ListVersions(ctx, "ent-3")
	require.NoError(t, err)
	assert.Empty(t, versions)

	deleted, err = s.DeleteEntity(ctx, "ent-3")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListEntitiesFilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	high := testEntity("high")
	high.Priority = knowledge.PriorityCritical
	low := testEntity("low")
	low.Name = "Ops runbook"
	low.Classification = knowledge.ClassificationOperational
	low.IsFoundational = false
	low.Priority = knowledge.PriorityLow
	inactive := testEntity("inactive")
	inactive.IsActive = false

	for _, e := range []*knowledge.Entity{low, high, inactive} {
		require.NoError(t, s.CreateEntity(ctx, e))
	}

	cls := knowledge.ClassificationFoundational
	active := true
	got, err := s.ListEntities(ctx, store.Filter{Classification: &cls, IsActive: &active})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "high", got[0].ID)

	all, err := s.ListEntities(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// priority DESC ordering
	assert.Equal(t, knowledge.PriorityCritical, all[0].Priority)
	assert.Equal(t, knowledge.PriorityLow, all[2].Priority)
}

func TestSearchEntitiesMatchesNameAndContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	byName := testEntity("by-name")
	byName.Name = "Acquisition Playbook"
	byContent := testEntity("by-content")
	byContent.Name = "Other"
	byContent.Content = knowledge.Content{"summary": "acquisition targets for 2026"}
	inactive := testEntity("inactive")
	inactive.Name = "Acquisition History"
	inactive.IsActive = false

	for _, e := range []*knowledge.Entity{byName, byContent, inactive} {
		require.NoError(t, s.CreateEntity(ctx, e))
	}

	got, err := s.SearchEntities(ctx, "ACQUISITION")
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"by-name", "by-content"}, ids)
}

func TestStatistics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testEntity("a")
	b := testEntity("b")
	b.Classification = knowledge.ClassificationOperational
	b.Priority = knowledge.PriorityMedium
	b.IsFoundational = false
	b.IsActive = false
	require.NoError(t, s.CreateEntity(ctx, a))
	require.NoError(t, s.CreateEntity(ctx, b))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Inactive)
	assert.Equal(t, 1, stats.ByClassification["foundational"])
	assert.Equal(t, 1, stats.ByClassification["operational"])
	assert.Equal(t, 1, stats.ByPriority["critical"])
	assert.Equal(t, 1, stats.ByPriority["medium"])
}

func TestVersionLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := testEntity("ent-v")
	require.NoError(t, s.CreateEntity(ctx, e))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendVersion(ctx, &knowledge.VersionRecord{
			VersionID:       "v-" + string(rune('0'+i)),
			EntityID:        "ent-v",
			VersionNumber:   i,
			ContentSnapshot: knowledge.Content{"rev": i},
			ChangedBy:       "test",
			CreatedAt:       knowledge.NowUTC(),
		}))
	}

	// Duplicate version number rejected.
	err := s.AppendVersion(ctx, &knowledge.VersionRecord{
		VersionID:     "v-dup",
		EntityID:      "ent-v",
		VersionNumber: 2,
		CreatedAt:     knowledge.NowUTC(),
	})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	versions, err := s.ListVersions(ctx, "ent-v")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].VersionNumber) // newest first
	assert.Equal(t, 1, versions[2].VersionNumber)

	v2, err := s.GetVersion(ctx, "ent-v", 2)
	require.NoError(t, err)
	require.NotNil(t, v2)
	assert.True(t, knowledge.Content{"rev": 2}.Equal(v2.ContentSnapshot))

	missing, err := s.GetVersion(ctx, "ent-v", 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSyncOperationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	op := &knowledge.SyncOperation{
		ID:        "op-1",
		Kind:      knowledge.SyncKindFull,
		Source:    "airtable",
		Status:    knowledge.SyncStatusInProgress,
		StartedAt: knowledge.NowUTC(),
	}
	require.NoError(t, s.CreateSyncOperation(ctx, op))

	done := knowledge.NowUTC()
	op.Status = knowledge.SyncStatusCompleted
	op.CompletedAt = &done
	op.RecordsProcessed = 7
	require.NoError(t, s.UpdateSyncOperation(ctx, op))

	ops, err := s.ListSyncOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, knowledge.SyncStatusCompleted, ops[0].Status)
	assert.Equal(t, 7, ops[0].RecordsProcessed)
	require.NotNil(t, ops[0].CompletedAt)
}

func TestSyncConflictLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &knowledge.SyncConflict{
		ID:               "conf-1",
		EntityID:         "ent-1",
		SyncOperationID:  "op-1",
		LocalSnapshot:    testEntity("ent-1"),
		RemoteSnapshot:   testEntity("ent-1"),
		ConflictType:     knowledge.ConflictContent,
		ResolutionStatus: knowledge.ResolutionPending,
		CreatedAt:        knowledge.NowUTC(),
	}
	require.NoError(t, s.CreateSyncConflict(ctx, c))

	now := knowledge.NowUTC()
	c.ResolutionStatus = knowledge.ResolutionAutoResolved
	c.ResolvedBy = "system"
	c.ResolvedAt = &now
	require.NoError(t, s.UpdateSyncConflict(ctx, c))

	c.ID = "ghost"
	assert.ErrorIs(t, s.UpdateSyncConflict(ctx, c), store.ErrNotFound)
}
