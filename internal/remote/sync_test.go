package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payready/knowledge-api/internal/cache"
	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/manager"
	"github.com/payready/knowledge-api/internal/store"
	"github.com/payready/knowledge-api/internal/store/sqlite"
	"github.com/payready/knowledge-api/internal/versioner"
)

// fakeBase is an in-memory Airtable stand-in.
type fakeBase struct {
	mu      sync.Mutex
	tables  map[string][]Record
	created []Record
	fail    int // respond 503 this many times before recovering
}

func (f *fakeBase) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.fail > 0 {
			f.fail--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		// Paths look like /base-id/Table or /base-id/Table/recID.
		switch r.Method {
		case http.MethodGet:
			table := filepath.Base(r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{"records": f.tables[table]})
		case http.MethodPost:
			var body struct {
				Fields map[string]any `json:"fields"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			rec := Record{ID: "rec-new-1", CreatedTime: time.Now(), Fields: body.Fields}
			f.created = append(f.created, rec)
			_ = json.NewEncoder(w).Encode(rec)
		case http.MethodPatch:
			var body struct {
				Fields map[string]any `json:"fields"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_ = json.NewEncoder(w).Encode(Record{ID: filepath.Base(r.URL.Path), Fields: body.Fields})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func record(id, name string, priority int, modified time.Time) Record {
	return Record{
		ID:          id,
		CreatedTime: modified,
		Fields: map[string]any{
			"Name":          name,
			"Category":      "strategy",
			"Priority":      priority,
			"Summary":       "summary of " + name,
			"Last Modified": modified.UTC().Format(time.RFC3339),
		},
	}
}

func setupSync(t *testing.T, base *fakeBase) (*Syncer, *manager.Manager, store.Store) {
	t.Helper()
	srv := httptest.NewServer(base.handler(t))
	t.Cleanup(srv.Close)

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr := manager.New(st, versioner.New(st), cache.NewMemory(), 0)
	client := NewClient("test-key", "base-id", srv.URL)
	tables := []TableConfig{
		{Name: "StrategicKnowledge", Tier: knowledge.ClassificationFoundational},
		{Name: "StrategicInitiatives", Tier: knowledge.ClassificationStrategic},
	}
	return NewSyncer(client, mgr, st, tables, knowledge.StrategyAuto), mgr, st
}

func TestFullSyncCreatesEntities(t *testing.T) {
	now := time.Now().UTC()
	base := &fakeBase{tables: map[string][]Record{
		"StrategicKnowledge":   {record("rec-1", "Mission", 5, now)},
		"StrategicInitiatives": {record("rec-2", "Expansion plan", 3, now)},
	}}
	syncer, mgr, _ := setupSync(t, base)
	ctx := context.Background()

	op, err := syncer.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, knowledge.SyncStatusCompleted, op.Status)
	assert.Equal(t, 2, op.RecordsProcessed)
	assert.Equal(t, 0, op.ConflictsDetected)
	require.NotNil(t, op.CompletedAt)

	e, err := mgr.Get(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Mission", e.Name)
	assert.Equal(t, knowledge.ClassificationFoundational, e.Classification)
	assert.Equal(t, knowledge.PriorityCritical, e.Priority)
	assert.Equal(t, SourceName, e.Source)
	require.NotNil(t, e.SourceID)
	assert.Equal(t, "rec-1", *e.SourceID)
	assert.Equal(t, "summary of Mission", e.Content["summary"])

	e2, err := mgr.Get(ctx, "rec-2")
	require.NoError(t, err)
	require.NotNil(t, e2)
	assert.Equal(t, knowledge.ClassificationStrategic, e2.Classification)
	// Remote Priority 3 maps to Medium, then the foundational floor lifts
	// it to High because strategic rows carry the foundational flag.
	assert.Equal(t, knowledge.PriorityHigh, e2.Priority)
}

func TestIncrementalSyncSkipsUnmodifiedRows(t *testing.T) {
	now := time.Now().UTC()
	base := &fakeBase{tables: map[string][]Record{
		"StrategicKnowledge": {
			record("rec-old", "Stale", 4, now.Add(-2*time.Hour)),
			record("rec-new", "Fresh", 4, now),
		},
		"StrategicInitiatives": {},
	}}
	syncer, mgr, _ := setupSync(t, base)
	ctx := context.Background()

	op, err := syncer.IncrementalSync(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, op.RecordsProcessed)

	stale, err := mgr.Get(ctx, "rec-old")
	require.NoError(t, err)
	assert.Nil(t, stale)
	fresh, err := mgr.Get(ctx, "rec-new")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}

func TestSyncDetectsConflictForNewerLocal(t *testing.T) {
	remoteModified := time.Now().UTC().Add(-time.Hour)
	base := &fakeBase{tables: map[string][]Record{
		"StrategicKnowledge":   {record("rec-1", "Mission", 5, remoteModified)},
		"StrategicInitiatives": {},
	}}
	syncer, mgr, _ := setupSync(t, base)
	ctx := context.Background()

	// Local copy edited after the remote row's modification time.
	local := &knowledge.Entity{
		ID:             "rec-1",
		Name:           "Mission (local edit)",
		Category:       "company_overview",
		Classification: knowledge.ClassificationFoundational,
		Content:        knowledge.Content{"mission": "local truth"},
	}
	created, err := mgr.Create(ctx, local, "tester")
	require.NoError(t, err)

	op, err := syncer.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, op.ConflictsDetected)

	// Both snapshots are foundational, so the auto strategy merges and the
	// content change versions the entity.
	current, err := mgr.Get(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.GreaterOrEqual(t, current.Version, created.Version)
}

func TestFullSyncFailsWhenAllTablesFail(t *testing.T) {
	shortRetries(t)
	base := &fakeBase{fail: 100, tables: map[string][]Record{}}
	syncer, _, st := setupSync(t, base)

	op, err := syncer.FullSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, knowledge.SyncStatusFailed, op.Status)

	ops, err := st.ListSyncOperations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, knowledge.SyncStatusFailed, ops[0].Status)
}

func TestPushCreatesRemoteRowAndCapturesSourceID(t *testing.T) {
	base := &fakeBase{tables: map[string][]Record{}}
	syncer, mgr, _ := setupSync(t, base)
	ctx := context.Background()

	e, err := mgr.Create(ctx, &knowledge.Entity{
		Name:           "Board update",
		Category:       "strategy",
		Classification: knowledge.ClassificationStrategic,
		Content:        knowledge.Content{"summary": "quarterly numbers"},
	}, "tester")
	require.NoError(t, err)
	require.Nil(t, e.SourceID)

	require.NoError(t, syncer.Push(ctx, e))
	require.NotNil(t, e.SourceID)
	assert.Equal(t, "rec-new-1", *e.SourceID)

	persisted, err := mgr.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted.SourceID)
	assert.Equal(t, "rec-new-1", *persisted.SourceID)

	require.Len(t, base.created, 1)
	assert.Equal(t, "Board update", base.created[0].Fields["Name"])
}
