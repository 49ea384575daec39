package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payready/knowledge-api/internal/auth"
	"github.com/payready/knowledge-api/internal/cache"
	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/manager"
	"github.com/payready/knowledge-api/internal/scheduler"
	"github.com/payready/knowledge-api/internal/store"
	"github.com/payready/knowledge-api/internal/store/sqlite"
	"github.com/payready/knowledge-api/internal/versioner"
)

const adminToken = "admintok"

// fakeSyncRunner satisfies scheduler.Runner with instant completions,
// persisting the operation row the way the real syncer does.
type fakeSyncRunner struct {
	st store.Store
}

func (f fakeSyncRunner) run(ctx context.Context, kind knowledge.SyncKind) (*knowledge.SyncOperation, error) {
	now := knowledge.NowUTC()
	op := &knowledge.SyncOperation{
		ID:          uuid.NewString(),
		Kind:        kind,
		Source:      "airtable",
		Status:      knowledge.SyncStatusCompleted,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if err := f.st.CreateSyncOperation(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (f fakeSyncRunner) FullSync(ctx context.Context) (*knowledge.SyncOperation, error) {
	return f.run(ctx, knowledge.SyncKindFull)
}

func (f fakeSyncRunner) IncrementalSync(ctx context.Context, _ time.Time) (*knowledge.SyncOperation, error) {
	return f.run(ctx, knowledge.SyncKindIncremental)
}

func newTestServer(t *testing.T) (http.Handler, *manager.Manager) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr := manager.New(st, versioner.New(st), cache.NewMemory(), 0)
	sched := scheduler.New(fakeSyncRunner{st: st}, mgr, scheduler.Config{})
	srv := &Server{
		Manager:   mgr,
		Scheduler: sched,
		Auth:      auth.Config{HS256Secret: "test-secret", AdminToken: adminToken, DevMode: true},
	}
	return srv.Routes(), mgr
}

type call struct {
	method, path string
	body         any
	asUser       string // X-Debug-Sub
	asAdmin      bool
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	r := httptest.NewRequest(c.method, c.path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if c.asUser != "" {
		r.Header.Set("X-Debug-Sub", c.asUser)
	}
	if c.asAdmin {
		r.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func missionPayload() map[string]any {
	return map[string]any{
		"name":     "Pay Ready Mission",
		"category": "company_overview",
		"content": map[string]any{
			"mission": "AI-first resident engagement platform",
			"scale":   "$20B+",
		},
	}
}

func TestCreateRequiresAuthentication(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/", body: missionPayload()})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndGetFlow(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/", body: missionPayload(), asUser: "ceo"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created knowledge.Entity
	decode(t, rec, &created)
	assert.Equal(t, knowledge.ClassificationFoundational, created.Classification)
	assert.True(t, created.IsFoundational)
	assert.Equal(t, 1, created.Version)
	require.NotEmpty(t, created.ID)

	// Reads are open to anonymous callers.
	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/" + created.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var got knowledge.Entity
	decode(t, rec, &got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Pay Ready Mission", got.Name)
}

func TestCreateValidation(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/",
		body: map[string]any{"category": "x"}, asUser: "u"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "name is required")

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/",
		body: map[string]any{"name": "x", "classification": "bogus"}, asUser: "u"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid classification")

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/",
		body: map[string]any{"name": "x", "priority": 9}, asUser: "u"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMissingEntity(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, call{method: http.MethodGet, path: "/api/knowledge/ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "entity not found")
}

func TestUpdatePatchesAndVersions(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/", body: missionPayload(), asUser: "u"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created knowledge.Entity
	decode(t, rec, &created)

	rec = do(t, h, call{method: http.MethodPut, path: "/api/knowledge/" + created.ID,
		body: map[string]any{"content": map[string]any{
			"mission": "AI-first resident engagement platform",
			"scale":   "$20B+",
			"markets": 50,
		}}, asUser: "u"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated knowledge.Entity
	decode(t, rec, &updated)
	assert.Equal(t, 2, updated.Version)

	rec = do(t, h, call{method: http.MethodPut, path: "/api/knowledge/" + created.ID,
		body: map[string]any{"classification": "bogus"}, asUser: "u"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodPut, path: "/api/knowledge/ghost",
		body: map[string]any{"name": "x"}, asUser: "u"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteIsAdminOnly(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/", body: missionPayload(), asUser: "u"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created knowledge.Entity
	decode(t, rec, &created)

	// Anonymous callers get 401; authenticated non-admins get 403.
	rec = do(t, h, call{method: http.MethodDelete, path: "/api/knowledge/" + created.ID})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, call{method: http.MethodDelete, path: "/api/knowledge/" + created.ID, asUser: "u"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, call{method: http.MethodDelete, path: "/api/knowledge/" + created.ID, asAdmin: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/" + created.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVersionListRestoreAndCompare(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/", body: missionPayload(), asUser: "u"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created knowledge.Entity
	decode(t, rec, &created)

	rec = do(t, h, call{method: http.MethodPut, path: "/api/knowledge/" + created.ID,
		body: map[string]any{"content": map[string]any{"mission": "pivot to payments"}}, asUser: "u"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/" + created.ID + "/versions"})
	require.Equal(t, http.StatusOK, rec.Code)
	var versions struct {
		EntityID string                     `json:"entity_id"`
		Versions []*knowledge.VersionRecord `json:"versions"`
		Count    int                        `json:"count"`
	}
	decode(t, rec, &versions)
	require.Equal(t, 2, versions.Count)
	assert.Equal(t, 2, versions.Versions[0].VersionNumber, "newest first")

	rec = do(t, h, call{method: http.MethodGet,
		path: "/api/knowledge/" + created.ID + "/compare?v1=1&v2=2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mission")

	rec = do(t, h, call{method: http.MethodGet,
		path: "/api/knowledge/" + created.ID + "/compare?v1=0&v2=2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Restore is admin-only and appends a version rather than rewinding.
	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/" + created.ID + "/restore",
		body: map[string]any{"version_number": 1}, asUser: "u"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/" + created.ID + "/restore",
		body: map[string]any{"version_number": 1}, asAdmin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var restored knowledge.Entity
	decode(t, rec, &restored)
	assert.Equal(t, 3, restored.Version)
	assert.Equal(t, "$20B+", restored.Content["scale"])

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/" + created.ID + "/restore",
		body: map[string]any{"version_number": 0}, asAdmin: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/ghost/restore",
		body: map[string]any{"version_number": 1}, asAdmin: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAndSearch(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/", body: missionPayload(), asUser: "u"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/?classification=foundational"})
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []*knowledge.Entity `json:"items"`
		Count int                 `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/?classification=bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/search"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/search?query=mission"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/foundational"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)
}

func TestStatisticsAndContext(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/", body: missionPayload(), asUser: "u"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/statistics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sync_health":"healthy"`)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/context"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	decode(t, rec, &out)
	assert.EqualValues(t, 1, out["total"])
}

func TestSyncEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodGet, path: "/api/knowledge/sync/status", asUser: "u"})
	require.Equal(t, http.StatusOK, rec.Code)
	var status scheduler.Status
	decode(t, rec, &status)
	assert.Equal(t, scheduler.HealthHealthy, status.SyncHealth)

	// Trigger needs admin.
	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/sync/trigger",
		body: map[string]any{"sync_type": "full"}, asUser: "u"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/sync/trigger",
		body: map[string]any{"sync_type": "full"}, asAdmin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sync completed")

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/sync/trigger",
		body: map[string]any{"sync_type": "weekly"}, asAdmin: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/knowledge/sync/history", asUser: "u"})
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Count int `json:"count"`
	}
	decode(t, rec, &history)
	assert.Equal(t, 1, history.Count)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/sync/resume", asAdmin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler resumed")
}

func TestBatchEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/knowledge/batch/create",
		body: []map[string]any{
			missionPayload(),
			{"category": "broken"}, // missing name
		}, asUser: "u"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Results []batchResult `json:"results"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Success)
	require.NotEmpty(t, out.Results[0].ID)
	assert.False(t, out.Results[1].Success)
	assert.Equal(t, "name is required", out.Results[1].Error)

	id := out.Results[0].ID
	rec = do(t, h, call{method: http.MethodPut, path: "/api/knowledge/batch/update",
		body: []map[string]any{
			{"id": id, "name": "Renamed"},
			{"id": "ghost", "name": "x"},
		}, asUser: "u"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &out)
	assert.True(t, out.Results[0].Success)
	assert.False(t, out.Results[1].Success)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/batch/delete",
		body: []string{id, "ghost"}, asUser: "u"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/batch/delete",
		body: []string{id, "ghost"}, asAdmin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &out)
	assert.True(t, out.Results[0].Success)
	assert.False(t, out.Results[1].Success)

	rec = do(t, h, call{method: http.MethodPost, path: "/api/knowledge/batch/create",
		body: []map[string]any{}, asUser: "u"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, h, call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}
