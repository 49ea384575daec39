package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payready/knowledge-api/internal/cache"
	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/manager"
	"github.com/payready/knowledge-api/internal/store"
	"github.com/payready/knowledge-api/internal/store/sqlite"
	"github.com/payready/knowledge-api/internal/versioner"
)

// fakeRunner scripts sync outcomes for the scheduler.
type fakeRunner struct {
	mu        sync.Mutex
	fail      bool
	block     chan struct{} // when set, runs park here until closed
	runs      int
	lastSince time.Time
}

func (f *fakeRunner) run(kind knowledge.SyncKind) (*knowledge.SyncOperation, error) {
	f.mu.Lock()
	fail, block := f.fail, f.block
	f.runs++
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("remote returned 503")
	}
	now := knowledge.NowUTC()
	return &knowledge.SyncOperation{
		ID:          uuid.NewString(),
		Kind:        kind,
		Source:      "airtable",
		Status:      knowledge.SyncStatusCompleted,
		StartedAt:   now,
		CompletedAt: &now,
	}, nil
}

func (f *fakeRunner) FullSync(context.Context) (*knowledge.SyncOperation, error) {
	return f.run(knowledge.SyncKindFull)
}

func (f *fakeRunner) IncrementalSync(_ context.Context, since time.Time) (*knowledge.SyncOperation, error) {
	f.mu.Lock()
	f.lastSince = since
	f.mu.Unlock()
	return f.run(knowledge.SyncKindIncremental)
}

func (f *fakeRunner) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeRunner) since() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSince
}

func testManager(t *testing.T) (*manager.Manager, store.Store) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return manager.New(st, versioner.New(st), cache.NewMemory(), 0), st
}

func TestCircuitBreakAndResume(t *testing.T) {
	runner := &fakeRunner{fail: true}
	mgr, _ := testManager(t)
	s := New(runner, mgr, Config{MaxConsecutiveFailures: 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := s.TriggerManual(knowledge.SyncKindIncremental)
		require.Error(t, err)
	}

	status := s.Status()
	assert.Equal(t, HealthCritical, status.SyncHealth)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.True(t, status.Paused)

	// Scheduled runs are refused while paused.
	_, err := s.runScheduled(knowledge.SyncKindIncremental)
	assert.ErrorIs(t, err, ErrPaused)

	s.Resume(ctx)
	status = s.Status()
	assert.Equal(t, HealthHealthy, status.SyncHealth)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.False(t, status.Paused)

	// A successful sync keeps the counter at zero.
	runner.setFail(false)
	op, err := s.TriggerManual(knowledge.SyncKindFull)
	require.NoError(t, err)
	assert.Equal(t, knowledge.SyncStatusCompleted, op.Status)
	assert.Equal(t, 0, s.Status().ConsecutiveFailures)
}

func TestHealthDegradedBelowThreshold(t *testing.T) {
	runner := &fakeRunner{fail: true}
	mgr, _ := testManager(t)
	s := New(runner, mgr, Config{MaxConsecutiveFailures: 3})

	_, err := s.TriggerManual(knowledge.SyncKindIncremental)
	require.Error(t, err)

	status := s.Status()
	assert.Equal(t, HealthDegraded, status.SyncHealth)
	assert.False(t, status.Paused)
}

func TestSingleFlight(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	mgr, _ := testManager(t)
	s := New(runner, mgr, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.TriggerManual(knowledge.SyncKindFull)
	}()

	// Wait for the first run to start.
	require.Eventually(t, func() bool {
		return s.Status().SyncInProgress
	}, time.Second, 5*time.Millisecond)

	_, err := s.TriggerManual(knowledge.SyncKindIncremental)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	_, err = s.runScheduled(knowledge.SyncKindIncremental)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(block)
	<-done
	assert.False(t, s.Status().SyncInProgress)
}

func TestHistoryNewestFirstAndCapped(t *testing.T) {
	runner := &fakeRunner{}
	mgr, _ := testManager(t)
	s := New(runner, mgr, Config{})

	var last *knowledge.SyncOperation
	for i := 0; i < 5; i++ {
		op, err := s.TriggerManual(knowledge.SyncKindIncremental)
		require.NoError(t, err)
		last = op
	}

	history := s.History(3)
	require.Len(t, history, 3)
	assert.Equal(t, last.ID, history[0].ID, "history must be newest-first")

	all := s.History(0)
	assert.Len(t, all, 5)
}

func TestIncrementalSinceSeededFromPersistedHistory(t *testing.T) {
	mgr, st := testManager(t)
	completed := time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateSyncOperation(context.Background(), &knowledge.SyncOperation{
		ID:          uuid.NewString(),
		Kind:        knowledge.SyncKindIncremental,
		Source:      "airtable",
		Status:      knowledge.SyncStatusCompleted,
		StartedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}))

	runner := &fakeRunner{}
	s := New(runner, mgr, Config{})

	// A fresh process picks up from the persisted completion, not from
	// the one-hour fallback.
	_, err := s.TriggerManual(knowledge.SyncKindIncremental)
	require.NoError(t, err)
	assert.True(t, completed.Equal(runner.since()),
		"since %v should equal the persisted completion %v", runner.since(), completed)

	// Subsequent runs use the in-memory completion from the first run.
	_, err = s.TriggerManual(knowledge.SyncKindIncremental)
	require.NoError(t, err)
	assert.True(t, runner.since().After(completed))
}

func TestStopWaitsForInFlightSync(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	mgr, _ := testManager(t)
	s := New(runner, mgr, Config{AutoSyncEnabled: false, Interval: time.Hour})
	require.NoError(t, s.Start(context.Background()))

	go func() {
		_, _ = s.TriggerManual(knowledge.SyncKindFull)
	}()
	require.Eventually(t, func() bool {
		return s.Status().SyncInProgress
	}, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Status().SyncInProgress)
}
