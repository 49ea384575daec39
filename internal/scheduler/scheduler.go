// Package scheduler runs the background sync jobs: incremental sync on a
// fixed interval, full sync on a cron expression, and daily history
// cleanup. Sync runs are single-flight, and repeated failures trip a
// circuit breaker that pauses the scheduled jobs until resumed.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/manager"
)

// ErrSyncInProgress is returned by TriggerManual when a run is active.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrPaused is returned when the circuit breaker has tripped.
var ErrPaused = errors.New("scheduler paused after repeated failures")

// Misfire grace windows. A trigger missed while paused or busy runs on
// resume if it is still within grace; past grace it waits for the next
// regular fire.
const (
	incrementalGrace = 5 * time.Minute
	fullGrace        = time.Hour
)

// historyRetention and historyCap bound the in-memory run history.
const (
	historyRetention = 7 * 24 * time.Hour
	historyCap       = 100
)

// syncTimeout bounds one sync run end to end.
const syncTimeout = 10 * time.Minute

// Runner is the sync engine surface the scheduler drives.
type Runner interface {
	FullSync(ctx context.Context) (*knowledge.SyncOperation, error)
	IncrementalSync(ctx context.Context, since time.Time) (*knowledge.SyncOperation, error)
}

// Config carries the scheduler knobs.
type Config struct {
	Interval               time.Duration // incremental cadence
	FullSyncCron           string        // cron spec for the daily full sync
	MaxConsecutiveFailures int
	AutoSyncEnabled        bool
}

// Health is the derived scheduler health state.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Status is the externally visible scheduler state.
type Status struct {
	Running             bool                     `json:"running"`
	Paused              bool                     `json:"paused"`
	SyncInProgress      bool                     `json:"sync_in_progress"`
	SyncHealth          Health                   `json:"sync_health"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	LastSyncTime        *time.Time               `json:"last_sync_time,omitempty"`
	LastSyncResult      *knowledge.SyncOperation `json:"last_sync_result,omitempty"`
	AutoSyncEnabled     bool                     `json:"auto_sync_enabled"`
}

// Scheduler owns the background task loop.
type Scheduler struct {
	runner  Runner
	manager *manager.Manager
	cfg     Config

	cron    *cron.Cron
	stop    chan struct{}
	done    chan struct{}
	fullReq chan struct{}

	mu                  sync.Mutex
	running             bool
	paused              bool
	syncing             bool
	consecutiveFailures int
	lastSyncTime        *time.Time
	lastSyncResult      *knowledge.SyncOperation
	history             []*knowledge.SyncOperation
	missedIncremental   *time.Time
	missedFull          *time.Time
}

// New builds a stopped scheduler.
func New(r Runner, m *manager.Manager, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.FullSyncCron == "" {
		cfg.FullSyncCron = "0 2 * * *"
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	return &Scheduler{
		runner:  r,
		manager: m,
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		fullReq: make(chan struct{}, 1),
	}
}

// Start launches the task loop and the cron trigger, then kicks off the
// initial sync: full when the store is empty, incremental otherwise.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.FullSyncCron, func() {
		select {
		case s.fullReq <- struct{}{}:
		default: // a full sync request is already queued
		}
	}); err != nil {
		return err
	}

	go s.loop()
	if s.cfg.AutoSyncEnabled {
		s.cron.Start()
	}

	go s.initialSync(ctx)
	log.Info().
		Dur("interval", s.cfg.Interval).
		Str("full_sync_cron", s.cfg.FullSyncCron).
		Bool("auto_sync", s.cfg.AutoSyncEnabled).
		Msg("scheduler started")
	return nil
}

func (s *Scheduler) initialSync(ctx context.Context) {
	count, err := s.manager.CountEntities(ctx)
	if err != nil {
		log.Error().Err(err).Msg("initial sync skipped: count failed")
		return
	}
	kind := knowledge.SyncKindIncremental
	if count == 0 {
		kind = knowledge.SyncKindFull
	}
	if _, err := s.runScheduled(kind); err != nil &&
		!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrPaused) {
		log.Error().Err(err).Str("kind", string(kind)).Msg("initial sync failed")
	}
}

// loop is the single task loop all scheduled work funnels through.
func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.cfg.AutoSyncEnabled {
				continue
			}
			if _, err := s.runScheduled(knowledge.SyncKindIncremental); err != nil {
				s.noteSkip(knowledge.SyncKindIncremental, err)
			}
		case <-s.fullReq:
			if _, err := s.runScheduled(knowledge.SyncKindFull); err != nil {
				s.noteSkip(knowledge.SyncKindFull, err)
			}
		case <-cleanup.C:
			s.cleanupHistory()
		}
	}
}

// noteSkip records a trigger missed while paused so Resume can apply the
// misfire grace. Coalesced (busy) triggers are just logged.
func (s *Scheduler) noteSkip(kind knowledge.SyncKind, err error) {
	if errors.Is(err, ErrPaused) {
		now := time.Now()
		s.mu.Lock()
		if kind == knowledge.SyncKindFull {
			s.missedFull = &now
		} else {
			s.missedIncremental = &now
		}
		s.mu.Unlock()
	}
	log.Debug().Err(err).Str("kind", string(kind)).Msg("scheduled sync skipped")
}

// runScheduled is the single-flight gate for scheduler-originated runs.
func (s *Scheduler) runScheduled(kind knowledge.SyncKind) (*knowledge.SyncOperation, error) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return nil, ErrPaused
	}
	if s.syncing {
		s.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	s.syncing = true
	s.mu.Unlock()

	return s.execute(kind)
}

// TriggerManual runs the requested sync synchronously. Allowed even when
// the scheduled jobs are paused.
func (s *Scheduler) TriggerManual(kind knowledge.SyncKind) (*knowledge.SyncOperation, error) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	s.syncing = true
	s.mu.Unlock()

	return s.execute(kind)
}

// execute runs one sync with the syncing flag held, then records the
// outcome and advances the circuit breaker.
func (s *Scheduler) execute(kind knowledge.SyncKind) (*knowledge.SyncOperation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	var op *knowledge.SyncOperation
	var err error
	if kind == knowledge.SyncKindFull {
		op, err = s.runner.FullSync(ctx)
	} else {
		op, err = s.runner.IncrementalSync(ctx, s.sinceForIncremental(ctx))
	}

	now := time.Now().UTC()
	failed := err != nil || (op != nil && op.Status != knowledge.SyncStatusCompleted)

	s.mu.Lock()
	s.syncing = false
	s.lastSyncTime = &now
	if op != nil {
		s.lastSyncResult = op
		s.history = append(s.history, op)
		if len(s.history) > historyCap {
			s.history = s.history[len(s.history)-historyCap:]
		}
	}
	if failed {
		s.consecutiveFailures++
		if s.consecutiveFailures >= s.cfg.MaxConsecutiveFailures && !s.paused {
			s.paused = true
			log.Error().
				Int("consecutive_failures", s.consecutiveFailures).
				Msg("scheduler paused: circuit breaker tripped")
		}
	} else {
		s.consecutiveFailures = 0
	}
	s.mu.Unlock()

	return op, err
}

// sinceForIncremental is the last successful completion. When this
// process has none in memory it consults the persisted operation rows,
// so a restart does not widen the window past completed runs; with no
// record anywhere it falls back one hour.
func (s *Scheduler) sinceForIncremental(ctx context.Context) time.Time {
	s.mu.Lock()
	for i := len(s.history) - 1; i >= 0; i-- {
		op := s.history[i]
		if op.Status == knowledge.SyncStatusCompleted && op.CompletedAt != nil {
			s.mu.Unlock()
			return *op.CompletedAt
		}
	}
	s.mu.Unlock()

	ops, err := s.manager.SyncHistory(ctx, historyCap)
	if err != nil {
		log.Warn().Err(err).Msg("persisted sync history unavailable")
	}
	for _, op := range ops {
		if op.Status == knowledge.SyncStatusCompleted && op.CompletedAt != nil {
			return *op.CompletedAt
		}
	}
	return time.Now().Add(-time.Hour)
}

// Resume re-enables the scheduled jobs and clears the failure counter.
// Triggers missed within their grace window run immediately; the
// foundational cache is refreshed either way.
func (s *Scheduler) Resume(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	s.paused = false
	s.consecutiveFailures = 0
	runFull := s.missedFull != nil && now.Sub(*s.missedFull) <= fullGrace
	runIncremental := !runFull && s.missedIncremental != nil &&
		now.Sub(*s.missedIncremental) <= incrementalGrace
	s.missedFull = nil
	s.missedIncremental = nil
	s.mu.Unlock()

	if err := s.manager.RefreshCache(ctx); err != nil {
		log.Warn().Err(err).Msg("cache refresh after resume failed")
	}

	if runFull {
		select {
		case s.fullReq <- struct{}{}:
		default:
		}
	} else if runIncremental {
		go func() {
			if _, err := s.runScheduled(knowledge.SyncKindIncremental); err != nil {
				log.Debug().Err(err).Msg("post-resume incremental skipped")
			}
		}()
	}
	log.Info().Msg("scheduler resumed")
}

// Status snapshots the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:             s.running,
		Paused:              s.paused,
		SyncInProgress:      s.syncing,
		SyncHealth:          s.healthLocked(),
		ConsecutiveFailures: s.consecutiveFailures,
		LastSyncTime:        s.lastSyncTime,
		LastSyncResult:      s.lastSyncResult,
		AutoSyncEnabled:     s.cfg.AutoSyncEnabled,
	}
}

func (s *Scheduler) healthLocked() Health {
	switch {
	case s.consecutiveFailures == 0:
		return HealthHealthy
	case s.consecutiveFailures < s.cfg.MaxConsecutiveFailures:
		return HealthDegraded
	}
	return HealthCritical
}

// History returns the most recent runs, newest first, capped at limit.
func (s *Scheduler) History(limit int) []*knowledge.SyncOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	n := len(s.history)
	if limit > n {
		limit = n
	}
	out := make([]*knowledge.SyncOperation, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// cleanupHistory drops entries older than the retention window.
func (s *Scheduler) cleanupHistory() {
	cutoff := time.Now().Add(-historyRetention)
	s.mu.Lock()
	kept := s.history[:0]
	for _, op := range s.history {
		if op.StartedAt.After(cutoff) {
			kept = append(kept, op)
		}
	}
	dropped := len(s.history) - len(kept)
	s.history = kept
	s.mu.Unlock()
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("sync history pruned")
	}
}

// Stop halts the task loop and waits for an in-flight sync to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.cron != nil {
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Wait out any sync still running outside the loop (manual trigger).
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		busy := s.syncing
		s.mu.Unlock()
		if !busy {
			log.Info().Msg("scheduler stopped")
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
