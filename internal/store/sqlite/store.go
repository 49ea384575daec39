// Package sqlite implements the embedded store backend on a single SQLite
// file. Every operation is serialized behind one process-wide mutex, which
// is the single-writer discipline the service assumes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/store"
)

const timeLayout = time.RFC3339Nano

// Store is the SQLite-backed store.Store implementation.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	metrics *store.Metrics
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	// Foreign keys are off by default in SQLite; the version-row cascade
	// on entity delete depends on them.
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// database/sql pooling would defeat the single-writer mutex.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlite store opened")
	return &Store{db: db, metrics: store.NewMetrics()}, nil
}

func (s *Store) observe(query string, start time.Time) {
	s.metrics.Observe(query, time.Since(start))
}

// Metrics returns the query counters.
func (s *Store) Metrics() *store.Metrics { return s.metrics }

// Ping verifies the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate second-precision rows written by older builds.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// CreateEntity inserts an entity row. Returns store.ErrAlreadyExists on id
// collision.
func (s *Store) CreateEntity(ctx context.Context, e *knowledge.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("insert foundational_knowledge", time.Now())

	content, err := marshalJSON(e.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var payCtx *string
	if e.PayReadyContext != nil {
		raw, err := marshalJSON(e.PayReadyContext)
		if err != nil {
			return fmt.Errorf("marshal pay_ready_context: %w", err)
		}
		payCtx = &raw
	}
	var syncedAt *string
	if e.SyncedAt != nil {
		v := formatTime(*e.SyncedAt)
		syncedAt = &v
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO foundational_knowledge
			(id, name, category, classification, priority, content, metadata,
			 source, source_id, is_active, is_foundational, version,
			 created_at, updated_at, synced_at, pay_ready_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Category, string(e.Classification), int(e.Priority),
		content, metadata, e.Source, e.SourceID, boolToInt(e.IsActive),
		boolToInt(e.IsFoundational), e.Version,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt), syncedAt, payCtx)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

// GetEntity returns the entity or nil when absent.
func (s *Store) GetEntity(ctx context.Context, id string) (*knowledge.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("select foundational_knowledge by id", time.Now())

	row := s.db.QueryRowContext(ctx, selectEntityColumns+` WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// UpdateEntity replaces the full row keyed by id and advances updated_at
// server-side. Returns store.ErrNotFound when no row matches.
func (s *Store) UpdateEntity(ctx context.Context, e *knowledge.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("update foundational_knowledge", time.Now())

	content, err := marshalJSON(e.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var payCtx *string
	if e.PayReadyContext != nil {
		raw, err := marshalJSON(e.PayReadyContext)
		if err != nil {
			return fmt.Errorf("marshal pay_ready_context: %w", err)
		}
		payCtx = &raw
	}
	var syncedAt *string
	if e.SyncedAt != nil {
		v := formatTime(*e.SyncedAt)
		syncedAt = &v
	}

	now := knowledge.NowUTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE foundational_knowledge SET
			name = ?, category = ?, classification = ?, priority = ?,
			content = ?, metadata = ?, source = ?, source_id = ?,
			is_active = ?, is_foundational = ?, version = ?,
			updated_at = ?, synced_at = ?, pay_ready_context = ?
		WHERE id = ?`,
		e.Name, e.Category, string(e.Classification), int(e.Priority),
		content, metadata, e.Source, e.SourceID,
		boolToInt(e.IsActive), boolToInt(e.IsFoundational), e.Version,
		formatTime(now), syncedAt, payCtx, e.ID)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	e.UpdatedAt = now
	return nil
}

// DeleteEntity removes the entity row; version rows cascade.
func (s *Store) DeleteEntity(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("delete foundational_knowledge", time.Now())

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM foundational_knowledge WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEntities applies the filter and orders by (priority DESC,
// updated_at DESC).
func (s *Store) ListEntities(ctx context.Context, f store.Filter) ([]*knowledge.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("select foundational_knowledge filtered", time.Now())

	query := selectEntityColumns + ` WHERE 1=1`
	var args []any
	if f.Classification != nil {
		query += ` AND classification = ?`
		args = append(args, string(*f.Classification))
	}
	if f.Category != nil {
		query += ` AND category = ?`
		args = append(args, *f.Category)
	}
	if f.IsActive != nil {
		query += ` AND is_active = ?`
		args = append(args, boolToInt(*f.IsActive))
	}
	query += ` ORDER BY priority DESC, updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// SearchEntities matches the query case-insensitively against name and
// serialized content of active rows; at most 20 rows, priority DESC.
func (s *Store) SearchEntities(ctx context.Context, query string) ([]*knowledge.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("search foundational_knowledge", time.Now())

	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, selectEntityColumns+`
		WHERE (lower(name) LIKE ? OR lower(content) LIKE ?)
		  AND is_active = 1
		ORDER BY priority DESC
		LIMIT ?`, pattern, pattern, store.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// CountEntities returns the total row count, active or not.
func (s *Store) CountEntities(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("count foundational_knowledge", time.Now())

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM foundational_knowledge`).Scan(&n)
	return n, err
}

// Statistics aggregates counts for the statistics endpoint.
func (s *Store) Statistics(ctx context.Context) (*store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("aggregate foundational_knowledge", time.Now())

	stats := &store.Stats{
		ByClassification: map[string]int{},
		ByPriority:       map[string]int{},
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT classification, priority, is_active, COUNT(*)
		FROM foundational_knowledge
		GROUP BY classification, priority, is_active`)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cls string
		var prio, active, count int
		if err := rows.Scan(&cls, &prio, &active, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		if active == 1 {
			stats.Active += count
		} else {
			stats.Inactive += count
		}
		stats.ByClassification[cls] += count
		stats.ByPriority[knowledge.Priority(prio).String()] += count
	}
	return stats, rows.Err()
}

// AppendVersion inserts a version row. (entity_id, version_number) is
// unique; a duplicate maps to store.ErrAlreadyExists.
func (s *Store) AppendVersion(ctx context.Context, v *knowledge.VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("insert knowledge_versions", time.Now())

	content, err := marshalJSON(v.ContentSnapshot)
	if err != nil {
		return fmt.Errorf("marshal content snapshot: %w", err)
	}
	metadata, err := marshalJSON(v.MetadataSnapshot)
	if err != nil {
		return fmt.Errorf("marshal metadata snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_versions
			(version_id, entity_id, version_number, content_snapshot,
			 metadata_snapshot, change_summary, changed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.VersionID, v.EntityID, v.VersionNumber, content, metadata,
		v.ChangeSummary, v.ChangedBy, formatTime(v.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// ListVersions returns the entity's version log newest-first.
func (s *Store) ListVersions(ctx context.Context, entityID string) ([]*knowledge.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("select knowledge_versions", time.Now())

	rows, err := s.db.QueryContext(ctx, selectVersionColumns+`
		WHERE entity_id = ?
		ORDER BY version_number DESC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*knowledge.VersionRecord
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion returns one version row or nil when absent.
func (s *Store) GetVersion(ctx context.Context, entityID string, versionNumber int) (*knowledge.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("select knowledge_versions by number", time.Now())

	row := s.db.QueryRowContext(ctx, selectVersionColumns+`
		WHERE entity_id = ? AND version_number = ?`, entityID, versionNumber)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// CreateSyncOperation inserts a sync-operation row.
func (s *Store) CreateSyncOperation(ctx context.Context, op *knowledge.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("insert sync_operations", time.Now())

	var completed *string
	if op.CompletedAt != nil {
		v := formatTime(*op.CompletedAt)
		completed = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_operations
			(id, kind, source, status, started_at, completed_at,
			 records_processed, conflicts_detected, error_details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.Source, string(op.Status),
		formatTime(op.StartedAt), completed,
		op.RecordsProcessed, op.ConflictsDetected, op.ErrorDetails)
	if err != nil {
		return fmt.Errorf("insert sync operation: %w", err)
	}
	return nil
}

// UpdateSyncOperation replaces a sync-operation row by id.
func (s *Store) UpdateSyncOperation(ctx context.Context, op *knowledge.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("update sync_operations", time.Now())

	var completed *string
	if op.CompletedAt != nil {
		v := formatTime(*op.CompletedAt)
		completed = &v
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET
			kind = ?, source = ?, status = ?, started_at = ?, completed_at = ?,
			records_processed = ?, conflicts_detected = ?, error_details = ?
		WHERE id = ?`,
		string(op.Kind), op.Source, string(op.Status),
		formatTime(op.StartedAt), completed,
		op.RecordsProcessed, op.ConflictsDetected, op.ErrorDetails, op.ID)
	if err != nil {
		return fmt.Errorf("update sync operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSyncOperations returns the most recent runs, newest first.
func (s *Store) ListSyncOperations(ctx context.Context, limit int) ([]*knowledge.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("select sync_operations", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, source, status, started_at, completed_at,
		       records_processed, conflicts_detected, error_details
		FROM sync_operations
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync operations: %w", err)
	}
	defer rows.Close()

	var out []*knowledge.SyncOperation
	for rows.Next() {
		op := &knowledge.SyncOperation{}
		var kind, status, started string
		var completed *string
		if err := rows.Scan(&op.ID, &kind, &op.Source, &status, &started,
			&completed, &op.RecordsProcessed, &op.ConflictsDetected,
			&op.ErrorDetails); err != nil {
			return nil, err
		}
		op.Kind = knowledge.SyncKind(kind)
		op.Status = knowledge.SyncStatus(status)
		op.StartedAt = parseTime(started)
		if completed != nil {
			t := parseTime(*completed)
			op.CompletedAt = &t
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// CreateSyncConflict inserts a conflict row.
func (s *Store) CreateSyncConflict(ctx context.Context, c *knowledge.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("insert sync_conflicts", time.Now())

	local, err := marshalJSON(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("marshal local snapshot: %w", err)
	}
	remote, err := marshalJSON(c.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("marshal remote snapshot: %w", err)
	}
	var resolved *string
	if c.ResolvedAt != nil {
		v := formatTime(*c.ResolvedAt)
		resolved = &v
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts
			(id, entity_id, sync_operation_id, local_snapshot, remote_snapshot,
			 conflict_type, resolution_status, resolved_by, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityID, c.SyncOperationID, local, remote,
		string(c.ConflictType), string(c.ResolutionStatus),
		c.ResolvedBy, resolved, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert sync conflict: %w", err)
	}
	return nil
}

// UpdateSyncConflict updates resolution fields by id.
func (s *Store) UpdateSyncConflict(ctx context.Context, c *knowledge.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("update sync_conflicts", time.Now())

	var resolved *string
	if c.ResolvedAt != nil {
		v := formatTime(*c.ResolvedAt)
		resolved = &v
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts SET
			resolution_status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ?`,
		string(c.ResolutionStatus), c.ResolvedBy, resolved, c.ID)
	if err != nil {
		return fmt.Errorf("update sync conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Row scanning helpers.

const selectEntityColumns = `
	SELECT id, name, category, classification, priority, content, metadata,
	       source, source_id, is_active, is_foundational, version,
	       created_at, updated_at, synced_at, pay_ready_context
	FROM foundational_knowledge`

const selectVersionColumns = `
	SELECT version_id, entity_id, version_number, content_snapshot,
	       metadata_snapshot, change_summary, changed_by, created_at
	FROM knowledge_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (*knowledge.Entity, error) {
	e := &knowledge.Entity{}
	var cls, content, metadata, created, updated string
	var prio, active, foundational int
	var syncedAt, payCtx *string

	err := r.Scan(&e.ID, &e.Name, &e.Category, &cls, &prio, &content,
		&metadata, &e.Source, &e.SourceID, &active, &foundational,
		&e.Version, &created, &updated, &syncedAt, &payCtx)
	if err != nil {
		return nil, err
	}
	e.Classification = knowledge.Classification(cls)
	e.Priority = knowledge.Priority(prio)
	e.IsActive = active == 1
	e.IsFoundational = foundational == 1
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	if syncedAt != nil {
		t := parseTime(*syncedAt)
		e.SyncedAt = &t
	}
	if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if payCtx != nil {
		if err := json.Unmarshal([]byte(*payCtx), &e.PayReadyContext); err != nil {
			return nil, fmt.Errorf("unmarshal pay_ready_context: %w", err)
		}
	}
	return e, nil
}

func scanEntities(rows *sql.Rows) ([]*knowledge.Entity, error) {
	var out []*knowledge.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanVersion(r rowScanner) (*knowledge.VersionRecord, error) {
	v := &knowledge.VersionRecord{}
	var content, metadata, created string
	err := r.Scan(&v.VersionID, &v.EntityID, &v.VersionNumber, &content,
		&metadata, &v.ChangeSummary, &v.ChangedBy, &created)
	if err != nil {
		return nil, err
	}
	v.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(content), &v.ContentSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal content snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &v.MetadataSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal metadata snapshot: %w", err)
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
