// Package postgres implements the networked store backend on a pgx
// connection pool. Concurrency control is left to the server; the pool is
// bounded and recycles connections older than one hour.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/store"
)

// maxRetries is the number of retries after the first failed attempt.
const maxRetries = 3

// retryInitialInterval seeds the backoff schedule (1s, 2s, 4s); tests
// shrink it.
var retryInitialInterval = time.Second

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	pool    *pgxpool.Pool
	metrics *store.Metrics
}

// Open creates the connection pool and applies the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return &Store{pool: pool, metrics: store.NewMetrics()}, nil
}

// Metrics returns the query counters.
func (s *Store) Metrics() *store.Metrics { return s.metrics }

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withRetry retries op up to 3 times after the first failure with
// exponential backoff (1s, 2s, 4s). Constraint violations and other
// non-transient errors abort immediately.
func (s *Store) withRetry(ctx context.Context, label string, op func() error) error {
	start := time.Now()
	defer func() { s.metrics.Observe(label, time.Since(start)) }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 4 * time.Second

	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempts > maxRetries {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("query", label).Int("attempt", attempts).
			Msg("transient store error, retrying")
		return err
	}, backoff.WithContext(bo, ctx))
}

// isTransient reports whether the error is worth retrying. Constraint
// violations (class 23) and data errors (class 22) never are.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		switch class {
		case "22", "23", "42": // data, integrity, syntax
			return false
		}
		return true
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateEntity inserts an entity row.
func (s *Store) CreateEntity(ctx context.Context, e *knowledge.Entity) error {
	content, metadata, payCtx, err := marshalEntityDocs(e)
	if err != nil {
		return err
	}
	err = s.withRetry(ctx, "insert foundational_knowledge", func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO foundational_knowledge
				(id, name, category, classification, priority, content, metadata,
				 source, source_id, is_active, is_foundational, version,
				 created_at, updated_at, synced_at, pay_ready_context)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			e.ID, e.Name, e.Category, string(e.Classification), int(e.Priority),
			content, metadata, e.Source, e.SourceID, e.IsActive,
			e.IsFoundational, e.Version, e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
			timePtrUTC(e.SyncedAt), payCtx)
		return err
	})
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// GetEntity returns the entity or nil when absent.
func (s *Store) GetEntity(ctx context.Context, id string) (*knowledge.Entity, error) {
	var e *knowledge.Entity
	err := s.withRetry(ctx, "select foundational_knowledge by id", func() error {
		row := s.pool.QueryRow(ctx, selectEntityColumns+` WHERE id = $1`, id)
		got, err := scanEntity(row)
		if err != nil {
			return err
		}
		e = got
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// UpdateEntity replaces the full row and advances updated_at server-side.
func (s *Store) UpdateEntity(ctx context.Context, e *knowledge.Entity) error {
	content, metadata, payCtx, err := marshalEntityDocs(e)
	if err != nil {
		return err
	}
	now := knowledge.NowUTC()
	return s.withRetry(ctx, "update foundational_knowledge", func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE foundational_knowledge SET
				name = $1, category = $2, classification = $3, priority = $4,
				content = $5, metadata = $6, source = $7, source_id = $8,
				is_active = $9, is_foundational = $10, version = $11,
				updated_at = $12, synced_at = $13, pay_ready_context = $14
			WHERE id = $15`,
			e.Name, e.Category, string(e.Classification), int(e.Priority),
			content, metadata, e.Source, e.SourceID, e.IsActive,
			e.IsFoundational, e.Version, now, timePtrUTC(e.SyncedAt),
			payCtx, e.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return backoff.Permanent(store.ErrNotFound)
		}
		e.UpdatedAt = now
		return nil
	})
}

// DeleteEntity removes the entity row; version rows cascade.
func (s *Store) DeleteEntity(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withRetry(ctx, "delete foundational_knowledge", func() error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM foundational_knowledge WHERE id = $1`, id)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}

// ListEntities applies the filter ordered by (priority DESC, updated_at DESC).
func (s *Store) ListEntities(ctx context.Context, f store.Filter) ([]*knowledge.Entity, error) {
	query := selectEntityColumns + ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Classification != nil {
		query += ` AND classification = ` + arg(string(*f.Classification))
	}
	if f.Category != nil {
		query += ` AND category = ` + arg(*f.Category)
	}
	if f.IsActive != nil {
		query += ` AND is_active = ` + arg(*f.IsActive)
	}
	query += ` ORDER BY priority DESC, updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	var out []*knowledge.Entity
	err := s.withRetry(ctx, "select foundational_knowledge filtered", func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanEntities(rows)
		return err
	})
	return out, err
}

// SearchEntities matches active rows whose name or content contains the
// query; at most 20 rows, priority DESC.
func (s *Store) SearchEntities(ctx context.Context, query string) ([]*knowledge.Entity, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	var out []*knowledge.Entity
	err := s.withRetry(ctx, "search foundational_knowledge", func() error {
		rows, err := s.pool.Query(ctx, selectEntityColumns+`
			WHERE (lower(name) LIKE $1 OR lower(content::text) LIKE $1)
			  AND is_active
			ORDER BY priority DESC
			LIMIT $2`, pattern, store.SearchLimit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanEntities(rows)
		return err
	})
	return out, err
}

// CountEntities returns the total row count.
func (s *Store) CountEntities(ctx context.Context) (int, error) {
	var n int
	err := s.withRetry(ctx, "count foundational_knowledge", func() error {
		return s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM foundational_knowledge`).Scan(&n)
	})
	return n, err
}

// Statistics aggregates counts for the statistics endpoint.
func (s *Store) Statistics(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{
		ByClassification: map[string]int{},
		ByPriority:       map[string]int{},
	}
	err := s.withRetry(ctx, "aggregate foundational_knowledge", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT classification, priority, is_active, COUNT(*)
			FROM foundational_knowledge
			GROUP BY classification, priority, is_active`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var cls string
			var prio, count int
			var active bool
			if err := rows.Scan(&cls, &prio, &active, &count); err != nil {
				return err
			}
			stats.Total += count
			if active {
				stats.Active += count
			} else {
				stats.Inactive += count
			}
			stats.ByClassification[cls] += count
			stats.ByPriority[knowledge.Priority(prio).String()] += count
		}
		return rows.Err()
	})
	return stats, err
}

// AppendVersion inserts a version row.
func (s *Store) AppendVersion(ctx context.Context, v *knowledge.VersionRecord) error {
	content, err := json.Marshal(v.ContentSnapshot)
	if err != nil {
		return fmt.Errorf("marshal content snapshot: %w", err)
	}
	metadata, err := json.Marshal(v.MetadataSnapshot)
	if err != nil {
		return fmt.Errorf("marshal metadata snapshot: %w", err)
	}
	err = s.withRetry(ctx, "insert knowledge_versions", func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO knowledge_versions
				(version_id, entity_id, version_number, content_snapshot,
				 metadata_snapshot, change_summary, changed_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			v.VersionID, v.EntityID, v.VersionNumber, content, metadata,
			v.ChangeSummary, v.ChangedBy, v.CreatedAt.UTC())
		return err
	})
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// ListVersions returns the version log newest-first.
func (s *Store) ListVersions(ctx context.Context, entityID string) ([]*knowledge.VersionRecord, error) {
	var out []*knowledge.VersionRecord
	err := s.withRetry(ctx, "select knowledge_versions", func() error {
		rows, err := s.pool.Query(ctx, selectVersionColumns+`
			WHERE entity_id = $1
			ORDER BY version_number DESC`, entityID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			v, err := scanVersion(rows)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

// GetVersion returns one version row or nil when absent.
func (s *Store) GetVersion(ctx context.Context, entityID string, versionNumber int) (*knowledge.VersionRecord, error) {
	var v *knowledge.VersionRecord
	err := s.withRetry(ctx, "select knowledge_versions by number", func() error {
		row := s.pool.QueryRow(ctx, selectVersionColumns+`
			WHERE entity_id = $1 AND version_number = $2`, entityID, versionNumber)
		got, err := scanVersion(row)
		if err != nil {
			return err
		}
		v = got
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// CreateSyncOperation inserts a sync-operation row.
func (s *Store) CreateSyncOperation(ctx context.Context, op *knowledge.SyncOperation) error {
	return s.withRetry(ctx, "insert sync_operations", func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sync_operations
				(id, kind, source, status, started_at, completed_at,
				 records_processed, conflicts_detected, error_details)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			op.ID, string(op.Kind), op.Source, string(op.Status),
			op.StartedAt.UTC(), timePtrUTC(op.CompletedAt),
			op.RecordsProcessed, op.ConflictsDetected, op.ErrorDetails)
		return err
	})
}

// UpdateSyncOperation replaces a sync-operation row by id.
func (s *Store) UpdateSyncOperation(ctx context.Context, op *knowledge.SyncOperation) error {
	return s.withRetry(ctx, "update sync_operations", func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sync_operations SET
				kind = $1, source = $2, status = $3, started_at = $4,
				completed_at = $5, records_processed = $6,
				conflicts_detected = $7, error_details = $8
			WHERE id = $9`,
			string(op.Kind), op.Source, string(op.Status),
			op.StartedAt.UTC(), timePtrUTC(op.CompletedAt),
			op.RecordsProcessed, op.ConflictsDetected, op.ErrorDetails, op.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return backoff.Permanent(store.ErrNotFound)
		}
		return nil
	})
}

// ListSyncOperations returns the most recent runs, newest first.
func (s *Store) ListSyncOperations(ctx context.Context, limit int) ([]*knowledge.SyncOperation, error) {
	var out []*knowledge.SyncOperation
	err := s.withRetry(ctx, "select sync_operations", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, kind, source, status, started_at, completed_at,
			       records_processed, conflicts_detected, error_details
			FROM sync_operations
			ORDER BY started_at DESC
			LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			op := &knowledge.SyncOperation{}
			var kind, status string
			var completed *time.Time
			if err := rows.Scan(&op.ID, &kind, &op.Source, &status,
				&op.StartedAt, &completed, &op.RecordsProcessed,
				&op.ConflictsDetected, &op.ErrorDetails); err != nil {
				return err
			}
			op.Kind = knowledge.SyncKind(kind)
			op.Status = knowledge.SyncStatus(status)
			op.CompletedAt = completed
			out = append(out, op)
		}
		return rows.Err()
	})
	return out, err
}

// CreateSyncConflict inserts a conflict row.
func (s *Store) CreateSyncConflict(ctx context.Context, c *knowledge.SyncConflict) error {
	local, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("marshal local snapshot: %w", err)
	}
	remote, err := json.Marshal(c.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("marshal remote snapshot: %w", err)
	}
	return s.withRetry(ctx, "insert sync_conflicts", func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sync_conflicts
				(id, entity_id, sync_operation_id, local_snapshot,
				 remote_snapshot, conflict_type, resolution_status,
				 resolved_by, resolved_at, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			c.ID, c.EntityID, c.SyncOperationID, local, remote,
			string(c.ConflictType), string(c.ResolutionStatus),
			c.ResolvedBy, timePtrUTC(c.ResolvedAt), c.CreatedAt.UTC())
		return err
	})
}

// UpdateSyncConflict updates resolution fields by id.
func (s *Store) UpdateSyncConflict(ctx context.Context, c *knowledge.SyncConflict) error {
	return s.withRetry(ctx, "update sync_conflicts", func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sync_conflicts SET
				resolution_status = $1, resolved_by = $2, resolved_at = $3
			WHERE id = $4`,
			string(c.ResolutionStatus), c.ResolvedBy,
			timePtrUTC(c.ResolvedAt), c.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return backoff.Permanent(store.ErrNotFound)
		}
		return nil
	})
}

// Helpers.

const selectEntityColumns = `
	SELECT id, name, category, classification, priority, content, metadata,
	       source, source_id, is_active, is_foundational, version,
	       created_at, updated_at, synced_at, pay_ready_context
	FROM foundational_knowledge`

const selectVersionColumns = `
	SELECT version_id, entity_id, version_number, content_snapshot,
	       metadata_snapshot, change_summary, changed_by, created_at
	FROM knowledge_versions`

func marshalEntityDocs(e *knowledge.Entity) (content, metadata []byte, payCtx *[]byte, err error) {
	content, err = json.Marshal(e.Content)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal content: %w", err)
	}
	if e.Content == nil {
		content = []byte("{}")
	}
	metadata, err = json.Marshal(e.Metadata)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if e.Metadata == nil {
		metadata = []byte("{}")
	}
	if e.PayReadyContext != nil {
		raw, err := json.Marshal(e.PayReadyContext)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal pay_ready_context: %w", err)
		}
		payCtx = &raw
	}
	return content, metadata, payCtx, nil
}

func timePtrUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (*knowledge.Entity, error) {
	e := &knowledge.Entity{}
	var cls string
	var prio int
	var content, metadata []byte
	var payCtx *[]byte
	var syncedAt *time.Time

	err := r.Scan(&e.ID, &e.Name, &e.Category, &cls, &prio, &content,
		&metadata, &e.Source, &e.SourceID, &e.IsActive, &e.IsFoundational,
		&e.Version, &e.CreatedAt, &e.UpdatedAt, &syncedAt, &payCtx)
	if err != nil {
		return nil, err
	}
	e.Classification = knowledge.Classification(cls)
	e.Priority = knowledge.Priority(prio)
	e.SyncedAt = syncedAt
	if err := json.Unmarshal(content, &e.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if payCtx != nil {
		if err := json.Unmarshal(*payCtx, &e.PayReadyContext); err != nil {
			return nil, fmt.Errorf("unmarshal pay_ready_context: %w", err)
		}
	}
	return e, nil
}

func scanVersion(r rowScanner) (*knowledge.VersionRecord, error) {
	v := &knowledge.VersionRecord{}
	var content, metadata []byte
	err := r.Scan(&v.VersionID, &v.EntityID, &v.VersionNumber, &content,
		&metadata, &v.ChangeSummary, &v.ChangedBy, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &v.ContentSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal content snapshot: %w", err)
	}
	if err := json.Unmarshal(metadata, &v.MetadataSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal metadata snapshot: %w", err)
	}
	return v, nil
}

func scanEntities(rows pgx.Rows) ([]*knowledge.Entity, error) {
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
