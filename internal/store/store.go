// Package store defines the persistence contract shared by the embedded
// (SQLite) and networked (Postgres) backends. The two implementations are
// interchangeable; callers select one via configuration at startup.
package store

import (
	"context"
	"errors"

	"github.com/payready/knowledge-api/internal/knowledge"
)

var (
	// ErrNotFound is returned when an entity or version does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned on id collision at create time.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Filter narrows ListEntities. Nil pointer fields mean "any".
type Filter struct {
	Classification *knowledge.Classification
	Category       *string
	IsActive       *bool
	Limit          int
	Offset         int
}

// Stats is the aggregate snapshot served by the statistics endpoint.
type Stats struct {
	Total            int            `json:"total"`
	Active           int            `json:"active"`
	Inactive         int            `json:"inactive"`
	ByClassification map[string]int `json:"by_classification"`
	ByPriority       map[string]int `json:"by_priority"`
}

// Store is the durable persistence contract. Exactly one writer mutates a
// given entity at a time; the embedded backend serializes all operations
// behind a process-wide mutex, the networked backend relies on server-side
// locking plus a bounded connection pool.
type Store interface {
	// Entity rows.
	CreateEntity(ctx context.Context, e *knowledge.Entity) error
	GetEntity(ctx context.Context, id string) (*knowledge.Entity, error)
	UpdateEntity(ctx context.Context, e *knowledge.Entity) error
	DeleteEntity(ctx context.Context, id string) (bool, error)
	ListEntities(ctx context.Context, f Filter) ([]*knowledge.Entity, error)
	SearchEntities(ctx context.Context, query string) ([]*knowledge.Entity, error)
	CountEntities(ctx context.Context) (int, error)
	Statistics(ctx context.Context) (*Stats, error)

	// Version rows. Append-only; DeleteEntity cascades to these.
	AppendVersion(ctx context.Context, v *knowledge.VersionRecord) error
	ListVersions(ctx context.Context, entityID string) ([]*knowledge.VersionRecord, error)
	GetVersion(ctx context.Context, entityID string, versionNumber int) (*knowledge.VersionRecord, error)

	// Sync operation rows.
	CreateSyncOperation(ctx context.Context, op *knowledge.SyncOperation) error
	UpdateSyncOperation(ctx context.Context, op *knowledge.SyncOperation) error
	ListSyncOperations(ctx context.Context, limit int) ([]*knowledge.SyncOperation, error)

	// Sync conflict rows.
	CreateSyncConflict(ctx context.Context, c *knowledge.SyncConflict) error
	UpdateSyncConflict(ctx context.Context, c *knowledge.SyncConflict) error

	// Ping verifies the backend is reachable; used by readiness checks.
	Ping(ctx context.Context) error

	Close() error

	// Metrics returns the query counters for this store instance.
	Metrics() *Metrics
}

// SearchLimit caps SearchEntities result sets.
const SearchLimit = 20
